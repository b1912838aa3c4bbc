package store

import "fmt"

// bucketQuery builds the SQL and bound args for GetCandles. For
// timeframeMinutes == 1 it's a plain range scan over the candles
// table; for larger timeframes it builds the server-side bucket
// aggregation of spec.md §4.C: bucket start = floor(open_time /
// period) * period, open = first by open_time, close = last by
// open_time, high = max, low = min, volumes/trades summed.
func bucketQuery(symbol string, timeframeMinutes int, startMs *int64, limit int) (string, []interface{}) {
	if timeframeMinutes <= 1 {
		return plainScanQuery(symbol, startMs, limit)
	}
	return bucketedAggregationQuery(symbol, timeframeMinutes, startMs, limit)
}

// recentBucketQuery is bucketQuery's mirror image: newest-bucket-first,
// no start filter, for the GET /price handler's "two most recent
// closed candles" fallback.
func recentBucketQuery(symbol string, timeframeMinutes int, limit int) (string, []interface{}) {
	if timeframeMinutes <= 1 {
		query := `
		SELECT timestamp, close_time, open, high, low, close, volume, quote_volume,
			trades, taker_buy_volume, taker_buy_quote_volume
		FROM candles
		WHERE symbol = $1
		ORDER BY timestamp DESC
		LIMIT $2`
		return query, []interface{}{symbol, limit}
	}

	periodMs := int64(timeframeMinutes) * 60000
	query := `
	WITH period AS (
		SELECT timestamp, close_time, open, high, low, close, volume, quote_volume,
			trades, taker_buy_volume, taker_buy_quote_volume,
			(timestamp / $2) * $2 AS bucket
		FROM candles
		WHERE symbol = $1
	),
	first_row AS (
		SELECT DISTINCT ON (bucket) bucket, timestamp AS bucket_start, open
		FROM period
		ORDER BY bucket, timestamp ASC
	),
	last_row AS (
		SELECT DISTINCT ON (bucket) bucket, close, close_time
		FROM period
		ORDER BY bucket, timestamp DESC
	),
	agg AS (
		SELECT bucket, MAX(high) AS high, MIN(low) AS low,
			SUM(volume) AS volume, SUM(quote_volume) AS quote_volume,
			SUM(trades) AS trades, SUM(taker_buy_volume) AS taker_buy_volume,
			SUM(taker_buy_quote_volume) AS taker_buy_quote_volume
		FROM period
		GROUP BY bucket
	)
	SELECT f.bucket_start, l.close_time, f.open, a.high, a.low, l.close,
		a.volume, a.quote_volume, a.trades, a.taker_buy_volume, a.taker_buy_quote_volume
	FROM agg a
	JOIN first_row f ON f.bucket = a.bucket
	JOIN last_row l ON l.bucket = a.bucket
	ORDER BY f.bucket_start DESC
	LIMIT $3`
	return query, []interface{}{symbol, periodMs, limit}
}

func plainScanQuery(symbol string, startMs *int64, limit int) (string, []interface{}) {
	args := []interface{}{symbol}
	where := "symbol = $1"
	if startMs != nil {
		args = append(args, *startMs)
		where += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
	SELECT timestamp, close_time, open, high, low, close, volume, quote_volume,
		trades, taker_buy_volume, taker_buy_quote_volume
	FROM candles
	WHERE %s
	ORDER BY timestamp ASC
	LIMIT $%d`, where, len(args))

	return query, args
}

func bucketedAggregationQuery(symbol string, timeframeMinutes int, startMs *int64, limit int) (string, []interface{}) {
	periodMs := int64(timeframeMinutes) * 60000

	args := []interface{}{symbol, periodMs}
	where := "symbol = $1"
	if startMs != nil {
		args = append(args, *startMs)
		where += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	args = append(args, limit)
	limitPos := len(args)

	query := fmt.Sprintf(`
	WITH period AS (
		SELECT timestamp, close_time, open, high, low, close, volume, quote_volume,
			trades, taker_buy_volume, taker_buy_quote_volume,
			(timestamp / $2) * $2 AS bucket
		FROM candles
		WHERE %s
	),
	first_row AS (
		SELECT DISTINCT ON (bucket) bucket, timestamp AS bucket_start, open
		FROM period
		ORDER BY bucket, timestamp ASC
	),
	last_row AS (
		SELECT DISTINCT ON (bucket) bucket, close, close_time
		FROM period
		ORDER BY bucket, timestamp DESC
	),
	agg AS (
		SELECT bucket, MAX(high) AS high, MIN(low) AS low,
			SUM(volume) AS volume, SUM(quote_volume) AS quote_volume,
			SUM(trades) AS trades, SUM(taker_buy_volume) AS taker_buy_volume,
			SUM(taker_buy_quote_volume) AS taker_buy_quote_volume
		FROM period
		GROUP BY bucket
	)
	SELECT f.bucket_start, l.close_time, f.open, a.high, a.low, l.close,
		a.volume, a.quote_volume, a.trades, a.taker_buy_volume, a.taker_buy_quote_volume
	FROM agg a
	JOIN first_row f ON f.bucket = a.bucket
	JOIN last_row l ON l.bucket = a.bucket
	ORDER BY f.bucket_start ASC
	LIMIT $%d`, where, limitPos)

	return query, args
}
