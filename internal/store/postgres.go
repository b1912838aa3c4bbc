// Package store is the time-series store adapter of spec.md §4.C,
// adapted from the teacher's internal/adapters/postgres.go: same
// lib/pq driver, same sql.Open/Ping/createTables bootstrap idiom,
// generalized from a single market_data table to the candles,
// orderbook_data, and collector_state schema of spec.md §6.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"marketpulse/internal/config"
	"marketpulse/internal/domain"
)

// PostgresStore implements domain.Store over lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pool against cfg and creates the schema if
// it doesn't already exist. The pool opens at most 10 connections,
// keeps up to 2 idle, and closes a connection idle for 300s. It keeps
// no minimum number of open connections and sets no
// idle-in-transaction timeout on the server.
func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(300 * time.Second)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	adapter := &PostgresStore{db: db}
	if err := adapter.createTables(); err != nil {
		return nil, err
	}

	return adapter, nil
}

func (p *PostgresStore) createTables() error {
	_, err := p.db.Exec(`
	CREATE TABLE IF NOT EXISTS candles (
		symbol VARCHAR(20) NOT NULL,
		timestamp BIGINT NOT NULL,
		open_time TIMESTAMPTZ NOT NULL,
		close_time TIMESTAMPTZ NOT NULL,
		open NUMERIC(28,8) NOT NULL,
		high NUMERIC(28,8) NOT NULL,
		low NUMERIC(28,8) NOT NULL,
		close NUMERIC(28,8) NOT NULL,
		volume NUMERIC(28,8) NOT NULL,
		quote_volume NUMERIC(28,8) NOT NULL,
		trades BIGINT NOT NULL,
		taker_buy_volume NUMERIC(28,8) NOT NULL,
		taker_buy_quote_volume NUMERIC(28,8) NOT NULL,
		PRIMARY KEY (symbol, timestamp)
	)`)
	if err != nil {
		return fmt.Errorf("create candles table: %w", err)
	}

	_, err = p.db.Exec(`
	CREATE TABLE IF NOT EXISTS orderbook_data (
		symbol VARCHAR(20) NOT NULL,
		timestamp BIGINT NOT NULL,
		last_update_id BIGINT NOT NULL,
		bids JSONB NOT NULL,
		asks JSONB NOT NULL,
		PRIMARY KEY (symbol, timestamp)
	)`)
	if err != nil {
		return fmt.Errorf("create orderbook_data table: %w", err)
	}

	_, err = p.db.Exec(`
	CREATE TABLE IF NOT EXISTS collector_state (
		symbol VARCHAR(20) PRIMARY KEY,
		last_timestamp BIGINT NOT NULL,
		is_realtime BOOLEAN NOT NULL DEFAULT false,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("create collector_state table: %w", err)
	}

	return nil
}

// InsertCandles inserts batch in a single transaction. Duplicates on
// (symbol, timestamp) are silently skipped via ON CONFLICT DO NOTHING,
// satisfying spec.md §4.C and the store-idempotence property of §8.5.
func (p *PostgresStore) InsertCandles(ctx context.Context, batch []domain.Candle) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO candles (symbol, timestamp, open_time, close_time, open, high, low, close,
		volume, quote_volume, trades, taker_buy_volume, taker_buy_quote_volume)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (symbol, timestamp) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("%w: prepare insert: %v", domain.ErrStoreUnavailable, err)
	}
	defer stmt.Close()

	for _, c := range batch {
		_, err := stmt.ExecContext(ctx, c.Symbol, c.Timestamp(), c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.QuoteVolume, c.Trades,
			c.TakerBuyVolume, c.TakerBuyQuoteVolume)
		if err != nil {
			return fmt.Errorf("%w: insert candle %s@%d: %v", domain.ErrStoreUnavailable, c.Symbol, c.Timestamp(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// InsertOrderBook inserts one snapshot; duplicates on (symbol,
// timestamp) are silently skipped. Per spec.md §9 open question, rows
// are kept even when last_update_id repeats — dedup, if wanted, is the
// consumer's job.
func (p *PostgresStore) InsertOrderBook(ctx context.Context, snapshot domain.OrderBookSnapshot) error {
	bids, err := json.Marshal(snapshot.Bids)
	if err != nil {
		return fmt.Errorf("marshal bids: %w", err)
	}
	asks, err := json.Marshal(snapshot.Asks)
	if err != nil {
		return fmt.Errorf("marshal asks: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
	INSERT INTO orderbook_data (symbol, timestamp, last_update_id, bids, asks)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (symbol, timestamp) DO NOTHING`,
		snapshot.Symbol, snapshot.TimestampMillis(), snapshot.LastUpdateID, bids, asks)
	if err != nil {
		return fmt.Errorf("%w: insert orderbook: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// UpsertState checkpoints a symbol's collector progress.
func (p *PostgresStore) UpsertState(ctx context.Context, symbol string, lastTimestamp int64, isRealtime bool) error {
	_, err := p.db.ExecContext(ctx, `
	INSERT INTO collector_state (symbol, last_timestamp, is_realtime, last_updated)
	VALUES ($1,$2,$3,now())
	ON CONFLICT (symbol) DO UPDATE SET
		last_timestamp = EXCLUDED.last_timestamp,
		is_realtime = EXCLUDED.is_realtime,
		last_updated = now()`,
		symbol, lastTimestamp, isRealtime)
	if err != nil {
		return fmt.Errorf("%w: upsert state: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// GetLastTimestamp returns the checkpointed last_timestamp for symbol,
// or nil if the symbol has never been seen.
func (p *PostgresStore) GetLastTimestamp(ctx context.Context, symbol string) (*int64, error) {
	var ts int64
	err := p.db.QueryRowContext(ctx, `SELECT last_timestamp FROM collector_state WHERE symbol = $1`, symbol).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get last timestamp: %v", domain.ErrStoreUnavailable, err)
	}
	return &ts, nil
}

// GetCandles returns candles for symbol bucketed to timeframeMinutes,
// ordered by bucket start ascending, capped at limit rows. For
// timeframeMinutes == 1 this is a plain range scan; otherwise it uses
// the server-side bucket query built by bucketQuery.
func (p *PostgresStore) GetCandles(ctx context.Context, symbol string, timeframeMinutes int, startMs *int64, limit int) ([]domain.Candle, error) {
	query, args := bucketQuery(symbol, timeframeMinutes, startMs, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: get candles: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var openMs int64
		if err := rows.Scan(&openMs, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.QuoteVolume, &c.Trades, &c.TakerBuyVolume, &c.TakerBuyQuoteVolume); err != nil {
			return nil, fmt.Errorf("%w: scan candle: %v", domain.ErrStoreUnavailable, err)
		}
		c.Symbol = symbol
		c.OpenTime = time.UnixMilli(openMs).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate candles: %v", domain.ErrStoreUnavailable, err)
	}
	return out, nil
}

// GetRecentCandles returns the newest candles for symbol bucketed to
// timeframeMinutes, ordered by bucket start descending, capped at
// limit rows. Used by the GET /price handler to fall back to the two
// most recent closed candles when the aggregator has no live partial.
func (p *PostgresStore) GetRecentCandles(ctx context.Context, symbol string, timeframeMinutes int, limit int) ([]domain.Candle, error) {
	query, args := recentBucketQuery(symbol, timeframeMinutes, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: get recent candles: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var openMs int64
		if err := rows.Scan(&openMs, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.QuoteVolume, &c.Trades, &c.TakerBuyVolume, &c.TakerBuyQuoteVolume); err != nil {
			return nil, fmt.Errorf("%w: scan candle: %v", domain.ErrStoreUnavailable, err)
		}
		c.Symbol = symbol
		c.OpenTime = time.UnixMilli(openMs).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate recent candles: %v", domain.ErrStoreUnavailable, err)
	}
	return out, nil
}

// GetOrderBookLatest returns the newest snapshot for symbol truncated
// to levels, or nil if none exists.
func (p *PostgresStore) GetOrderBookLatest(ctx context.Context, symbol string, levels int) (*domain.OrderBookSnapshot, error) {
	var snapshot domain.OrderBookSnapshot
	var ts int64
	var bids, asks []byte

	err := p.db.QueryRowContext(ctx, `
	SELECT timestamp, last_update_id, bids, asks FROM orderbook_data
	WHERE symbol = $1 ORDER BY timestamp DESC LIMIT 1`, symbol).
		Scan(&ts, &snapshot.LastUpdateID, &bids, &asks)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get latest orderbook: %v", domain.ErrStoreUnavailable, err)
	}

	if err := json.Unmarshal(bids, &snapshot.Bids); err != nil {
		return nil, fmt.Errorf("unmarshal bids: %w", err)
	}
	if err := json.Unmarshal(asks, &snapshot.Asks); err != nil {
		return nil, fmt.Errorf("unmarshal asks: %w", err)
	}

	snapshot.Symbol = symbol
	snapshot.Timestamp = time.UnixMilli(ts).UTC()
	truncated := snapshot.Truncate(levels)
	return &truncated, nil
}

// GetSymbols returns the sorted unique set of symbols with at least
// one persisted candle.
func (p *PostgresStore) GetSymbols(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM candles ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("%w: get symbols: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("%w: scan symbol: %v", domain.ErrStoreUnavailable, err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// Health probes the pool with a ping.
func (p *PostgresStore) Health(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
