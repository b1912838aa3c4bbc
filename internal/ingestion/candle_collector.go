package ingestion

import (
	"context"
	"log/slog"
	"time"

	"marketpulse/internal/domain"
)

const minuteMs = int64(60_000)

// CandleCollector runs the per-symbol state machine of spec.md §4.E:
// Bootstrap, Historical backfill, Transition, then Live. It is grounded
// on the teacher's Application.startLiveMode/startTestMode/aggregateData
// orchestration style — one independent goroutine per symbol, isolated
// failures, ticker-driven live phase.
type CandleCollector struct {
	symbol           string
	store            domain.Store
	broker           domain.Broker
	upstream         domain.UpstreamClient
	liveBatcher      *Batcher
	startDate        time.Time
	batchSize        int
	realtimeInterval time.Duration
	retryDelay       time.Duration
}

// NewCandleCollector builds a collector for symbol. liveBatcher is a
// process-wide Batcher shared across every symbol's live phase —
// live-phase writes are coalesced through it the way the teacher's
// Worker coalesces cache writes through its Batcher, rather than each
// collector opening its own transaction per tick.
func NewCandleCollector(symbol string, store domain.Store, broker domain.Broker, upstream domain.UpstreamClient, liveBatcher *Batcher, startDate time.Time, batchSize int, realtimeInterval, retryDelay time.Duration) *CandleCollector {
	return &CandleCollector{
		symbol:           symbol,
		store:            store,
		broker:           broker,
		upstream:         upstream,
		liveBatcher:      liveBatcher,
		startDate:        startDate,
		batchSize:        batchSize,
		realtimeInterval: realtimeInterval,
		retryDelay:       retryDelay,
	}
}

// Run blocks until ctx is cancelled. Failures in fetch or store calls
// are logged and the loop backs off and resumes — a failure for one
// symbol never stalls another, per spec.md §5/§7.
func (c *CandleCollector) Run(ctx context.Context) {
	lastTimestamp, err := c.bootstrap(ctx)
	for err != nil {
		slog.Error("candle collector bootstrap failed, retrying", "symbol", c.symbol, "error", err)
		if !sleepOrDone(ctx, c.retryDelay) {
			return
		}
		lastTimestamp, err = c.bootstrap(ctx)
	}

	highWaterMark := c.runHistorical(ctx, lastTimestamp)
	if ctx.Err() != nil {
		return
	}

	if err := c.store.UpsertState(ctx, c.symbol, highWaterMark, true); err != nil {
		slog.Error("failed to checkpoint realtime transition", "symbol", c.symbol, "error", err)
	} else {
		slog.Info("candle collector transitioned to realtime", "symbol", c.symbol, "last_timestamp", highWaterMark)
	}

	c.runLive(ctx, highWaterMark)
}

// bootstrap implements spec.md §4.E's Bootstrap step: start = max(last
// checkpoint + 1 minute, configured START_DATE).
func (c *CandleCollector) bootstrap(ctx context.Context) (int64, error) {
	startFloorMs := c.startDate.UnixMilli() - minuteMs

	last, err := c.store.GetLastTimestamp(ctx, c.symbol)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return startFloorMs, nil
	}
	if *last > startFloorMs {
		return *last, nil
	}
	return startFloorMs, nil
}

// runHistorical implements the Historical phase: while start+1m <= now,
// fetch at most batchSize minutes, normalize, insert, checkpoint with
// is_realtime=false, and advance. Returns the last known timestamp
// (the high-water mark carried into the Live phase).
func (c *CandleCollector) runHistorical(ctx context.Context, lastTimestamp int64) int64 {
	for {
		if ctx.Err() != nil {
			return lastTimestamp
		}

		start := lastTimestamp + minuteMs
		now := time.Now().UTC().UnixMilli()
		if start+minuteMs > now {
			return lastTimestamp
		}

		end := start + int64(c.batchSize)*minuteMs - 1
		if end > now {
			end = now
		}

		candles, err := c.upstream.FetchKlines(ctx, c.symbol, start, end)
		if err != nil {
			slog.Error("historical fetch failed, retrying", "symbol", c.symbol, "error", err)
			if !sleepOrDone(ctx, c.retryDelay) {
				return lastTimestamp
			}
			continue
		}

		if len(candles) == 0 {
			slog.Debug("empty historical reply, sleeping", "symbol", c.symbol, "start", start)
			if !sleepOrDone(ctx, time.Minute) {
				return lastTimestamp
			}
			continue
		}

		if err := c.store.InsertCandles(ctx, candles); err != nil {
			slog.Error("historical insert failed, retrying", "symbol", c.symbol, "error", err)
			if !sleepOrDone(ctx, c.retryDelay) {
				return lastTimestamp
			}
			continue
		}

		lastTimestamp = candles[len(candles)-1].Timestamp()
		if err := c.store.UpsertState(ctx, c.symbol, lastTimestamp, false); err != nil {
			slog.Error("historical checkpoint failed", "symbol", c.symbol, "error", err)
		}
	}
}

// runLive implements the Live phase: every realtimeInterval, fetch the
// trailing 5-minute window, insert (duplicates silently skipped by the
// store's primary key), checkpoint, and publish each candle whose
// timestamp exceeds the in-memory high-water mark. The checkpoint only
// advances once the insert has been acknowledged by the store, so a
// crash between fetch and flush leaves last_timestamp behind the
// batcher's buffer rather than ahead of it — the next tick's window
// overlaps and re-fetches whatever didn't make it in.
func (c *CandleCollector) runLive(ctx context.Context, highWaterMark int64) {
	ticker := time.NewTicker(c.realtimeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			highWaterMark = c.liveTick(ctx, highWaterMark)
		case <-ctx.Done():
			if err := c.store.UpsertState(context.Background(), c.symbol, highWaterMark, true); err != nil {
				slog.Error("final checkpoint on shutdown failed", "symbol", c.symbol, "error", err)
			}
			return
		}
	}
}

func (c *CandleCollector) liveTick(ctx context.Context, highWaterMark int64) int64 {
	now := time.Now().UTC().UnixMilli()
	windowStart := now - 5*60_000

	candles, err := c.upstream.FetchKlines(ctx, c.symbol, windowStart, now)
	if err != nil {
		slog.Error("live fetch failed", "symbol", c.symbol, "error", err)
		return highWaterMark
	}
	if len(candles) == 0 {
		return highWaterMark
	}

	for _, candle := range candles {
		if err := c.liveBatcher.Add(ctx, candle); err != nil {
			slog.Error("live insert failed, will retry next tick", "symbol", c.symbol, "error", err)
			return highWaterMark
		}
	}
	if err := c.liveBatcher.Flush(ctx); err != nil {
		slog.Error("live flush failed, will retry next tick", "symbol", c.symbol, "error", err)
		return highWaterMark
	}

	newMark := highWaterMark
	for _, candle := range candles {
		if candle.Timestamp() > highWaterMark {
			if err := c.broker.PublishCandle(ctx, candle); err != nil {
				slog.Error("publish failed", "symbol", c.symbol, "error", err)
			}
		}
		if candle.Timestamp() > newMark {
			newMark = candle.Timestamp()
		}
	}

	if newMark != highWaterMark {
		if err := c.store.UpsertState(ctx, c.symbol, newMark, true); err != nil {
			slog.Error("live checkpoint failed", "symbol", c.symbol, "error", err)
		}
	}

	return newMark
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
