package ingestion

import (
	"context"
	"log/slog"
	"time"

	"marketpulse/internal/domain"
)

// OrderBookCollector implements spec.md §4.F: on every
// updateInterval tick, fetch a depth snapshot, persist it, and publish
// it. Unlike the candle collector there is no backfill phase — the
// order book has no history worth replaying.
type OrderBookCollector struct {
	symbol         string
	store          domain.Store
	broker         domain.Broker
	upstream       domain.UpstreamClient
	levels         int
	updateInterval time.Duration
}

// NewOrderBookCollector builds a collector for symbol.
func NewOrderBookCollector(symbol string, store domain.Store, broker domain.Broker, upstream domain.UpstreamClient, levels int, updateInterval time.Duration) *OrderBookCollector {
	return &OrderBookCollector{
		symbol:         symbol,
		store:          store,
		broker:         broker,
		upstream:       upstream,
		levels:         levels,
		updateInterval: updateInterval,
	}
}

// Run blocks until ctx is cancelled.
func (c *OrderBookCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.updateInterval)
	defer ticker.Stop()

	c.tick(ctx)

	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *OrderBookCollector) tick(ctx context.Context) {
	snapshot, err := c.upstream.FetchDepth(ctx, c.symbol, c.levels)
	if err != nil {
		slog.Error("orderbook fetch failed", "symbol", c.symbol, "error", err)
		return
	}

	if !snapshot.Valid() {
		slog.Warn("discarding invalid orderbook snapshot", "symbol", c.symbol)
		return
	}

	if err := c.store.InsertOrderBook(ctx, snapshot); err != nil {
		slog.Error("orderbook insert failed", "symbol", c.symbol, "error", err)
		return
	}

	if err := c.broker.PublishOrderBook(ctx, snapshot); err != nil {
		slog.Error("orderbook publish failed", "symbol", c.symbol, "error", err)
	}
}
