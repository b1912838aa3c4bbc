// Package ingestion holds the per-symbol candle and order-book
// collectors of spec.md §4.E/§4.F.
package ingestion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketpulse/internal/domain"
)

// Batcher buffers candles and flushes them to the store either when
// batchSize is reached or every flushPeriod, whichever comes first.
// Adapted from the teacher's internal/application/batcher.go, retyped
// from *domain.AggregatedPrice to domain.Candle. One Batcher is shared
// across every symbol's Live phase to coalesce per-tick writes into
// bulk inserts; the Historical phase writes through the store
// directly instead.
//
// Unlike the teacher's fire-and-forget channel buffer, Add and Flush
// here block until the store has acknowledged the write: a collector
// must not advance its checkpoint past candles that are still sitting
// in memory, so the batch is mutex-guarded rather than handed off
// asynchronously.
type Batcher struct {
	store       domain.Store
	mu          sync.Mutex
	batch       []domain.Candle
	batchSize   int
	flushPeriod time.Duration
}

// NewBatcher builds a Batcher writing through store.
func NewBatcher(store domain.Store) *Batcher {
	return &Batcher{
		store:       store,
		batch:       make([]domain.Candle, 0, 100),
		batchSize:   100,
		flushPeriod: 10 * time.Second,
	}
}

// Add buffers candle for the next flush, flushing immediately and
// synchronously if the batch has reached batchSize. The caller only
// sees Add return once any triggered flush has completed.
func (b *Batcher) Add(ctx context.Context, candle domain.Candle) error {
	b.mu.Lock()
	b.batch = append(b.batch, candle)
	full := len(b.batch) >= b.batchSize
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Flush synchronously inserts whatever is currently buffered and
// returns once the store has acknowledged the write (or failed it).
// Callers that need a checkpoint to be durable must call Flush before
// advancing it.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.batch) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.batch
	b.batch = make([]domain.Candle, 0, b.batchSize)
	b.mu.Unlock()

	start := time.Now()
	if err := b.store.InsertCandles(ctx, batch); err != nil {
		slog.Error("failed to flush candle batch", "count", len(batch), "error", err)
		return err
	}
	slog.Info("candle batch flushed", "count", len(batch), "duration", time.Since(start))
	return nil
}

// Start runs the periodic flush loop until ctx is cancelled, flushing
// any remaining buffered candles before returning. This only catches
// candles left behind by ticks that never accumulated a full batch;
// individual collectors already flush synchronously before
// checkpointing.
func (b *Batcher) Start(ctx context.Context) {
	ticker := time.NewTicker(b.flushPeriod)
	defer ticker.Stop()

	slog.Info("started candle batcher", "batch_size", b.batchSize, "flush_period", b.flushPeriod)

	for {
		select {
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				slog.Error("periodic batch flush failed", "error", err)
			}

		case <-ctx.Done():
			if err := b.Flush(context.Background()); err != nil {
				slog.Error("final batch flush failed", "error", err)
			}
			slog.Info("candle batcher stopped")
			return
		}
	}
}
