package ingestion

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

type fakeStore struct {
	mu         sync.Mutex
	inserted   []domain.Candle
	lastTs     *int64
	states     []domain.CollectorState
	orderbooks []domain.OrderBookSnapshot
	insertErr  error
}

func (f *fakeStore) InsertCandles(ctx context.Context, batch []domain.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, batch...)
	return nil
}

func (f *fakeStore) InsertOrderBook(ctx context.Context, snapshot domain.OrderBookSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderbooks = append(f.orderbooks, snapshot)
	return nil
}

func (f *fakeStore) UpsertState(ctx context.Context, symbol string, lastTimestamp int64, isRealtime bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, domain.CollectorState{Symbol: symbol, LastTimestamp: lastTimestamp, IsRealtime: isRealtime})
	return nil
}

func (f *fakeStore) GetLastTimestamp(ctx context.Context, symbol string) (*int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTs, nil
}

func (f *fakeStore) GetCandles(ctx context.Context, symbol string, timeframeMinutes int, startMs *int64, limit int) ([]domain.Candle, error) {
	return nil, nil
}
func (f *fakeStore) GetRecentCandles(ctx context.Context, symbol string, timeframeMinutes int, limit int) ([]domain.Candle, error) {
	return nil, nil
}
func (f *fakeStore) GetOrderBookLatest(ctx context.Context, symbol string, levels int) (*domain.OrderBookSnapshot, error) {
	return nil, nil
}
func (f *fakeStore) GetSymbols(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeStore) Health(ctx context.Context) error                { return nil }
func (f *fakeStore) Close() error                                     { return nil }

type fakeBroker struct {
	mu      sync.Mutex
	candles []domain.Candle
	obooks  []domain.OrderBookSnapshot
}

func (f *fakeBroker) PublishCandle(ctx context.Context, candle domain.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles = append(f.candles, candle)
	return nil
}
func (f *fakeBroker) PublishOrderBook(ctx context.Context, snapshot domain.OrderBookSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obooks = append(f.obooks, snapshot)
	return nil
}
func (f *fakeBroker) SubscribeCandles(ctx context.Context) (<-chan domain.Candle, error) {
	return nil, nil
}
func (f *fakeBroker) SubscribeOrderBooks(ctx context.Context) (<-chan domain.OrderBookSnapshot, error) {
	return nil, nil
}
func (f *fakeBroker) Close() error { return nil }

type fakeUpstream struct {
	klines func(symbol string, startMs, endMs int64) ([]domain.Candle, error)
	depth  domain.OrderBookSnapshot
}

func (f *fakeUpstream) FetchKlines(ctx context.Context, symbol string, startMs, endMs int64) ([]domain.Candle, error) {
	return f.klines(symbol, startMs, endMs)
}
func (f *fakeUpstream) FetchDepth(ctx context.Context, symbol string, levels int) (domain.OrderBookSnapshot, error) {
	return f.depth, nil
}

func candleAt(ms int64) domain.Candle {
	return domain.Candle{
		Symbol:   "BTCUSDT",
		OpenTime: time.UnixMilli(ms).UTC(),
		Open:     decimal.NewFromInt(1),
		High:     decimal.NewFromInt(1),
		Low:      decimal.NewFromInt(1),
		Close:    decimal.NewFromInt(1),
	}
}

func TestCandleCollectorBootstrapUsesStartDateWhenNoCheckpoint(t *testing.T) {
	store := &fakeStore{}
	start := time.UnixMilli(1_000_000_000).UTC()
	c := NewCandleCollector("BTCUSDT", store, &fakeBroker{}, &fakeUpstream{}, NewBatcher(store), start, 1000, time.Millisecond, time.Millisecond)

	got, err := c.bootstrap(context.Background())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	want := start.UnixMilli() - minuteMs
	if got != want {
		t.Fatalf("bootstrap = %d, want %d", got, want)
	}
}

func TestCandleCollectorBootstrapUsesCheckpointWhenAhead(t *testing.T) {
	checkpoint := int64(2_000_000_000)
	store := &fakeStore{lastTs: &checkpoint}
	start := time.UnixMilli(1_000_000_000).UTC()
	c := NewCandleCollector("BTCUSDT", store, &fakeBroker{}, &fakeUpstream{}, NewBatcher(store), start, 1000, time.Millisecond, time.Millisecond)

	got, err := c.bootstrap(context.Background())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if got != checkpoint {
		t.Fatalf("bootstrap = %d, want checkpoint %d", got, checkpoint)
	}
}

func TestCandleCollectorHistoricalStopsAtPresent(t *testing.T) {
	store := &fakeStore{}
	now := time.Now().UTC().UnixMilli()
	lastTimestamp := now - minuteMs // start == now, so start+1m > now -> loop should not fetch

	calls := 0
	upstream := &fakeUpstream{klines: func(symbol string, startMs, endMs int64) ([]domain.Candle, error) {
		calls++
		return nil, nil
	}}

	c := NewCandleCollector("BTCUSDT", store, &fakeBroker{}, upstream, NewBatcher(store), time.Now(), 1000, time.Millisecond, time.Millisecond)
	result := c.runHistorical(context.Background(), lastTimestamp)

	if calls != 0 {
		t.Fatalf("expected no upstream calls, got %d", calls)
	}
	if result != lastTimestamp {
		t.Fatalf("result = %d, want %d", result, lastTimestamp)
	}
}

func TestCandleCollectorHistoricalAdvancesOnFetch(t *testing.T) {
	store := &fakeStore{}
	now := time.Now().UTC().UnixMilli()
	lastTimestamp := now - 10*minuteMs

	served := false
	upstream := &fakeUpstream{klines: func(symbol string, startMs, endMs int64) ([]domain.Candle, error) {
		if served {
			return nil, nil
		}
		served = true
		return []domain.Candle{candleAt(startMs), candleAt(startMs + minuteMs)}, nil
	}}

	c := NewCandleCollector("BTCUSDT", store, &fakeBroker{}, upstream, NewBatcher(store), time.Now(), 1000, time.Millisecond, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result := c.runHistorical(ctx, lastTimestamp)

	if result <= lastTimestamp {
		t.Fatalf("expected high-water mark to advance past %d, got %d", lastTimestamp, result)
	}
	if len(store.inserted) == 0 {
		t.Fatal("expected candles to be inserted")
	}
}

func TestCandleCollectorLiveTickPublishesOnlyNewCandles(t *testing.T) {
	store := &fakeStore{}
	broker := &fakeBroker{}
	now := time.Now().UTC().UnixMilli()
	highWaterMark := now - minuteMs

	upstream := &fakeUpstream{klines: func(symbol string, startMs, endMs int64) ([]domain.Candle, error) {
		return []domain.Candle{candleAt(highWaterMark), candleAt(now)}, nil
	}}

	c := NewCandleCollector("BTCUSDT", store, broker, upstream, NewBatcher(store), time.Now(), 1000, time.Millisecond, time.Millisecond)
	newMark := c.liveTick(context.Background(), highWaterMark)

	if newMark != now {
		t.Fatalf("newMark = %d, want %d", newMark, now)
	}
	if len(broker.candles) != 1 {
		t.Fatalf("expected exactly 1 published candle, got %d", len(broker.candles))
	}
	if broker.candles[0].Timestamp() != now {
		t.Fatalf("published candle has wrong timestamp: %d", broker.candles[0].Timestamp())
	}
}

func TestOrderBookCollectorTickPersistsAndPublishes(t *testing.T) {
	store := &fakeStore{}
	broker := &fakeBroker{}
	snapshot := domain.OrderBookSnapshot{
		Symbol:    "BTCUSDT",
		Timestamp: time.Now().UTC(),
		Bids:      []domain.PriceLevel{{Price: decimal.NewFromInt(10), Quantity: decimal.NewFromInt(1)}},
		Asks:      []domain.PriceLevel{{Price: decimal.NewFromInt(11), Quantity: decimal.NewFromInt(1)}},
	}
	upstream := &fakeUpstream{depth: snapshot}

	c := NewOrderBookCollector("BTCUSDT", store, broker, upstream, 20, time.Millisecond)
	c.tick(context.Background())

	if len(store.orderbooks) != 1 {
		t.Fatalf("expected 1 stored snapshot, got %d", len(store.orderbooks))
	}
	if len(broker.obooks) != 1 {
		t.Fatalf("expected 1 published snapshot, got %d", len(broker.obooks))
	}
}

func TestOrderBookCollectorDiscardsInvalidSnapshot(t *testing.T) {
	store := &fakeStore{}
	broker := &fakeBroker{}
	invalid := domain.OrderBookSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []domain.PriceLevel{{Price: decimal.NewFromInt(20), Quantity: decimal.NewFromInt(1)}},
		Asks:   []domain.PriceLevel{{Price: decimal.NewFromInt(10), Quantity: decimal.NewFromInt(1)}},
	}
	upstream := &fakeUpstream{depth: invalid}

	c := NewOrderBookCollector("BTCUSDT", store, broker, upstream, 20, time.Millisecond)
	c.tick(context.Background())

	if len(store.orderbooks) != 0 {
		t.Fatal("expected invalid snapshot to be discarded")
	}
}

func TestBatcherFlushInsertsBufferedCandlesSynchronously(t *testing.T) {
	store := &fakeStore{}
	b := NewBatcher(store)

	if err := b.Add(context.Background(), candleAt(1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatal("expected candle to stay buffered before Flush")
	}

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 inserted candle after Flush, got %d", len(store.inserted))
	}
}

func TestBatcherAddFlushesOnceBatchSizeReached(t *testing.T) {
	store := &fakeStore{}
	b := NewBatcher(store)
	b.batchSize = 2

	if err := b.Add(context.Background(), candleAt(1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatal("expected no flush below batch size")
	}
	if err := b.Add(context.Background(), candleAt(2)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(store.inserted) != 2 {
		t.Fatalf("expected Add to trigger a flush at batch size, got %d inserted", len(store.inserted))
	}
}

func TestCandleCollectorLiveTickDoesNotAdvanceOnInsertFailure(t *testing.T) {
	store := &fakeStore{insertErr: fmt.Errorf("insert failed")}
	broker := &fakeBroker{}
	now := time.Now().UTC().UnixMilli()
	highWaterMark := now - minuteMs

	upstream := &fakeUpstream{klines: func(symbol string, startMs, endMs int64) ([]domain.Candle, error) {
		return []domain.Candle{candleAt(now)}, nil
	}}

	c := NewCandleCollector("BTCUSDT", store, broker, upstream, NewBatcher(store), time.Now(), 1000, time.Millisecond, time.Millisecond)
	newMark := c.liveTick(context.Background(), highWaterMark)

	if newMark != highWaterMark {
		t.Fatalf("expected high-water mark to stay at %d on insert failure, got %d", highWaterMark, newMark)
	}
	if len(broker.candles) != 0 {
		t.Fatal("expected no publish when the insert never succeeded")
	}
}
