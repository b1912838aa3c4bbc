// Package aggregator implements the online multi-timeframe candle
// rollup of spec.md §4.G. Grounded on
// other_examples/mas-Avi-candles__aggregator.go's shape: a single
// processing goroutine owns a map of per-key sessions fed by one input
// channel, with a ticker driving periodic partial emission — retargeted
// here from trade ticks over a fixed interval to 1-minute candles over
// the configured timeframe set.
package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketpulse/internal/domain"
)

const partialEmitInterval = 5 * time.Second

type sessionKey struct {
	symbol    string
	timeframe int
}

// Emission pairs a candle with the timeframe (in minutes) of the
// session that produced it — a calendar month's actual duration
// varies, so the timeframe label can't be reconstructed from
// CloseTime-OpenTime alone and has to travel with the candle.
type Emission struct {
	Timeframe int
	Candle    domain.Candle
}

// Aggregator consumes closed 1-minute candles from the broker and
// produces closed and interim-partial candles for every configured
// timeframe. All session state is owned by Run's goroutine; Closed and
// Partial are safe to read from any goroutine.
type Aggregator struct {
	broker     domain.Broker
	timeframes []int

	sessions map[sessionKey]*AggregationSession

	closedCh  chan Emission
	partialCh chan Emission

	// snapshotMu guards snapshots, the query layer's read path into
	// otherwise goroutine-owned session state (GET /price per
	// spec.md §4.I consults "the aggregator's current partial").
	snapshotMu sync.RWMutex
	snapshots  map[sessionKey]domain.Candle
}

// New builds an Aggregator producing candles for each of timeframes
// (in minutes, e.g. spec.md's {1,3,5,15,30,45,60,120,180,240,1440,10080,43200}).
func New(broker domain.Broker, timeframes []int) *Aggregator {
	return &Aggregator{
		broker:     broker,
		timeframes: timeframes,
		sessions:   make(map[sessionKey]*AggregationSession),
		closedCh:   make(chan Emission, 4096),
		partialCh:  make(chan Emission, 4096),
		snapshots:  make(map[sessionKey]domain.Candle),
	}
}

// LatestPartial returns the most recently folded partial for
// (symbol, timeframeMinutes), if that session has seen any input.
// Safe to call concurrently with Run.
func (a *Aggregator) LatestPartial(symbol string, timeframeMinutes int) (domain.Candle, bool) {
	a.snapshotMu.RLock()
	defer a.snapshotMu.RUnlock()
	c, ok := a.snapshots[sessionKey{symbol: symbol, timeframe: timeframeMinutes}]
	return c, ok
}

// Closed streams every closed candle across every (symbol, timeframe).
func (a *Aggregator) Closed() <-chan Emission { return a.closedCh }

// Partial streams interim-partial candles, emitted at most once every
// 5s per (symbol, timeframe) with an open period.
func (a *Aggregator) Partial() <-chan Emission { return a.partialCh }

// Run subscribes to the broker's 1-minute candle stream and processes
// it until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	in, err := a.broker.SubscribeCandles(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(partialEmitInterval)
	defer ticker.Stop()

	slog.Info("aggregator started", "timeframes", a.timeframes)

	for {
		select {
		case candle, ok := <-in:
			if !ok {
				return nil
			}
			a.ingest(candle)

		case <-ticker.C:
			a.emitPartials()

		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Aggregator) ingest(candle domain.Candle) {
	for _, tf := range a.timeframes {
		key := sessionKey{symbol: candle.Symbol, timeframe: tf}
		sess, ok := a.sessions[key]
		if !ok {
			sess = newSession(candle.Symbol, tf)
			a.sessions[key] = sess
		}

		closed := sess.Add(candle)
		if partial, ok := sess.Partial(); ok {
			a.storeSnapshot(key, partial)
		}
		if closed == nil {
			continue
		}

		select {
		case a.closedCh <- Emission{Timeframe: tf, Candle: *closed}:
		default:
			slog.Warn("closed candle channel full, dropping", "symbol", closed.Symbol, "timeframe", tf)
		}
	}
}

func (a *Aggregator) storeSnapshot(key sessionKey, candle domain.Candle) {
	a.snapshotMu.Lock()
	a.snapshots[key] = candle
	a.snapshotMu.Unlock()
}

func (a *Aggregator) emitPartials() {
	for key, sess := range a.sessions {
		partial, ok := sess.Partial()
		if !ok {
			continue
		}
		select {
		case a.partialCh <- Emission{Timeframe: key.timeframe, Candle: partial}:
		default:
			slog.Warn("partial candle channel full, dropping", "symbol", partial.Symbol)
		}
	}
}
