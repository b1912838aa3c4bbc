package aggregator

import (
	"sort"
	"time"

	"marketpulse/internal/domain"
)

// AggregationSession is the in-memory state of spec.md §4.G for one
// (symbol, timeframe) pair: the current partial candle, folded from
// every 1-minute input seen for its period. Inputs are kept keyed by
// their own timestamp rather than folded incrementally in arrival
// order, so that re-feeding the same set of 1-minute candles in any
// order — or with duplicates — folds to the identical closed candle,
// per spec.md §8.3's idempotence property. Owned exclusively by the
// aggregator's single processing goroutine; no locking.
type AggregationSession struct {
	symbol           string
	timeframeMinutes int
	periodStart      int64
	inputs           map[int64]domain.Candle
}

func newSession(symbol string, timeframeMinutes int) *AggregationSession {
	return &AggregationSession{
		symbol:           symbol,
		timeframeMinutes: timeframeMinutes,
		inputs:           make(map[int64]domain.Candle),
	}
}

// Add folds a 1-minute candle into the session. If c belongs to a new
// period, the previous partial is closed and returned; a late input
// belonging to an already-closed period is dropped and nil is
// returned, matching spec.md §8.3's "late input" scenario.
func (s *AggregationSession) Add(c domain.Candle) *domain.Candle {
	ps := periodStart(c.Timestamp(), s.timeframeMinutes)

	if len(s.inputs) == 0 {
		s.periodStart = ps
		s.inputs[c.Timestamp()] = c
		return nil
	}

	if ps < s.periodStart {
		return nil
	}

	if ps > s.periodStart {
		closed := s.fold()
		s.inputs = make(map[int64]domain.Candle)
		s.periodStart = ps
		s.inputs[c.Timestamp()] = c
		return &closed
	}

	s.inputs[c.Timestamp()] = c
	return nil
}

// Partial returns the current, not-yet-closed candle folded from
// whatever inputs the session has seen so far for its open period.
// ok is false if the session has received no input yet.
func (s *AggregationSession) Partial() (domain.Candle, bool) {
	if len(s.inputs) == 0 {
		return domain.Candle{}, false
	}
	return s.fold(), true
}

func (s *AggregationSession) fold() domain.Candle {
	timestamps := make([]int64, 0, len(s.inputs))
	for ts := range s.inputs {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	first := s.inputs[timestamps[0]]
	last := s.inputs[timestamps[len(timestamps)-1]]

	out := domain.Candle{
		Symbol:    s.symbol,
		OpenTime:  time.UnixMilli(s.periodStart).UTC(),
		CloseTime: time.UnixMilli(periodEnd(s.periodStart, s.timeframeMinutes)).UTC(),
		Open:      first.Open,
		High:      first.High,
		Low:       first.Low,
		Close:     last.Close,
	}

	for _, ts := range timestamps {
		in := s.inputs[ts]
		if in.High.GreaterThan(out.High) {
			out.High = in.High
		}
		if in.Low.LessThan(out.Low) {
			out.Low = in.Low
		}
		out.Volume = out.Volume.Add(in.Volume)
		out.QuoteVolume = out.QuoteVolume.Add(in.QuoteVolume)
		out.TakerBuyVolume = out.TakerBuyVolume.Add(in.TakerBuyVolume)
		out.TakerBuyQuoteVolume = out.TakerBuyQuoteVolume.Add(in.TakerBuyQuoteVolume)
		out.Trades += in.Trades
	}

	return out
}
