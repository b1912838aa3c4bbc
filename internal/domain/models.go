// Package domain holds the shared data model and collaborator
// interfaces that every other package depends on. Nothing in this
// package depends on Postgres, Redis, or net/http.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is an OHLCV summary over a fixed-length window, identified by
// (Symbol, Timestamp). Once persisted it is never mutated; only the
// aggregator's in-memory partial candles are mutated, and those never
// claim this type's closed-candle invariants until they close.
type Candle struct {
	Symbol              string          `json:"symbol"`
	OpenTime            time.Time       `json:"open_time"`
	CloseTime           time.Time       `json:"close_time"`
	Open                decimal.Decimal `json:"open"`
	High                decimal.Decimal `json:"high"`
	Low                 decimal.Decimal `json:"low"`
	Close               decimal.Decimal `json:"close"`
	Volume              decimal.Decimal `json:"volume"`
	QuoteVolume         decimal.Decimal `json:"quote_volume"`
	Trades              int64           `json:"trades"`
	TakerBuyVolume      decimal.Decimal `json:"taker_buy_volume"`
	TakerBuyQuoteVolume decimal.Decimal `json:"taker_buy_quote_volume"`
}

// Timestamp is the open time in integer milliseconds, the numeric half
// of the (symbol, timestamp) primary key.
func (c Candle) Timestamp() int64 {
	return c.OpenTime.UnixMilli()
}

// Valid reports whether c satisfies the universal candle invariants of
// spec.md §8.1: low <= min(open,close) <= max(open,close) <= high, and
// every numeric field is non-negative.
func (c Candle) Valid() bool {
	lo, hi := c.Open, c.Open
	if c.Close.LessThan(lo) {
		lo = c.Close
	}
	if c.Close.GreaterThan(hi) {
		hi = c.Close
	}
	if c.Low.GreaterThan(lo) || c.High.LessThan(hi) || c.Low.GreaterThan(c.High) {
		return false
	}
	for _, v := range []decimal.Decimal{c.Volume, c.QuoteVolume, c.TakerBuyVolume, c.TakerBuyQuoteVolume} {
		if v.IsNegative() {
			return false
		}
	}
	return c.Trades >= 0
}

// PriceLevel is one (price, quantity) entry of an order-book side.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookSnapshot is an append-only depth snapshot for one symbol at
// one instant.
type OrderBookSnapshot struct {
	Symbol       string       `json:"symbol"`
	Timestamp    time.Time    `json:"timestamp"`
	LastUpdateID int64        `json:"last_update_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// TimestampMillis is the snapshot timestamp in integer milliseconds.
func (o OrderBookSnapshot) TimestampMillis() int64 {
	return o.Timestamp.UnixMilli()
}

// Valid reports whether o satisfies the universal order-book invariants
// of spec.md §8.2: bids strictly descending, asks strictly ascending,
// best bid <= best ask, every price/quantity non-negative.
func (o OrderBookSnapshot) Valid() bool {
	for i := 1; i < len(o.Bids); i++ {
		if !o.Bids[i-1].Price.GreaterThan(o.Bids[i].Price) {
			return false
		}
	}
	for i := 1; i < len(o.Asks); i++ {
		if !o.Asks[i].Price.GreaterThan(o.Asks[i-1].Price) {
			return false
		}
	}
	if len(o.Bids) > 0 && len(o.Asks) > 0 && o.Bids[0].Price.GreaterThan(o.Asks[0].Price) {
		return false
	}
	for _, side := range [][]PriceLevel{o.Bids, o.Asks} {
		for _, lvl := range side {
			if lvl.Price.IsNegative() || lvl.Quantity.IsNegative() {
				return false
			}
		}
	}
	return true
}

// Truncate returns a copy of o with both sides capped to levels.
func (o OrderBookSnapshot) Truncate(levels int) OrderBookSnapshot {
	out := o
	if len(out.Bids) > levels {
		out.Bids = out.Bids[:levels]
	}
	if len(out.Asks) > levels {
		out.Asks = out.Asks[:levels]
	}
	return out
}

// CollectorState is the per-symbol checkpoint row a candle collector
// reads on boot and writes after every successful insert.
type CollectorState struct {
	Symbol        string    `json:"symbol"`
	LastTimestamp int64     `json:"last_timestamp"`
	IsRealtime    bool      `json:"is_realtime"`
	LastUpdated   time.Time `json:"last_updated"`
}

// DataKind is the subscription kind a WebSocket client asks for.
type DataKind string

const (
	KindCandles   DataKind = "candles"
	KindOrderBook DataKind = "orderbook"
)

// HealthStatus is the payload returned by GET /health.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
}

// PriceAnalytics is the payload returned by GET /price.
type PriceAnalytics struct {
	Symbol         string          `json:"symbol"`
	Timeframe      string          `json:"timeframe"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	PreviousPrice  decimal.Decimal `json:"previous_price"`
	ChangeAbsolute decimal.Decimal `json:"change_absolute"`
	ChangePercent  decimal.Decimal `json:"change_percent"`
	Trend          string          `json:"trend"`
	Timestamp      time.Time       `json:"timestamp"`
	Volume         decimal.Decimal `json:"volume"`
}
