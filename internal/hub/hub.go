// Package hub implements the WebSocket distribution layer of spec.md
// §4.H: per-connection subscriptions keyed by (symbol, timeframe,
// kind), a liveness heartbeat protocol, and a single dispatch goroutine
// broadcasting aggregator/broker events to registered connections.
// Grounded on _examples/toto1234567890-go-market-observer/src/server's
// hub.go/client.go register/unregister/broadcast select loop and
// ping/pong write pump, transported over gorilla/websocket.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"marketpulse/internal/aggregator"
	"marketpulse/internal/domain"
)

const (
	heartbeatInterval = 30 * time.Second
	pongTimeout       = 60 * time.Second
	cleanupInterval   = 120 * time.Second
	defaultLevels     = 20
)

type subscriptionKind string

const (
	kindCandles   subscriptionKind = "candles"
	kindOrderBook subscriptionKind = "orderbook"
)

const allSymbols = "all"

type registryKey struct {
	symbol    string
	timeframe int
	kind      subscriptionKind
}

// hubEvent is the tagged union flowing through the fan-in merge.
type hubEvent struct {
	kind      eventKind
	timeframe int
	candle    domain.Candle
	orderbook domain.OrderBookSnapshot
}

// ClosedPartialSource is what the aggregator exposes to the hub.
type ClosedPartialSource interface {
	Closed() <-chan aggregator.Emission
	Partial() <-chan aggregator.Emission
}

// Hub owns the connection registry and the dispatch loop. All registry
// mutation happens on the single goroutine running Run; ServeHTTP only
// ever sends to the register/unregister channels.
type Hub struct {
	aggregator ClosedPartialSource
	broker     domain.Broker
	timeframes map[int]bool

	upgrader websocket.Upgrader

	registry   map[registryKey]map[*connection]struct{}
	register   chan *connection
	unregister chan *connection
}

// New builds a Hub. timeframes is the configured timeframe set of
// spec.md §4.G/§6 — the only values a handshake's `timeframe` param may
// name.
func New(source ClosedPartialSource, broker domain.Broker, timeframes []int) *Hub {
	tfSet := make(map[int]bool, len(timeframes))
	for _, tf := range timeframes {
		tfSet[tf] = true
	}

	return &Hub{
		aggregator: source,
		broker:     broker,
		timeframes: tfSet,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		registry:   make(map[registryKey]map[*connection]struct{}),
		register:   make(chan *connection, 64),
		unregister: make(chan *connection, 64),
	}
}

// ServeHTTP implements the WebSocket handshake of spec.md §4.H:
// parses symbol/timeframe/type query params, validates timeframe
// against the configured set and type against {candles, orderbook},
// upgrades the connection, and registers it. Invalid params cause an
// immediate upgrade followed by a policy-violation (1008) close,
// mirroring the teacher's upgrade-then-handle flow.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params, err := parseHandshake(r.URL.Query(), h.timeframes)
	if err != nil {
		h.rejectHandshake(w, r, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newConnection(conn, params.symbol, params.timeframe, params.kind, params.levels)
	h.register <- c

	go c.writePump()
	go c.readPump(func() { h.unregister <- c })
}

type handshakeParams struct {
	symbol    string
	timeframe int
	kind      subscriptionKind
	levels    int
}

// parseHandshake validates the query parameters of spec.md §4.H:
// unknown timeframe or type is rejected; everything else defaults
// (symbol="all", timeframe=1, type=candles, levels=20).
func parseHandshake(query url.Values, configured map[int]bool) (handshakeParams, error) {
	params := handshakeParams{
		symbol:    allSymbols,
		timeframe: 1,
		kind:      kindCandles,
		levels:    defaultLevels,
	}

	if symbol := query.Get("symbol"); symbol != "" {
		params.symbol = symbol
	}

	switch raw := query.Get("type"); raw {
	case "":
	case string(kindCandles):
		params.kind = kindCandles
	case string(kindOrderBook):
		params.kind = kindOrderBook
	default:
		return handshakeParams{}, fmt.Errorf("unknown type %q", raw)
	}

	if raw := query.Get("timeframe"); raw != "" {
		tf, err := strconv.Atoi(raw)
		if err != nil || !configured[tf] {
			return handshakeParams{}, fmt.Errorf("unknown timeframe %q", raw)
		}
		params.timeframe = tf
	}

	// timeframe only keys candle subscriptions — order-book
	// subscriptions always key under timeframe 0.
	if params.kind == kindOrderBook {
		params.timeframe = 0
	}

	if raw := query.Get("levels"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			params.levels = n
		}
	}

	return params, nil
}

func (h *Hub) rejectHandshake(w http.ResponseWriter, r *http.Request, reason string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
	conn.Close()
}

// Run subscribes to the aggregator and broker and drives the dispatch
// loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	orderbooks, err := h.broker.SubscribeOrderBooks(ctx)
	if err != nil {
		return err
	}

	fan := newFanIn(
		relabel(h.aggregator.Closed(), eventClosedCandle),
		relabel(h.aggregator.Partial(), eventPartialCandle),
		relabelOrderBooks(orderbooks),
	)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	slog.Info("hub started")

	for {
		select {
		case c := <-h.register:
			h.addConnection(c)

		case c := <-h.unregister:
			h.removeConnection(c)

		case event, ok := <-fan.Output():
			if !ok {
				return nil
			}
			h.dispatch(event)

		case <-heartbeat.C:
			h.broadcastHeartbeat()

		case <-cleanup.C:
			h.sweepDeadConnections()

		case <-ctx.Done():
			return nil
		}
	}
}

func relabel(in <-chan aggregator.Emission, kind eventKind) <-chan hubEvent {
	out := make(chan hubEvent, 4096)
	go func() {
		defer close(out)
		for e := range in {
			out <- hubEvent{kind: kind, timeframe: e.Timeframe, candle: e.Candle}
		}
	}()
	return out
}

func relabelOrderBooks(in <-chan domain.OrderBookSnapshot) <-chan hubEvent {
	out := make(chan hubEvent, 4096)
	go func() {
		defer close(out)
		for o := range in {
			out <- hubEvent{kind: eventOrderBook, orderbook: o}
		}
	}()
	return out
}

func (h *Hub) addConnection(c *connection) {
	key := registryKey{symbol: c.symbol, timeframe: c.timeframe, kind: c.kind}
	if h.registry[key] == nil {
		h.registry[key] = make(map[*connection]struct{})
	}
	h.registry[key][c] = struct{}{}
	slog.Debug("hub connection registered", "symbol", c.symbol, "timeframe", c.timeframe, "kind", c.kind)
}

func (h *Hub) removeConnection(c *connection) {
	key := registryKey{symbol: c.symbol, timeframe: c.timeframe, kind: c.kind}
	if set, ok := h.registry[key]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
		}
		if len(set) == 0 {
			delete(h.registry, key)
		}
	}
}

func (h *Hub) dispatch(event hubEvent) {
	switch event.kind {
	case eventClosedCandle, eventPartialCandle:
		h.dispatchCandle(event.kind, event.timeframe, event.candle)
	case eventOrderBook:
		h.dispatchOrderBook(event.orderbook)
	}
}

func (h *Hub) dispatchCandle(kind eventKind, timeframe int, candle domain.Candle) {
	payload, err := json.Marshal(candleMessage{
		Type:   messageTypeFor(kind),
		Candle: candle,
	})
	if err != nil {
		slog.Error("marshal candle message failed", "error", err)
		return
	}

	key := registryKey{symbol: candle.Symbol, timeframe: timeframe, kind: kindCandles}
	h.broadcastTo(key, payload)

	allKey := registryKey{symbol: allSymbols, timeframe: timeframe, kind: kindCandles}
	h.broadcastTo(allKey, payload)
}

func (h *Hub) dispatchOrderBook(snapshot domain.OrderBookSnapshot) {
	key := registryKey{symbol: snapshot.Symbol, timeframe: 0, kind: kindOrderBook}
	h.broadcastOrderBook(key, snapshot)

	allKey := registryKey{symbol: allSymbols, timeframe: 0, kind: kindOrderBook}
	h.broadcastOrderBook(allKey, snapshot)
}

func (h *Hub) broadcastOrderBook(key registryKey, snapshot domain.OrderBookSnapshot) {
	set, ok := h.registry[key]
	if !ok {
		return
	}
	for c := range set {
		truncated := snapshot.Truncate(c.levels)
		payload, err := json.Marshal(orderbookMessage{Type: "orderbook", OrderBook: truncated})
		if err != nil {
			continue
		}
		c.enqueue(payload)
	}
}

func (h *Hub) broadcastTo(key registryKey, payload []byte) {
	set, ok := h.registry[key]
	if !ok {
		return
	}
	for c := range set {
		c.enqueue(payload)
	}
}

func (h *Hub) broadcastHeartbeat() {
	payload, err := json.Marshal(heartbeatMessage{Type: "heartbeat", TimestampMs: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	for _, set := range h.registry {
		for c := range set {
			c.enqueue(payload)
		}
	}
}

func (h *Hub) sweepDeadConnections() {
	deadline := time.Now().Add(-pongTimeout)
	for key, set := range h.registry {
		for c := range set {
			if c.lastPong().Before(deadline) {
				slog.Debug("hub connection timed out, removing", "symbol", c.symbol, "timeframe", c.timeframe)
				delete(set, c)
				close(c.send)
				if c.conn != nil {
					c.conn.Close()
				}
			}
		}
		if len(set) == 0 {
			delete(h.registry, key)
		}
	}
}

type candleMessage struct {
	Type   string        `json:"type"`
	Candle domain.Candle `json:"candle"`
}

type orderbookMessage struct {
	Type      string                   `json:"type"`
	OrderBook domain.OrderBookSnapshot `json:"orderbook"`
}

type heartbeatMessage struct {
	Type        string `json:"type"`
	TimestampMs int64  `json:"timestamp"`
}

func messageTypeFor(kind eventKind) string {
	if kind == eventClosedCandle {
		return "candle_closed"
	}
	return "candle_partial"
}
