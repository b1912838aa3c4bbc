// Package broker is the pub/sub adapter of spec.md §4.D, adapted from
// the teacher's internal/adapters/redis.go: same go-redis/v9 client
// construction and fmt.Sprintf key-naming idiom, re-pointed from the
// teacher's sorted-set recent-price cache onto native Redis Pub/Sub —
// spec.md's broker has no caching role, only fan-out to the
// candles:<SYMBOL>/candles:all and orderbook:<SYMBOL>/orderbook:all
// topics.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"marketpulse/internal/config"
	"marketpulse/internal/domain"
)

const reconnectCap = 30 * time.Second

// RedisBroker implements domain.Broker over go-redis/v9's Pub/Sub.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to cfg and verifies reachability with a ping.
func NewRedisBroker(cfg config.RedisConfig) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}

	return &RedisBroker{client: client}, nil
}

func candleTopics(symbol string) (string, string) {
	return fmt.Sprintf("candles:%s", symbol), "candles:all"
}

func orderbookTopics(symbol string) (string, string) {
	return fmt.Sprintf("orderbook:%s", symbol), "orderbook:all"
}

// PublishCandle publishes candle's JSON encoding to both
// candles:<SYMBOL> and candles:all. On failure it logs and returns the
// error; the caller is expected to treat the store as authoritative and
// drop the event rather than retry, per spec.md §7 BrokerUnavailable.
func (b *RedisBroker) PublishCandle(ctx context.Context, candle domain.Candle) error {
	payload, err := json.Marshal(candle)
	if err != nil {
		return fmt.Errorf("marshal candle: %w", err)
	}

	perSymbol, all := candleTopics(candle.Symbol)
	return b.publishBoth(ctx, perSymbol, all, payload)
}

// PublishOrderBook publishes snapshot's JSON encoding to both
// orderbook:<SYMBOL> and orderbook:all.
func (b *RedisBroker) PublishOrderBook(ctx context.Context, snapshot domain.OrderBookSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal orderbook: %w", err)
	}

	perSymbol, all := orderbookTopics(snapshot.Symbol)
	return b.publishBoth(ctx, perSymbol, all, payload)
}

func (b *RedisBroker) publishBoth(ctx context.Context, perSymbol, all string, payload []byte) error {
	if err := b.client.Publish(ctx, perSymbol, payload).Err(); err != nil {
		slog.Error("broker publish failed", "topic", perSymbol, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	if err := b.client.Publish(ctx, all, payload).Err(); err != nil {
		slog.Error("broker publish failed", "topic", all, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// SubscribeCandles subscribes to candles:all and decodes each message
// into domain.Candle, reconnecting with exponential backoff capped at
// 30s on disconnect.
func (b *RedisBroker) SubscribeCandles(ctx context.Context) (<-chan domain.Candle, error) {
	out := make(chan domain.Candle, 1000)
	go b.subscribeLoop(ctx, "candles:all", func(payload []byte) {
		var candle domain.Candle
		if err := json.Unmarshal(payload, &candle); err != nil {
			slog.Warn("dropping malformed candle message", "error", err)
			return
		}
		select {
		case out <- candle:
		case <-ctx.Done():
		}
	})
	return out, nil
}

// SubscribeOrderBooks subscribes to orderbook:all and decodes each
// message into domain.OrderBookSnapshot.
func (b *RedisBroker) SubscribeOrderBooks(ctx context.Context) (<-chan domain.OrderBookSnapshot, error) {
	out := make(chan domain.OrderBookSnapshot, 1000)
	go b.subscribeLoop(ctx, "orderbook:all", func(payload []byte) {
		var snapshot domain.OrderBookSnapshot
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			slog.Warn("dropping malformed orderbook message", "error", err)
			return
		}
		select {
		case out <- snapshot:
		case <-ctx.Done():
		}
	})
	return out, nil
}

func (b *RedisBroker) subscribeLoop(ctx context.Context, topic string, handle func([]byte)) {
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.Subscribe(ctx, topic)
		ch := pubsub.Channel()

		slog.Info("subscribed to broker topic", "topic", topic)
		backoff = time.Second

	receive:
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				handle([]byte(msg.Payload))
			case <-ctx.Done():
				pubsub.Close()
				return
			}
		}

		pubsub.Close()
		slog.Warn("broker subscription dropped, reconnecting", "topic", topic, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		if backoff < reconnectCap {
			backoff *= 2
			if backoff > reconnectCap {
				backoff = reconnectCap
			}
		}
	}
}

// Close releases the underlying client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
