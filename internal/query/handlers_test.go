package query

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

type fakeStore struct {
	symbols   []string
	candles   []domain.Candle
	recent    []domain.Candle
	orderbook *domain.OrderBookSnapshot
	healthErr error
}

func (f *fakeStore) InsertCandles(ctx context.Context, batch []domain.Candle) error { return nil }
func (f *fakeStore) InsertOrderBook(ctx context.Context, snapshot domain.OrderBookSnapshot) error {
	return nil
}
func (f *fakeStore) UpsertState(ctx context.Context, symbol string, lastTimestamp int64, isRealtime bool) error {
	return nil
}
func (f *fakeStore) GetLastTimestamp(ctx context.Context, symbol string) (*int64, error) {
	return nil, nil
}
func (f *fakeStore) GetCandles(ctx context.Context, symbol string, timeframeMinutes int, startMs *int64, limit int) ([]domain.Candle, error) {
	return f.candles, nil
}
func (f *fakeStore) GetRecentCandles(ctx context.Context, symbol string, timeframeMinutes int, limit int) ([]domain.Candle, error) {
	if limit < len(f.recent) {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}
func (f *fakeStore) GetOrderBookLatest(ctx context.Context, symbol string, levels int) (*domain.OrderBookSnapshot, error) {
	return f.orderbook, nil
}
func (f *fakeStore) GetSymbols(ctx context.Context) ([]string, error) { return f.symbols, nil }
func (f *fakeStore) Health(ctx context.Context) error                { return f.healthErr }
func (f *fakeStore) Close() error                                     { return nil }

func newTestServer(store domain.Store) *Server {
	return &Server{store: store, tfSet: map[int]bool{1: true, 5: true, 60: true}}
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, rec.Body.String())
	}
}

func TestGetHealthHealthy(t *testing.T) {
	s := newTestServer(&fakeStore{})
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.getHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var status domain.HealthStatus
	decodeJSON(t, rec, &status)
	if status.Status != "healthy" || status.Database != "up" {
		t.Fatalf("unexpected health payload: %+v", status)
	}
}

func TestGetHealthDegradedOnStoreFailure(t *testing.T) {
	s := newTestServer(&fakeStore{healthErr: domain.ErrStoreUnavailable})
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.getHealth(rec, req)

	var status domain.HealthStatus
	decodeJSON(t, rec, &status)
	if status.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", status.Status)
	}
}

func TestGetSymbolsReturnsSortedList(t *testing.T) {
	s := newTestServer(&fakeStore{symbols: []string{"BTCUSDT", "ETHUSDT"}})
	req := httptest.NewRequest("GET", "/symbols", nil)
	rec := httptest.NewRecorder()
	s.getSymbols(rec, req)

	var body map[string][]string
	decodeJSON(t, rec, &body)
	if len(body["symbols"]) != 2 || body["symbols"][0] != "BTCUSDT" || body["symbols"][1] != "ETHUSDT" {
		t.Fatalf("expected [BTCUSDT ETHUSDT] in order, got %+v", body)
	}
}

func TestGetCandlesMissingSymbolIsBadRequest(t *testing.T) {
	s := newTestServer(&fakeStore{})
	req := httptest.NewRequest("GET", "/candles", nil)
	rec := httptest.NewRecorder()
	s.getCandles(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetCandlesUnknownTimeframeIsBadRequest(t *testing.T) {
	s := newTestServer(&fakeStore{})
	req := httptest.NewRequest("GET", "/candles?symbol=BTCUSDT&timeframe=7m", nil)
	rec := httptest.NewRecorder()
	s.getCandles(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetCandlesLimitOutOfRangeIsBadRequest(t *testing.T) {
	s := newTestServer(&fakeStore{})
	req := httptest.NewRequest("GET", "/candles?symbol=BTCUSDT&limit=10000", nil)
	rec := httptest.NewRecorder()
	s.getCandles(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetCandlesReturnsStoreResult(t *testing.T) {
	candle := domain.Candle{Symbol: "BTCUSDT", Open: decimal.NewFromInt(1)}
	s := newTestServer(&fakeStore{candles: []domain.Candle{candle}})
	req := httptest.NewRequest("GET", "/candles?symbol=BTCUSDT&timeframe=5m", nil)
	rec := httptest.NewRecorder()
	s.getCandles(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []domain.Candle
	decodeJSON(t, rec, &got)
	if len(got) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(got))
	}
}

func TestGetOrderBookRejectsInvalidLevels(t *testing.T) {
	s := newTestServer(&fakeStore{})
	req := httptest.NewRequest("GET", "/orderbook?symbol=BTCUSDT&levels=7", nil)
	rec := httptest.NewRecorder()
	s.getOrderBook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetOrderBookNotFoundWhenNoSnapshot(t *testing.T) {
	s := newTestServer(&fakeStore{})
	req := httptest.NewRequest("GET", "/orderbook?symbol=BTCUSDT", nil)
	rec := httptest.NewRecorder()
	s.getOrderBook(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetPriceFallsBackToTwoMostRecentClosedCandles(t *testing.T) {
	closeTime := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	recent := []domain.Candle{
		{Symbol: "BTCUSDT", CloseTime: closeTime, Close: decimal.NewFromFloat(105654.78), Volume: decimal.NewFromInt(10)},
		{Symbol: "BTCUSDT", CloseTime: closeTime.Add(-time.Hour), Close: decimal.NewFromFloat(105200.45)},
	}
	s := newTestServer(&fakeStore{recent: recent})
	req := httptest.NewRequest("GET", "/price?symbol=BTCUSDT&timeframe=1H", nil)
	rec := httptest.NewRecorder()
	s.getPrice(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body=%s)", rec.Code, rec.Body.String())
	}
	var analytics domain.PriceAnalytics
	decodeJSON(t, rec, &analytics)
	if analytics.Trend != "up" {
		t.Fatalf("trend = %q, want up", analytics.Trend)
	}
	if !analytics.ChangeAbsolute.Equal(decimal.NewFromFloat(454.33)) {
		t.Fatalf("change_absolute = %s, want 454.33", analytics.ChangeAbsolute)
	}
	if !analytics.ChangePercent.Equal(decimal.NewFromFloat(0.43)) {
		t.Fatalf("change_percent = %s, want 0.43", analytics.ChangePercent)
	}
}

func TestGetPriceNotFoundWhenNoData(t *testing.T) {
	s := newTestServer(&fakeStore{})
	req := httptest.NewRequest("GET", "/price?symbol=BTCUSDT&timeframe=1H", nil)
	rec := httptest.NewRecorder()
	s.getPrice(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
