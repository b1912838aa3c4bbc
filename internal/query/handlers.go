package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

const (
	defaultCandleLimit = 500
	minCandleLimit     = 1
	maxCandleLimit     = 5000
	defaultLevels      = 20
)

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := domain.HealthStatus{Status: "healthy", Timestamp: time.Now().UTC(), Database: "up"}
	if err := s.store.Health(ctx); err != nil {
		status.Status = "degraded"
		status.Database = "down"
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) getSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.store.GetSymbols(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load symbols")
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": symbols})
}

func (s *Server) getCandles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	symbol := query.Get("symbol")
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}

	timeframe, err := parseTimeframe(queryOrDefault(query, "timeframe", "1m"), s.tfSet)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultCandleLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < minCandleLimit || n > maxCandleLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 5000")
			return
		}
		limit = n
	}

	var startMs *int64
	if raw := query.Get("start_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "start_date must be ISO-8601")
			return
		}
		ms := t.UnixMilli()
		startMs = &ms
	}

	candles, err := s.store.GetCandles(r.Context(), symbol, timeframe, startMs, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load candles")
		return
	}

	s.writeJSON(w, http.StatusOK, candles)
}

func (s *Server) getOrderBook(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	symbol := query.Get("symbol")
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}

	levels := defaultLevels
	if raw := query.Get("levels"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || (n != 5 && n != 10 && n != 20) {
			s.writeError(w, http.StatusBadRequest, "levels must be one of 5, 10, 20")
			return
		}
		levels = n
	}

	snapshot, err := s.store.GetOrderBookLatest(r.Context(), symbol, levels)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load orderbook")
		return
	}
	if snapshot == nil {
		s.writeError(w, http.StatusNotFound, "no orderbook snapshot for symbol")
		return
	}

	s.writeJSON(w, http.StatusOK, snapshot)
}

// getPrice implements spec.md §4.I's GET /price: consult the
// aggregator's current partial for (symbol, timeframe); if absent,
// fall back to the store's two most recent closed candles.
func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	symbol := query.Get("symbol")
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}

	timeframe, err := parseTimeframe(queryOrDefault(query, "timeframe", "1H"), s.tfSet)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	current, previous, ok, err := s.resolvePrices(r.Context(), symbol, timeframe)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load price data")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "no price data for symbol/timeframe")
		return
	}

	analytics := buildAnalytics(symbol, timeframe, current, previous)
	s.writeJSON(w, http.StatusOK, analytics)
}

// resolvePrices returns (current, previous, ok). current is the
// aggregator's live partial when one exists, with previous taken as
// the most recent closed candle; otherwise both are the two most
// recent closed candles from the store.
func (s *Server) resolvePrices(ctx context.Context, symbol string, timeframe int) (current, previous domain.Candle, ok bool, err error) {
	if s.agg != nil {
		if partial, found := s.agg.LatestPartial(symbol, timeframe); found {
			recent, err := s.store.GetRecentCandles(ctx, symbol, timeframe, 1)
			if err != nil {
				return domain.Candle{}, domain.Candle{}, false, err
			}
			if len(recent) > 0 {
				return partial, recent[0], true, nil
			}
			return partial, partial, true, nil
		}
	}

	recent, err := s.store.GetRecentCandles(ctx, symbol, timeframe, 2)
	if err != nil {
		return domain.Candle{}, domain.Candle{}, false, err
	}
	if len(recent) == 0 {
		return domain.Candle{}, domain.Candle{}, false, nil
	}
	if len(recent) == 1 {
		return recent[0], recent[0], true, nil
	}
	return recent[0], recent[1], true, nil
}

func buildAnalytics(symbol string, timeframeMinutes int, current, previous domain.Candle) domain.PriceAnalytics {
	changeAbsolute := current.Close.Sub(previous.Close)

	changePercent := decimal.Zero
	if !previous.Close.IsZero() {
		changePercent = changeAbsolute.Div(previous.Close).Mul(decimal.NewFromInt(100)).Round(2)
	}

	trend := "neutral"
	switch {
	case changeAbsolute.IsPositive():
		trend = "up"
	case changeAbsolute.IsNegative():
		trend = "down"
	}

	return domain.PriceAnalytics{
		Symbol:         symbol,
		Timeframe:      timeframeToken(timeframeMinutes),
		CurrentPrice:   current.Close,
		PreviousPrice:  previous.Close,
		ChangeAbsolute: changeAbsolute.Round(2),
		ChangePercent:  changePercent,
		Trend:          trend,
		Timestamp:      current.CloseTime,
		Volume:         current.Volume,
	}
}

func queryOrDefault(query map[string][]string, key, fallback string) string {
	if v, ok := query[key]; ok && len(v) > 0 && v[0] != "" {
		return v[0]
	}
	return fallback
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
