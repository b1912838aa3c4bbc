// Package query implements the REST query layer of spec.md §4.I over
// the store and aggregator: historical candles, latest order book,
// derived price analytics, the symbol catalog, and health. Grounded on
// the teacher's internal/application/http.go: gorilla/mux router,
// same writeJSON/writeError helpers, same NewHTTPServer/Start/Shutdown
// shape.
package query

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"marketpulse/internal/aggregator"
	"marketpulse/internal/domain"
)

// Server serves the HTTP query layer.
type Server struct {
	server *http.Server
	store  domain.Store
	agg    *aggregator.Aggregator
	tfSet  map[int]bool
}

// New builds a Server bound to addr, backed by store for historical
// data and agg for live partial lookups. timeframes is the configured
// timeframe set candles/price requests are validated against.
func New(addr string, store domain.Store, agg *aggregator.Aggregator, timeframes []int) *Server {
	tfSet := make(map[int]bool, len(timeframes))
	for _, tf := range timeframes {
		tfSet[tf] = true
	}

	s := &Server{store: store, agg: agg, tfSet: tfSet}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.getHealth).Methods("GET")
	router.HandleFunc("/symbols", s.getSymbols).Methods("GET")
	router.HandleFunc("/candles", s.getCandles).Methods("GET")
	router.HandleFunc("/orderbook", s.getOrderBook).Methods("GET")
	router.HandleFunc("/price", s.getPrice).Methods("GET")

	s.server = &http.Server{Addr: addr, Handler: router}
	return s
}

// Mount installs the hub's WebSocket handler alongside the REST routes
// on the shared server, matching spec.md §4.H's /ws path under the
// same listener as the query layer.
func (s *Server) Mount(path string, handler http.Handler) {
	if router, ok := s.server.Handler.(*mux.Router); ok {
		router.Handle(path, handler)
	}
}

// Start begins serving and blocks until the listener fails or Shutdown
// is called, mirroring the teacher's Start/Shutdown pair.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("query server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
