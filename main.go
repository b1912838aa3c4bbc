package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"marketpulse/internal/aggregator"
	"marketpulse/internal/broker"
	"marketpulse/internal/config"
	"marketpulse/internal/hub"
	"marketpulse/internal/ingestion"
	"marketpulse/internal/query"
	"marketpulse/internal/store"
	"marketpulse/internal/upstream"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file (optional; env vars override it)")
		help       = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		fmt.Println("Usage:")
		fmt.Println("  marketpulse [--config <path>]")
		fmt.Println("  marketpulse --help")
		fmt.Println()
		fmt.Println("Options:")
		fmt.Println("  --config PATH   Path to YAML config file")
		return
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	pgStore, err := store.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	redisBroker, err := broker.NewRedisBroker(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect broker", "error", err)
		os.Exit(1)
	}

	upstreamClient := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Ingestion.RetryDelay,
		cfg.Ingestion.MaxRetries, cfg.Ingestion.DepthMaxRetries)

	agg := aggregator.New(redisBroker, cfg.Ingestion.Timeframes)
	h := hub.New(agg, redisBroker, cfg.Ingestion.Timeframes)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	queryServer := query.New(addr, pgStore, agg, cfg.Ingestion.Timeframes)
	queryServer.Mount("/ws", h)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	liveBatcher := ingestion.NewBatcher(pgStore)
	wg.Add(1)
	go func() {
		defer wg.Done()
		liveBatcher.Start(ctx)
	}()

	for _, symbol := range cfg.Ingestion.Symbols {
		collector := ingestion.NewCandleCollector(symbol, pgStore, redisBroker, upstreamClient, liveBatcher,
			cfg.Ingestion.StartDate, cfg.Ingestion.BatchSize, cfg.Ingestion.RealtimeInterval, cfg.Ingestion.RetryDelay)
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.Run(ctx)
		}()
	}

	for _, symbol := range cfg.Ingestion.OrderbookSymbols {
		collector := ingestion.NewOrderBookCollector(symbol, pgStore, redisBroker, upstreamClient,
			cfg.Ingestion.OrderbookLevels, cfg.Ingestion.OrderbookUpdateInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := agg.Run(ctx); err != nil {
			slog.Error("aggregator stopped with error", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := h.Run(ctx); err != nil {
			slog.Error("hub stopped with error", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := queryServer.Start(); err != nil {
			slog.Error("query server stopped with error", "error", err)
		}
	}()

	slog.Info("marketpulse started",
		"addr", addr,
		"symbols", cfg.Ingestion.Symbols,
		"orderbook_symbols", cfg.Ingestion.OrderbookSymbols,
		"timeframes", cfg.Ingestion.Timeframes)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutdown signal received, stopping")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := queryServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("query server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all collectors stopped cleanly")
	case <-shutdownCtx.Done():
		slog.Warn("shutdown timeout exceeded, exiting anyway")
	}

	if err := redisBroker.Close(); err != nil {
		slog.Error("broker close error", "error", err)
	}
	if err := pgStore.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("marketpulse stopped")
}
