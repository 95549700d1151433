// Package main is the entry point for the allocator service. It wires the
// estimation, optimization, risk, performance and rebalancing modules behind
// an HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/allocator/internal/config"
	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/modules/estimation"
	"github.com/aristath/allocator/internal/modules/performance"
	"github.com/aristath/allocator/internal/modules/rebalancing"
	"github.com/aristath/allocator/internal/modules/risk"
	"github.com/aristath/allocator/internal/server"
	"github.com/aristath/allocator/internal/workers"
	"github.com/aristath/allocator/pkg/logger"
)

// estimateCacheTTL bounds how long a covariance estimate is reused across
// requests over the same window.
const estimateCacheTTL = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting allocator")

	// Rebalance events are an append-only audit trail, so the events store
	// gets the ledger durability profile.
	eventsDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileLedger,
		Name:    "events",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open events database")
	}
	defer eventsDB.Close()

	eventRepo, err := rebalancing.NewEventRepository(eventsDB.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize event repository")
	}

	estimator := estimation.New(estimation.DefaultOptions(), log)
	cache := estimation.NewCache(estimator, estimateCacheTTL)

	srv := server.New(server.Config{
		Log:       log,
		Config:    cfg,
		Estimator: cache,
		Analyzer:  risk.NewAnalyzer(log),
		Evaluator: performance.NewEvaluator(cfg.RiskFreeRate, log),
		EventRepo: eventRepo,
		Pool:      workers.NewPool(cfg.Workers, log),
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}
