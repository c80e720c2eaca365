package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/NikhilSetiya/agentflow-orchestrator/internal/orchestrator"
	"github.com/NikhilSetiya/agentflow-orchestrator/internal/relay"
	"github.com/NikhilSetiya/agentflow-orchestrator/internal/server"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/tracing"
)

func main() {
	// Load .env if present; deployed environments configure through the
	// process environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "agentflow",
		Version:     "1.0.0",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	ts, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "agentflow",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Error("Failed to initialize tracing, continuing without it", "error", err.Error())
		ts = nil
	}

	orch := orchestrator.New(cfg, logger, m)
	if ts != nil {
		orch.SetTracing(ts)
	}

	// The daemon ships no executors of its own; embedding applications
	// register factories before Start. A bare daemon only serves status
	// and admin traffic.
	logger.Warn("No executor factories registered; task submissions will be rejected until executors are registered")

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(runCtx); err != nil {
		log.Fatalf("Failed to start orchestrator: %v", err)
	}
	logger.Info("Orchestrator started",
		"max_concurrent", cfg.Throttle.MaxConcurrent,
		"pool_size", cfg.Pool.Size)

	// Optional Redis event relay.
	var eventRelay *relay.Relay
	if cfg.Redis.Enabled() {
		connectCtx, connectCancel := context.WithTimeout(runCtx, 5*time.Second)
		eventRelay, err = relay.NewRelay(connectCtx, cfg.Redis, logger, m)
		connectCancel()
		if err != nil {
			logger.Error("Failed to connect event relay, continuing without it", "error", err.Error())
			eventRelay = nil
		} else {
			eventRelay.Start(runCtx, orch.Subscribe(256))
			logger.Info("Event relay connected", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
		}
	}

	router := server.NewRouter(cfg, orch, logger, m, ts)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting admin API server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Admin API server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin API server forced to shut down", "error", err.Error())
	}

	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Error("Orchestrator shutdown incomplete", "error", err.Error())
	}

	if eventRelay != nil {
		if err := eventRelay.Close(); err != nil {
			logger.Error("Event relay close failed", "error", err.Error())
		}
	}

	if ts != nil {
		if err := ts.Shutdown(shutdownCtx); err != nil {
			logger.Error("Tracing shutdown failed", "error", err.Error())
		}
	}

	logger.Info("Shutdown complete")
}
