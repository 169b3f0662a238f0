// Command server is the coordination core's process entry point: it loads
// configuration, constructs the orchestrator (C8), exposes a minimal
// operator-facing HTTP surface (Prometheus /metrics, a liveness probe, and
// alert management), and drives graceful shutdown on SIGINT/SIGTERM.
//
// Request routing, authentication, and business-logic handlers are external
// collaborators' responsibility; this binary only owns the process-wide
// concerns: listener setup, signal handling, and metrics registration.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arcbound/tenantcore/internal/config"
	"github.com/arcbound/tenantcore/internal/orchestrator"
	"github.com/arcbound/tenantcore/internal/queue"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "optional YAML config overlay path")
	addr := flag.String("addr", ":8080", "operator HTTP surface listen address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("starting tenantcore", "version", "0.1.0")

	cfgMgr, err := config.NewManager(*configPath, logger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer func() { _ = cfgMgr.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfgMgr.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	// The orchestrator is built once from the config snapshot at startup;
	// a hot reload updates cfgMgr.Get() for any caller that re-reads it
	// (e.g. a future admin endpoint), but does not re-dial Redis or resize
	// already-open pools, matching §4.2's "pools never shrink" invariant.
	orch := orchestrator.New(cfgMgr.Get(),
		orchestrator.WithLogger(logger),
		orchestrator.WithWorkers(defaultWorkerConfigs()...),
	)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthzHandler(orch))
	mux.HandleFunc("/alerts", alertsHandler(orch))
	mux.HandleFunc("/alerts/acknowledge", alertActionHandler(orch, "acknowledge"))
	mux.HandleFunc("/alerts/resolve", alertActionHandler(orch, "resolve"))
	mux.HandleFunc("/alerts/suppress", alertActionHandler(orch, "suppress"))

	server := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("operator HTTP surface listening", "addr", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("operator HTTP surface failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("operator HTTP surface shutdown error", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", "error", err)
	}

	logger.Info("tenantcore stopped")
	return nil
}

// defaultWorkerConfigs wires a single worker that polls the
// queue.TaskHealthCheck and queue.TaskCleanup task types, with a no-op
// handler; no other task type is consumed. The core schedules opaque payloads
// and has no business logic of its own to execute. A real deployment
// overrides this by constructing its own orchestrator.Option with handlers
// for its task types instead of using this binary directly.
func defaultWorkerConfigs() []queue.WorkerConfig {
	return []queue.WorkerConfig{
		{
			ID:           "default-worker",
			TaskTypes:    []queue.TaskType{queue.TaskHealthCheck, queue.TaskCleanup},
			Concurrency:  4,
			PollInterval: time.Second,
			Handler: func(ctx context.Context, task queue.TaskData) error {
				return nil
			},
		},
	}
}

func healthzHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := orch.Core.Factory.HealthCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"metrics": orch.Core.Factory.Metrics(),
		})
	}
}

func alertsHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orch.Core.Health.Active())
	}
}

// alertActionHandler backs the three manual alert operations: acknowledge,
// resolve, suppress. Request parsing here is deliberately minimal (query
// params, no auth) since full HTTP routing is an external collaborator's
// concern — this exists only so the operations are reachable without a
// separate client library.
func alertActionHandler(orch *orchestrator.Orchestrator, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ruleID := r.URL.Query().Get("rule_id")
		if ruleID == "" {
			http.Error(w, "rule_id is required", http.StatusBadRequest)
			return
		}

		var ok bool
		switch action {
		case "acknowledge":
			by := r.URL.Query().Get("by")
			ok = orch.Core.Health.Acknowledge(ruleID, by)
		case "resolve":
			ok = orch.Core.Health.Resolve(ruleID)
		case "suppress":
			hours := 1
			if h := r.URL.Query().Get("hours"); h != "" {
				fmt.Sscanf(h, "%d", &hours)
			}
			ok = orch.Core.Health.Suppress(ruleID, time.Duration(hours)*time.Hour)
		}

		if !ok {
			http.Error(w, "no active alert for rule", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
