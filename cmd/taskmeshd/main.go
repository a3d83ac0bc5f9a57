// Command taskmeshd runs the task mesh orchestrator as a long-lived
// daemon: health/ready/stats endpoints only, no task CRUD over REST —
// task submission happens through taskmeshctl or an embedding Go
// process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/swarmguard/taskmesh/internal/config"
	"github.com/swarmguard/taskmesh/internal/orchestrator"
	"github.com/swarmguard/taskmesh/internal/snapshot"
	"github.com/swarmguard/taskmesh/internal/store"
	"github.com/swarmguard/taskmesh/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("taskmeshd exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a taskmesh config file (TOML/YAML/JSON, viper-compatible)")
	addr := flag.String("addr", ":8080", "health/ready/metrics listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := telemetry.InitLogger(cfg.Observability.ServiceName, cfg.LogLevel, cfg.JSONLog)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer := telemetry.InitTracer(ctx, cfg.Observability.ServiceName)
	shutdownMetrics, _, err := telemetry.InitMetrics(ctx, cfg.Observability.ServiceName)
	if err != nil {
		logger.Error("init metrics", "error", err)
	}

	durable, err := store.Open(cfg.Store.URL)
	if err != nil {
		return err
	}

	var snapEngine *snapshot.Engine
	if cfg.ObjectStore.Bucket != "" {
		snapEngine, err = openSnapshotEngine(cfg, durable)
		if err != nil {
			return err
		}
	}

	facade := orchestrator.New(cfg, durable, snapEngine)
	if err := facade.Start(ctx); err != nil {
		return err
	}

	if snapEngine != nil {
		if err := snapEngine.Start(ctx, facade.Graph); err != nil {
			logger.Error("start snapshot engine", "error", err)
		}
		defer snapEngine.Stop()
	}

	runDone := make(chan error, 1)
	go func() { runDone <- facade.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if facade.State() != orchestrator.StateRunning {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(facade.Stats(r.Context()))
	})

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	logger.Info("taskmeshd started", "addr", *addr)
	select {
	case <-ctx.Done():
	case err := <-runDone:
		if err != nil {
			logger.Error("executor run stopped", "error", err)
		}
	}

	logger.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := facade.Stop(shutdownCtx); err != nil {
		logger.Error("facade stop", "error", err)
	}
	telemetry.Flush(shutdownCtx, shutdownTracer)
	if shutdownMetrics != nil {
		_ = shutdownMetrics(shutdownCtx)
	}
	logger.Info("shutdown complete")
	return nil
}

func openSnapshotEngine(cfg config.Config, durable store.Store) (*snapshot.Engine, error) {
	objStore, err := snapshot.NewObjectStore(snapshot.ObjectStoreConfig{
		Endpoint:        cfg.ObjectStore.Endpoint,
		Region:          cfg.ObjectStore.Region,
		Bucket:          cfg.ObjectStore.Bucket,
		AccessKeyID:     cfg.ObjectStore.AccessKey,
		SecretAccessKey: cfg.ObjectStore.SecretKey,
		ForcePathStyle:  cfg.ObjectStore.ForcePathStyle,
		Compress:        cfg.Snapshot.CompressionEnabled,
		KeyPrefix:       cfg.Snapshot.Prefix,
	})
	if err != nil {
		return nil, err
	}
	checkpoints, err := snapshot.OpenLocalCheckpointStore(filepath.Join(cfg.Checkpoint.Dir, "checkpoints.db"))
	if err != nil {
		return nil, err
	}
	return snapshot.NewEngine(snapshot.Config{
		SnapshotInterval:   time.Duration(cfg.Snapshot.IntervalSeconds) * time.Second,
		TasksPerCheckpoint: cfg.Checkpoint.TasksPerCheckpoint,
		MaxSnapshots:       cfg.Snapshot.MaxSnapshots,
		RetentionDays:      cfg.Checkpoint.RetentionDays,
		AutoCleanup:        cfg.Checkpoint.AutoCleanup,
	}, objStore, checkpoints, durable), nil
}
