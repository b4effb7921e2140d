// The worker binary drains the grading queues: it claims deliveries,
// runs the registered handlers through the job wrapper, and applies the
// retry policy on failure.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/gradewise/gradewise-api/internal/config"
	"github.com/gradewise/gradewise-api/internal/events"
	"github.com/gradewise/gradewise-api/internal/job"
	"github.com/gradewise/gradewise-api/internal/job/retry"
	"github.com/gradewise/gradewise-api/internal/notify"
	"github.com/gradewise/gradewise-api/internal/platform/gemini"
	"github.com/gradewise/gradewise-api/internal/platform/logger"
	"github.com/gradewise/gradewise-api/internal/platform/postgres"
	"github.com/gradewise/gradewise-api/internal/platform/redisq"
	"github.com/gradewise/gradewise-api/internal/queue"
	"github.com/gradewise/gradewise-api/internal/service"
	"github.com/gradewise/gradewise-api/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.Setup(cfg.Server.LogLevel)
	workerID := workerIdentity()
	log = log.With("worker_id", workerID)
	log.Info("starting worker", "count", cfg.Worker.Count)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	broker, err := redisq.New(cfg.Broker.URL, log)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	if err := broker.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping broker: %w", err)
	}

	router, err := queue.DefaultRouter()
	if err != nil {
		return fmt.Errorf("failed to build queue router: %w", err)
	}

	ledger := postgres.NewJobStore(db)
	essayStore := postgres.NewEssayStore(db)
	policy := retry.DefaultPolicy()
	notifier := notify.NewLogNotifier(log)

	bus := events.NewBus(log)
	bus.RegisterHandler(events.NewLedgerHandler(ledger, log))

	// The batch handler submits its fan-out through the same orchestration
	// path the API uses, so idempotency and routing apply to it too.
	orchestrator := service.NewOrchestrator(ledger, broker, router, bus, log)

	scorer, err := gemini.NewScorer(ctx, log, cfg.Scoring)
	if err != nil {
		return fmt.Errorf("failed to create scorer: %w", err)
	}

	registry, err := job.NewRegistry(map[job.Type]job.Handler{
		job.TypeScoreEssay:   worker.NewScoreEssayHandler(essayStore, scorer, log),
		job.TypeRescoreBatch: worker.NewRescoreBatchHandler(orchestrator, log),
	})
	if err != nil {
		return fmt.Errorf("failed to build handler registry: %w", err)
	}

	wrapper := worker.NewWrapper(ledger, broker, router, registry, policy, notifier, bus, worker.WrapperConfig{
		WorkerID:      workerID,
		SoftTimeLimit: cfg.Worker.SoftTimeLimit,
		HardTimeLimit: cfg.Worker.HardTimeLimit,
	}, log)

	pool := worker.NewPool(broker, router.WorkQueues(), wrapper, worker.PoolConfig{
		WorkerCount: cfg.Worker.Count,
	}, log)

	pool.Start()
	<-ctx.Done()

	log.Info("shutdown signal received, draining workers")
	pool.Stop()
	log.Info("worker stopped")
	return nil
}

// workerIdentity builds the diagnostic worker ID recorded on claimed jobs.
func workerIdentity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
