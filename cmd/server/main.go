// The server binary hosts the submission API and the maintenance
// scheduler: reconciliation sweeps, delayed-message promotion, retention
// cleanup, and queue-depth sampling.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/gradewise/gradewise-api/internal/api"
	"github.com/gradewise/gradewise-api/internal/config"
	"github.com/gradewise/gradewise-api/internal/events"
	"github.com/gradewise/gradewise-api/internal/job"
	"github.com/gradewise/gradewise-api/internal/job/retry"
	"github.com/gradewise/gradewise-api/internal/notify"
	"github.com/gradewise/gradewise-api/internal/platform/logger"
	"github.com/gradewise/gradewise-api/internal/platform/postgres"
	"github.com/gradewise/gradewise-api/internal/platform/redisq"
	"github.com/gradewise/gradewise-api/internal/queue"
	"github.com/gradewise/gradewise-api/internal/reconcile"
	"github.com/gradewise/gradewise-api/internal/schedule"
	"github.com/gradewise/gradewise-api/internal/service"
	"github.com/gradewise/gradewise-api/migrations"
)

const (
	shutdownTimeout = 15 * time.Second

	// promotionBatch bounds how many delayed messages one promotion tick
	// moves per queue.
	promotionBatch = 500
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.Setup(cfg.Server.LogLevel)
	log.Info("starting server", "port", cfg.Server.Port)

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
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

	orchestrator := service.NewOrchestrator(ledger, broker, router, bus, log)
	essayService := service.NewEssayService(essayStore, orchestrator, log)

	reconciler := reconcile.New(db, ledger, essayStore, broker, router, policy, notifier, reconcile.Config{
		StaleAfter: cfg.Reconcile.StaleAfter,
		StaleAfterByType: map[job.Type]time.Duration{
			// Scoring calls can legitimately run long; give them extra slack
			// before the sweep declares the worker lost.
			job.TypeScoreEssay: 2 * cfg.Reconcile.StaleAfter,
		},
	}, log)

	scheduler := schedule.New(log)
	if err := registerMaintenance(scheduler, cfg, reconciler, ledger, broker, router, log); err != nil {
		return fmt.Errorf("failed to register maintenance tasks: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	handler := api.NewRouter(
		api.NewJobHandler(orchestrator),
		api.NewEssayHandler(essayService),
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// runMigrations applies the embedded goose migrations.
func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

// registerMaintenance wires the recurring maintenance work onto the
// scheduler.
func registerMaintenance(
	scheduler *schedule.Scheduler,
	cfg *config.Config,
	reconciler *reconcile.Reconciler,
	ledger job.Ledger,
	broker queue.Broker,
	router *queue.Router,
	log *slog.Logger,
) error {
	if err := scheduler.Register(schedule.Task{
		Name:  "reconcile_sweep",
		Every: cfg.Reconcile.SweepInterval,
		Run: func(ctx context.Context) {
			reconciler.Sweep(ctx)
		},
	}); err != nil {
		return err
	}

	if err := scheduler.Register(schedule.Task{
		Name:  "promote_delayed",
		Every: 15 * time.Second,
		Run: func(ctx context.Context) {
			for _, q := range router.WorkQueues() {
				moved, err := broker.PromoteDue(ctx, q, time.Now(), promotionBatch)
				if err != nil {
					log.Error("failed to promote delayed messages", "queue", q.Name, "error", err)
					continue
				}
				if moved > 0 {
					log.Debug("promoted delayed messages", "queue", q.Name, "count", moved)
				}
			}
		},
	}); err != nil {
		return err
	}

	if err := scheduler.Register(schedule.Task{
		Name:  "retention_cleanup",
		Every: 24 * time.Hour,
		Run: func(ctx context.Context) {
			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Reconcile.RetentionDays)
			deleted, err := ledger.DeleteTerminalBefore(ctx, cutoff)
			if err != nil {
				log.Error("failed to delete expired job records", "error", err)
				return
			}
			log.Info("retention cleanup finished", "deleted", deleted, "cutoff", cutoff)
		},
	}); err != nil {
		return err
	}

	return scheduler.Register(schedule.Task{
		Name:  "queue_depth_sample",
		Every: time.Minute,
		Run: func(ctx context.Context) {
			for _, q := range router.Queues() {
				depth, err := broker.Depth(ctx, q.Name)
				if err != nil {
					log.Error("failed to sample queue depth", "queue", q.Name, "error", err)
					continue
				}
				log.Info("queue depth", "queue", q.Name, "depth", depth)
			}
		},
	})
}
