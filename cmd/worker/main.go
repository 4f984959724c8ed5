package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/caravel-wms/caravel-wms/internal/app"
	jobmetrics "github.com/caravel-wms/caravel-wms/internal/jobs"
	"github.com/caravel-wms/caravel-wms/internal/platform/db"
	"github.com/caravel-wms/caravel-wms/internal/shared"
	"github.com/caravel-wms/caravel-wms/internal/stock"
	"github.com/caravel-wms/caravel-wms/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGLockTimeout)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	auditLogger := shared.NewAuditLogger(pool)
	stockRepo := stock.NewRepository(pool)
	metrics := jobmetrics.NewMetrics(nil)

	auditTask, err := jobs.NewLedgerAuditTask(time.Now().UTC())
	if err != nil {
		logger.Error("build ledger audit task", slog.Any("error", err))
		os.Exit(1)
	}
	sweepTask, err := jobs.NewDraftSweepTask(cfg.DraftRetention)
	if err != nil {
		logger.Error("build draft sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerAudit, Handler: jobs.NewLedgerAuditHandler(stockRepo, auditLogger, metrics, logger)},
			{Type: jobs.TaskDraftSweep, Handler: jobs.NewDraftSweepHandler(stockRepo, metrics, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "15 1 * * *", Task: auditTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 1 * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
