package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stockledger/stockledger/cmd/stockledger/cli"
	"github.com/stockledger/stockledger/internal/app"
	"github.com/stockledger/stockledger/internal/approvals"
	"github.com/stockledger/stockledger/internal/integrity"
	"github.com/stockledger/stockledger/internal/masterdata"
	"github.com/stockledger/stockledger/internal/metrics"
	"github.com/stockledger/stockledger/internal/platform/cache"
	"github.com/stockledger/stockledger/internal/platform/db"
	"github.com/stockledger/stockledger/internal/shared"
	"github.com/stockledger/stockledger/internal/stock"
	"github.com/stockledger/stockledger/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 {
		runCommand(ctx, cfg, logger, os.Args[1:])
		return
	}
	serve(ctx, stop, cfg, logger)
}

// runCommand dispatches CLI subcommands. verify exits non-zero when the
// ledger has violations.
func runCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) {
	switch args[0] {
	case "verify":
		code, err := cli.RunVerify(ctx, cfg, logger)
		if err != nil {
			logger.Error("verify", slog.Any("error", err))
			os.Exit(1)
		}
		os.Exit(code)
	case "jobs":
		if len(args) < 3 || args[1] != "trigger" {
			logger.Error("usage: stockledger jobs trigger <task-type>")
			os.Exit(2)
		}
		if err := cli.TriggerJob(ctx, cfg.RedisAddr, args[2]); err != nil {
			logger.Error("trigger job", slog.Any("error", err))
			os.Exit(1)
		}
	default:
		logger.Error("unknown command", slog.String("command", args[0]))
		os.Exit(2)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	settingsStore := shared.NewSettingsStore(pool, shared.Settings{AllowNegativeStock: cfg.AllowNegativeStock})

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	masterdataRepo := masterdata.NewRepository(pool)

	stockRepo := stock.NewRepository(pool)
	stockService := stock.NewService(stockRepo, masterdataRepo, settingsStore, auditLogger, jobClient)

	approvalsRepo := approvals.NewRepository(pool)
	approvalsService := approvals.NewService(approvalsRepo, masterdataRepo, stockService, auditLogger, logger)

	metricsRepo := metrics.NewRepository(pool)
	metricsService := metrics.NewService(metricsRepo, masterdataRepo, redisClient, cfg.ReorderCacheTTL, cfg.ReorderLookbackDays, logger)

	integrityRepo := integrity.NewRepository(pool)
	verifier := integrity.NewVerifier(integrityRepo, settingsStore, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		StockHandler:      stock.NewHandler(logger, approvalsService, stockService),
		ApprovalsHandler:  approvals.NewHandler(logger, approvalsService),
		MetricsHandler:    metrics.NewHandler(logger, metricsService),
		MasterDataHandler: masterdata.NewHandler(masterdataRepo),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Verifier:          verifier,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
