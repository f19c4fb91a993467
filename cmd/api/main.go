package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/minimalgames/giftledger/internal/config"
	"github.com/minimalgames/giftledger/internal/domain"
	"github.com/minimalgames/giftledger/internal/events"
	"github.com/minimalgames/giftledger/internal/handler"
	"github.com/minimalgames/giftledger/internal/inventory"
	"github.com/minimalgames/giftledger/internal/ledger"
	"github.com/minimalgames/giftledger/internal/logging"
	"github.com/minimalgames/giftledger/internal/repository"
	approuter "github.com/minimalgames/giftledger/internal/router"
	"github.com/minimalgames/giftledger/internal/service/exchange"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Init("giftledger-api", cfg.LogLevel, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	catalog := domain.DefaultGiftCatalog()
	if cfg.GiftCatalogPath != "" {
		catalog, err = domain.LoadGiftCatalog(cfg.GiftCatalogPath)
		if err != nil {
			slog.Error("failed to load gift catalog", "path", cfg.GiftCatalogPath, "error", err)
			os.Exit(1)
		}
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
		slog.Info("kafka publisher enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	accounts := repository.NewAccountRepository(db)
	tasks := repository.NewTaskRepository(db)
	logs := repository.NewBalanceLogRepository(db)
	backpack := inventory.NewRepository(db)
	ldg := ledger.New(db, accounts, logs)

	svc := exchange.NewService(db, ldg, accounts, tasks, logs, catalog, backpack, nil, publisher, cfg.LeaseBatchSize)

	monitor := exchange.NewStuckTaskMonitor(svc, cfg.MonitorInterval, cfg.StuckTaskTimeout)
	go monitor.Start(ctx)

	reaper := exchange.NewIdleTxReaper(db, cfg.ReaperInterval, cfg.IdleTxTimeout)
	go reaper.Start(ctx)

	router := approuter.NewRouter(
		approuter.RouterConfig{
			JWTSecret:    cfg.JWTSecret,
			WorkerAPIKey: cfg.WorkerAPIKey,
			MaxInFlight:  cfg.MaxInFlightExchanges,
		},
		handler.NewHealthHandler(db),
		handler.NewAuthHandler(accounts, cfg.JWTSecret),
		handler.NewExchangeHandler(svc),
		handler.NewWorkerHandler(svc, cfg.WorkerHMACSecret, cfg.WorkerHMACEnforce, cfg.ResetStuckGrace),
	)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
