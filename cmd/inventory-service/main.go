package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/medflow/stock-ledger/internal/inventory/consumers"
	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/internal/inventory/events"
	"github.com/medflow/stock-ledger/internal/inventory/handler"
	"github.com/medflow/stock-ledger/internal/inventory/repository"
	"github.com/medflow/stock-ledger/internal/inventory/service"
	"github.com/medflow/stock-ledger/pkg/config"
	"github.com/medflow/stock-ledger/pkg/database"
	"github.com/medflow/stock-ledger/pkg/httputil"
	"github.com/medflow/stock-ledger/pkg/lock"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/medflow/stock-ledger/pkg/messaging"
)

const serviceName = "inventory-service"

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(serviceName, cfg.Server.Environment).SetLevel(cfg.Server.LogLevel)
	log.Info().Msg("starting Inventory Service")

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	if err := rmq.DeclareDeadLetterQueue(serviceName); err != nil {
		log.Fatal().Err(err).Msg("failed to declare dead letter queue")
	}

	publisher, err := events.NewInventoryEventPublisher(rmq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := handler.NewHealthHandler(serviceName, log).
		Register("database", db.Health).
		Register("rabbitmq", func(context.Context) map[string]string { return rmq.Health() })

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Enabled() {
		redis, err := lock.NewRedis(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer redis.Close()
		locker = redis
		health.Register("redis", redis.Health)
	}

	// Repositories
	batchRepo := repository.NewBatchRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	alertRepo := repository.NewAlertRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)

	// Services
	ledger := service.NewLedgerRecorder(db, ledgerRepo, cfg.Ledger.PageSize, log)
	allocator := service.NewAllocator(db, batchRepo, ledger, publisher, log)
	receiver := service.NewReceiver(db, batchRepo, ledger, publisher, log)
	transfers := service.NewTransferService(db, batchRepo, allocator, receiver, publisher, log)
	scanner := service.NewAlertScanner(batchRepo, alertRepo, catalogRepo, publisher, service.ScannerOptions{
		Thresholds: domain.ExpiryThresholds{
			WarningDays:  cfg.Scanner.WarningDays,
			UrgentDays:   cfg.Scanner.UrgentDays,
			CriticalDays: cfg.Scanner.CriticalDays,
		},
		Location: cfg.Scanner.Location(),
	}, log)
	reconciler := service.NewReconciler(db, batchRepo, ledgerRepo, ledger, log)

	transferConsumer, err := consumers.NewTransferEventConsumer(rmq, transfers, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create transfer event consumer")
	}
	if err := transferConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start transfer event consumer")
	}

	var scheduler *service.AlertScheduler
	if cfg.Scanner.Enabled {
		scheduler = service.NewAlertScheduler(scanner, locker, cfg.Scanner.LockKey, cfg.Redis.LockTTL, cfg.Scanner.Interval, log)
		scheduler.Start(ctx)
	}

	if cfg.Ledger.ReconcileOnStart {
		go func() {
			if _, err := reconciler.Reconcile(ctx, cfg.Ledger.TransferGrace); err != nil {
				log.Error().Err(err).Msg("startup reconciliation failed")
			}
		}()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))

	r.Get("/health", health.Get)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Stop consumers and the sweep loop before closing their connections.
	cancel()
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
