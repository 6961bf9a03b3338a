package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/marketplace-settlement/internal/cron"
	"github.com/angelmondragon/marketplace-settlement/internal/escrow"
	"github.com/angelmondragon/marketplace-settlement/internal/gateway/stripegw"
	"github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/internal/settlement"
	"github.com/angelmondragon/marketplace-settlement/pkg/config"
	"github.com/angelmondragon/marketplace-settlement/pkg/db"
	"github.com/angelmondragon/marketplace-settlement/pkg/instance"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
	"github.com/angelmondragon/marketplace-settlement/pkg/metrics"
	"github.com/angelmondragon/marketplace-settlement/pkg/migrate"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox"
	"github.com/angelmondragon/marketplace-settlement/pkg/redis"
	"github.com/angelmondragon/marketplace-settlement/pkg/stripe"
)

const serviceKind = "cron-worker"

func main() {
	bootLog := logger.New(logger.Options{ServiceName: serviceKind})
	if err := godotenv.Load(); err != nil {
		bootLog.Warn(context.Background(), ".env file not found, relying on environment")
	}
	cfg, err := config.Load()
	if err != nil {
		bootLog.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceKind

	logg := logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"instance":    instance.GetID(),
	})

	if err := run(ctx, cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		stop()
		os.Exit(1)
	}
	logg.Info(ctx, "cron worker shut down")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) error {
	dbClient, err := db.New(ctx, cfg.DB, cfg.FeatureFlags.UseSQLite, logg)
	if err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.WithoutCancel(ctx), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return fmt.Errorf("dev migrations: %w", err)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return fmt.Errorf("bootstrap redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.WithoutCancel(ctx), "error closing redis", err)
		}
	}()

	stripeClient, err := stripe.NewClient(ctx, cfg.Stripe, logg)
	if err != nil {
		return fmt.Errorf("bootstrap stripe: %w", err)
	}

	registry, err := buildRegistry(cfg, logg, dbClient, stripeClient)
	if err != nil {
		return fmt.Errorf("build cron jobs: %w", err)
	}
	locker, err := cron.NewRedisLocker(redisClient, redisClient.LockKey("cron:"+envOrLocal(cfg.App.Env)))
	if err != nil {
		return fmt.Errorf("create job locker: %w", err)
	}
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Locker:   locker,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return fmt.Errorf("create cron service: %w", err)
	}

	metrics.Serve(ctx, cfg.App.MetricsAddr, prometheus.DefaultGatherer, logg)
	logg.Info(ctx, "starting cron worker")
	return service.Run(ctx)
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, stripeClient *stripe.Client) (*cron.Registry, error) {
	conn := dbClient.DB()
	engine, err := settlement.NewEngineFromDB(conn, cfg.Checkout.ReservationLease, logg)
	if err != nil {
		return nil, fmt.Errorf("settlement engine: %w", err)
	}
	gw, err := stripegw.New(stripeClient)
	if err != nil {
		return nil, fmt.Errorf("stripe gateway: %w", err)
	}
	settlementMetrics := metrics.NewSettlementMetrics(prometheus.DefaultRegisterer)
	ordersRepo := orders.NewRepository(conn)

	escrowSvc, err := escrow.NewService(escrow.ServiceParams{
		TransactionRunner: dbClient,
		OrdersRepo:        ordersRepo,
		Engine:            engine,
		Gateway:           gw,
		Accounts:          escrow.NewAccountDirectory(conn),
		Metrics:           settlementMetrics,
		Logger:            logg,
		Config:            escrow.ConfigFrom(cfg.Escrow),
	})
	if err != nil {
		return nil, fmt.Errorf("escrow service: %w", err)
	}

	reconcileJob, err := cron.NewReconcileJob(cron.ReconcileJobParams{
		Logger:         logg,
		DB:             dbClient,
		Reader:         conn,
		OrdersRepo:     ordersRepo,
		Engine:         engine,
		Metrics:        settlementMetrics,
		PendingTimeout: cfg.Reconcile.PendingTimeout,
		BatchSize:      cfg.Reconcile.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	releaseJob, err := cron.NewEscrowReleaseJob(logg, escrowSvc)
	if err != nil {
		return nil, err
	}
	retryJob, err := cron.NewTransferRetryJob(logg, escrowSvc)
	if err != nil {
		return nil, err
	}
	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:         logg,
		Pruner:         outbox.NewRepository(conn),
		Retention:      cfg.Outbox.Retention,
		ParkedAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	registry := cron.NewRegistry()
	schedule := []cron.Entry{
		{Job: reconcileJob, Every: cfg.Reconcile.Interval},
		{Job: releaseJob, Every: cfg.Escrow.ReleaseInterval},
		{Job: retryJob, Every: cfg.Escrow.RetryInterval},
		{Job: retentionJob, Every: cfg.Outbox.RetentionInterval},
	}
	for _, e := range schedule {
		if err := registry.Add(e.Job, e.Every); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func envOrLocal(env string) string {
	if env == "" {
		return "local"
	}
	return env
}
