package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/marketplace-settlement/api/routes"
	"github.com/angelmondragon/marketplace-settlement/internal/checkout"
	"github.com/angelmondragon/marketplace-settlement/internal/escrow"
	"github.com/angelmondragon/marketplace-settlement/internal/gateway/stripegw"
	"github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/internal/payments"
	"github.com/angelmondragon/marketplace-settlement/internal/settlement"
	paymentwebhook "github.com/angelmondragon/marketplace-settlement/internal/webhooks/payments"
	"github.com/angelmondragon/marketplace-settlement/pkg/config"
	"github.com/angelmondragon/marketplace-settlement/pkg/db"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
	"github.com/angelmondragon/marketplace-settlement/pkg/metrics"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox"
	"github.com/angelmondragon/marketplace-settlement/pkg/redis"
	"github.com/angelmondragon/marketplace-settlement/pkg/stripe"
)

const webhookScope = "payment-webhook"

func buildDependencies(
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	redisClient *redis.Client,
	stripeClient *stripe.Client,
	reg prometheus.Registerer,
) (routes.Dependencies, error) {
	conn := dbClient.DB()

	engine, err := settlement.NewEngineFromDB(conn, cfg.Checkout.ReservationLease, logg)
	if err != nil {
		return routes.Dependencies{}, fmt.Errorf("settlement engine: %w", err)
	}
	gw, err := stripegw.New(stripeClient)
	if err != nil {
		return routes.Dependencies{}, fmt.Errorf("stripe gateway: %w", err)
	}
	settlementMetrics := metrics.NewSettlementMetrics(reg)
	ordersRepo := orders.NewRepository(conn)

	feeTiers, err := checkout.NewStaticFeeTiers(cfg.Checkout.DefaultFeeRate, cfg.Checkout.SellerFeeRates)
	if err != nil {
		return routes.Dependencies{}, fmt.Errorf("fee tiers: %w", err)
	}
	checkoutSvc, err := checkout.NewService(
		dbClient,
		checkout.NewRepository(conn),
		ordersRepo,
		engine.Locks(),
		checkout.Collaborators{
			Addresses: checkout.FlatRateAddressBook{FeeCents: cfg.Checkout.ShippingFeeCents},
			FeeTiers:  feeTiers,
		},
		outbox.NewService(outbox.NewRepository(conn), logg),
		enums.Currency(cfg.Checkout.Currency),
	)
	if err != nil {
		return routes.Dependencies{}, fmt.Errorf("checkout service: %w", err)
	}

	ordersSvc, err := orders.NewService(ordersRepo)
	if err != nil {
		return routes.Dependencies{}, fmt.Errorf("orders service: %w", err)
	}

	paymentsSvc, err := payments.NewService(dbClient, ordersRepo, gw, engine, logg)
	if err != nil {
		return routes.Dependencies{}, fmt.Errorf("payments service: %w", err)
	}

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
		return routes.Dependencies{}, fmt.Errorf("escrow service: %w", err)
	}

	webhookSvc, err := paymentwebhook.NewService(paymentwebhook.ServiceParams{
		OrdersRepo:        ordersRepo,
		Engine:            engine,
		TransactionRunner: dbClient,
		Metrics:           settlementMetrics,
		Logger:            logg,
	})
	if err != nil {
		return routes.Dependencies{}, fmt.Errorf("webhook service: %w", err)
	}
	guard, err := paymentwebhook.NewIdempotencyGuard(redisClient, cfg.Eventing.WebhookIdempotencyTTL, webhookScope)
	if err != nil {
		return routes.Dependencies{}, fmt.Errorf("webhook guard: %w", err)
	}

	return routes.Dependencies{
		DBPinger:     dbClient,
		RedisPinger:  redisClient,
		Idempotency:  redisClient,
		HTTPMetrics:  metrics.NewHTTPMetrics(reg),
		Checkout:     checkoutSvc,
		Orders:       ordersSvc,
		Payments:     paymentsSvc,
		Escrow:       escrowSvc,
		Gateway:      gw,
		Webhooks:     webhookSvc,
		WebhookGuard: guard,
	}, nil
}
