package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/marketplace-settlement/api/controllers"
	ordercontrollers "github.com/angelmondragon/marketplace-settlement/api/controllers/orders"
	transactioncontrollers "github.com/angelmondragon/marketplace-settlement/api/controllers/transactions"
	webhookcontrollers "github.com/angelmondragon/marketplace-settlement/api/controllers/webhooks"
	"github.com/angelmondragon/marketplace-settlement/api/middleware"
	checkoutsvc "github.com/angelmondragon/marketplace-settlement/internal/checkout"
	"github.com/angelmondragon/marketplace-settlement/internal/gateway"
	"github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/internal/payments"
	"github.com/angelmondragon/marketplace-settlement/pkg/config"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
	"github.com/angelmondragon/marketplace-settlement/pkg/metrics"
	"github.com/angelmondragon/marketplace-settlement/pkg/redis"
)

// EscrowService is the buyer and seller facing side of escrow.
type EscrowService interface {
	transactioncontrollers.FulfilmentService
	transactioncontrollers.DisputeService
	ordercontrollers.CancelService
}

type Dependencies struct {
	DBPinger     controllers.Pinger
	RedisPinger  controllers.Pinger
	Idempotency  redis.IdempotencyStore
	Gatherer     prometheus.Gatherer
	HTTPMetrics  *metrics.HTTPMetrics
	Checkout     checkoutsvc.Service
	Orders       orders.Service
	Payments     payments.Service
	Escrow       EscrowService
	Gateway      gateway.Gateway
	Webhooks     webhookcontrollers.PaymentWebhookService
	WebhookGuard webhookcontrollers.PaymentWebhookGuard
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(logg),
		middleware.Logging(logg, deps.HTTPMetrics),
		middleware.Recoverer(logg, deps.HTTPMetrics),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.DBPinger, deps.RedisPinger))
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/payments", webhookcontrollers.PaymentWebhook(deps.Webhooks, deps.Gateway, deps.WebhookGuard, logg))
	})

	idem := middleware.Idempotency(deps.Idempotency, logg, middleware.StandardIdempotency)
	money := middleware.Idempotency(deps.Idempotency, logg, middleware.MoneyIdempotency)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Identity(logg))

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", ordercontrollers.List(deps.Orders, logg))
			r.With(money).Post("/", ordercontrollers.Create(deps.Checkout, logg))

			r.Route("/{orderId}", func(r chi.Router) {
				r.Get("/", ordercontrollers.Detail(deps.Orders, logg))
				r.Get("/history", ordercontrollers.History(deps.Orders, logg))
				r.With(idem).Post("/payment-intent", ordercontrollers.CreatePaymentIntent(deps.Payments, logg))
				r.With(money).Post("/confirm-payment", ordercontrollers.ConfirmPayment(deps.Payments, logg))
				r.With(money).Post("/cancel", ordercontrollers.Cancel(deps.Escrow, logg))
				r.With(money).Post("/items/{itemId}/refund", ordercontrollers.RefundItem(deps.Escrow, logg))
			})
		})

		r.Route("/transactions/{transactionId}", func(r chi.Router) {
			r.With(idem).Post("/ship", transactioncontrollers.Ship(deps.Escrow, logg))
			r.With(idem).Post("/deliver", transactioncontrollers.Deliver(deps.Escrow, logg))
			r.With(idem).Post("/dispute", transactioncontrollers.Dispute(deps.Escrow, logg))
			r.With(idem).Post("/dispute/resolve", transactioncontrollers.ResolveDispute(deps.Escrow, logg))
		})
	})

	return r
}
