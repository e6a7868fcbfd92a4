package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/tradehold-backend/api/controllers"
	admincontrollers "github.com/angelmondragon/tradehold-backend/api/controllers/admin"
	disputecontrollers "github.com/angelmondragon/tradehold-backend/api/controllers/disputes"
	ordercontrollers "github.com/angelmondragon/tradehold-backend/api/controllers/orders"
	webhookcontrollers "github.com/angelmondragon/tradehold-backend/api/controllers/webhooks"
	"github.com/angelmondragon/tradehold-backend/api/middleware"
	"github.com/angelmondragon/tradehold-backend/internal/orders"
	"github.com/angelmondragon/tradehold-backend/pkg/config"
	"github.com/angelmondragon/tradehold-backend/pkg/db"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
	"github.com/angelmondragon/tradehold-backend/pkg/redis"
)

// StripeWebhook bundles what the processor callback needs.
type StripeWebhook struct {
	Service webhookcontrollers.StripeWebhookService
	Client  webhookcontrollers.StripeClient
	Guard   webhookcontrollers.StripeWebhookGuard
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	ordersSvc orders.Service,
	paymentVerifier ordercontrollers.PaymentVerifier,
	disputesSvc disputecontrollers.Arbiter,
	stripeWebhook StripeWebhook,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	deps := map[string]controllers.Pinger{"db": dbP}
	var idempotencyStore redis.IdempotencyStore
	if redisClient != nil {
		deps["redis"] = redisClient
		idempotencyStore = redisClient
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps))
	})
	r.Handle("/metrics", promhttp.Handler())

	orderCreatePolicy := middleware.NewRateLimitPolicy("order-create", cfg.Limits.Window, cfg.Limits.OrderCreateLimit)
	disputeOpenPolicy := middleware.NewRateLimitPolicy("dispute-open", cfg.Limits.Window, cfg.Limits.DisputeOpenLimit)

	r.Route("/api/v1", func(r chi.Router) {
		// raw body: the signature covers the exact bytes the processor sent
		r.Post("/webhooks/stripe", webhookcontrollers.StripeWebhook(stripeWebhook.Service, stripeWebhook.Client, stripeWebhook.Guard, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Use(middleware.Idempotency(idempotencyStore, logg))

			r.Route("/orders", func(r chi.Router) {
				r.With(middleware.RateLimit(orderCreatePolicy, redisClient, logg)).Post("/", ordercontrollers.Create(ordersSvc, logg))
				r.Get("/", ordercontrollers.List(ordersSvc, logg))
				r.Route("/{orderId}", func(r chi.Router) {
					r.Get("/", ordercontrollers.Detail(ordersSvc, logg))
					r.Post("/confirm-payment", ordercontrollers.ConfirmPayment(ordersSvc, logg))
					r.Post("/verify-payment", ordercontrollers.VerifyPayment(paymentVerifier, logg))
					r.Post("/retry-payment", ordercontrollers.RetryPayment(ordersSvc, logg))
					r.Post("/ship", ordercontrollers.Ship(ordersSvc, logg))
					r.Post("/meetup", ordercontrollers.ArrangeMeetup(ordersSvc, logg))
					r.Post("/meetup/confirm", ordercontrollers.ConfirmMeetup(ordersSvc, logg))
					r.Post("/confirm-delivery", ordercontrollers.ConfirmDelivery(ordersSvc, logg))
					r.Post("/release", ordercontrollers.Release(ordersSvc, logg))
					r.Post("/cancel", ordercontrollers.Cancel(ordersSvc, logg))
				})
			})

			r.Route("/disputes", func(r chi.Router) {
				r.With(middleware.RateLimit(disputeOpenPolicy, redisClient, logg)).Post("/", disputecontrollers.Open(disputesSvc, logg))
				r.With(middleware.RequireArbitrator(logg)).Get("/", disputecontrollers.ListOpen(disputesSvc, logg))
				r.Get("/{disputeId}", disputecontrollers.Detail(disputesSvc, logg))
				r.With(middleware.RequireArbitrator(logg)).Post("/{disputeId}/resolve", disputecontrollers.Resolve(disputesSvc, logg))
			})
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireArbitrator(logg))
		r.Use(middleware.Idempotency(idempotencyStore, logg))
		r.Post("/orders/{orderId}/manual-payout", admincontrollers.ManualPayout(ordersSvc, logg))
	})

	return r
}
