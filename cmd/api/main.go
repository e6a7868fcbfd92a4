package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/tradehold-backend/api/routes"
	"github.com/angelmondragon/tradehold-backend/internal/custody"
	"github.com/angelmondragon/tradehold-backend/internal/disputes"
	"github.com/angelmondragon/tradehold-backend/internal/fees"
	"github.com/angelmondragon/tradehold-backend/internal/orders"
	"github.com/angelmondragon/tradehold-backend/internal/payouts"
	"github.com/angelmondragon/tradehold-backend/internal/reconciliation"
	"github.com/angelmondragon/tradehold-backend/internal/timeline"
	stripewebhook "github.com/angelmondragon/tradehold-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/tradehold-backend/pkg/config"
	"github.com/angelmondragon/tradehold-backend/pkg/db"
	"github.com/angelmondragon/tradehold-backend/pkg/instance"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
	"github.com/angelmondragon/tradehold-backend/pkg/metrics"
	"github.com/angelmondragon/tradehold-backend/pkg/migrate"
	"github.com/angelmondragon/tradehold-backend/pkg/outbox"
	"github.com/angelmondragon/tradehold-backend/pkg/redis"
	pkgstripe "github.com/angelmondragon/tradehold-backend/pkg/stripe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := pkgstripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}

	custodyAdapter, err := custody.NewStripeAdapter(custody.StripeAdapterParams{
		API:     custody.NewPaymentsAPI(stripeClient),
		Config:  cfg.Custody,
		Metrics: metrics.NewCustodyMetrics(prometheus.DefaultRegisterer),
		Logger:  logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create custody adapter", err)
		os.Exit(1)
	}

	feeCalculator, err := fees.NewCalculator(cfg.Fees)
	if err != nil {
		logg.Error(context.Background(), "failed to create fee calculator", err)
		os.Exit(1)
	}

	payoutRepo := payouts.NewRepository(dbClient.DB())
	payoutRouter, err := payouts.NewRouter(payoutRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create payout router", err)
		os.Exit(1)
	}

	emitter := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)
	recorder, err := timeline.NewRecorder(timeline.NewRepository(dbClient.DB()), emitter)
	if err != nil {
		logg.Error(context.Background(), "failed to create timeline recorder", err)
		os.Exit(1)
	}

	ordersRepo := orders.NewRepository(dbClient.DB())
	ordersService, err := orders.NewService(orders.ServiceParams{
		Repo:     ordersRepo,
		Catalog:  orders.NewCatalog(dbClient.DB()),
		Tx:       dbClient,
		Timeline: recorder,
		Outbox:   emitter,
		Custody:  custodyAdapter,
		Fees:     feeCalculator,
		Payouts:  payoutRouter,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create orders service", err)
		os.Exit(1)
	}

	disputesService, err := disputes.NewService(disputes.ServiceParams{
		Repo:     disputes.NewRepository(dbClient.DB()),
		Orders:   ordersService,
		Timeline: recorder,
		Tx:       dbClient,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create disputes service", err)
		os.Exit(1)
	}

	reconciler, err := reconciliation.NewService(reconciliation.ServiceParams{
		Orders:   ordersService,
		Holds:    ordersRepo,
		Profiles: payoutRepo,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciliation service", err)
		os.Exit(1)
	}

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Reconciler: reconciler,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create stripe webhook service", err)
		os.Exit(1)
	}
	webhookGuard, err := stripewebhook.NewIdempotencyGuard(redisClient, cfg.Escrow.WebhookIdempotencyTTL, "stripe-webhook")
	if err != nil {
		logg.Error(context.Background(), "failed to create stripe webhook guard", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			ordersService,
			reconciler,
			disputesService,
			routes.StripeWebhook{Service: webhookService, Client: stripeClient, Guard: webhookGuard},
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shut down gracefully")
}
