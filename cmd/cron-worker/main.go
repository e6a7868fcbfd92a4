package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/tradehold-backend/internal/cron"
	"github.com/angelmondragon/tradehold-backend/internal/custody"
	"github.com/angelmondragon/tradehold-backend/internal/fees"
	"github.com/angelmondragon/tradehold-backend/internal/orders"
	"github.com/angelmondragon/tradehold-backend/internal/payouts"
	"github.com/angelmondragon/tradehold-backend/internal/reconciliation"
	"github.com/angelmondragon/tradehold-backend/internal/timeline"
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

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	ordersRepo, ordersService, err := buildOrders(cfg, logg, dbClient, stripeClient)
	if err != nil {
		logg.Error(context.Background(), "failed to create orders service", err)
		os.Exit(1)
	}

	reconciler, err := reconciliation.NewService(reconciliation.ServiceParams{
		Orders:   ordersService,
		Holds:    ordersRepo,
		Profiles: payouts.NewRepository(dbClient.DB()),
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciliation service", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	pendingHolds, err := cron.NewPendingHoldsJob(cron.PendingHoldsJobParams{
		Logger:    logg,
		Sweeper:   reconciler,
		Metrics:   metricsCollector,
		OlderThan: cfg.Escrow.PendingHoldSweepAge,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create pending holds job", err)
		os.Exit(1)
	}
	autoRelease, err := cron.NewAutoReleaseJob(cron.AutoReleaseJobParams{
		Logger:   logg,
		Reader:   ordersRepo,
		Releaser: ordersService,
		Metrics:  metricsCollector,
		After:    cfg.Escrow.AutoReleaseAfter,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create auto release job", err)
		os.Exit(1)
	}
	outboxRetention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: outbox.NewRepository(dbClient.DB()),
		Retention:  time.Duration(cfg.Outbox.RetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention job", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry()
	for _, entry := range []struct {
		job   cron.Job
		every time.Duration
	}{
		{pendingHolds, cfg.Cron.PendingHoldsEvery},
		{autoRelease, cfg.Cron.AutoReleaseEvery},
		{outboxRetention, cfg.Cron.OutboxRetentionEvery},
	} {
		if err := registry.Register(entry.job, entry.every); err != nil {
			logg.Error(context.Background(), "failed to register cron job", err)
			os.Exit(1)
		}
	}

	locks, err := cron.NewRedisLocks(redisClient, cfg.App.Env, cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron locks", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:     logg,
		Registry:   registry,
		Locks:      locks,
		Metrics:    metricsCollector,
		JobTimeout: cfg.Cron.JobTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting cron worker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return service.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.App.MetricsPort, logg) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

// buildOrders wires the order engine the sweeps drive. Holds and releases go
// through the same custody adapter the api uses.
func buildOrders(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, stripeClient *pkgstripe.Client) (orders.Repository, orders.Service, error) {
	adapter, err := custody.NewStripeAdapter(custody.StripeAdapterParams{
		API:     custody.NewPaymentsAPI(stripeClient),
		Config:  cfg.Custody,
		Metrics: metrics.NewCustodyMetrics(prometheus.DefaultRegisterer),
		Logger:  logg,
	})
	if err != nil {
		return nil, nil, err
	}
	calc, err := fees.NewCalculator(cfg.Fees)
	if err != nil {
		return nil, nil, err
	}
	router, err := payouts.NewRouter(payouts.NewRepository(dbClient.DB()))
	if err != nil {
		return nil, nil, err
	}
	emitter := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)
	recorder, err := timeline.NewRecorder(timeline.NewRepository(dbClient.DB()), emitter)
	if err != nil {
		return nil, nil, err
	}

	repo := orders.NewRepository(dbClient.DB())
	svc, err := orders.NewService(orders.ServiceParams{
		Repo:     repo,
		Catalog:  orders.NewCatalog(dbClient.DB()),
		Tx:       dbClient,
		Timeline: recorder,
		Outbox:   emitter,
		Custody:  adapter,
		Fees:     calc,
		Payouts:  router,
		Logger:   logg,
	})
	if err != nil {
		return nil, nil, err
	}
	return repo, svc, nil
}
