package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ecoroute/internal/api"
	"ecoroute/internal/auth"
	"ecoroute/internal/buildinfo"
	"ecoroute/internal/config"
	"ecoroute/internal/directions"
	"ecoroute/internal/events"
	"ecoroute/internal/ingest"
	"ecoroute/internal/jobs"
	"ecoroute/internal/metrics"
	"ecoroute/internal/planner"
	"ecoroute/internal/registry"
	"ecoroute/internal/store"
	"ecoroute/internal/webhooks"
)

func main() {
	configPath := flag.String("config", config.Path(), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := cfg.Log.NewLogger()
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("exit")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.RegisterDefault()
	log.WithFields(logrus.Fields(buildinfo.Fields())).Info("starting ecoroute")

	st, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
	}
	var broker events.EventBroker = events.NewBroker()
	if rdb != nil {
		broker = events.NewRedisBrokerFromClient(rdb, log)
		log.Info("using redis event broker")
	}
	var hooks *webhooks.Worker
	if urls := config.SplitList(cfg.Webhooks.URLs); len(urls) > 0 {
		hooks = webhooks.NewWorker(cfg.Webhooks.Secret, cfg.Webhooks.MaxAttempts, cfg.Webhooks.Timeout, log.WithField("component", "webhooks"))
		broker = webhooks.NewPublisher(broker, hooks, urls, config.SplitList(cfg.Webhooks.Events))
		log.WithField("endpoints", len(urls)).Info("webhook delivery enabled")
	}

	provider, err := directions.New(cfg.Directions, rdb, log)
	if err != nil {
		return err
	}
	log.WithField("provider", provider.Name()).Info("directions provider ready")

	var reg registry.Registry = st
	if cfg.Registry.BaseURL != "" {
		reg = registry.NewHTTP(cfg.Registry.BaseURL, cfg.Registry.Timeout, log)
		log.WithField("registry", cfg.Registry.BaseURL).Info("using upstream device registry")
	}

	pl := planner.New(reg, provider, st, broker, log)
	ing := ingest.New(st, broker, log)
	verifier := auth.NewVerifier(auth.Options{
		Mode:       cfg.Auth.Mode,
		HMACSecret: cfg.Auth.HMACSecret,
		JWKSURL:    cfg.Auth.JWKSURL,
		UserClaim:  cfg.Auth.UserClaim,
		RoleClaim:  cfg.Auth.RoleClaim,
	})
	srv := api.NewServer(cfg, st, reg, pl, ing, broker, verifier, log)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	sched := jobs.NewScheduler(log)
	if err := sched.PruneRoutes(cfg.Jobs.PruneSpec, cfg.Jobs.RouteRetention, st); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", httpSrv.Addr).Info("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sched.Run(gctx) })
	if hooks != nil {
		g.Go(func() error { return hooks.Run(gctx) })
	}
	if cfg.Kafka.Brokers != "" {
		consumer := ingest.NewKafkaConsumer(cfg.Kafka, ing, log)
		g.Go(func() error { return consumer.Run(gctx) })
	}
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig, log logrus.FieldLogger) (store.Store, func(), error) {
	var (
		st      store.Store
		closeFn = func() {}
	)
	if cfg.DatabaseURL == "" {
		st = store.NewMemory()
		log.Info("using in-memory store")
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		closeFn = func() { _ = pg.Close() }
		if cfg.Migrate {
			if err := pg.MigrateDir(cfg.MigrationsDir); err != nil {
				closeFn()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		log.Info("using postgres store")
	}

	if cfg.SeedFile != "" {
		seed, err := store.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		if err := seed.Apply(ctx, st); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("apply seed %s: %w", cfg.SeedFile, err)
		}
		log.WithField("file", cfg.SeedFile).Info("seed applied")
	} else if cfg.SeedDemo && cfg.DatabaseURL == "" {
		if err := store.DemoSeed().Apply(ctx, st); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("apply demo seed: %w", err)
		}
		log.Info("demo bins seeded")
	}
	return st, closeFn, nil
}
