package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/labcore/sample-custody/internal/allocation"
	"github.com/labcore/sample-custody/internal/cache"
	"github.com/labcore/sample-custody/internal/config"
	"github.com/labcore/sample-custody/internal/conflict"
	"github.com/labcore/sample-custody/internal/database"
	"github.com/labcore/sample-custody/internal/handler"
	"github.com/labcore/sample-custody/internal/lifecycle"
	"github.com/labcore/sample-custody/internal/logger"
	"github.com/labcore/sample-custody/internal/middleware"
	"github.com/labcore/sample-custody/internal/router"
	"github.com/labcore/sample-custody/internal/service"
	"github.com/labcore/sample-custody/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the claim sweeper and the sync worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		if err := cfg.RequireServe(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	db, err := database.Open(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db, cfg.DB.Driver); err != nil {
		return err
	}

	// Redis is optional; without it claims lock and contention is counted
	// in-process, and the rate limiter and response cache stay off.
	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		log.Warn().Str("addr", cfg.Redis.Address()).Msg("redis unavailable, continuing without it")
	} else {
		defer rdb.Close()
	}

	notifier := notifierFor(cfg, log)
	poolDeps := allocation.Deps{Notifier: notifier, Log: logger.Component(log, "allocation")}
	if rdb != nil {
		poolDeps.Counter = cache.NewRedisCounter(rdb, "labcore:")
		if cfg.Claims.LockBackend == "redis" {
			poolDeps.Locker = cache.NewRedisLocker(rdb, "labcore:lock:", cfg.Claims.MaxTTL, log)
		}
	} else if cfg.Claims.LockBackend == "redis" {
		return errors.New("CLAIM_LOCK_BACKEND=redis needs a reachable redis")
	}

	pool := allocation.NewPool(db, cfg.Claims, poolDeps)
	lc := lifecycle.NewEngine(db, lifecycle.Deps{Releaser: pool, Log: logger.Component(log, "lifecycle")})
	ledger := syncer.NewLedger(db, nil, logger.Component(log, "ledger"))
	engine := syncer.NewEngine(db, syncer.EngineDeps{
		Lifecycle: lc,
		Pool:      pool,
		Notifier:  notifier,
		MaxBatch:  cfg.Sync.MaxBatch,
		Log:       logger.Component(log, "sync"),
	})
	reporter := conflict.NewReporter(db, engine, nil, logger.Component(log, "conflict"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.Use(middleware.RequestLogger(logger.Component(log, "http")))

	httpLog := logger.Component(log, "handler")
	router.RegisterRoutes(e, db)
	router.RegisterAPI(e, router.Handlers{
		Samples:   handler.NewSampleHandler(lc, httpLog),
		Storage:   handler.NewStorageHandler(pool, httpLog),
		Sync:      handler.NewSyncHandler(ledger, engine, httpLog),
		Conflicts: handler.NewConflictHandler(reporter, httpLog),
	}, router.Options{
		JWTSecret: cfg.JWTSecret,
		RateLimit: cfg.RateLimit,
		Cache:     cfg.Cache,
		Redis:     rdb,
		Log:       log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Str("db", cfg.DB.Driver).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down")
		return e.Shutdown(sctx)
	})
	g.Go(func() error { return pool.RunSweeper(gctx, cfg.Claims.SweepInterval) })
	g.Go(func() error { return engine.RunWorker(gctx, cfg.Sync.DrainInterval) })

	err = g.Wait()
	if n, ok := notifier.(*service.AMQPNotifier); ok {
		n.Wait()
	}
	return err
}

// notifierFor publishes to RabbitMQ when a broker is configured and logs
// events otherwise.
func notifierFor(cfg config.Config, log zerolog.Logger) syncer.Notifier {
	if cfg.RabbitMQURL == "" {
		return service.LogNotifier{Log: logger.Component(log, "notify")}
	}
	return service.NewAMQPNotifier(cfg.RabbitMQURL, logger.Component(log, "notify"))
}
