package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/digitalmandi/mandi-engine/internal/api"
	"github.com/digitalmandi/mandi-engine/internal/collective"
	"github.com/digitalmandi/mandi-engine/internal/config"
	"github.com/digitalmandi/mandi-engine/internal/events"
	"github.com/digitalmandi/mandi-engine/internal/ledger"
	"github.com/digitalmandi/mandi-engine/internal/logging"
	"github.com/digitalmandi/mandi-engine/internal/logistics"
	"github.com/digitalmandi/mandi-engine/internal/msp"
	"github.com/digitalmandi/mandi-engine/internal/refdata"
	"github.com/digitalmandi/mandi-engine/internal/settlement"
	"github.com/digitalmandi/mandi-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("mandi-engine exited")
	}
	log.Info().Msg("mandi-engine stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tables, err := refdata.Load(cfg.RefdataPath)
	if err != nil {
		return err
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		st = pg
		log.Info().Msg("connected to PostgreSQL")
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Event fan-out ---
	wsHub := events.NewWSHub()
	emitters := events.Multi{events.MetricsSink{}, wsHub}

	var publisher *events.RedisPublisher
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		publisher = events.NewRedisPublisher(rdb, cfg.EventsChannel)
		emitters = append(emitters, publisher)
		log.Info().Str("channel", cfg.EventsChannel).Msg("Redis cache and event publishing enabled")
	}

	// --- Domain services ---
	seed := cfg.LogisticsSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	estimator := logistics.NewSeeded(tables, seed)
	checker := msp.NewChecker(tables)
	pools := collective.NewAggregator(st, emitters)
	listings := ledger.New(st, estimator, checker, pools, emitters)
	engine := settlement.NewEngine(listings, st, pools, emitters)

	// --- HTTP router ---
	h := api.NewHandler(listings, engine, pools, estimator, checker)
	bidLimit := api.NewKeyLimiter(cfg.BidRateLimitRPS, cfg.BidRateLimitBurst, 0)
	router := api.NewRouter(h, wsHub.HandleWS, bidLimit)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	if publisher != nil {
		g.Go(func() error { return publisher.Run(gctx) })
	}
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("mandi-engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down mandi-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
