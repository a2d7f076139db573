package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"arbiter/internal/actions"
	"arbiter/internal/automod"
	"arbiter/internal/config"
	"arbiter/internal/counters"
	"arbiter/internal/database/boltstore"
	"arbiter/internal/database/gormstore"
	"arbiter/internal/flagcount"
	"arbiter/internal/handlers"
	"arbiter/internal/jobs"
	"arbiter/internal/metrics"
	"arbiter/internal/moderation"
	"arbiter/internal/notify"
	"arbiter/internal/ratelimit"
	"arbiter/internal/routing"
	"arbiter/internal/tracing"
)

const (
	shutdownTimeout   = 10 * time.Second
	collectorInterval = 30 * time.Second
)

func main() {
	configureLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	log.Info().Msg("Starting arbiter")

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}
	log.Info().Msg("Server stopped")
}

// parseLevel maps LOG_LEVEL onto a zerolog level (default: info).
func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func configureLogging(level, format string) {
	zerolog.SetGlobalLevel(parseLevel(level))

	// Use pretty console logging in development, JSON in production
	if format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}
}

// openRedis returns nil when url is empty, leaving every shared backend in
// process.
func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// backends picks the rate limit primitive and notifier for the deployment.
func backends(rdb *redis.Client) (ratelimit.Limiter, notify.Notifier, error) {
	if rdb != nil {
		return ratelimit.NewRedisLimiter(rdb), notify.NewRedisNotifier(rdb, ""), nil
	}
	local, err := ratelimit.NewLocalLimiter(0)
	if err != nil {
		return nil, nil, fmt.Errorf("local limiter: %w", err)
	}
	return local, notify.LogNotifier{}, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(ctx, cfg.Tracing.Endpoint)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}()
		log.Info().Str("endpoint", cfg.Tracing.Endpoint).Msg("Tracing enabled")
	}

	store, err := gormstore.Open(gormstore.Options{
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	jobsDB, err := boltstore.Open(boltstore.Options{Path: cfg.Jobs.Path})
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobsDB.Close()
	jobStore := jobsDB.JobStore()
	log.Info().Str("path", cfg.Jobs.Path).Msg("Job store opened")

	rdb, err := openRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}
	limiter, notifier, err := backends(rdb)
	if err != nil {
		return err
	}
	log.Info().Bool("redis", rdb != nil).Msg("Shared backends configured")

	roles, err := moderation.NewRoles(cfg.Moderation.RolesPath)
	if err != nil {
		return err
	}

	site := cfg.Site
	audit := moderation.NewRecorder(store)
	flagged := flagcount.New(store, flagcount.Options{
		MinFlags: site.MinFlagsStaffVisibility,
		TTL:      site.FlaggedCountTTL,
		Redis:    rdb,
	})

	svc := actions.NewService(actions.Deps{
		Store:    store,
		Limits:   ratelimit.NewPolicy(limiter, site),
		Counters: counters.NewEngine(store, flagged, site.StaffLikeWeight),
		Automod:  automod.NewPolicy(store, jobStore, audit, site),
		Flagged:  flagged,
		Notifier: notifier,
		Audit:    audit,
		Roles:    roles,
		Site:     site,
	})

	worker := jobs.NewWorker(jobStore, jobs.WorkerOptions{PollInterval: cfg.Jobs.PollInterval})
	jobs.RegisterHandlers(worker, store, notifier, audit)

	metrics.StartCollector(ctx, metrics.StatsSource{
		FlaggedPostCount: flagged.Get,
		PendingJobCount:  jobStore.Pending,
	}, collectorInterval)

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: routing.SetupRouter(routing.Config{
			Handlers: handlers.NewHandler(svc, store, flagged),
			Logger:   log.Logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("address", cfg.Server.Addr).
			Str("public_url", cfg.Server.PublicURL).
			Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return flagged.Run(gctx) })

	return g.Wait()
}
