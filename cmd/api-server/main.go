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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-slot-booking/internal/api"
	"github.com/hackgods/clinic-slot-booking/internal/appointment"
	"github.com/hackgods/clinic-slot-booking/internal/config"
	"github.com/hackgods/clinic-slot-booking/internal/db"
	"github.com/hackgods/clinic-slot-booking/internal/directory"
	"github.com/hackgods/clinic-slot-booking/internal/logging"
	redisclient "github.com/hackgods/clinic-slot-booking/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, log); err != nil {
		log.WithError(err).Fatal("api-server stopped")
	}
	log.Info("api-server shut down")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	log.WithFields(logrus.Fields{
		"env":       cfg.Env,
		"http_port": cfg.HTTPPort,
		"in_memory": cfg.InMemory(),
		"redis":     cfg.RedisEnabled(),
	}).Info("api-server starting up")

	var (
		pgPool   *pgxpool.Pool
		dirRepo  directory.Repository = directory.NewMemoryRepository()
		bookRepo appointment.Repository
	)
	if !cfg.InMemory() {
		if cfg.AutoMigrate {
			if err := db.Migrate(cfg.PostgresDSN, log); err != nil {
				return err
			}
		}

		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres connection: %w", err)
		}
		defer pool.Close()
		log.Info("connected to Postgres")

		pgPool = pool
		cached, err := directory.NewCachedRepository(directory.NewPgRepository(pool), cfg.DirectoryCacheSize)
		if err != nil {
			return err
		}
		dirRepo = cached
		bookRepo = appointment.NewPgRepository(pool)
	}

	var (
		rdb    *redis.Client
		pub    appointment.AvailabilityPublisher
		reader api.AvailabilityReader
	)
	if cfg.RedisEnabled() {
		client, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			return fmt.Errorf("redis connection: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				log.WithError(err).Warn("error closing redis")
			}
		}()
		log.Info("connected to Redis")

		rdb = client
		store := redisclient.NewAvailabilityStore(client)
		pub, reader = store, store
	}

	dir := directory.NewService(dirRepo, log)
	booking := appointment.NewService(dir, bookRepo, pub, log)
	if err := booking.Restore(ctx); err != nil {
		return fmt.Errorf("restore booking state: %w", err)
	}

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Handler: api.NewHandler(dir, booking, reader, cfg.Location, log),
			PgPool:  pgPool,
			Redis:   rdb,
			Log:     log,
			Env:     cfg.Env,
			Version: version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down http server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
