package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-slot-booking/internal/appointment"
	"github.com/hackgods/clinic-slot-booking/internal/config"
	"github.com/hackgods/clinic-slot-booking/internal/db"
	"github.com/hackgods/clinic-slot-booking/internal/logging"
	redisclient "github.com/hackgods/clinic-slot-booking/internal/redis"
)

const syncLockName = "availability-sync"

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

	if cfg.InMemory() || !cfg.RedisEnabled() {
		log.Fatal("availability-worker needs both POSTGRES_DSN and Redis configured")
	}

	log.WithFields(logrus.Fields{
		"env":      cfg.Env,
		"interval": cfg.WorkerInterval,
	}).Info("availability-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.WithError(err).Fatal("postgres connection error")
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.WithError(err).Fatal("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.WithError(err).Warn("error closing redis")
		}
	}()
	log.Info("connected to Redis")

	w := &worker{
		repo:   appointment.NewPgRepository(pgPool),
		store:  redisclient.NewAvailabilityStore(rdb),
		locker: redisclient.NewRedisLocker(rdb, cfg.LockTTL),
		log:    log,
	}

	w.runOnce(rootCtx)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping availability worker")
			return
		case <-ticker.C:
			w.runOnce(rootCtx)
		}
	}
}

type worker struct {
	repo   appointment.Repository
	store  *redisclient.AvailabilityStore
	locker redisclient.Locker
	log    *logrus.Logger
}

// runOnce republishes every slot. Only one worker across the deployment syncs at a
// time; the others skip the tick.
func (w *worker) runOnce(ctx context.Context) {
	start := time.Now()

	var total, written int
	err := w.locker.WithLock(ctx, syncLockName, func(ctx context.Context) error {
		slots, err := w.repo.LoadSlots(ctx)
		if err != nil {
			return err
		}
		appts, err := w.repo.LoadAppointments(ctx)
		if err != nil {
			return err
		}

		slots = appointment.WithReservations(slots, appts)
		total = len(slots)
		written, err = w.store.Sync(ctx, slots)
		return err
	})
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		w.log.Debug("availability sync already running elsewhere, skipping")
	case err != nil:
		w.log.WithError(err).Error("availability sync failed")
	default:
		w.log.WithFields(logrus.Fields{
			"slots":    total,
			"written":  written,
			"duration": time.Since(start).String(),
		}).Info("availability sync complete")
	}
}
