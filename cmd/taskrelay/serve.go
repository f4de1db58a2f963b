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

	"golang.org/x/sync/errgroup"

	"github.com/taskrelay/taskrelay/internal/affinity"
	"github.com/taskrelay/taskrelay/internal/bus"
	"github.com/taskrelay/taskrelay/internal/config"
	"github.com/taskrelay/taskrelay/internal/guard"
	"github.com/taskrelay/taskrelay/internal/ipc"
	"github.com/taskrelay/taskrelay/internal/recorder"
	"github.com/taskrelay/taskrelay/internal/store"
	"github.com/taskrelay/taskrelay/internal/tasks"
	"github.com/taskrelay/taskrelay/internal/team"
)

const (
	shutdownTimeout = 10 * time.Second
	sseKeepAlive    = 15 * time.Second
)

func runServe(ctx context.Context, flagPath string) error {
	cfg, path, err := loadConfig(flagPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	b := bus.New(cfg.SubscriberQueueSize, logger)
	defer b.Close()

	var transport *bus.SQLiteTransport
	if cfg.BusBackend == config.BusSQLite {
		if transport, err = bus.NewSQLiteTransport(db, b, cfg.BusPollInterval(), cfg.BusRetention(), logger); err != nil {
			return fmt.Errorf("bus transport: %w", err)
		}
	}

	// Wire routing and the task store.
	router := affinity.NewRouter(db, logger)
	router.SetAllowUnpinned(*cfg.AllowUnpinned)
	svc := tasks.NewService(db, recorder.New(db, b), b, router, logger)
	svc.SetMaxRetries(*cfg.MaxRetries)

	// Wire membership and supervision.
	dir := team.NewDirectory(b)
	wm := team.NewWorkerManager(db, router, svc, dir, logger)
	supervisor := team.NewSupervisor(wm, team.SupervisorConfig{
		SweepInterval:    cfg.SweepInterval(),
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
	})

	g := guard.NewGuard(guard.GuardConfig{RatePerSec: cfg.PollRatePerSec, Burst: cfg.PollBurst})

	handler := &ipc.Handler{
		Tasks:     svc,
		Router:    router,
		Workers:   wm,
		Directory: dir,
		Bus:       b,
		Guard:     g,
		Logger:    logger,
		Version:   version,
		KeepAlive: sseKeepAlive,
	}
	srv := ipc.NewServer(handler, cfg.ListenAddr)
	srv.RegisterOnShutdown(b.Close)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logger.Info("taskrelay listening", "addr", cfg.ListenAddr, "version", version, "bus", cfg.BusBackend)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	eg.Go(func() error {
		return supervisor.Run(ctx)
	})
	if transport != nil {
		eg.Go(func() error {
			return transport.Run(ctx)
		})
	}
	eg.Go(func() error {
		err := config.Watch(ctx, path, logger, func(next *config.Config) {
			supervisor.SetPolicy(next.HeartbeatTimeout(), next.SweepInterval(), *next.MaxRetries)
			router.SetAllowUnpinned(*next.AllowUnpinned)
			g.SetRate(next.PollRatePerSec, next.PollBurst)
		})
		if err != nil {
			logger.Warn("config watch disabled", "path", path, "err", err)
		}
		return nil
	})

	return eg.Wait()
}
