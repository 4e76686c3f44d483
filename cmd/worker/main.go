package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ryabova/genqueue/internal/config"
	"github.com/ryabova/genqueue/internal/generate"
	"github.com/ryabova/genqueue/internal/store"
	"github.com/ryabova/genqueue/internal/worker"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Load()

	s, err := store.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.Retention, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer s.Close()
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := worker.Register(ctx, s, cfg.WorkerID, cfg.HeartbeatInterval)
	if err != nil {
		if errors.Is(err, store.ErrWorkerActive) {
			logger.Fatal("another instance is already running", zap.String("worker_id", cfg.WorkerID))
		}
		logger.Fatal("worker registration failed", zap.Error(err))
	}
	logger.Info("worker registered",
		zap.String("worker_id", reg.WorkerID), zap.Int("pid", reg.PID))

	go worker.Heartbeat(ctx, s, reg, cfg.HeartbeatInterval, logger)

	gen := generate.NewClient(cfg.GenerateURL)
	pool := worker.NewPool(s, gen, cfg.WorkerCount, cfg.TaskTimeout, logger)
	pool.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received, draining")

	cancel()

	if !pool.Stop(cfg.DrainTimeout) {
		// Force-terminated: anything still running stays `running` in the
		// store and is handled by the caller-side staleness rule.
		logger.Warn("forced shutdown with tasks in flight")
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
