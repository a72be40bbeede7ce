package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/hookreel/internal/app"
	"github.com/bobarin/hookreel/internal/config"
	"github.com/bobarin/hookreel/internal/logger"
)

const drainTimeout = 2 * time.Minute

func main() {
	log := logger.NewDefault().WithComponent("worker-main")
	log.Info("starting hookreel worker")

	cfg, err := config.Load()
	if err != nil {
		log.LogFatal("failed to load config", err)
	}
	if cfg.MemoryStore() {
		log.Warn("standalone worker with an in-process store only sees its own jobs")
	}

	a, err := app.New(cfg, log)
	if err != nil {
		log.LogFatal("failed to initialize", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := a.NewWorker()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	<-ctx.Done()
	log.Info("shutdown requested; waiting for in-flight jobs")

	select {
	case err := <-done:
		if err != nil {
			log.WithError(err).Error("worker stopped with error")
		}
	case <-time.After(drainTimeout):
		log.Warn("in-flight jobs still running at shutdown", "waited", drainTimeout.String())
	}

	stats := w.Stats()
	log.Info("worker exited", "claimed", stats.Claimed, "completed", stats.Completed, "failed", stats.Failed)
}
