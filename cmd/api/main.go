package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bobarin/hookreel/internal/api"
	"github.com/bobarin/hookreel/internal/app"
	"github.com/bobarin/hookreel/internal/config"
	"github.com/bobarin/hookreel/internal/logger"
)

// workerDrainTimeout bounds how long shutdown waits for an in-flight render.
const workerDrainTimeout = 2 * time.Minute

func main() {
	log := logger.NewDefault()
	log.Info("starting hookreel api")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.LogFatal("failed to load config", err)
	}

	a, err := app.New(cfg, log)
	if err != nil {
		log.LogFatal("failed to initialize", err)
	}
	defer a.Close()

	batch, err := a.NewBatchRunner()
	if err != nil {
		log.LogFatal("failed to prepare batch workspace", err)
	}
	handler := a.NewHandler(batch)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info("api key authentication enabled")
	} else {
		log.Warn("no BACKEND_API_KEY set; API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start worker if enabled
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workerDone sync.WaitGroup
	if !cfg.WorkerEnabled {
		handler.SetHealthDetails(a.HealthDetails(nil))
	} else {
		w := a.NewWorker()
		handler.SetHealthDetails(a.HealthDetails(w))
		workerDone.Add(1)
		go func() {
			defer workerDone.Done()
			if err := w.Start(workerCtx); err != nil {
				log.WithError(err).Error("worker stopped")
			}
		}()
	}

	go func() {
		log.Info("api server listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("server error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}

	workerCancel()
	waitTimeout(&workerDone, workerDrainTimeout, log)

	log.Info("server exited")
}

// waitTimeout waits for wg; a job still rendering afterwards is left to the reaper.
func waitTimeout(wg *sync.WaitGroup, d time.Duration, log *logger.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		log.Warn("in-flight jobs still running at shutdown", "waited", d.String())
	}
}
