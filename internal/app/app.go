// Package app wires configuration into the job store, object storage, media
// tools and render pipeline shared by the API and worker binaries.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bobarin/hookreel/internal/api"
	"github.com/bobarin/hookreel/internal/config"
	"github.com/bobarin/hookreel/internal/db"
	"github.com/bobarin/hookreel/internal/logger"
	"github.com/bobarin/hookreel/internal/memstore"
	"github.com/bobarin/hookreel/internal/models"
	"github.com/bobarin/hookreel/internal/progress"
	"github.com/bobarin/hookreel/internal/queue"
	"github.com/bobarin/hookreel/internal/render"
	"github.com/bobarin/hookreel/internal/services"
	"github.com/bobarin/hookreel/internal/storage"
	"github.com/bobarin/hookreel/internal/worker"
)

// JobStore is implemented by both the Postgres and the in-process store.
type JobStore interface {
	worker.JobStore
	api.JobStore
}

type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Store    JobStore
	Queue    *queue.Queue // nil when REDIS_URL is unset
	Objects  storage.ObjectStore
	Progress *progress.Channel
	Pipeline *render.Pipeline

	closers []func() error
}

// New connects every dependency. On error, anything already opened is closed.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Progress: progress.New(0)}
	for _, step := range []func() error{a.openStore, a.openQueue, a.openObjects, a.buildPipeline} {
		if err := step(); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) openStore() error {
	if a.Config.MemoryStore() {
		a.Store = memstore.New()
		a.Log.Warn("using in-process job store; jobs are lost on restart")
		return nil
	}

	database, err := db.New(a.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, database.Close)
	if err := database.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	a.Store = database
	a.Log.Info("connected to database")
	return nil
}

func (a *App) openQueue() error {
	if a.Config.RedisURL == "" {
		a.Log.Info("REDIS_URL not set; workers poll the store and progress stays in-process")
		return nil
	}
	q, err := queue.New(a.Config.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.closers = append(a.closers, q.Close)
	a.Queue = q
	a.Log.Info("connected to redis")
	return nil
}

func (a *App) openObjects() error {
	cfg := a.Config
	switch cfg.StorageProvider {
	case "s3":
		s3, err := storage.NewS3(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL, cfg.S3PublicBaseURL)
		if err != nil {
			return fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		a.Objects = s3
		a.Log.Info("initialized s3 storage", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	default:
		a.Objects = storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, a.Log)
		a.Log.Info("initialized supabase storage", "bucket", cfg.SupabaseStorageBucket)
	}
	return nil
}

func (a *App) buildPipeline() error {
	cfg := a.Config
	ffmpeg, err := services.ResolveTool("ffmpeg", cfg.FFmpegPaths)
	if err != nil {
		return err
	}
	ffprobe, err := services.ResolveTool("ffprobe", cfg.FFprobePaths)
	if err != nil {
		return err
	}
	width, height, err := services.ParseResolution(cfg.RenderResolution)
	if err != nil {
		return err
	}

	media := services.NewFFmpegService(services.ExecRunner{}, services.Tools{FFmpeg: ffmpeg, FFprobe: ffprobe},
		services.RenderOptions{Width: width, Height: height, FPS: cfg.RenderFPS, Font: cfg.HookFont}, a.Log)
	a.Log.Info("resolved media tools", "ffmpeg", ffmpeg, "ffprobe", ffprobe, "resolution", cfg.RenderResolution)

	a.Pipeline = render.NewPipeline(media, storage.NewFetcher(a.Log), render.Config{
		AcquireConcurrency: cfg.AcquireConcurrency,
		DefaultPlacement:   models.TemplatePlacement(cfg.TemplatePlacement),
		HookFont:           cfg.HookFont,
	}, a.Log)
	return nil
}

// WorkerRoot is this worker's private workspace directory.
func (a *App) WorkerRoot() string {
	return filepath.Join(a.Config.WorkspaceRoot, a.Config.WorkerID)
}

func (a *App) NewWorker() *worker.Worker {
	cfg := a.Config
	var notifier worker.Notifier
	if a.Queue != nil {
		notifier = a.Queue
	}
	return worker.New(a.Store, a.Pipeline, a.Objects, notifier, a.Progress, worker.Config{
		WorkerID:            cfg.WorkerID,
		WorkspaceRoot:       a.WorkerRoot(),
		Concurrency:         cfg.WorkerConcurrency,
		PollInterval:        cfg.PollInterval,
		ProgressMinInterval: cfg.ProgressMinInterval,
		ProgressMinStep:     cfg.ProgressMinStep,
		StaleClaimTimeout:   cfg.StaleClaimTimeout,
		ReaperInterval:      cfg.ReaperInterval,
	}, a.Log)
}

// NewBatchRunner renders batches under a root separate from the worker's. The
// root is locked for the life of the App and released by Close.
func (a *App) NewBatchRunner() (*render.BatchRunner, error) {
	root, n, err := render.AcquireRoot(filepath.Join(a.Config.WorkspaceRoot, a.Config.WorkerID+"-batch"))
	if root == nil {
		return nil, err
	}
	if err != nil {
		a.Log.WithError(err).Warn("batch workspace sweep incomplete", "removed", n)
	}
	a.closers = append(a.closers, root.Release)

	publish := func(ctx context.Context, key, path string) (string, error) {
		return storage.PutFile(ctx, a.Objects, key, path, "video/mp4")
	}
	return render.NewBatchRunner(a.Pipeline, publish, root.Dir(), a.Config.BatchConcurrency, a.Log), nil
}

func (a *App) NewHandler(batch api.BatchRunner) *api.Handler {
	var notifier api.Notifier
	if a.Queue != nil {
		notifier = a.Queue
	}
	return api.NewHandler(a.Store, notifier, a.Objects, a.Progress, batch, api.HandlerConfig{
		AvgJobSeconds:     a.Config.AvgJobSeconds,
		RenderSpeedFactor: a.Config.RenderSpeedFactor,
	}, a.Log)
}

// HealthDetails reports worker counters (when w is set) and the wake-up backlog.
func (a *App) HealthDetails(w *worker.Worker) func() any {
	return func() any {
		details := map[string]any{"workerId": a.Config.WorkerID}
		if w != nil {
			details["worker"] = w.Stats()
		}
		if a.Queue != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if n, err := a.Queue.GetQueueLength(ctx); err == nil {
				details["pendingWakeups"] = n
			}
		}
		return details
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	a.Progress.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}
