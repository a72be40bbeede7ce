package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bobarin/hookreel/internal/logger"
	"github.com/bobarin/hookreel/internal/models"
	"github.com/bobarin/hookreel/internal/progress"
	"github.com/bobarin/hookreel/internal/render"
	"github.com/bobarin/hookreel/internal/storage"
	"github.com/google/uuid"
)

// MaxErrorMessageBytes bounds the persisted failure detail.
const MaxErrorMessageBytes = 2000

// terminalWriteTimeout bounds the final store write once a render has ended.
const terminalWriteTimeout = 30 * time.Second

// JobStore is the slice of the job store a worker needs.
type JobStore interface {
	ClaimNextPending(ctx context.Context, workerID string) (*models.VideoJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.VideoJob, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, progress float64) error
	Complete(ctx context.Context, id uuid.UUID, resultURL string) error
	Fail(ctx context.Context, id uuid.UUID, errorMessage string) error
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Notifier wakes idle workers and carries job snapshots to other processes. Optional.
type Notifier interface {
	WaitForPending(ctx context.Context, timeout time.Duration) (bool, error)
	PublishJob(ctx context.Context, job *models.VideoJob) error
}

type Config struct {
	WorkerID            string
	WorkspaceRoot       string // Shared parent; Start takes a locked instance root under it
	Concurrency         int
	PollInterval        time.Duration
	ProgressMinInterval time.Duration
	ProgressMinStep     float64
	StaleClaimTimeout   time.Duration // 0 disables the reaper
	ReaperInterval      time.Duration
	MaxConcurrentUpload int
}

// Stats are process-lifetime counters.
type Stats struct {
	Claimed        int64 `json:"claimed"`
	ClaimConflicts int64 `json:"claimConflicts"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	Requeued       int64 `json:"requeued"`
}

type Worker struct {
	store     JobStore
	renderer  render.Renderer
	storage   storage.ObjectStore
	notifier  Notifier
	progress  *progress.Channel
	cfg       Config
	log       *logger.Logger
	uploadSem chan struct{} // Limits concurrent uploads across slots
	now       func() time.Time
	root      string // Instance root held by Start

	claimed, conflicts, completed, failed, requeued atomic.Int64
}

func New(
	store JobStore,
	renderer render.Renderer,
	objectStore storage.ObjectStore,
	notifier Notifier,
	ch *progress.Channel,
	cfg Config,
	log *logger.Logger,
) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = time.Minute
	}
	if cfg.MaxConcurrentUpload < 1 {
		cfg.MaxConcurrentUpload = 2
	}
	return &Worker{
		store:     store,
		renderer:  renderer,
		storage:   objectStore,
		notifier:  notifier,
		progress:  ch,
		cfg:       cfg,
		log:       &logger.Logger{Logger: log.WithComponent("worker").With("worker_id", cfg.WorkerID)},
		uploadSem: make(chan struct{}, cfg.MaxConcurrentUpload),
		now:       time.Now,
	}
}

func (w *Worker) Stats() Stats {
	return Stats{
		Claimed:        w.claimed.Load(),
		ClaimConflicts: w.conflicts.Load(),
		Completed:      w.completed.Load(),
		Failed:         w.failed.Load(),
		Requeued:       w.requeued.Load(),
	}
}

// Start takes a workspace root of its own, sweeps roots left by dead processes,
// then runs the claim loops until ctx is done. A job that is already rendering is
// allowed to finish; Start returns once every slot has stopped.
func (w *Worker) Start(ctx context.Context) error {
	root, n, err := render.AcquireRoot(w.cfg.WorkspaceRoot)
	if root == nil {
		return err
	}
	if err != nil {
		w.log.WithError(err).Warn("orphan sweep incomplete", "removed", n)
	} else if n > 0 {
		w.log.Info("removed orphaned workspaces", "removed", n)
	}
	defer func() {
		if err := root.Release(); err != nil {
			w.log.WithError(err).Warn("failed to release workspace root")
		}
	}()
	w.root = root.Dir()

	w.log.Info("worker started", "concurrency", w.cfg.Concurrency, "poll_interval", w.cfg.PollInterval.String())

	var wg sync.WaitGroup
	if w.cfg.StaleClaimTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runReaper(ctx)
		}()
	}
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.runSlot(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	w.log.Info("worker shutting down")
	wg.Wait()
	return nil
}

// runSlot executes one job at a time: claim, render, finalize, repeat.
func (w *Worker) runSlot(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		found, err := w.pollOnce(ctx)
		switch {
		case errors.Is(err, models.ErrClaimConflict):
			// Another worker won the row; look again right away
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).Error("claim failed", "slot", slot)
			w.wait(ctx)
		case !found:
			w.wait(ctx)
		}
	}
}

// pollOnce claims and fully processes at most one job.
func (w *Worker) pollOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextPending(ctx, w.cfg.WorkerID)
	if errors.Is(err, models.ErrClaimConflict) {
		w.conflicts.Add(1)
		w.log.Debug("lost claim race")
		return false, err
	}
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	w.claimed.Add(1)
	// Once claimed, a job runs to completion or failure even during shutdown
	w.process(context.WithoutCancel(ctx), job)
	return true, nil
}

func (w *Worker) wait(ctx context.Context) {
	if w.notifier != nil {
		_, err := w.notifier.WaitForPending(ctx, w.cfg.PollInterval)
		if err == nil || ctx.Err() != nil {
			return
		}
		w.log.WithError(err).Warn("wake-up wait failed, falling back to polling")
	}
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval):
	}
}

// process renders a claimed job and writes its terminal state. The workspace is
// removed before the terminal write on every path.
func (w *Worker) process(ctx context.Context, job *models.VideoJob) {
	jobID := job.ID.String()
	ctx = logger.ContextWithJobID(ctx, jobID)
	log := w.log.WithJobID(jobID)
	start := w.now()

	log.Info("processing job", "owner_id", logger.SanitizeForLog(job.OwnerID), "parts", len(job.Spec.Parts), "attempts", job.Attempts)
	w.publish(ctx, progress.Update{JobID: job.ID, Status: models.JobStatusProcessing, Progress: job.Progress}, nil)

	resultURL, runErr := w.execute(ctx, job, log)

	if runErr != nil {
		msg := FormatErrorMessage(runErr)
		log.WithError(runErr).Error("job failed", "duration_ms", w.now().Sub(start).Milliseconds())
		w.finish(ctx, job, func(ctx context.Context) error {
			return w.store.Fail(ctx, job.ID, msg)
		}, progress.Update{JobID: job.ID, Status: models.JobStatusFailed, Progress: job.Progress, ErrorMessage: msg})
		w.failed.Add(1)
		return
	}

	log.Info("job completed", "result_url", resultURL, "duration_ms", w.now().Sub(start).Milliseconds())
	w.finish(ctx, job, func(ctx context.Context) error {
		return w.store.Complete(ctx, job.ID, resultURL)
	}, progress.Update{JobID: job.ID, Status: models.JobStatusCompleted, Progress: 100, ResultURL: resultURL})
	w.completed.Add(1)
}

// execute owns the workspace for the job's lifetime and returns the public result URL.
func (w *Worker) execute(ctx context.Context, job *models.VideoJob, log *logger.Logger) (string, error) {
	root := w.root
	if root == "" {
		root = w.cfg.WorkspaceRoot
	}
	ws, err := render.NewWorkspace(root, job.ID.String())
	if err != nil {
		return "", render.WrapStage(render.StageAcquire, err)
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			log.WithError(err).Error("failed to remove workspace")
		}
	}()

	throttle := newProgressThrottle(w.cfg.ProgressMinInterval, w.cfg.ProgressMinStep, w.now)
	throttle.last = job.Progress

	outputPath, err := w.renderer.Render(ctx, job.Spec, ws, func(v float64) {
		w.reportProgress(ctx, job, throttle, v, log)
	})
	if err != nil {
		return "", err
	}

	url, err := w.upload(ctx, job.ID, outputPath)
	if err != nil {
		return "", render.WrapStage(render.StageFinalize, fmt.Errorf("upload: %w", err))
	}
	return url, nil
}

// reportProgress pushes every change to local observers but writes the store (and
// the cross-process channel) only when the throttle allows.
func (w *Worker) reportProgress(ctx context.Context, job *models.VideoJob, t *progressThrottle, v float64, log *logger.Logger) {
	if v >= 100 {
		// 100 is written by Complete
		v = 99
	}
	if w.progress != nil {
		w.progress.Publish(progress.Update{JobID: job.ID, Status: models.JobStatusProcessing, Progress: v})
	}
	if !t.allow(v) {
		return
	}
	if err := w.store.UpdateProgress(ctx, job.ID, v); err != nil {
		log.WithError(err).Warn("failed to persist progress", "progress", v)
		return
	}
	job.Progress = v
	w.publishRemote(ctx, job)
}

func (w *Worker) upload(ctx context.Context, jobID uuid.UUID, path string) (string, error) {
	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-w.uploadSem }()

	key := storage.ObjectKey("renders", jobID.String(), filepath.Base(path))
	return storage.PutFile(ctx, w.storage, key, path, "video/mp4")
}

// finish performs the terminal write and announces it.
func (w *Worker) finish(ctx context.Context, job *models.VideoJob, write func(context.Context) error, u progress.Update) {
	writeCtx, cancel := context.WithTimeout(ctx, terminalWriteTimeout)
	defer cancel()

	log := w.log.WithJobID(job.ID.String())
	if err := write(writeCtx); err != nil {
		if errors.Is(err, models.ErrNotProcessing) {
			log.Warn("job left processing before the terminal write; dropping result", "status", string(u.Status))
		} else {
			log.WithError(err).Error("failed to write terminal status", "status", string(u.Status))
		}
		return
	}

	snapshot, err := w.store.GetJob(writeCtx, job.ID)
	if err != nil {
		snapshot = nil
	}
	w.publish(writeCtx, u, snapshot)
}

// publish sends u to local observers and, when a snapshot is given, to other processes.
func (w *Worker) publish(ctx context.Context, u progress.Update, snapshot *models.VideoJob) {
	if w.progress != nil {
		w.progress.Publish(u)
	}
	if snapshot != nil {
		w.publishRemote(ctx, snapshot)
	}
}

func (w *Worker) publishRemote(ctx context.Context, job *models.VideoJob) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.PublishJob(ctx, job); err != nil {
		w.log.WithJobID(job.ID.String()).WithError(err).Warn("failed to publish job snapshot")
	}
}

func (w *Worker) runReaper(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		w.reapOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) reapOnce(ctx context.Context) {
	n, err := w.store.RequeueStale(ctx, w.cfg.StaleClaimTimeout)
	if err != nil {
		if ctx.Err() == nil {
			w.log.WithError(err).Error("stale claim sweep failed")
		}
		return
	}
	if n > 0 {
		w.requeued.Add(int64(n))
		w.log.Warn("requeued stale jobs", "count", n, "older_than", w.cfg.StaleClaimTimeout.String())
	}
}

// FormatErrorMessage renders a failure for the job record: the stage-qualified
// cause, cut to MaxErrorMessageBytes on a rune boundary.
func FormatErrorMessage(err error) string {
	msg := err.Error()
	if _, ok := render.FailedStage(err); !ok {
		msg = "render failed: " + msg
	}
	if len(msg) <= MaxErrorMessageBytes {
		return msg
	}
	cut := MaxErrorMessageBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
