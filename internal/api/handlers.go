package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bobarin/hookreel/internal/logger"
	"github.com/bobarin/hookreel/internal/models"
	"github.com/bobarin/hookreel/internal/progress"
	"github.com/bobarin/hookreel/internal/render"
	"github.com/bobarin/hookreel/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxRequestBytes bounds submissions, which may carry inline media.
const maxRequestBytes = 64 << 20

// JobStore is the slice of the job store the front door needs.
type JobStore interface {
	CreateJob(ctx context.Context, ownerID string, spec models.CompositionSpec) (*models.VideoJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.VideoJob, error)
	CountPendingBefore(ctx context.Context, before time.Time) (int, error)
}

// Notifier wakes workers and streams job snapshots published by other processes.
type Notifier interface {
	NotifyPending(ctx context.Context, jobID uuid.UUID) error
	SubscribeJob(ctx context.Context, id uuid.UUID) (<-chan *models.VideoJob, error)
}

// BatchRunner renders a batch synchronously.
type BatchRunner interface {
	Run(ctx context.Context, batchID string, specs []models.CompositionSpec) *render.BatchResult
}

type HandlerConfig struct {
	AvgJobSeconds     float64 // Expected wall time of one queued job
	RenderSpeedFactor float64 // Render seconds per output second
	KeepAlive         time.Duration
	PollInterval      time.Duration // Store polling for event streams without a live source
}

type Handler struct {
	store    JobStore
	notifier Notifier          // Optional
	storage  storage.ObjectStore
	progress *progress.Channel // Optional; set when a worker runs in this process
	batch    BatchRunner       // Optional
	health   func() any
	cfg      HandlerConfig
	log      *logger.Logger
	now      func() time.Time
}

func NewHandler(
	store JobStore,
	notifier Notifier,
	objectStore storage.ObjectStore,
	ch *progress.Channel,
	batch BatchRunner,
	cfg HandlerConfig,
	log *logger.Logger,
) *Handler {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Handler{
		store:    store,
		notifier: notifier,
		storage:  objectStore,
		progress: ch,
		batch:    batch,
		cfg:      cfg,
		log:      log.WithComponent("api"),
		now:      time.Now,
	}
}

// SetHealthDetails adds fn's result to /health responses.
func (h *Handler) SetHealthDetails(fn func() any) {
	h.health = fn
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OwnerID == "" {
		respondError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	if err := req.Spec.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	spec, err := h.persistInlineMedia(ctx, uuid.NewString(), req.Spec)
	if err != nil {
		h.log.WithError(err).Error("failed to store inline media", "owner_id", logger.SanitizeForLog(req.OwnerID))
		respondError(w, http.StatusBadGateway, "Failed to store inline media")
		return
	}

	job, err := h.store.CreateJob(ctx, req.OwnerID, spec)
	if err != nil {
		h.log.WithError(err).Error("failed to create job")
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	log := h.log.WithJobID(job.ID.String())
	if h.notifier != nil {
		// Workers still find the row by polling if the wake-up is lost
		if err := h.notifier.NotifyPending(ctx, job.ID); err != nil {
			log.WithError(err).Warn("failed to push wake-up")
		}
	}

	ahead, err := h.store.CountPendingBefore(ctx, job.CreatedAt)
	if err != nil {
		log.WithError(err).Warn("failed to count queue depth")
		ahead = 0
	}

	log.Info("job submitted", "owner_id", logger.SanitizeForLog(job.OwnerID), "parts", len(spec.Parts), "pending_ahead", ahead)
	respondJSON(w, http.StatusCreated, models.CreateJobResponse{
		ID:                    job.ID,
		Status:                job.Status,
		EstimatedCompletionAt: EstimateCompletion(h.now(), ahead, spec.DeclaredDuration(), h.cfg.AvgJobSeconds, h.cfg.RenderSpeedFactor),
	})
}

// EstimateCompletion is now plus the queue ahead at avgJobSeconds each plus the
// job's own render time.
func EstimateCompletion(now time.Time, pendingAhead int, declaredSeconds, avgJobSeconds, speedFactor float64) time.Time {
	seconds := float64(pendingAhead)*avgJobSeconds + declaredSeconds*speedFactor
	return now.Add(time.Duration(seconds * float64(time.Second))).UTC()
}

// persistInlineMedia replaces data: references with durable object URLs.
func (h *Handler) persistInlineMedia(ctx context.Context, uploadID string, spec models.CompositionSpec) (models.CompositionSpec, error) {
	put := func(name, ref string) (string, error) {
		return storage.PersistDataURI(ctx, h.storage, storage.ObjectKey("uploads", uploadID, name), ref)
	}

	out := spec
	out.Parts = make([]models.MediaPart, len(spec.Parts))
	for i, p := range spec.Parts {
		url, err := put(fmt.Sprintf("part-%03d", i), p.URL)
		if err != nil {
			return spec, fmt.Errorf("part %d: %w", i, err)
		}
		p.URL = url
		out.Parts[i] = p
	}
	if spec.TemplateOverlay != nil {
		t := *spec.TemplateOverlay
		url, err := put("template", t.URL)
		if err != nil {
			return spec, fmt.Errorf("template: %w", err)
		}
		t.URL = url
		out.TemplateOverlay = &t
	}
	if spec.Music != nil {
		m := *spec.Music
		url, err := put("music", m.URL)
		if err != nil {
			return spec, fmt.Errorf("music: %w", err)
		}
		m.URL = url
		out.Music = &m
	}
	return out, nil
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, models.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// CreateTemplateBatch handles POST /v1/batches/template. Items render
// independently; the response lists each item's outcome in request order.
func (h *Handler) CreateTemplateBatch(w http.ResponseWriter, r *http.Request) {
	if h.batch == nil {
		respondError(w, http.StatusServiceUnavailable, "Batch rendering is not enabled on this instance")
		return
	}

	var req models.BatchTemplateRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	specs := req.Specs()
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("clips[%d]: %s", i, err.Error()))
			return
		}
	}

	batchID := uuid.NewString()
	h.log.Info("batch started", "batch_id", batchID, "items", len(specs))
	result := h.batch.Run(r.Context(), batchID, specs)
	h.log.Info("batch finished", "batch_id", batchID, "processed", result.TotalProcessed, "requested", result.TotalRequested)

	respondJSON(w, http.StatusOK, result)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.health != nil {
		body["details"] = h.health()
	}
	respondJSON(w, http.StatusOK, body)
}
