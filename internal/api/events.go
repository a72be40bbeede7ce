package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bobarin/hookreel/internal/models"
	"github.com/bobarin/hookreel/internal/progress"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// JobEvents handles GET /v1/jobs/{id}/events: a server-sent event stream with the
// current state first, then each change until the job is completed or failed.
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading the snapshot so no transition falls between them
	updates, err := h.subscribe(ctx, id)
	if err != nil {
		h.log.WithJobID(id.String()).WithError(err).Warn("live updates unavailable, polling store")
		updates = h.pollUpdates(ctx, id)
	}

	job, err := h.store.GetJob(ctx, id)
	if errors.Is(err, models.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	last := updateFromJob(job)
	sseWrite(w, "progress", last)
	if last.Status.Terminal() {
		return
	}

	keepAlive := time.NewTicker(h.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			sendKeepAlive(w)
		case u, ok := <-updates:
			if !ok {
				// Source ended without a terminal update; report what the store knows
				if job, err := h.store.GetJob(ctx, id); err == nil {
					if final := updateFromJob(job); final != last {
						sseWrite(w, "progress", final)
					}
				}
				return
			}
			if u.Status == last.Status && u.Progress <= last.Progress && !u.Status.Terminal() {
				continue
			}
			last = u
			sseWrite(w, "progress", u)
			if u.Status.Terminal() {
				return
			}
		}
	}
}

// subscribe merges the freshest live source (the cross-process job channel, else
// the in-process progress channel) with store polling. The store is read in every
// case because a live source can miss transitions made by other processes.
func (h *Handler) subscribe(ctx context.Context, id uuid.UUID) (<-chan progress.Update, error) {
	if h.notifier != nil {
		jobs, err := h.notifier.SubscribeJob(ctx, id)
		if err != nil {
			return nil, err
		}
		live := make(chan progress.Update)
		go func() {
			defer close(live)
			for job := range jobs {
				select {
				case live <- updateFromJob(job):
				case <-ctx.Done():
					return
				}
			}
		}()
		return mergeUpdates(ctx, live, h.pollUpdates(ctx, id)), nil
	}

	if h.progress != nil {
		sub := h.progress.Subscribe(id)
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
		return mergeUpdates(ctx, sub.C, h.pollUpdates(ctx, id)), nil
	}

	return h.pollUpdates(ctx, id), nil
}

// mergeUpdates forwards from both sources until both are closed.
func mergeUpdates(ctx context.Context, a, b <-chan progress.Update) <-chan progress.Update {
	out := make(chan progress.Update)
	go func() {
		defer close(out)
		for a != nil || b != nil {
			var (
				u  progress.Update
				ok bool
			)
			select {
			case <-ctx.Done():
				return
			case u, ok = <-a:
				if !ok {
					a = nil
					continue
				}
			case u, ok = <-b:
				if !ok {
					b = nil
					continue
				}
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// pollUpdates reads the job on every tick and emits it until it is terminal.
func (h *Handler) pollUpdates(ctx context.Context, id uuid.UUID) <-chan progress.Update {
	out := make(chan progress.Update)
	go func() {
		defer close(out)
		ticker := time.NewTicker(h.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			job, err := h.store.GetJob(ctx, id)
			if err != nil {
				return
			}
			u := updateFromJob(job)
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
			if u.Status.Terminal() {
				return
			}
		}
	}()
	return out
}

func updateFromJob(job *models.VideoJob) progress.Update {
	u := progress.Update{JobID: job.ID, Status: job.Status, Progress: job.Progress}
	if job.ResultURL != nil {
		u.ResultURL = *job.ResultURL
	}
	if job.ErrorMessage != nil {
		u.ErrorMessage = *job.ErrorMessage
	}
	return u
}

// sseWrite writes one event with a JSON payload and flushes it.
func sseWrite(w http.ResponseWriter, eventName string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// sendKeepAlive writes an SSE comment to keep the connection active.
func sendKeepAlive(w http.ResponseWriter) {
	_, _ = fmt.Fprint(w, ": keep-alive\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
