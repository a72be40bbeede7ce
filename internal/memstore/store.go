// Package memstore is an in-process job store with the same transition rules as the
// Postgres store. It backs DATABASE_URL=memory:// and the worker tests.
package memstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bobarin/hookreel/internal/models"
	"github.com/google/uuid"
)

type Store struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.VideoJob
	now  func() time.Time

	// beforeClaim runs between the pending lookup and the conditional update.
	// Tests use it to widen the race window.
	beforeClaim func()
}

func New() *Store {
	return &Store{
		jobs: make(map[uuid.UUID]*models.VideoJob),
		now:  time.Now,
	}
}

func (s *Store) CreateJob(ctx context.Context, ownerID string, spec models.CompositionSpec) (*models.VideoJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &models.VideoJob{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Status:    models.JobStatusPending,
		Spec:      spec,
		CreatedAt: s.now(),
	}
	s.jobs[job.ID] = job
	return copyJob(job), nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.VideoJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return copyJob(job), nil
}

// ClaimNextPending mirrors the SELECT-then-conditional-UPDATE of the SQL store:
// the lookup and the update take the lock separately.
func (s *Store) ClaimNextPending(ctx context.Context, workerID string) (*models.VideoJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, ok := s.oldestPending()
	if !ok {
		return nil, nil
	}

	if s.beforeClaim != nil {
		s.beforeClaim()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.jobs[id]
	if job.Status != models.JobStatusPending {
		return nil, models.ErrClaimConflict
	}
	now := s.now()
	job.Status = models.JobStatusProcessing
	job.Progress = 0
	job.ClaimedBy = &workerID
	job.ClaimedAt = &now
	return copyJob(job), nil
}

func (s *Store) oldestPending() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*models.VideoJob
	for _, job := range s.jobs {
		if job.Status == models.JobStatusPending {
			pending = append(pending, job)
		}
	}
	if len(pending) == 0 {
		return uuid.Nil, false
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID.String() < pending[j].ID.String()
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending[0].ID, true
}

func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	return s.updateProcessing(id, func(job *models.VideoJob) {
		job.Progress = math.Max(job.Progress, math.Min(progress, 99))
	})
}

func (s *Store) Complete(ctx context.Context, id uuid.UUID, resultURL string) error {
	return s.updateProcessing(id, func(job *models.VideoJob) {
		now := s.now()
		job.Status = models.JobStatusCompleted
		job.Progress = 100
		job.ResultURL = &resultURL
		job.CompletedAt = &now
	})
}

func (s *Store) Fail(ctx context.Context, id uuid.UUID, errorMessage string) error {
	return s.updateProcessing(id, func(job *models.VideoJob) {
		now := s.now()
		job.Status = models.JobStatusFailed
		job.ErrorMessage = &errorMessage
		job.CompletedAt = &now
	})
}

func (s *Store) updateProcessing(id uuid.UUID, apply func(*models.VideoJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	if job.Status != models.JobStatusProcessing {
		return models.ErrNotProcessing
	}
	apply(job)
	return nil
}

func (s *Store) CountPendingBefore(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.Status == models.JobStatusPending && job.CreatedAt.Before(before) {
			n++
		}
	}
	return n, nil
}

func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	n := 0
	for _, job := range s.jobs {
		if job.Status != models.JobStatusProcessing || job.ClaimedAt == nil || !job.ClaimedAt.Before(cutoff) {
			continue
		}
		job.Status = models.JobStatusPending
		job.Progress = 0
		job.ClaimedBy = nil
		job.ClaimedAt = nil
		job.Attempts++
		n++
	}
	return n, nil
}

func copyJob(job *models.VideoJob) *models.VideoJob {
	c := *job
	return &c
}
