package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/hookreel/internal/models"
	"github.com/google/uuid"
)

const jobColumns = `
	id, owner_id, status, progress, spec, result_url, error_message,
	attempts, claimed_by, claimed_at, created_at, completed_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.VideoJob, error) {
	job := &models.VideoJob{}
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.Status, &job.Progress, &job.Spec,
		&job.ResultURL, &job.ErrorMessage, &job.Attempts, &job.ClaimedBy,
		&job.ClaimedAt, &job.CreatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (db *DB) CreateJob(ctx context.Context, ownerID string, spec models.CompositionSpec) (*models.VideoJob, error) {
	job := &models.VideoJob{
		ID:      uuid.New(),
		OwnerID: ownerID,
		Status:  models.JobStatusPending,
		Spec:    spec,
	}

	query := `
		INSERT INTO video_jobs (id, owner_id, status, progress, spec, attempts)
		VALUES ($1, $2, $3, 0, $4, 0)
		RETURNING created_at
	`
	if err := db.QueryRowContext(ctx, query, job.ID, job.OwnerID, job.Status, job.Spec).Scan(&job.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.VideoJob, error) {
	query := `SELECT ` + jobColumns + ` FROM video_jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ClaimNextPending picks the oldest pending job and moves it to processing with a
// conditional update. It returns (nil, nil) when nothing is pending and
// models.ErrClaimConflict when another worker updated the row first.
func (db *DB) ClaimNextPending(ctx context.Context, workerID string) (*models.VideoJob, error) {
	var id uuid.UUID
	err := db.QueryRowContext(ctx, `
		SELECT id FROM video_jobs
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT 1
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending job: %w", err)
	}

	query := `
		UPDATE video_jobs
		SET status = 'processing', progress = 0, claimed_by = $2, claimed_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + jobColumns

	job, err := scanJob(db.QueryRowContext(ctx, query, id, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrClaimConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// UpdateProgress never lowers the stored value and never writes 100; that is reserved for Complete.
func (db *DB) UpdateProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	query := `
		UPDATE video_jobs
		SET progress = GREATEST(progress, LEAST($2, 99))
		WHERE id = $1 AND status = 'processing'
	`
	return db.execProcessing(ctx, query, id, progress)
}

func (db *DB) Complete(ctx context.Context, id uuid.UUID, resultURL string) error {
	query := `
		UPDATE video_jobs
		SET status = 'completed', progress = 100, result_url = $2, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	return db.execProcessing(ctx, query, id, resultURL)
}

func (db *DB) Fail(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE video_jobs
		SET status = 'failed', error_message = $2, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	return db.execProcessing(ctx, query, id, errorMessage)
}

func (db *DB) execProcessing(ctx context.Context, query string, id uuid.UUID, arg any) error {
	res, err := db.ExecContext(ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n == 0 {
		return models.ErrNotProcessing
	}
	return nil
}

// CountPendingBefore counts pending jobs created before the given time.
func (db *DB) CountPendingBefore(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM video_jobs WHERE status = 'pending' AND created_at < $1`,
		before,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return n, nil
}

// RequeueStale returns processing jobs claimed longer ago than olderThan to pending.
func (db *DB) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		UPDATE video_jobs
		SET status = 'pending', progress = 0, claimed_by = NULL, claimed_at = NULL,
		    attempts = attempts + 1
		WHERE status = 'processing' AND claimed_at < $1
	`
	res, err := db.ExecContext(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return int(n), nil
}
