// Package queue carries worker wake-ups and cross-process job snapshots over Redis.
// The job store stays the source of truth: a lost wake-up only delays a claim until
// the next poll, and a lost snapshot is recovered by reading the job.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobarin/hookreel/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	QueuePendingJobs = "queue:video_jobs:pending"

	jobChannelPrefix = "job:"
)

type Queue struct {
	client *redis.Client
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// NotifyPending pushes a wake-up token for a newly created job.
func (q *Queue) NotifyPending(ctx context.Context, jobID uuid.UUID) error {
	if err := q.client.RPush(ctx, QueuePendingJobs, jobID.String()).Err(); err != nil {
		return fmt.Errorf("failed to notify pending job: %w", err)
	}
	return nil
}

// WaitForPending blocks until a wake-up arrives or timeout elapses. It reports
// whether a token was received; the token itself carries no ownership.
func (q *Queue) WaitForPending(ctx context.Context, timeout time.Duration) (bool, error) {
	result, err := q.client.BLPop(ctx, timeout, QueuePendingJobs).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("failed to wait for pending job: %w", err)
	}
	if len(result) != 2 {
		return false, fmt.Errorf("unexpected redis response")
	}
	return true, nil
}

func (q *Queue) GetQueueLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueuePendingJobs).Result()
}

func JobChannel(id uuid.UUID) string {
	return jobChannelPrefix + id.String()
}

// PublishJob broadcasts a job snapshot to every process subscribed to it.
func (q *Queue) PublishJob(ctx context.Context, job *models.VideoJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.client.Publish(ctx, JobChannel(job.ID), data).Err()
}

// SubscribeJob streams snapshots of one job until ctx is done or a terminal
// snapshot has been delivered. The returned channel is closed on exit.
func (q *Queue) SubscribeJob(ctx context.Context, id uuid.UUID) (<-chan *models.VideoJob, error) {
	sub := q.client.Subscribe(ctx, JobChannel(id))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to job: %w", err)
	}

	out := make(chan *models.VideoJob, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var job models.VideoJob
				if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
					continue
				}
				select {
				case out <- &job:
				case <-ctx.Done():
					return
				}
				if job.Status.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}
