// Package storage holds the durable object stores for input and output media and
// the fetcher that resolves media references to local files.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bobarin/hookreel/internal/logger"
)

const (
	// Upload timeout per attempt; rendered videos can be tens of MB
	uploadTimeout = 180 * time.Second

	// Download timeout
	downloadTimeout = 120 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// ObjectStore is durable storage addressed by public URL.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
}

// Storage talks to the Supabase Storage REST API.
type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	log        *logger.Logger
}

func New(url, serviceKey, bucket string, log *logger.Logger) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		log:        log.WithComponent("storage"),
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Put uploads the object and returns its public URL.
func (s *Storage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := s.Upload(ctx, key, data, contentType); err != nil {
		return "", err
	}
	return s.GetPublicURL(key), nil
}

// Get downloads an object by public URL. URLs outside this bucket are fetched directly.
func (s *Storage) Get(ctx context.Context, url string) ([]byte, error) {
	if key, ok := s.keyFromURL(url); ok {
		return s.Download(ctx, key)
	}
	return s.getWithRetry(ctx, url, nil)
}

// Upload uploads a file to Supabase Storage with retries and exponential backoff.
// Uses PUT with Content-Length and x-upsert for reliable large file uploads.
func (s *Storage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			s.log.Warn("upload retry", "attempt", attempt, "max_retries", maxRetries, "key", key, "delay", delay.String())

			select {
			case <-ctx.Done():
				return fmt.Errorf("upload cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		// Each attempt gets its own timeout
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)

		req, err := http.NewRequestWithContext(uploadCtx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("failed to upload: %w", err)
			if isRetryableError(err) {
				continue
			}
			return lastErr
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			if attempt > 0 {
				s.log.Info("upload succeeded after retry", "attempt", attempt+1, "key", key)
			}
			return nil
		}

		lastErr = fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))

		if isRetryableStatus(resp.StatusCode) {
			continue
		}

		// Non-retryable status (400, 401, 403, 404, 413, etc.)
		return lastErr
	}

	return fmt.Errorf("upload failed after %d attempts: %w", maxRetries+1, lastErr)
}

// Download downloads an object from the bucket with retries.
func (s *Storage) Download(ctx context.Context, key string) ([]byte, error) {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)
	return s.getWithRetry(ctx, url, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	})
}

func (s *Storage) getWithRetry(ctx context.Context, url string, prepare func(*http.Request)) ([]byte, error) {
	var buf bytes.Buffer
	err := withRetry(ctx, s.log, "download", maxRetries, func(attemptCtx context.Context) (bool, error) {
		buf.Reset()
		return fetchOnce(attemptCtx, s.client, url, prepare, nil, &buf)
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GetPublicURL returns the public URL for an object key.
func (s *Storage) GetPublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, key)
}

func (s *Storage) keyFromURL(url string) (string, bool) {
	prefix := fmt.Sprintf("%s/storage/v1/object/public/%s/", s.url, s.Bucket)
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	return strings.TrimPrefix(url, prefix), true
}

// ObjectKey builds "<prefix>/<id>/<name>" keys for rendered outputs and inline uploads.
func ObjectKey(prefix, id, name string) string {
	return path.Join(prefix, id, name)
}

// withRetry runs op until it succeeds, returns a non-retryable error, or the
// retry budget is spent. op reports whether its error is retryable.
func withRetry(ctx context.Context, log *logger.Logger, what string, retries int, op func(context.Context) (bool, error)) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Warn(what+" retry", "attempt", attempt, "max_retries", retries, "delay", delay.String(), "error", lastErr.Error())

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", what, ctx.Err())
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
		retryable, err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, retries+1, lastErr)
}

// fetchOnce performs a single GET into w and reports whether a failure is retryable.
// onResponse, when set, sees a successful response before its body is copied.
func fetchOnce(ctx context.Context, client *http.Client, url string, prepare func(*http.Request), onResponse func(*http.Response), w io.Writer) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	if prepare != nil {
		prepare(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return isRetryableError(err), fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return isRetryableStatus(resp.StatusCode), fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if onResponse != nil {
		onResponse(resp)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return true, fmt.Errorf("failed to read download body: %w", err)
	}
	return false, nil
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// PutFile uploads a local file under key.
func PutFile(ctx context.Context, store ObjectStore, key, path, contentType string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return store.Put(ctx, key, data, contentType)
}
