package render

import (
	"context"
	"fmt"

	"github.com/bobarin/hookreel/internal/logger"
	"github.com/bobarin/hookreel/internal/models"
	"golang.org/x/sync/errgroup"
)

// Renderer is what a batch drives per item.
type Renderer interface {
	Render(ctx context.Context, spec models.CompositionSpec, ws *Workspace, onProgress func(float64)) (string, error)
}

// Publisher stores a rendered file durably and returns its URL.
type Publisher func(ctx context.Context, key, path string) (string, error)

type BatchItem struct {
	Index     int    `json:"index"`
	Success   bool   `json:"success"`
	ResultURL string `json:"resultUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

type BatchResult struct {
	Items          []BatchItem `json:"items"`
	TotalProcessed int         `json:"totalProcessed"`
	TotalRequested int         `json:"totalRequested"`
}

// BatchRunner renders independent specs with bounded concurrency. One item's
// failure never stops the others; each item is all-or-nothing.
type BatchRunner struct {
	renderer    Renderer
	publish     Publisher
	root        string
	concurrency int
	log         *logger.Logger
}

func NewBatchRunner(renderer Renderer, publish Publisher, workspaceRoot string, concurrency int, log *logger.Logger) *BatchRunner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchRunner{
		renderer:    renderer,
		publish:     publish,
		root:        workspaceRoot,
		concurrency: concurrency,
		log:         log.WithComponent("batch"),
	}
}

func (b *BatchRunner) Run(ctx context.Context, batchID string, specs []models.CompositionSpec) *BatchResult {
	result := &BatchResult{
		Items:          make([]BatchItem, len(specs)),
		TotalRequested: len(specs),
	}

	var g errgroup.Group
	g.SetLimit(b.concurrency)

	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			item := BatchItem{Index: i}
			url, err := b.renderOne(ctx, batchID, i, spec)
			if err != nil {
				item.Error = err.Error()
				b.log.WithError(err).Warn("batch item failed", "batch_id", batchID, "index", i)
			} else {
				item.Success = true
				item.ResultURL = url
			}
			// Each goroutine owns its slot
			result.Items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range result.Items {
		if item.Success {
			result.TotalProcessed++
		}
	}
	b.log.Info("batch finished", "batch_id", batchID, "total_processed", result.TotalProcessed, "total_requested", result.TotalRequested)
	return result
}

func (b *BatchRunner) renderOne(ctx context.Context, batchID string, i int, spec models.CompositionSpec) (url string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ws, err := NewWorkspace(b.root, fmt.Sprintf("%s-%d", batchID, i))
	if err != nil {
		return "", err
	}
	defer func() {
		if rmErr := ws.Remove(); rmErr != nil {
			b.log.WithError(rmErr).Error("failed to remove workspace", "batch_id", batchID, "index", i)
		}
	}()

	path, err := b.renderer.Render(ctx, spec, ws, nil)
	if err != nil {
		return "", err
	}
	return b.publish(ctx, fmt.Sprintf("batches/%s/%d/%s", batchID, i, OutputName), path)
}
