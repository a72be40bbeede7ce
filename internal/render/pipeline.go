// Package render turns a composition spec into a single video file inside a
// per-job workspace: acquire, normalize, concatenate, composite, mux, finalize.
package render

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/hookreel/internal/logger"
	"github.com/bobarin/hookreel/internal/models"
	"github.com/bobarin/hookreel/internal/services"
	"golang.org/x/sync/errgroup"
)

// Media is the external media tool, one call per stage.
type Media interface {
	Probe(ctx context.Context, path string) (services.MediaInfo, error)
	NormalizeImage(ctx context.Context, imagePath, outputPath string, duration float64, motion models.MotionEffect) error
	NormalizeVideo(ctx context.Context, videoPath, outputPath string, duration float64, hasAudio bool) error
	Concatenate(ctx context.Context, segments []string, listPath, outputPath string) error
	Composite(ctx context.Context, inputPath, outputPath string, opts services.CompositeOptions) error
	MuxAudio(ctx context.Context, videoPath, musicPath, outputPath string, duration float64) error
	Finalize(ctx context.Context, inputPath, outputPath string) error
}

// Fetcher resolves a media reference to a file in dir.
type Fetcher interface {
	Fetch(ctx context.Context, ref, dir, name string) (string, error)
}

type Config struct {
	AcquireConcurrency int
	DefaultPlacement   models.TemplatePlacement
	HookFont           string
}

type Pipeline struct {
	media   Media
	fetcher Fetcher
	cfg     Config
	log     *logger.Logger
}

func NewPipeline(media Media, fetcher Fetcher, cfg Config, log *logger.Logger) *Pipeline {
	if cfg.AcquireConcurrency < 1 {
		cfg.AcquireConcurrency = 1
	}
	if cfg.DefaultPlacement == "" {
		cfg.DefaultPlacement = models.PlacementOverlay
	}
	return &Pipeline{
		media:   media,
		fetcher: fetcher,
		cfg:     cfg,
		log:     log.WithComponent("render"),
	}
}

// OutputName is the final file's name inside the workspace.
const OutputName = "output.mp4"

// acquiredPart is a part resolved to a local file.
type acquiredPart struct {
	part     models.MediaPart
	path     string
	duration float64
	hasAudio bool
}

type acquiredTemplate struct {
	overlay  models.TemplateOverlay
	path     string
	isImage  bool
	hasAudio bool
}

type acquired struct {
	parts    []acquiredPart
	template *acquiredTemplate
	music    string
	musicDur float64
}

// Render runs every stage in order and returns the path of the final file. Any
// stage failure aborts the render with a *StageError. The workspace is left for
// the caller to remove.
func (p *Pipeline) Render(ctx context.Context, spec models.CompositionSpec, ws *Workspace, onProgress func(float64)) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", stageError(StageAcquire, err)
	}

	log := p.log.FromContext(ctx)
	progress := newProgressTracker(onProgress)

	var in *acquired
	err := p.runStage(ctx, log, StageAcquire, func() error {
		var err error
		in, err = p.acquire(ctx, spec, ws, progress)
		return err
	})
	if err != nil {
		return "", err
	}

	var segments []string
	var total float64
	err = p.runStage(ctx, log, StageNormalize, func() error {
		var err error
		segments, total, err = p.normalize(ctx, in, ws, progress)
		return err
	})
	if err != nil {
		return "", err
	}

	current := segments[0]
	err = p.runStage(ctx, log, StageConcatenate, func() error {
		if len(segments) == 1 {
			return nil
		}
		out := ws.Path("concat.mp4")
		if err := p.media.Concatenate(ctx, segments, ws.Path("concat.txt"), out); err != nil {
			return err
		}
		current = out
		return nil
	})
	if err != nil {
		return "", err
	}
	progress.advance(StageConcatenate, 1)

	err = p.runStage(ctx, log, StageComposite, func() error {
		out, err := p.composite(ctx, spec, in, current, total, ws)
		if err != nil {
			return err
		}
		current = out
		return nil
	})
	if err != nil {
		return "", err
	}
	progress.advance(StageComposite, 1)

	err = p.runStage(ctx, log, StageMux, func() error {
		if in.music == "" {
			return nil
		}
		duration := total
		if in.musicDur > 0 {
			duration = math.Min(total, in.musicDur)
		}
		out := ws.Path("muxed.mp4")
		if err := p.media.MuxAudio(ctx, current, in.music, out, duration); err != nil {
			return err
		}
		current = out
		return nil
	})
	if err != nil {
		return "", err
	}
	progress.advance(StageMux, 1)

	output := ws.Path(OutputName)
	err = p.runStage(ctx, log, StageFinalize, func() error {
		return p.media.Finalize(ctx, current, output)
	})
	if err != nil {
		return "", err
	}
	progress.advance(StageFinalize, 1)

	return output, nil
}

func (p *Pipeline) runStage(ctx context.Context, log *logger.Logger, stage Stage, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return stageError(stage, err)
	}
	start := time.Now()
	if err := fn(); err != nil {
		log.WithError(err).Error("stage failed", "stage", string(stage), "duration_ms", time.Since(start).Milliseconds())
		return stageError(stage, err)
	}
	log.Info("stage finished", "stage", string(stage), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// acquire fetches every referenced asset concurrently. Parts are required;
// a template or music that cannot be fetched or decoded is dropped.
func (p *Pipeline) acquire(ctx context.Context, spec models.CompositionSpec, ws *Workspace, progress *progressTracker) (*acquired, error) {
	in := &acquired{parts: make([]acquiredPart, len(spec.Parts))}

	total := len(spec.URLs())
	var mu sync.Mutex
	done := 0
	tick := func() {
		mu.Lock()
		defer mu.Unlock()
		done++
		progress.advance(StageAcquire, float64(done)/float64(total))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.AcquireConcurrency)

	for i, part := range spec.Parts {
		i, part := i, part
		g.Go(func() error {
			defer tick()
			ap, err := p.acquirePart(gctx, i, part, ws)
			if err != nil {
				return fmt.Errorf("part %d: %w", i, err)
			}
			in.parts[i] = ap
			return nil
		})
	}

	if t := spec.TemplateOverlay; t != nil {
		g.Go(func() error {
			defer tick()
			at, err := p.acquireTemplate(gctx, *t, ws)
			if err != nil {
				p.log.FromContext(ctx).Warn("template unavailable, rendering without it", "error", err.Error())
				return nil
			}
			in.template = at
			return nil
		})
	}

	if m := spec.Music; m != nil {
		g.Go(func() error {
			defer tick()
			path, dur, err := p.acquireMusic(gctx, m.URL, ws)
			if err != nil {
				p.log.FromContext(ctx).Warn("music unavailable, keeping source audio", "error", err.Error())
				return nil
			}
			in.music, in.musicDur = path, dur
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}

func (p *Pipeline) acquirePart(ctx context.Context, i int, part models.MediaPart, ws *Workspace) (acquiredPart, error) {
	path, err := p.fetcher.Fetch(ctx, part.URL, ws.Dir(), fmt.Sprintf("part-%03d", i))
	if err != nil {
		return acquiredPart{}, err
	}
	ap := acquiredPart{part: part, path: path, duration: part.DurationSeconds}
	if part.Kind == models.MediaKindImage {
		return ap, nil
	}

	info, err := p.media.Probe(ctx, path)
	if err != nil {
		return acquiredPart{}, fmt.Errorf("undecodable video: %w", err)
	}
	if !info.HasVideo {
		return acquiredPart{}, fmt.Errorf("no video stream in %s", filepath.Base(path))
	}
	ap.hasAudio = info.HasAudio
	if ap.duration == 0 {
		ap.duration = info.Duration
	}
	return ap, nil
}

func (p *Pipeline) acquireTemplate(ctx context.Context, t models.TemplateOverlay, ws *Workspace) (*acquiredTemplate, error) {
	path, err := p.fetcher.Fetch(ctx, t.URL, ws.Dir(), "template")
	if err != nil {
		return nil, err
	}
	at := &acquiredTemplate{overlay: t, path: path, isImage: isImageFile(path)}
	if at.placement(p.cfg.DefaultPlacement) == models.PlacementPrefix && !at.isImage {
		info, err := p.media.Probe(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("undecodable template: %w", err)
		}
		at.hasAudio = info.HasAudio
	}
	return at, nil
}

func (p *Pipeline) acquireMusic(ctx context.Context, url string, ws *Workspace) (string, float64, error) {
	path, err := p.fetcher.Fetch(ctx, url, ws.Dir(), "music")
	if err != nil {
		return "", 0, err
	}
	info, err := p.media.Probe(ctx, path)
	if err != nil {
		return "", 0, fmt.Errorf("undecodable music: %w", err)
	}
	if !info.HasAudio {
		return "", 0, fmt.Errorf("no audio stream in music")
	}
	return path, info.Duration, nil
}

func (t *acquiredTemplate) placement(def models.TemplatePlacement) models.TemplatePlacement {
	if t.overlay.Placement != "" {
		return t.overlay.Placement
	}
	return def
}

// normalize produces one segment per part, in order, plus a leading template
// segment when the template is placed as a prefix. It returns the segments and
// their total duration.
func (p *Pipeline) normalize(ctx context.Context, in *acquired, ws *Workspace, progress *progressTracker) ([]string, float64, error) {
	var segments []string
	var total float64

	steps := len(in.parts)
	prefix := in.template != nil && in.template.placement(p.cfg.DefaultPlacement) == models.PlacementPrefix
	if prefix {
		steps++
	}
	step := 0

	if prefix {
		out := ws.Path("seg-template.mp4")
		d := in.template.overlay.DurationSeconds
		var err error
		if in.template.isImage {
			err = p.media.NormalizeImage(ctx, in.template.path, out, d, models.MotionNone)
		} else {
			err = p.media.NormalizeVideo(ctx, in.template.path, out, d, in.template.hasAudio)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("template prefix: %w", err)
		}
		segments = append(segments, out)
		total += d
		step++
		progress.advance(StageNormalize, float64(step)/float64(steps))
	}

	for i, ap := range in.parts {
		if ap.duration <= 0 {
			return nil, 0, fmt.Errorf("part %d: target duration must be > 0", i)
		}
		out := ws.Path(fmt.Sprintf("seg-%03d.mp4", i))
		var err error
		if ap.part.Kind == models.MediaKindImage {
			err = p.media.NormalizeImage(ctx, ap.path, out, ap.duration, ap.part.Motion)
		} else {
			err = p.media.NormalizeVideo(ctx, ap.path, out, ap.duration, ap.hasAudio)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("part %d: %w", i, err)
		}
		segments = append(segments, out)
		total += ap.duration
		step++
		progress.advance(StageNormalize, float64(step)/float64(steps))
	}
	return segments, total, nil
}

// composite draws the template (overlay placement) and then the hook on top.
// With neither present, the input passes through unchanged.
func (p *Pipeline) composite(ctx context.Context, spec models.CompositionSpec, in *acquired, input string, total float64, ws *Workspace) (string, error) {
	opts := services.CompositeOptions{Duration: total}

	if t := in.template; t != nil && t.placement(p.cfg.DefaultPlacement) == models.PlacementOverlay {
		start, end, ok := OverlayWindow(t.overlay, total)
		if ok {
			opts.TemplatePath = t.path
			opts.TemplateIsImage = t.isImage
			opts.Position = t.overlay.Position
			opts.Start, opts.End = start, end
		}
	}

	if spec.Hook != nil && strings.TrimSpace(spec.Hook.Text) != "" {
		assPath := ws.Path("hook.ass")
		if err := services.GenerateHookASS(*spec.Hook, total, p.cfg.HookFont, assPath); err != nil {
			return "", err
		}
		opts.HookASSPath = assPath
	}

	if opts.TemplatePath == "" && opts.HookASSPath == "" {
		return input, nil
	}

	out := ws.Path("composite.mp4")
	if err := p.media.Composite(ctx, input, out, opts); err != nil {
		return "", err
	}
	return out, nil
}

// OverlayWindow bounds a template's visible window to [0, total]. A zero
// duration means the template stays until the end. ok is false when the window
// starts after the output ends.
func OverlayWindow(t models.TemplateOverlay, total float64) (start, end float64, ok bool) {
	start = t.OffsetSeconds
	end = total
	if t.DurationSeconds > 0 {
		end = math.Min(start+t.DurationSeconds, total)
	}
	if start >= end {
		return 0, 0, false
	}
	return start, end, true
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".bmp": true,
}

func isImageFile(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}
