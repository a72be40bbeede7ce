package render

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bobarin/hookreel/internal/logger"
	"github.com/bobarin/hookreel/internal/models"
	"github.com/bobarin/hookreel/internal/services"
	"github.com/bobarin/hookreel/internal/services/mediatest"
	"github.com/bobarin/hookreel/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv    *httptest.Server
	runner *mediatest.Runner
	p      *Pipeline
	root   string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	assets := map[string][]byte{
		"/a.png":        []byte("\x89PNG fake image"),
		"/template.png": []byte("\x89PNG fake template"),
		"/b.mp4":        mediatest.EncodeMedia(mediatest.Media{Duration: 4.25, Video: true, Audio: true}),
		"/silent.mp4":   mediatest.EncodeMedia(mediatest.Media{Duration: 6, Video: true}),
		"/intro.mp4":    mediatest.EncodeMedia(mediatest.Media{Duration: 2, Video: true, Audio: true}),
		"/m5.mp3":       mediatest.EncodeMedia(mediatest.Media{Duration: 5, Audio: true}),
		"/m30.mp3":      mediatest.EncodeMedia(mediatest.Media{Duration: 30, Audio: true}),
		"/corrupt.mp4":  []byte("garbage"),
		// Signed or CDN-style references without a path extension
		"/t/abc": []byte("\x89PNG extensionless template"),
		"/v/tpl": mediatest.EncodeMedia(mediatest.Media{Duration: 2, Video: true}),
	}
	contentTypes := map[string]string{
		"/t/abc": "image/png",
		"/v/tpl": "video/mp4",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := assets[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if ct, ok := contentTypes[r.URL.Path]; ok {
			w.Header().Set("Content-Type", ct)
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	runner := &mediatest.Runner{}
	media := services.NewFFmpegService(runner,
		services.Tools{FFmpeg: mediatest.FFmpeg, FFprobe: mediatest.FFprobe},
		services.RenderOptions{Width: 1080, Height: 1920, FPS: 30},
		logger.Discard())

	fetcher := storage.NewFetcher(logger.Discard())
	fetcher.Retries = 0

	if cfg.AcquireConcurrency == 0 {
		cfg.AcquireConcurrency = 4
	}
	return &fixture{
		srv:    srv,
		runner: runner,
		p:      NewPipeline(media, fetcher, cfg, logger.Discard()),
		root:   t.TempDir(),
	}
}

func (f *fixture) url(path string) string {
	return f.srv.URL + path
}

func (f *fixture) render(t *testing.T, spec models.CompositionSpec) (string, error, []float64) {
	t.Helper()
	ws, err := NewWorkspace(f.root, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Remove() })

	var progress []float64
	out, err := f.p.Render(context.Background(), spec, ws, func(v float64) {
		progress = append(progress, v)
	})
	return out, err, progress
}

func outputDuration(t *testing.T, path string) float64 {
	t.Helper()
	m, err := mediatest.ReadMedia(path)
	require.NoError(t, err)
	return m.Duration
}

func (f *fixture) callsWhere(match func(mediatest.Call) bool) []mediatest.Call {
	var out []mediatest.Call
	for _, c := range f.runner.Calls() {
		if match(c) {
			out = append(out, c)
		}
	}
	return out
}

func isConcat(c mediatest.Call) bool  { return c.Value("-f") == "concat" }
func isMux(c mediatest.Call) bool     { return c.Value("-c:v") == "copy" }
func isEncode(c mediatest.Call) bool  { return c.Value("-c:v") == "libx264" }
func isOverlay(c mediatest.Call) bool { return strings.Contains(c.Value("-filter_complex"), "overlay=") }
func isSilence(c mediatest.Call) bool { return strings.Contains(strings.Join(c.Args, " "), "anullsrc") }

func TestRenderSingleImageRoundTrip(t *testing.T) {
	f := newFixture(t, Config{})

	out, err, progress := f.render(t, models.CompositionSpec{
		Parts: []models.MediaPart{{URL: f.url("/a.png"), Kind: models.MediaKindImage, DurationSeconds: 3}},
	})
	require.NoError(t, err)

	assert.Equal(t, OutputName, filepath.Base(out))
	assert.InDelta(t, 3.0, outputDuration(t, out), 0.01)
	require.NotEmpty(t, progress)
	assert.Equal(t, 100.0, progress[len(progress)-1])

	// A single segment is not run through the concat demuxer
	assert.Empty(t, f.callsWhere(isConcat))
}

func TestRenderImageVideoAndMusic(t *testing.T) {
	tests := []struct {
		name  string
		music string
		want  float64
	}{
		{name: "music shorter than video", music: "/m5.mp3", want: 5},
		{name: "music longer than video", music: "/m30.mp3", want: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			out, err, _ := f.render(t, models.CompositionSpec{
				Parts: []models.MediaPart{
					{URL: f.url("/a.png"), Kind: models.MediaKindImage, DurationSeconds: 3},
					{URL: f.url("/b.mp4"), Kind: models.MediaKindVideo, DurationSeconds: 4},
				},
				Music: &models.Music{URL: f.url(tt.music)},
			})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, outputDuration(t, out), 0.01)
			assert.Len(t, f.callsWhere(isConcat), 1)
			assert.Len(t, f.callsWhere(isMux), 1)
		})
	}
}

func TestRenderVideoDurationFromSource(t *testing.T) {
	f := newFixture(t, Config{})
	out, err, _ := f.render(t, models.CompositionSpec{
		Parts: []models.MediaPart{
			{URL: f.url("/b.mp4"), Kind: models.MediaKindVideo},
			{URL: f.url("/silent.mp4"), Kind: models.MediaKindVideo, DurationSeconds: 2},
		},
	})
	require.NoError(t, err)
	assert.InDelta(t, 6.25, outputDuration(t, out), 0.01)

	// The silent source gets a generated audio track
	silent := f.callsWhere(isSilence)
	require.Len(t, silent, 1)
	assert.Equal(t, "2.000", silent[0].Value("-t"))
}

func TestRenderUnreachableRequiredPartFailsInAcquire(t *testing.T) {
	f := newFixture(t, Config{})
	_, err, _ := f.render(t, models.CompositionSpec{
		Parts: []models.MediaPart{
			{URL: f.url("/a.png"), Kind: models.MediaKindImage, DurationSeconds: 3},
			{URL: f.url("/nope.mp4"), Kind: models.MediaKindVideo, DurationSeconds: 4},
		},
	})
	require.Error(t, err)

	stage, ok := FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, StageAcquire, stage)
	assert.True(t, errors.Is(err, ErrAcquisition))
	assert.True(t, strings.HasPrefix(err.Error(), "acquire stage failed: part 1:"))

	// Nothing was normalized
	assert.Empty(t, f.callsWhere(isEncode))
}

func TestRenderUndecodableVideoFailsInAcquire(t *testing.T) {
	f := newFixture(t, Config{})
	_, err, _ := f.render(t, models.CompositionSpec{
		Parts: []models.MediaPart{{URL: f.url("/corrupt.mp4"), Kind: models.MediaKindVideo}},
	})
	assert.ErrorIs(t, err, ErrAcquisition)

	var toolErr *services.ToolError
	assert.True(t, errors.As(err, &toolErr))
}

func TestRenderOptionalAssetsDegrade(t *testing.T) {
	f := newFixture(t, Config{})
	out, err, _ := f.render(t, models.CompositionSpec{
		Parts: []models.MediaPart{
			{URL: f.url("/a.png"), Kind: models.MediaKindImage, DurationSeconds: 3},
			{URL: f.url("/b.mp4"), Kind: models.MediaKindVideo, DurationSeconds: 4},
		},
		TemplateOverlay: &models.TemplateOverlay{URL: f.url("/gone.png"), DurationSeconds: 2},
		Music:           &models.Music{URL: f.url("/gone.mp3")},
	})
	require.NoError(t, err)
	assert.InDelta(t, 7.0, outputDuration(t, out), 0.01)

	assert.Empty(t, f.callsWhere(isOverlay), "no template compositing")
	assert.Empty(t, f.callsWhere(isMux), "no music mux")
}

func TestRenderNormalizeToolFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.runner.Fail = func(c mediatest.Call) error {
		if c.Tool == mediatest.FFmpeg && c.Has("-loop") {
			return &services.ToolError{Tool: c.Tool, Args: c.Args, ExitCode: 1, Stderr: "Error while decoding stream"}
		}
		return nil
	}

	_, err, _ := f.render(t, models.CompositionSpec{
		Parts: []models.MediaPart{{URL: f.url("/a.png"), Kind: models.MediaKindImage, DurationSeconds: 3}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNormalization)
	assert.Equal(t, "normalize stage failed: part 0: ffmpeg exited with code 1: Error while decoding stream", err.Error())
}

func TestRenderProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, Config{})
	_, err, progress := f.render(t, models.CompositionSpec{
		Parts: []models.MediaPart{
			{URL: f.url("/a.png"), Kind: models.MediaKindImage, DurationSeconds: 1},
			{URL: f.url("/a.png"), Kind: models.MediaKindImage, DurationSeconds: 1},
			{URL: f.url("/b.mp4"), Kind: models.MediaKindVideo, DurationSeconds: 1},
		},
		Hook:  &models.Hook{Text: "watch this", Style: models.HookStyle{Variant: models.HookVariantClassic}},
		Music: &models.Music{URL: f.url("/m5.mp3")},
	})
	require.NoError(t, err)

	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1])
	}
	assert.LessOrEqual(t, progress[0], 10.0)
	assert.Equal(t, 100.0, progress[len(progress)-1])
	assert.Contains(t, progress, 40.0, "normalize completes at acquire+normalize weight")
}

func TestRenderTemplateOverlayIsBounded(t *testing.T) {
	f := newFixture(t, Config{DefaultPlacement: models.PlacementOverlay})
	out, err, _ := f.render(t, models.CompositionSpec{
		Parts: []models.MediaPart{{URL: f.url("/a.png"), Kind: models.MediaKindImage, DurationSeconds: 3}},
		TemplateOverlay: &models.TemplateOverlay{
			URL:             f.url("/template.png"),
			Position:        models.Position{X: 0, Y: 100, Scale: 1},
			DurationSeconds: 10,
			OffsetSeconds:   1,
		},
		Hook: &models.Hook{Text: "hook", Style: models.HookStyle{Variant: models.HookVariantFlash}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, outputDuration(t, out), 0.01)

	calls := f.callsWhere(isOverlay)
	require.Len(t, calls, 1)
	fc := calls[0].Value("-filter_complex")
	assert.Contains(t, fc, "enable='between(t,1.000,3.000)'")
	assert.Contains(t, fc, "[vt]ass=")
}

func TestRenderTemplateWithoutExtensionUsesContentType(t *testing.T) {
	f := newFixture(t, Config{DefaultPlacement: models.PlacementOverlay})
	_, err, _ := f.render(t, models.CompositionSpec{
		Parts:           []models.MediaPart{{URL: f.url("/a.png"), Kind: models.MediaKindImage, DurationSeconds: 3}},
		TemplateOverlay: &models.TemplateOverlay{URL: f.url("/t/abc?fmt=png"), Position: models.Position{Scale: 0.5}},
	})
	require.NoError(t, err)

	calls := f.callsWhere(isOverlay)
	require.Len(t, calls, 1)
	args := strings.Join(calls[0].Args, " ")
	assert.Contains(t, args, "-loop 1 -i "+filepath.Join(filepath.Dir(calls[0].Output()), "template.png"))
}

func TestRenderVideoTemplateStartsAtOffset(t *testing.T) {
	f := newFixture(t, Config{DefaultPlacement: models.PlacementOverlay})
	_, err, _ := f.render(t, models.CompositionSpec{
		Parts: []models.MediaPart{{URL: f.url("/a.png"), Kind: models.MediaKindImage, DurationSeconds: 3}},
		TemplateOverlay: &models.TemplateOverlay{
			URL:             f.url("/v/tpl"),
			Position:        models.Position{Scale: 1},
			DurationSeconds: 1,
			OffsetSeconds:   1.5,
		},
	})
	require.NoError(t, err)

	calls := f.callsWhere(isOverlay)
	require.Len(t, calls, 1)
	assert.NotContains(t, strings.Join(calls[0].Args, " "), "-loop")
	fc := calls[0].Value("-filter_complex")
	assert.Contains(t, fc, "[1:v]setpts=PTS-STARTPTS+1.500/TB,scale=")
	assert.Contains(t, fc, "enable='between(t,1.500,2.500)'")
}

func TestRenderTemplatePrefixIsAdditive(t *testing.T) {
	f := newFixture(t, Config{DefaultPlacement: models.PlacementOverlay})
	out, err, _ := f.render(t, models.CompositionSpec{
		Parts: []models.MediaPart{{URL: f.url("/a.png"), Kind: models.MediaKindImage, DurationSeconds: 3}},
		TemplateOverlay: &models.TemplateOverlay{
			URL:             f.url("/intro.mp4"),
			DurationSeconds: 2,
			Placement:       models.PlacementPrefix,
		},
	})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, outputDuration(t, out), 0.01)
	assert.Empty(t, f.callsWhere(isOverlay))

	concat := f.callsWhere(isConcat)
	require.Len(t, concat, 1)
	list, err := os.ReadFile(concat[0].Value("-i"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(list)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "seg-template.mp4")
}

func TestRenderDefaultPlacementFromConfig(t *testing.T) {
	f := newFixture(t, Config{DefaultPlacement: models.PlacementPrefix})
	out, err, _ := f.render(t, models.CompositionSpec{
		Parts:           []models.MediaPart{{URL: f.url("/a.png"), Kind: models.MediaKindImage, DurationSeconds: 3}},
		TemplateOverlay: &models.TemplateOverlay{URL: f.url("/template.png"), DurationSeconds: 1.5},
	})
	require.NoError(t, err)
	assert.InDelta(t, 4.5, outputDuration(t, out), 0.01)
}

func TestRenderInvalidSpec(t *testing.T) {
	f := newFixture(t, Config{})
	_, err, progress := f.render(t, models.CompositionSpec{})

	var verr *models.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Empty(t, progress)
	assert.Empty(t, f.runner.Calls())
}

func TestRenderCancelled(t *testing.T) {
	f := newFixture(t, Config{})
	ws, err := NewWorkspace(f.root, "cancel")
	require.NoError(t, err)
	defer ws.Remove()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.p.Render(ctx, models.CompositionSpec{
		Parts: []models.MediaPart{{URL: f.url("/a.png"), Kind: models.MediaKindImage, DurationSeconds: 3}},
	}, ws, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOverlayWindow(t *testing.T) {
	tests := []struct {
		name       string
		overlay    models.TemplateOverlay
		total      float64
		start, end float64
		ok         bool
	}{
		{name: "whole output", overlay: models.TemplateOverlay{}, total: 7, start: 0, end: 7, ok: true},
		{name: "bounded", overlay: models.TemplateOverlay{DurationSeconds: 2}, total: 7, start: 0, end: 2, ok: true},
		{name: "clipped at end", overlay: models.TemplateOverlay{DurationSeconds: 5, OffsetSeconds: 4}, total: 7, start: 4, end: 7, ok: true},
		{name: "starts after end", overlay: models.TemplateOverlay{DurationSeconds: 1, OffsetSeconds: 8}, total: 7, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, ok := OverlayWindow(tt.overlay, tt.total)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.start, start)
				assert.Equal(t, tt.end, end)
			}
		})
	}
}

func TestStageWeightsSumTo100(t *testing.T) {
	var sum float64
	for _, sw := range stageWeights {
		sum += sw.weight
	}
	assert.Equal(t, 100.0, sum)
}

func TestProgressTrackerIgnoresRegressions(t *testing.T) {
	var mu sync.Mutex
	var got []float64
	p := newProgressTracker(func(v float64) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v)
	})
	p.advance(StageNormalize, 0.5)
	p.advance(StageAcquire, 1)
	p.advance(StageNormalize, 0.5)
	p.advance(StageFinalize, 2)
	assert.Equal(t, []float64{25, 100}, got)
}
