package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bobarin/hookreel/internal/logger"
	"github.com/bobarin/hookreel/internal/models"
)

// Design canvas that template positions and hook offsets are expressed in.
const (
	DesignWidth  = 1080
	DesignHeight = 1920
)

// Audio parameters every normalized segment shares, so concat can stream-copy.
const (
	audioSampleRate = 44100
	audioLayout     = "stereo"
	audioBitrate    = "192k"
	videoPreset     = "veryfast"
)

// Tools holds resolved executable paths.
type Tools struct {
	FFmpeg  string
	FFprobe string
}

type RenderOptions struct {
	Width  int
	Height int
	FPS    int
	Font   string
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	runner Runner
	tools  Tools
	opts   RenderOptions
	log    *logger.Logger
}

func NewFFmpegService(runner Runner, tools Tools, opts RenderOptions, log *logger.Logger) *FFmpegService {
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = DesignWidth, DesignHeight
	}
	if opts.Font == "" {
		opts.Font = defaultHookFont
	}
	return &FFmpegService{
		runner: runner,
		tools:  tools,
		opts:   opts,
		log:    log.WithComponent("ffmpeg"),
	}
}

func (s *FFmpegService) Options() RenderOptions {
	return s.opts
}

// ParseResolution parses "WIDTHxHEIGHT". Both sides must be positive and even.
func ParseResolution(res string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(res)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid resolution %q", res)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution %q: %w", res, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution %q: %w", res, err)
	}
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q: dimensions must be positive and even", res)
	}
	return width, height, nil
}

func (s *FFmpegService) ffmpeg(ctx context.Context, args ...string) error {
	args = append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, args...)
	s.log.Debug("running ffmpeg", "args", strings.Join(args, " "))
	_, err := s.runner.Run(ctx, s.tools.FFmpeg, args...)
	return err
}

// MediaInfo is what the pipeline needs to know about an acquired file.
type MediaInfo struct {
	Duration float64
	HasVideo bool
	HasAudio bool
}

// Probe reads container duration and stream kinds.
func (s *FFmpegService) Probe(ctx context.Context, path string) (MediaInfo, error) {
	out, err := s.runner.Run(ctx, s.tools.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type",
		"-of", "json",
		path,
	)
	if err != nil {
		return MediaInfo{}, err
	}

	var probe struct {
		Streams []struct {
			CodecType string `json:"codec_type"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return MediaInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var info MediaInfo
	for _, st := range probe.Streams {
		switch st.CodecType {
		case "video":
			info.HasVideo = true
		case "audio":
			info.HasAudio = true
		}
	}
	if probe.Format.Duration != "" && probe.Format.Duration != "N/A" {
		d, err := strconv.ParseFloat(probe.Format.Duration, 64)
		if err != nil {
			return MediaInfo{}, fmt.Errorf("failed to parse duration %q: %w", probe.Format.Duration, err)
		}
		info.Duration = d
	}
	return info, nil
}

// fillFilter scales to cover the frame and center-crops (fill, not letterbox).
func (s *FFmpegService) fillFilter() string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1",
		s.opts.Width, s.opts.Height, s.opts.Width, s.opts.Height,
	)
}

func (s *FFmpegService) encodeArgs(duration float64) []string {
	return []string{
		"-c:v", "libx264",
		"-preset", videoPreset,
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(s.opts.FPS),
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ar", strconv.Itoa(audioSampleRate),
		"-ac", "2",
		"-t", formatSeconds(duration),
	}
}

func silenceInput(duration float64) []string {
	return []string{
		"-f", "lavfi",
		"-t", formatSeconds(duration),
		"-i", fmt.Sprintf("anullsrc=channel_layout=%s:sample_rate=%d", audioLayout, audioSampleRate),
	}
}

// NormalizeImage holds a still image for duration seconds at the output geometry,
// with a silent audio track and an optional camera move.
func (s *FFmpegService) NormalizeImage(ctx context.Context, imagePath, outputPath string, duration float64, motion models.MotionEffect) error {
	if duration <= 0 {
		return fmt.Errorf("target duration must be > 0, got %v", duration)
	}

	var args []string
	var vf string
	if motion == "" || motion == models.MotionNone {
		args = []string{"-loop", "1", "-framerate", strconv.Itoa(s.opts.FPS), "-t", formatSeconds(duration), "-i", imagePath}
		vf = s.fillFilter() + ",format=yuv420p"
	} else {
		// zoompan generates every output frame from the single decoded image
		args = []string{"-i", imagePath}
		vf = s.buildMotionFilter(motion, duration)
	}
	args = append(args, silenceInput(duration)...)
	args = append(args,
		"-vf", vf,
		"-map", "0:v:0",
		"-map", "1:a:0",
	)
	args = append(args, s.encodeArgs(duration)...)
	args = append(args, "-y", outputPath)

	s.log.Debug("normalizing image", "motion", string(motion), "duration", duration)
	return s.ffmpeg(ctx, args...)
}

// NormalizeVideo scales and crops a clip to the output geometry and trims or
// pads (freezing the last frame) to exactly duration seconds. A source without
// audio gets a silent track so every segment carries the same streams.
func (s *FFmpegService) NormalizeVideo(ctx context.Context, videoPath, outputPath string, duration float64, hasAudio bool) error {
	if duration <= 0 {
		return fmt.Errorf("target duration must be > 0, got %v", duration)
	}

	d := formatSeconds(duration)
	video := fmt.Sprintf("[0:v]%s,fps=%d,tpad=stop_mode=clone:stop_duration=%s,format=yuv420p[v]", s.fillFilter(), s.opts.FPS, d)

	args := []string{"-i", videoPath}
	var filter, audioMap string
	if hasAudio {
		filter = video + fmt.Sprintf(";[0:a]aformat=sample_rates=%d:channel_layouts=%s,apad[a]", audioSampleRate, audioLayout)
		audioMap = "[a]"
	} else {
		args = append(args, silenceInput(duration)...)
		filter = video
		audioMap = "1:a:0"
	}
	args = append(args,
		"-filter_complex", filter,
		"-map", "[v]",
		"-map", audioMap,
	)
	args = append(args, s.encodeArgs(duration)...)
	args = append(args, "-y", outputPath)

	return s.ffmpeg(ctx, args...)
}

// Concatenate joins normalized segments with the concat demuxer, stream-copying.
// listPath is written inside the caller's workspace.
func (s *FFmpegService) Concatenate(ctx context.Context, segments []string, listPath, outputPath string) error {
	if len(segments) == 0 {
		return fmt.Errorf("no segments to concatenate")
	}

	var sb strings.Builder
	for _, seg := range segments {
		abs, err := filepath.Abs(seg)
		if err != nil {
			return fmt.Errorf("failed to resolve segment path: %w", err)
		}
		fmt.Fprintf(&sb, "file '%s'\n", escapeConcatPath(abs))
	}
	if err := os.WriteFile(listPath, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}

	return s.ffmpeg(ctx,
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", outputPath,
	)
}

// CompositeOptions describes the overlays burned onto the concatenated track.
type CompositeOptions struct {
	// Template graphic; empty skips it.
	TemplatePath    string
	TemplateIsImage bool
	Position        models.Position
	Start           float64
	End             float64

	// ASS file for the hook text, drawn on top of the template; empty skips it.
	HookASSPath string

	// Total output duration.
	Duration float64
}

// Composite re-encodes the video with the template overlay and hook text. Audio is copied.
func (s *FFmpegService) Composite(ctx context.Context, inputPath, outputPath string, opts CompositeOptions) error {
	if opts.TemplatePath == "" && opts.HookASSPath == "" {
		return fmt.Errorf("nothing to composite")
	}

	args := []string{"-i", inputPath}
	var chain []string
	last := "0:v"

	if opts.TemplatePath != "" {
		if opts.TemplateIsImage {
			args = append(args, "-loop", "1")
		}
		args = append(args, "-i", opts.TemplatePath)

		x, y, w := s.TemplateGeometry(opts.Position)
		// A moving template plays from its own first frame when the window opens
		shift := ""
		if !opts.TemplateIsImage && opts.Start > 0 {
			shift = fmt.Sprintf("setpts=PTS-STARTPTS+%s/TB,", formatSeconds(opts.Start))
		}
		chain = append(chain,
			fmt.Sprintf("[1:v]%sscale=%d:-2,format=rgba[tpl]", shift, w),
			fmt.Sprintf("[%s][tpl]overlay=x=%d:y=%d:eof_action=pass:enable='between(t,%s,%s)'[vt]",
				last, x, y, formatSeconds(opts.Start), formatSeconds(opts.End)),
		)
		last = "vt"
	}

	if opts.HookASSPath != "" {
		chain = append(chain, fmt.Sprintf("[%s]ass='%s'[vh]", last, escapeFFmpegFilterPath(opts.HookASSPath)))
		last = "vh"
	}

	args = append(args,
		"-filter_complex", strings.Join(chain, ";"),
		"-map", "["+last+"]",
		"-map", "0:a?",
		"-c:v", "libx264",
		"-preset", videoPreset,
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(s.opts.FPS),
		"-c:a", "copy",
		"-t", formatSeconds(opts.Duration),
		"-y", outputPath,
	)

	return s.ffmpeg(ctx, args...)
}

// TemplateGeometry maps a design-canvas position to output pixels: top-left x, y and
// the scaled template width. Scale 0 means full frame width.
func (s *FFmpegService) TemplateGeometry(pos models.Position) (x, y, width int) {
	scale := pos.Scale
	if scale <= 0 {
		scale = 1
	}
	x = int(math.Round(pos.X * float64(s.opts.Width) / DesignWidth))
	y = int(math.Round(pos.Y * float64(s.opts.Height) / DesignHeight))
	width = evenFloor(scale * float64(s.opts.Width))
	if width < 2 {
		width = 2
	}
	return x, y, width
}

// MuxAudio replaces the audio with music starting at 0 and trims to duration,
// which the caller sets to min(video, music).
func (s *FFmpegService) MuxAudio(ctx context.Context, videoPath, musicPath, outputPath string, duration float64) error {
	return s.ffmpeg(ctx,
		"-i", videoPath,
		"-i", musicPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ar", strconv.Itoa(audioSampleRate),
		"-ac", "2",
		"-t", formatSeconds(duration),
		"-y", outputPath,
	)
}

// Finalize remuxes into the delivery container with the index up front.
func (s *FFmpegService) Finalize(ctx context.Context, inputPath, outputPath string) error {
	return s.ffmpeg(ctx,
		"-i", inputPath,
		"-map", "0",
		"-c", "copy",
		"-movflags", "+faststart",
		"-y", outputPath,
	)
}

// buildMotionFilter constructs the zoompan chain that moves a camera over a still image.
// The image is first filled at twice the output size so zooming and panning keep detail.
func (s *FFmpegService) buildMotionFilter(effect models.MotionEffect, duration float64) string {
	totalFrames := int(math.Ceil(duration*float64(s.opts.FPS))) + 1
	w2, h2 := s.opts.Width*2, s.opts.Height*2

	var zExpr, xExpr, yExpr string
	switch effect {
	case models.MotionZoomIn:
		// 1.0 → 1.3 centered
		zExpr = fmt.Sprintf("1.0+0.3*on/%d", totalFrames)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = "ih/2-(ih/zoom/2)"
	case models.MotionZoomOut:
		// 1.3 → 1.0 centered
		zExpr = fmt.Sprintf("1.3-0.3*on/%d", totalFrames)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = "ih/2-(ih/zoom/2)"
	case models.MotionPanDown:
		// Fixed 1.2x zoom, camera drifts from top to bottom
		zExpr = "1.2"
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = fmt.Sprintf("(ih-ih/zoom)*on/%d", totalFrames)
	case models.MotionPanUp:
		zExpr = "1.2"
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = fmt.Sprintf("(ih-ih/zoom)*(1-on/%d)", totalFrames)
	default:
		zExpr = "1.0"
		xExpr = "0"
		yExpr = "0"
	}

	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,zoompan=z='%s':x='%s':y='%s':d=%d:s=%dx%d:fps=%d,setsar=1,format=yuv420p",
		w2, h2, w2, h2,
		zExpr, xExpr, yExpr,
		totalFrames,
		s.opts.Width, s.opts.Height,
		s.opts.FPS,
	)
}

// escapeFFmpegFilterPath escapes special characters in file paths for FFmpeg filter syntax.
// FFmpeg filter strings treat colons, backslashes, and single quotes specially.
func escapeFFmpegFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

// escapeConcatPath escapes single quotes for the concat demuxer's list syntax.
func escapeConcatPath(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

func evenFloor(v float64) int {
	n := int(math.Floor(v))
	return n - n%2
}
