// Package mediatest provides a fake media tool runner. Media files are small JSON
// documents describing duration and streams, so whole render plans can be run and
// checked without ffmpeg installed.
package mediatest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/bobarin/hookreel/internal/services"
)

const (
	FFmpeg  = "ffmpeg"
	FFprobe = "ffprobe"
)

// Media is the content of a fake media file.
type Media struct {
	Duration float64 `json:"duration"`
	Video    bool    `json:"video"`
	Audio    bool    `json:"audio"`
}

func WriteMedia(path string, m Media) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func ReadMedia(path string) (Media, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Media{}, err
	}
	var m Media
	if err := json.Unmarshal(data, &m); err != nil {
		return Media{}, fmt.Errorf("%s is not fake media: %w", path, err)
	}
	return m, nil
}

// EncodeMedia returns the bytes of a fake media file, for serving over HTTP.
func EncodeMedia(m Media) []byte {
	data, _ := json.Marshal(m)
	return data
}

type Call struct {
	Tool string
	Args []string
}

// Output is the last argument, which every stage uses for its output path.
func (c Call) Output() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[len(c.Args)-1]
}

func (c Call) Has(arg string) bool {
	for _, a := range c.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// Value returns the argument following the last occurrence of flag.
func (c Call) Value(flag string) string {
	for i := len(c.Args) - 2; i >= 0; i-- {
		if c.Args[i] == flag {
			return c.Args[i+1]
		}
	}
	return ""
}

// Runner implements services.Runner.
type Runner struct {
	mu    sync.Mutex
	calls []Call

	// Fail, when set, is consulted before each invocation; a non-nil result is
	// returned as the tool's failure.
	Fail func(Call) error
}

func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

func (r *Runner) Run(ctx context.Context, tool string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	call := Call{Tool: tool, Args: append([]string(nil), args...)}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	fail := r.Fail
	r.mu.Unlock()

	if fail != nil {
		if err := fail(call); err != nil {
			return nil, err
		}
	}

	switch tool {
	case FFprobe:
		return probe(call)
	case FFmpeg:
		return nil, render(call)
	}
	return nil, toolError(call, 127, "unknown tool")
}

func toolError(call Call, code int, stderr string) error {
	return &services.ToolError{Tool: call.Tool, Args: call.Args, ExitCode: code, Stderr: stderr}
}

func probe(call Call) ([]byte, error) {
	m, err := ReadMedia(call.Output())
	if err != nil {
		return nil, toolError(call, 1, call.Output()+": Invalid data found when processing input")
	}

	type stream struct {
		CodecType string `json:"codec_type"`
	}
	var out struct {
		Streams []stream `json:"streams"`
		Format  struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if m.Video {
		out.Streams = append(out.Streams, stream{CodecType: "video"})
	}
	if m.Audio {
		out.Streams = append(out.Streams, stream{CodecType: "audio"})
	}
	out.Format.Duration = strconv.FormatFloat(m.Duration, 'f', 6, 64)
	return json.Marshal(out)
}

// inputs returns the -i arguments that name files (lavfi sources are skipped).
func inputs(call Call) []string {
	var files []string
	for i := 0; i < len(call.Args)-1; i++ {
		if call.Args[i] != "-i" {
			continue
		}
		if i >= 2 && call.Args[i-2] == "-f" && call.Args[i-1] == "lavfi" {
			continue
		}
		if i >= 4 && call.Args[i-4] == "-f" && call.Args[i-3] == "lavfi" {
			continue
		}
		files = append(files, call.Args[i+1])
	}
	return files
}

func render(call Call) error {
	in := inputs(call)
	for _, path := range in {
		if _, err := os.Stat(path); err != nil {
			return toolError(call, 1, path+": No such file or directory")
		}
	}

	out := Media{Video: true, Audio: true}
	switch {
	case call.Value("-f") == "concat":
		data, err := os.ReadFile(call.Value("-i"))
		if err != nil {
			return toolError(call, 1, err.Error())
		}
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			path := strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'")
			path = strings.ReplaceAll(path, `'\''`, "'")
			m, err := ReadMedia(path)
			if err != nil {
				return toolError(call, 1, path+": Invalid data found when processing input")
			}
			out.Duration += m.Duration
		}
	case call.Value("-t") != "" && !strings.HasPrefix(call.Value("-t"), "-"):
		d, err := strconv.ParseFloat(call.Value("-t"), 64)
		if err != nil {
			return toolError(call, 1, "Invalid duration specification for t")
		}
		out.Duration = d
	default:
		if len(in) == 0 {
			return toolError(call, 1, "no input")
		}
		m, err := ReadMedia(in[0])
		if err != nil {
			return toolError(call, 1, in[0]+": Invalid data found when processing input")
		}
		out = m
	}

	return WriteMedia(call.Output(), out)
}
