package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// stderrTailBytes bounds the diagnostic text kept from a failed invocation.
const stderrTailBytes = 4096

// ToolNotFoundError is returned when none of the configured candidates is executable.
type ToolNotFoundError struct {
	Tool       string
	Candidates []string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("%s not found (tried %s)", e.Tool, strings.Join(e.Candidates, ", "))
}

// ResolveTool returns the first candidate that resolves to an executable.
func ResolveTool(tool string, candidates []string) (string, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", &ToolNotFoundError{Tool: tool, Candidates: candidates}
}

// ToolError is a non-zero exit (or failed start) of an external media tool.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if line := lastLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Runner invokes an external tool and returns its stdout.
type Runner interface {
	Run(ctx context.Context, tool string, args ...string) ([]byte, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, tool string, args ...string) ([]byte, error) {
	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: stderrTailBytes}

	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return nil, &ToolError{Tool: tool, Args: args, ExitCode: code, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// tailBuffer keeps only the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
