package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "test-service"})

	log.WithComponent("worker").WithJobID("job-1").Info("claimed", "attempt", 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "claimed", entry["msg"])
	assert.Equal(t, "test-service", entry["service"])
	assert.Equal(t, "worker", entry["component"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.EqualValues(t, 1, entry["attempt"])
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "text", Output: &buf})

	log.Info("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "k=v")
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "json", Output: &buf})

	ctx := ContextWithJobID(context.Background(), "abc")
	log.FromContext(ctx).Info("x")
	assert.Contains(t, buf.String(), `"job_id":"abc"`)

	buf.Reset()
	log.FromContext(context.Background()).Info("y")
	assert.NotContains(t, buf.String(), "job_id")
}

func TestWithErrorNil(t *testing.T) {
	log := Discard()
	assert.Same(t, log, log.WithError(nil))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain", input: "hook text", expected: "hook text"},
		{name: "newline", input: "a\nERROR: fake", expected: "a\\nERROR: fake"},
		{name: "crlf", input: "a\r\nb", expected: "a\\r\\nb"},
		{name: "tab", input: "a\tb", expected: "a\\tb"},
		{name: "ansi", input: "\x1b[31mred", expected: "\\x1b[31mred"},
		{name: "del", input: "x\x7f", expected: "x\\x7f"},
		{name: "unicode", input: "café 👋", expected: "café 👋"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeForLog(tt.input))
		})
	}
	assert.False(t, strings.ContainsRune(SanitizeForLog("\x00"), 0))
}
