package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "memory://")
	t.Setenv("SUPABASE_URL", "https://project.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.APIPort)
	assert.True(t, cfg.MemoryStore())
	assert.Equal(t, "supabase", cfg.StorageProvider)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Duration(0), cfg.StaleClaimTimeout)
	assert.Equal(t, "overlay", cfg.TemplatePlacement)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPaths[0])
	assert.NotEmpty(t, cfg.WorkerID)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("STALE_CLAIM_TIMEOUT", "15m")
	t.Setenv("FFMPEG_PATHS", " /opt/ffmpeg/bin/ffmpeg , ,ffmpeg")
	t.Setenv("WORKER_CONCURRENCY", "3")
	t.Setenv("PROGRESS_MIN_STEP", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 15*time.Minute, cfg.StaleClaimTimeout)
	assert.Equal(t, []string{"/opt/ffmpeg/bin/ffmpeg", "ffmpeg"}, cfg.FFmpegPaths)
	assert.Equal(t, 3, cfg.WorkerConcurrency)
	assert.Equal(t, 2.5, cfg.ProgressMinStep)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing database", env: map[string]string{"DATABASE_URL": ""}},
		{name: "unknown storage provider", env: map[string]string{"STORAGE_PROVIDER": "ftp"}},
		{name: "s3 without credentials", env: map[string]string{"STORAGE_PROVIDER": "s3"}},
		{name: "bad placement", env: map[string]string{"TEMPLATE_PLACEMENT": "suffix"}},
		{name: "zero concurrency", env: map[string]string{"WORKER_CONCURRENCY": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
