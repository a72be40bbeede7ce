package services

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobarin/hookreel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHookAnchor(t *testing.T) {
	tests := []struct {
		style     models.HookStyle
		alignment int
		x, y      float64
	}{
		{models.HookStyle{Position: models.HookPositionTop}, 8, 540, 220},
		{models.HookStyle{Position: models.HookPositionCenter, Offset: models.Offset{X: -40, Y: 10}}, 5, 500, 970},
		{models.HookStyle{Position: models.HookPositionBottom, Offset: models.Offset{Y: -100}}, 2, 540, 1500},
		{models.HookStyle{}, 5, 540, 960},
	}
	for _, tt := range tests {
		alignment, x, y := HookAnchor(tt.style)
		assert.Equal(t, tt.alignment, alignment)
		assert.Equal(t, tt.x, x)
		assert.Equal(t, tt.y, y)
	}
}

func TestHookWindow(t *testing.T) {
	_, end := HookWindow(models.HookVariantClassic, 7)
	assert.Equal(t, 7.0, end)

	_, end = HookWindow(models.HookVariantFlash, 7)
	assert.Equal(t, FlashWindowSeconds, end)

	_, end = HookWindow(models.HookVariantFlash, 2)
	assert.Equal(t, 2.0, end)
}

func TestGenerateHookASS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hook.ass")
	hook := models.Hook{
		Text: "wait for it {\\b1}\nnow",
		Style: models.HookStyle{
			Variant:  models.HookVariantFlash,
			Position: models.HookPositionTop,
			Offset:   models.Offset{X: 20, Y: 30},
		},
	}

	require.NoError(t, GenerateHookASS(hook, 7, "Inter", path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "PlayResX: 1080\nPlayResY: 1920\n")
	assert.Contains(t, content, "Style: Hook,Inter,84,&H0000E5FF,")
	assert.Contains(t, content, "Dialogue: 1,0:00:00.00,0:00:03.00,Hook,,0,0,0,,{\\pos(560,250)\\fad(0,250)}")
	// Override blocks in user text are neutralized, newlines become hard breaks
	assert.Contains(t, content, `WAIT FOR IT \{＼B1\}\NNOW`)
	assert.Equal(t, 1, strings.Count(content, "Dialogue:"))
}

func TestGenerateHookASSClassicSpansOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hook.ass")
	hook := models.Hook{Text: "Hello", Style: models.HookStyle{Variant: models.HookVariantBoxed, Position: models.HookPositionBottom}}

	require.NoError(t, GenerateHookASS(hook, 65.5, "", path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "Style: Hook,Noto Sans,")
	assert.Contains(t, content, ",3,18,0,2,60,60,0,1\n")
	assert.Contains(t, content, "Dialogue: 1,0:00:00.00,0:01:05.50,Hook,,0,0,0,,{\\pos(540,1600)}Hello")
}

func TestGenerateHookASSEmptyText(t *testing.T) {
	err := GenerateHookASS(models.Hook{Text: "  "}, 3, "", filepath.Join(t.TempDir(), "h.ass"))
	assert.Error(t, err)
}

func TestFormatASSTime(t *testing.T) {
	assert.Equal(t, "0:00:00.00", formatASSTime(-1))
	assert.Equal(t, "0:00:03.00", formatASSTime(3))
	assert.Equal(t, "0:01:05.50", formatASSTime(65.5))
	assert.Equal(t, "1:00:00.01", formatASSTime(3600.01))
}

func TestEscapeASSText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`C:\path`, "C:＼path"},
		{`no \N break`, "no ＼N break"},
		{"{\\i1}", `\{＼i1\}`},
		{"two\r\nlines", `two\Nlines`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeASSText(tt.in), tt.in)
	}
}
