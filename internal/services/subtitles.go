package services

import (
	"fmt"
	"os"
	"strings"

	"github.com/bobarin/hookreel/internal/models"
)

// ---------------------------------------------------------------------------
// Hook text renderer
//
// Hook text is burned in through an ASS (Advanced SubStation Alpha) script. The
// script plays on the 1080x1920 design canvas; libass scales it to the output
// frame, so anchors and offsets are resolution independent.
// ---------------------------------------------------------------------------

const (
	defaultHookFont = "Noto Sans"
	hookFontSize    = 84

	// FlashWindowSeconds is how long the flash variant stays on screen.
	FlashWindowSeconds = 3.0

	// ASS colors are in &HAABBGGRR format (hex, note: BGR not RGB)
	assColorWhite     = "&H00FFFFFF"
	assColorBlack     = "&H00000000"
	assColorYellow    = "&H0000E5FF" // #FFE500
	assColorSemiBlack = "&H80000000" // 50% transparent black
	assColorBoxBlack  = "&H40000000" // 75% opaque black for the boxed variant

	// Vertical anchor lines on the design canvas
	hookTopY    = 220
	hookCenterY = DesignHeight / 2
	hookBottomY = DesignHeight - 320
	hookMargin  = 60
)

// hookPreset is the typography for one variant.
type hookPreset struct {
	primary     string
	outlineCol  string
	backCol     string
	borderStyle int // 1 = outline + shadow, 3 = opaque box
	outline     int
	shadow      int
	uppercase   bool
	window      float64 // 0 = whole output
	fadeMs      int
}

var hookPresets = map[models.HookVariant]hookPreset{
	models.HookVariantClassic: {primary: assColorWhite, outlineCol: assColorBlack, backCol: assColorSemiBlack, borderStyle: 1, outline: 4, shadow: 2},
	models.HookVariantBoxed:   {primary: assColorWhite, outlineCol: assColorBoxBlack, backCol: assColorBoxBlack, borderStyle: 3, outline: 18, shadow: 0},
	models.HookVariantOutline: {primary: assColorWhite, outlineCol: assColorBlack, backCol: assColorBlack, borderStyle: 1, outline: 10, shadow: 0, uppercase: true},
	models.HookVariantFlash:   {primary: assColorYellow, outlineCol: assColorBlack, backCol: assColorSemiBlack, borderStyle: 1, outline: 6, shadow: 3, uppercase: true, window: FlashWindowSeconds, fadeMs: 250},
}

// HookWindow returns the visible window of a hook within an output of duration seconds.
func HookWindow(variant models.HookVariant, duration float64) (start, end float64) {
	p, ok := hookPresets[variant]
	if !ok {
		p = hookPresets[models.HookVariantClassic]
	}
	end = duration
	if p.window > 0 && p.window < end {
		end = p.window
	}
	return 0, end
}

// HookAnchor returns the ASS alignment and \pos point for a style on the design canvas.
func HookAnchor(style models.HookStyle) (alignment int, x, y float64) {
	x = DesignWidth/2 + style.Offset.X
	switch style.Position {
	case models.HookPositionTop:
		alignment, y = 8, hookTopY
	case models.HookPositionBottom:
		alignment, y = 2, hookBottomY
	default:
		alignment, y = 5, hookCenterY
	}
	return alignment, x, y + style.Offset.Y
}

// GenerateHookASS writes an ASS script that shows the hook text for the window
// its variant allows within an output of duration seconds.
func GenerateHookASS(hook models.Hook, duration float64, font, outputPath string) error {
	text := strings.TrimSpace(hook.Text)
	if text == "" {
		return fmt.Errorf("hook text is empty")
	}
	if font == "" {
		font = defaultHookFont
	}

	p, ok := hookPresets[hook.Style.Variant]
	if !ok {
		p = hookPresets[models.HookVariantClassic]
	}
	if p.uppercase {
		text = strings.ToUpper(text)
	}

	start, end := HookWindow(hook.Style.Variant, duration)
	alignment, x, y := HookAnchor(hook.Style)

	var sb strings.Builder

	sb.WriteString("[Script Info]\n")
	sb.WriteString("ScriptType: v4.00+\n")
	fmt.Fprintf(&sb, "PlayResX: %d\n", DesignWidth)
	fmt.Fprintf(&sb, "PlayResY: %d\n", DesignHeight)
	sb.WriteString("WrapStyle: 0\n")
	sb.WriteString("ScaledBorderAndShadow: yes\n")
	sb.WriteString("\n")

	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(&sb,
		"Style: Hook,%s,%d,%s,%s,%s,%s,-1,0,0,0,100,100,1,0,%d,%d,%d,%d,%d,%d,0,1\n",
		font, hookFontSize,
		p.primary, p.primary, p.outlineCol, p.backCol,
		p.borderStyle, p.outline, p.shadow,
		alignment, hookMargin, hookMargin,
	)
	sb.WriteString("\n")

	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")

	tags := fmt.Sprintf("\\pos(%s,%s)", formatASSCoord(x), formatASSCoord(y))
	if p.fadeMs > 0 {
		tags += fmt.Sprintf("\\fad(0,%d)", p.fadeMs)
	}
	fmt.Fprintf(&sb,
		"Dialogue: 1,%s,%s,Hook,,0,0,0,,{%s}%s\n",
		formatASSTime(start), formatASSTime(end), tags, escapeASSText(text),
	)

	if err := os.WriteFile(outputPath, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write hook ASS file: %w", err)
	}
	return nil
}

// escapeASSText neutralizes override blocks and turns newlines into hard breaks.
// libass has no escape for a literal backslash, so it is drawn as U+FF3C.
func escapeASSText(s string) string {
	s = strings.ReplaceAll(s, "\\", "\uFF3C")
	s = strings.ReplaceAll(s, "{", "\\{")
	s = strings.ReplaceAll(s, "}", "\\}")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\\N")
	return s
}

func formatASSCoord(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.1f", v), "0"), ".")
}

// formatASSTime converts seconds to ASS timestamp format: H:MM:SS.CC (centiseconds)
func formatASSTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}

	cs := int(seconds*100 + 0.5)
	hours := cs / 360000
	minutes := (cs % 360000) / 6000
	secs := (cs % 6000) / 100
	centiseconds := cs % 100

	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, secs, centiseconds)
}
