package models

import (
	"fmt"
	"strings"
)

// MaxHookTextLength bounds hook text so a single line still fits a portrait frame.
const MaxHookTextLength = 200

// Validate checks the structural rules of a spec. It does not touch the network.
func (s CompositionSpec) Validate() error {
	if len(s.Parts) == 0 {
		return &ValidationError{Field: "parts", Message: "at least one part is required"}
	}

	for i, p := range s.Parts {
		field := fmt.Sprintf("parts[%d]", i)
		if strings.TrimSpace(p.URL) == "" {
			return &ValidationError{Field: field + ".url", Message: "url is required"}
		}
		switch p.Kind {
		case MediaKindImage:
			if p.DurationSeconds <= 0 {
				return &ValidationError{Field: field + ".durationSeconds", Message: "must be > 0 for images"}
			}
		case MediaKindVideo:
			if p.DurationSeconds < 0 {
				return &ValidationError{Field: field + ".durationSeconds", Message: "must not be negative"}
			}
			if p.Motion != "" && p.Motion != MotionNone {
				return &ValidationError{Field: field + ".motion", Message: "motion applies to images only"}
			}
		default:
			return &ValidationError{Field: field + ".kind", Message: fmt.Sprintf("unknown kind %q", p.Kind)}
		}
		if !validMotion(p.Motion) {
			return &ValidationError{Field: field + ".motion", Message: fmt.Sprintf("unknown motion %q", p.Motion)}
		}
	}

	if t := s.TemplateOverlay; t != nil {
		if strings.TrimSpace(t.URL) == "" {
			return &ValidationError{Field: "templateOverlay.url", Message: "url is required"}
		}
		if t.DurationSeconds < 0 || t.OffsetSeconds < 0 {
			return &ValidationError{Field: "templateOverlay", Message: "duration and offset must not be negative"}
		}
		if t.Position.Scale < 0 {
			return &ValidationError{Field: "templateOverlay.position.scale", Message: "must not be negative"}
		}
		switch t.Placement {
		case "", PlacementOverlay:
		case PlacementPrefix:
			if t.DurationSeconds <= 0 {
				return &ValidationError{Field: "templateOverlay.durationSeconds", Message: "must be > 0 for prefix placement"}
			}
		default:
			return &ValidationError{Field: "templateOverlay.placement", Message: fmt.Sprintf("unknown placement %q", t.Placement)}
		}
	}

	if h := s.Hook; h != nil {
		text := strings.TrimSpace(h.Text)
		if text == "" {
			return &ValidationError{Field: "hook.text", Message: "text is required"}
		}
		if len([]rune(text)) > MaxHookTextLength {
			return &ValidationError{Field: "hook.text", Message: fmt.Sprintf("longer than %d characters", MaxHookTextLength)}
		}
		switch h.Style.Variant {
		case "", HookVariantClassic, HookVariantBoxed, HookVariantOutline, HookVariantFlash:
		default:
			return &ValidationError{Field: "hook.style.variant", Message: fmt.Sprintf("unknown variant %q", h.Style.Variant)}
		}
		switch h.Style.Position {
		case "", HookPositionTop, HookPositionCenter, HookPositionBottom:
		default:
			return &ValidationError{Field: "hook.style.position", Message: fmt.Sprintf("unknown position %q", h.Style.Position)}
		}
	}

	if m := s.Music; m != nil && strings.TrimSpace(m.URL) == "" {
		return &ValidationError{Field: "music.url", Message: "url is required"}
	}

	return nil
}

func validMotion(m MotionEffect) bool {
	switch m {
	case "", MotionNone, MotionZoomIn, MotionZoomOut, MotionPanUp, MotionPanDown:
		return true
	}
	return false
}
