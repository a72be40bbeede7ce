package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition can leave the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

// MotionEffect is an optional camera move applied while a still image is held on screen.
type MotionEffect string

const (
	MotionNone    MotionEffect = "none"
	MotionZoomIn  MotionEffect = "zoom_in"
	MotionZoomOut MotionEffect = "zoom_out"
	MotionPanUp   MotionEffect = "pan_up"
	MotionPanDown MotionEffect = "pan_down"
)

// TemplatePlacement decides whether the template shares the parts' time span or precedes it.
type TemplatePlacement string

const (
	PlacementOverlay TemplatePlacement = "overlay"
	PlacementPrefix  TemplatePlacement = "prefix"
)

type HookVariant string

const (
	HookVariantClassic HookVariant = "classic"
	HookVariantBoxed   HookVariant = "boxed"
	HookVariantOutline HookVariant = "outline"
	HookVariantFlash   HookVariant = "flash"
)

type HookPosition string

const (
	HookPositionTop    HookPosition = "top"
	HookPositionCenter HookPosition = "center"
	HookPositionBottom HookPosition = "bottom"
)

// Composition spec

type MediaPart struct {
	URL             string       `json:"url"`
	Kind            MediaKind    `json:"kind"`
	DurationSeconds float64      `json:"durationSeconds,omitempty"` // Required for images; 0 on video = use source length
	Motion          MotionEffect `json:"motion,omitempty"`          // Images only
}

// Position is expressed on the 1080x1920 design canvas; Scale is template width / frame width.
type Position struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Scale float64 `json:"scale"`
}

type TemplateOverlay struct {
	URL             string            `json:"url"`
	Position        Position          `json:"position"`
	DurationSeconds float64           `json:"durationSeconds"`          // 0 = whole output
	OffsetSeconds   float64           `json:"offsetSeconds,omitempty"`  // Start of the visible window
	Placement       TemplatePlacement `json:"placement,omitempty"`      // Empty = worker default
}

type Offset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type HookStyle struct {
	Variant  HookVariant  `json:"variant"`
	Position HookPosition `json:"position"`
	Offset   Offset       `json:"offset"`
}

type Hook struct {
	Text  string    `json:"text"`
	Style HookStyle `json:"style"`
}

type Music struct {
	URL string `json:"url"`
}

// CompositionSpec is the immutable description of one video. It is stored verbatim on the job.
type CompositionSpec struct {
	Parts           []MediaPart      `json:"parts"`
	TemplateOverlay *TemplateOverlay `json:"templateOverlay,omitempty"`
	Hook            *Hook            `json:"hook,omitempty"`
	Music           *Music           `json:"music,omitempty"`
}

// Value stores the spec in a JSONB column.
func (s CompositionSpec) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *CompositionSpec) Scan(value interface{}) error {
	if value == nil {
		*s = CompositionSpec{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported spec column type %T", value)
	}
	return json.Unmarshal(data, s)
}

// DeclaredDuration sums the part durations known before acquisition.
// Video parts with no declared duration contribute 0 until probed.
func (s CompositionSpec) DeclaredDuration() float64 {
	var total float64
	for _, p := range s.Parts {
		total += p.DurationSeconds
	}
	return total
}

// URLs returns every media reference in the spec, parts first.
func (s CompositionSpec) URLs() []string {
	urls := make([]string, 0, len(s.Parts)+2)
	for _, p := range s.Parts {
		urls = append(urls, p.URL)
	}
	if s.TemplateOverlay != nil {
		urls = append(urls, s.TemplateOverlay.URL)
	}
	if s.Music != nil {
		urls = append(urls, s.Music.URL)
	}
	return urls
}

// Jobs

type VideoJob struct {
	ID           uuid.UUID       `json:"id"`
	OwnerID      string          `json:"ownerId"`
	Status       JobStatus       `json:"status"`
	Progress     float64         `json:"progress"`
	Spec         CompositionSpec `json:"spec"`
	ResultURL    *string         `json:"resultUrl,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	Attempts     int             `json:"attempts"`
	ClaimedBy    *string         `json:"claimedBy,omitempty"`
	ClaimedAt    *time.Time      `json:"claimedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

// DTOs for API requests and responses

type CreateJobRequest struct {
	OwnerID string          `json:"ownerId"`
	Spec    CompositionSpec `json:"spec"`
}

type CreateJobResponse struct {
	ID                    uuid.UUID `json:"id"`
	Status                JobStatus `json:"status"`
	EstimatedCompletionAt time.Time `json:"estimatedCompletionAt"`
}

// BatchTemplateRequest stamps the same template and hook onto each clip independently.
type BatchTemplateRequest struct {
	Clips           []MediaPart      `json:"clips"`
	TemplateOverlay *TemplateOverlay `json:"templateOverlay,omitempty"`
	Hook            *Hook            `json:"hook,omitempty"`
	Music           *Music           `json:"music,omitempty"`
}

// Specs expands the request into one single-part spec per clip, preserving order.
func (r BatchTemplateRequest) Specs() []CompositionSpec {
	specs := make([]CompositionSpec, 0, len(r.Clips))
	for _, clip := range r.Clips {
		specs = append(specs, CompositionSpec{
			Parts:           []MediaPart{clip},
			TemplateOverlay: r.TemplateOverlay,
			Hook:            r.Hook,
			Music:           r.Music,
		})
	}
	return specs
}
