package models

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrClaimConflict means another worker won the conditional update. It is not a failure.
	ErrClaimConflict = errors.New("claim conflict: job no longer pending")

	// ErrNotProcessing is returned when a progress or terminal write targets a job
	// that is not (or no longer) in the processing state.
	ErrNotProcessing = errors.New("job is not processing")
)

// ValidationError reports the first invalid field of a composition spec.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
