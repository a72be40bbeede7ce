package render

import (
	"errors"
	"fmt"
)

// Stage is one step of the render plan, in execution order.
type Stage string

const (
	StageAcquire     Stage = "acquire"
	StageNormalize   Stage = "normalize"
	StageConcatenate Stage = "concatenate"
	StageComposite   Stage = "composite"
	StageMux         Stage = "mux"
	StageFinalize    Stage = "finalize"
)

// Error kinds, matched with errors.Is against a StageError.
var (
	ErrAcquisition   = errors.New("acquisition error")
	ErrNormalization = errors.New("normalization error")
	ErrComposition   = errors.New("composition error")
	ErrMux           = errors.New("mux error")
	ErrFinalize      = errors.New("finalize error")
)

var stageKinds = map[Stage]error{
	StageAcquire:     ErrAcquisition,
	StageNormalize:   ErrNormalization,
	StageConcatenate: ErrComposition,
	StageComposite:   ErrComposition,
	StageMux:         ErrMux,
	StageFinalize:    ErrFinalize,
}

// StageError is the single error a failed render surfaces. It names the stage
// and wraps both the kind and the underlying cause.
type StageError struct {
	Stage Stage
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func stageError(stage Stage, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Kind: stageKinds[stage], Err: err}
}

// FailedStage returns the stage named by err, if any.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// WrapStage attributes err to stage unless it already names one.
func WrapStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return stageError(stage, err)
}
