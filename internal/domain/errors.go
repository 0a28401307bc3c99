package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("resource not found")
	ErrMediaNotFound        = errors.New("media not found")
	ErrCircuitOpen          = errors.New("provider circuit open")
	ErrDegenerateTranscript = errors.New("degenerate transcript")
	ErrTranscriptTooShort   = errors.New("transcript too short")
	ErrPrimaryStageFailed   = errors.New("primary analysis stage failed")
	ErrCancelled            = errors.New("job cancelled")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrAlreadyInFlight      = errors.New("job already in flight")
	ErrAlreadyExists        = errors.New("resource already exists")
)

// ErrorKind classifies a pipeline failure for the driver's terminal mapping.
type ErrorKind string

const (
	ErrorKindTransient           ErrorKind = "transient"
	ErrorKindInvalidOutput       ErrorKind = "invalid_output"
	ErrorKindResourceUnavailable ErrorKind = "resource_unavailable"
	ErrorKindPrimaryStage        ErrorKind = "primary_stage"
	ErrorKindSecondaryStage      ErrorKind = "secondary_stage"
	ErrorKindSystem              ErrorKind = "system"
)

// PipelineError is a phase-aware failure carrying its taxonomy kind.
type PipelineError struct {
	Kind    ErrorKind
	Phase   string
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Phase, e.Message, e.Err)
}

func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewPipelineError builds a PipelineError, inferring the kind from err when kind is empty.
func NewPipelineError(kind ErrorKind, phase, message string, err error) *PipelineError {
	if kind == "" {
		kind = Classify(err)
	}
	return &PipelineError{Kind: kind, Phase: phase, Message: message, Err: err}
}

// Classify maps an error onto the failure taxonomy.
func Classify(err error) ErrorKind {
	var pe *PipelineError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, ErrMediaNotFound):
		return ErrorKindResourceUnavailable
	case errors.Is(err, ErrPrimaryStageFailed):
		return ErrorKindPrimaryStage
	case errors.Is(err, ErrDegenerateTranscript), errors.Is(err, ErrTranscriptTooShort):
		return ErrorKindInvalidOutput
	case errors.Is(err, ErrCircuitOpen):
		return ErrorKindTransient
	default:
		return ErrorKindSystem
	}
}
