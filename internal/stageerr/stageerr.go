// Package stageerr defines the error kinds shared by the meshing stages.
//
// Every failure carries the stage that produced it and the input property
// that caused it, so a caller can tell an invalid step size in the label
// filter apart from an empty surface in the cleaner without parsing strings.
package stageerr

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against a returned error to classify it.
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrMissingInput     = errors.New("missing input")
	ErrEmptyMesh        = errors.New("empty mesh")
	ErrTopologyFailure  = errors.New("topology failure")
)

// Stage names used in StageError.Stage.
const (
	StageLoader    = "volume-loader"
	StageFilter    = "label-filter"
	StageExtractor = "isosurface-extractor"
	StageCleaner   = "surface-cleaner"
	StageSmoother  = "surface-smoother"
	StageExporter  = "mesh-exporter"
	StageConfig    = "config"
)

// StageError reports a failure of one pipeline stage.
type StageError struct {
	// Stage is the component that failed, one of the Stage* constants
	Stage string

	// Kind is one of the Err* sentinels
	Kind error

	// Property names the offending input property, e.g. "stepSize"
	Property string

	// Value is the offending value, if any
	Value interface{}

	// Err is an optional underlying cause
	Err error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	if e.Property != "" {
		if e.Value != nil {
			msg += fmt.Sprintf(": %s=%v", e.Property, e.Value)
		} else {
			msg += ": " + e.Property
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the error's kind.
func (e *StageError) Is(target error) bool {
	return target == e.Kind
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// InvalidParameter builds an ErrInvalidParameter failure.
func InvalidParameter(stage, property string, value interface{}, format string, args ...interface{}) error {
	return &StageError{
		Stage:    stage,
		Kind:     ErrInvalidParameter,
		Property: property,
		Value:    value,
		Err:      detail(format, args...),
	}
}

// MissingInput builds an ErrMissingInput failure wrapping cause.
func MissingInput(stage, property string, value interface{}, cause error) error {
	return &StageError{Stage: stage, Kind: ErrMissingInput, Property: property, Value: value, Err: cause}
}

// EmptyMesh builds an ErrEmptyMesh failure.
func EmptyMesh(stage, property string, format string, args ...interface{}) error {
	return &StageError{Stage: stage, Kind: ErrEmptyMesh, Property: property, Err: detail(format, args...)}
}

// TopologyFailure builds an ErrTopologyFailure failure.
func TopologyFailure(stage, property string, value interface{}, format string, args ...interface{}) error {
	return &StageError{
		Stage:    stage,
		Kind:     ErrTopologyFailure,
		Property: property,
		Value:    value,
		Err:      detail(format, args...),
	}
}

func detail(format string, args ...interface{}) error {
	if format == "" {
		return nil
	}
	return fmt.Errorf(format, args...)
}

// StageOf returns the stage recorded in err, or "" if err is not a StageError.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
