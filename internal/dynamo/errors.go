package dynamo

import (
	"errors"
	"fmt"
)

// Domain errors for solver operations.
var (
	// ErrInvalidState indicates a state vector with NaN or Inf entries.
	ErrInvalidState = errors.New("dynamo: invalid state (NaN or Inf detected)")

	// ErrDimensionMismatch indicates an array whose shape disagrees with the stored dimensions.
	ErrDimensionMismatch = errors.New("dynamo: dimension mismatch")

	// ErrUnknownField indicates a field name outside the recognized set.
	ErrUnknownField = errors.New("dynamo: unknown field")

	// ErrConfig indicates an invalid or incompatible solver configuration.
	ErrConfig = errors.New("dynamo: invalid configuration")

	// ErrPermission indicates an option that may not be enabled after construction.
	ErrPermission = errors.New("dynamo: permission denied")

	// ErrClosed indicates use of a solver after Close.
	ErrClosed = errors.New("dynamo: solver is closed")

	// ErrPhaseOrder indicates a FEEDBACK call without a preceding PREPARATION.
	ErrPhaseOrder = errors.New("dynamo: feedback phase requested before preparation")

	// ErrSensitivityDisabled indicates a read of a sensitivity output whose computation is switched off.
	ErrSensitivityDisabled = errors.New("dynamo: sensitivity output is disabled")

	// ErrContextCanceled indicates a closed-loop run was interrupted.
	ErrContextCanceled = errors.New("dynamo: run canceled by context")
)

// ConfigError names the offending configuration entry.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %q: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// DimensionMismatchError reports both the expected and the supplied shape.
type DimensionMismatchError struct {
	Field    string
	Expected Shape
	Got      Shape
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("field %q: dimension mismatch: expected %s, got %s", e.Field, e.Expected, e.Got)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// UnknownFieldError is returned for names outside the registry and for
// reads of input-only or writes of output-only fields.
type UnknownFieldError struct {
	Name   string
	Scope  string
	Reason string
}

func (e *UnknownFieldError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s field %q: %s", e.Scope, e.Name, e.Reason)
	}
	return fmt.Sprintf("unknown %s field %q", e.Scope, e.Name)
}

func (e *UnknownFieldError) Unwrap() error { return ErrUnknownField }

// PermissionError is returned when an option disabled at construction is
// switched on later.
type PermissionError struct {
	Option string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("option %q was disabled at construction and cannot be enabled", e.Option)
}

func (e *PermissionError) Unwrap() error { return ErrPermission }

// SimulationError wraps an error with closed-loop context.
type SimulationError struct {
	Step    int
	Time    float64
	State   State
	Wrapped error
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("step %d (t=%.4f): %v", e.Step, e.Time, e.Wrapped)
}

func (e *SimulationError) Unwrap() error {
	return e.Wrapped
}
