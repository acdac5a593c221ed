package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for validation failures.
var (
	ErrUnknownComponent       = errors.New("unknown component")
	ErrInvalidFraction        = errors.New("damage fraction out of range")
	ErrMissingSession         = errors.New("missing session id")
	ErrMissingTimestamp       = errors.New("missing timestamp")
	ErrSessionVehicleMismatch = errors.New("session bound to another vehicle")
	ErrUnsupportedVehicle     = errors.New("unsupported vehicle model")
	ErrUnsupportedMake        = errors.New("unsupported make")
	ErrYearOutOfRange         = errors.New("year out of range")
	ErrInvalidVIN             = errors.New("invalid VIN")
	ErrInvalidStatus          = errors.New("invalid estimate status")
)

// Sentinel errors for data integrity and lifecycle failures.
var (
	ErrPartNotFound     = errors.New("part not found")
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrStaleEstimate    = errors.New("estimate expired")
)

// ValidationError wraps a sentinel with context. It is recoverable: the
// offending input is dropped and the rest of the batch proceeds.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// DataIntegrityError reports reference data that cannot support an estimate.
// It is fatal for the estimate being built.
type DataIntegrityError struct {
	Component string
	Part      string
	Wrapped   error
}

func (e *DataIntegrityError) Error() string {
	if e.Part != "" {
		return fmt.Sprintf("data integrity: %s: component %s part %s", e.Wrapped, e.Component, e.Part)
	}
	return fmt.Sprintf("data integrity: %s: component %s", e.Wrapped, e.Component)
}

func (e *DataIntegrityError) Unwrap() error { return e.Wrapped }

// StaleEstimateError is returned when an expired estimate is used for pricing.
// Callers recover by recomputing the estimate.
type StaleEstimateError struct {
	EstimateID string
	ValidUntil time.Time
	Now        time.Time
}

func (e *StaleEstimateError) Error() string {
	return fmt.Sprintf("estimate %s expired at %s", e.EstimateID, e.ValidUntil.Format(time.RFC3339))
}

func (e *StaleEstimateError) Unwrap() error { return ErrStaleEstimate }
