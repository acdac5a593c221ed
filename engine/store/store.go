// Package store persists repair estimates. The pipeline needs only Create
// and Get; the HTTP layer also uses status updates and listing, which every
// backend here supports.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/WessleyAI/wessley-collision/engine/domain"
)

var (
	// ErrNotFound is returned when no estimate has the requested id.
	ErrNotFound = errors.New("store: estimate not found")
	// ErrConflict is returned when an estimate id is already taken.
	ErrConflict = errors.New("store: estimate already exists")
)

// Store is the outbound persistence port of the pipeline.
type Store interface {
	Create(ctx context.Context, e domain.RepairEstimate) (string, error)
	Get(ctx context.Context, id string) (domain.RepairEstimate, error)
}

// StatusUpdater is implemented by stores that track the estimate lifecycle.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id string, status domain.EstimateStatus) error
}

// Lister is implemented by stores that can enumerate estimates.
type Lister interface {
	List(ctx context.Context, f Filter) ([]domain.RepairEstimate, error)
}

// Filter selects estimates for List. Zero fields match everything.
type Filter struct {
	SessionID string
	Status    domain.EstimateStatus
	Limit     int
}

// DefaultListLimit caps List when Filter.Limit is zero.
const DefaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f Filter) match(e domain.RepairEstimate) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// IsTransient reports whether err is worth retrying against the backend.
func IsTransient(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrInvalidStatus):
		return false
	}
	var ve *domain.ValidationError
	return !errors.As(err, &ve)
}

func checkCreate(e domain.RepairEstimate) error {
	if e.ID == "" {
		return domain.NewValidationError("id", e.ID, errors.New("estimate id is required"))
	}
	return nil
}

func checkStatus(s domain.EstimateStatus) error {
	if !s.Valid() {
		return domain.NewValidationError("status", string(s), domain.ErrInvalidStatus)
	}
	return nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// clone copies the slices and pointers of e so callers cannot alias stored state.
func clone(e domain.RepairEstimate) domain.RepairEstimate {
	e.Operations = slices.Clone(e.Operations)
	if e.Plan != nil {
		p := *e.Plan
		e.Plan = &p
	}
	if e.Assessment != nil {
		a := *e.Assessment
		e.Assessment = &a
	}
	return e
}
