// Package estimate prices repair operations into a RepairEstimate. All
// arithmetic is done in integer minor units; rounding happens once per labor
// line and once for tax.
package estimate

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/wessley-collision/engine/domain"
)

// DefaultValidity is how long an estimate may be trusted.
const DefaultValidity = 30 * 24 * time.Hour

// Pricing is the shop's rate card.
type Pricing struct {
	HourlyRate domain.Money
	TaxRate    float64
	Currency   string
	Validity   time.Duration
}

// DefaultPricing returns a flat-rate card in BRL.
func DefaultPricing() Pricing {
	return Pricing{HourlyRate: 15000, TaxRate: 0.12, Currency: "BRL", Validity: DefaultValidity}
}

// Validate rejects rate cards that cannot produce a meaningful estimate.
func (p Pricing) Validate() error {
	var errs []error
	if p.HourlyRate < 0 {
		errs = append(errs, fmt.Errorf("hourly rate %d is negative", p.HourlyRate))
	}
	if p.TaxRate < 0 || p.TaxRate > 1 {
		errs = append(errs, fmt.Errorf("tax rate %v outside [0, 1]", p.TaxRate))
	}
	if strings.TrimSpace(p.Currency) == "" {
		errs = append(errs, errors.New("currency is required"))
	}
	if p.Validity <= 0 {
		errs = append(errs, fmt.Errorf("validity %s must be positive", p.Validity))
	}
	return errors.Join(errs...)
}

// Meta carries the identity of the estimate being built.
type Meta struct {
	ID        string
	EventID   string
	SessionID string
	Vehicle   domain.VehicleRef
	CreatedAt time.Time
}

// Totals is the money breakdown of a set of operations.
type Totals struct {
	Parts domain.Money
	Labor domain.Money
	Tax   domain.Money
	Grand domain.Money
}

// Compute prices operations. Tax is applied once to parts plus labor.
func Compute(ops []domain.RepairOperation, p Pricing) (Totals, error) {
	var t Totals
	for _, op := range ops {
		if op.Currency != "" && !strings.EqualFold(op.Currency, p.Currency) {
			return Totals{}, &domain.DataIntegrityError{Component: op.Component, Part: op.PartNumber, Wrapped: domain.ErrCurrencyMismatch}
		}
		t.Parts += op.UnitCost.Times(op.Quantity)
		t.Labor += p.HourlyRate.MulRate(op.LaborHours)
	}
	t.Tax = (t.Parts + t.Labor).MulRate(p.TaxRate)
	t.Grand = t.Parts + t.Labor + t.Tax
	return t, nil
}

// Estimate builds a priced estimate valid for p.Validity from meta.CreatedAt.
func Estimate(ops []domain.RepairOperation, p Pricing, meta Meta) (domain.RepairEstimate, error) {
	t, err := Compute(ops, p)
	if err != nil {
		return domain.RepairEstimate{}, err
	}
	id := meta.ID
	if id == "" {
		id = uuid.NewString()
	}
	plan := Plan(ops, meta.CreatedAt)
	return domain.RepairEstimate{
		ID:            id,
		EventID:       meta.EventID,
		SessionID:     meta.SessionID,
		Vehicle:       meta.Vehicle,
		Operations:    append([]domain.RepairOperation(nil), ops...),
		PartsSubtotal: t.Parts,
		LaborSubtotal: t.Labor,
		Tax:           t.Tax,
		GrandTotal:    t.Grand,
		Currency:      strings.ToUpper(p.Currency),
		HourlyRate:    p.HourlyRate,
		TaxRate:       p.TaxRate,
		CreatedAt:     meta.CreatedAt,
		ValidUntil:    meta.CreatedAt.Add(p.Validity),
		Status:        domain.StatusPending,
		Plan:          &plan,
	}, nil
}

// Recompute prices an existing estimate's operations again under p. The
// result is a new estimate with a fresh id and validity window; tax is
// derived from the operations, never from the old totals.
func Recompute(old domain.RepairEstimate, p Pricing, now time.Time) (domain.RepairEstimate, error) {
	est, err := Estimate(old.Operations, p, Meta{
		EventID:   old.EventID,
		SessionID: old.SessionID,
		Vehicle:   old.Vehicle,
		CreatedAt: now,
	})
	if err != nil {
		return domain.RepairEstimate{}, err
	}
	est.Assessment = old.Assessment
	return est, nil
}

// Estimator holds a swappable rate card and the clock used for creation
// timestamps.
type Estimator struct {
	pricing atomic.Pointer[Pricing]
	now     func() time.Time
}

// New creates an Estimator.
func New(p Pricing) *Estimator {
	e := &Estimator{now: time.Now}
	e.pricing.Store(&p)
	return e
}

// SetPricing replaces the rate card for subsequent estimates.
func (e *Estimator) SetPricing(p Pricing) { e.pricing.Store(&p) }

// Pricing returns the current rate card.
func (e *Estimator) Pricing() Pricing { return *e.pricing.Load() }

// Estimate prices ops under the current rate card, stamped with the clock.
func (e *Estimator) Estimate(ops []domain.RepairOperation, meta Meta) (domain.RepairEstimate, error) {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = e.now().UTC()
	}
	return Estimate(ops, e.Pricing(), meta)
}

// Recompute refreshes a stale estimate under the current rate card.
func (e *Estimator) Recompute(old domain.RepairEstimate) (domain.RepairEstimate, error) {
	return Recompute(old, e.Pricing(), e.now().UTC())
}
