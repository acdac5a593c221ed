// Package pipeline wires ingestion, normalization, mapping and pricing into
// the collision service, and owns persistence and notification of the
// resulting estimates.
package pipeline

import (
	"context"
	"time"

	"github.com/WessleyAI/wessley-collision/engine/domain"
	"github.com/WessleyAI/wessley-collision/engine/estimate"
	"github.com/WessleyAI/wessley-collision/engine/mapper"
	"github.com/WessleyAI/wessley-collision/engine/normalize"
	"github.com/WessleyAI/wessley-collision/engine/ontology"
	"github.com/WessleyAI/wessley-collision/pkg/fn"
	"github.com/WessleyAI/wessley-collision/pkg/metrics"
)

// Crash is a detected event paired with the ontology it resolves against.
type Crash struct {
	Event domain.CrashEvent
	Model *ontology.VehicleModel
}

// Damaged is a crash after normalization.
type Damaged struct {
	Crash
	Zones   domain.ZoneDamage
	Damages []domain.ComponentDamage
}

// Billed is a crash with its repair operations.
type Billed struct {
	Damaged
	Operations []domain.RepairOperation
}

// NewNormalize returns the normalization stage.
func NewNormalize(n *normalize.Normalizer) fn.Stage[Crash, Damaged] {
	return func(_ context.Context, c Crash) fn.Result[Damaged] {
		zones, damages, err := n.Normalize(c.Event, c.Model)
		if err != nil {
			return fn.Err[Damaged](err)
		}
		return fn.Ok(Damaged{Crash: c, Zones: zones, Damages: damages})
	}
}

// NewMap returns the parts/labor mapping stage.
func NewMap(m *mapper.Mapper) fn.Stage[Damaged, Billed] {
	return func(_ context.Context, d Damaged) fn.Result[Billed] {
		ops, err := m.MapToOperations(d.Damages, d.Model)
		if err != nil {
			return fn.Err[Billed](err)
		}
		return fn.Ok(Billed{Damaged: d, Operations: ops})
	}
}

// NewPrice returns the pricing stage. The estimate id is derived from the
// event id so a replayed event never produces a second estimate.
func NewPrice(e *estimate.Estimator) fn.Stage[Billed, domain.RepairEstimate] {
	return func(_ context.Context, b Billed) fn.Result[domain.RepairEstimate] {
		ev := b.Event
		est, err := e.Estimate(b.Operations, estimate.Meta{
			ID:        EstimateID(ev.ID),
			EventID:   ev.ID,
			SessionID: ev.SessionID,
			Vehicle:   ev.Vehicle,
		})
		if err != nil {
			return fn.Err[domain.RepairEstimate](err)
		}
		a := normalize.Assess(b.Zones, b.Damages)
		est.Assessment = &a
		return fn.Ok(est)
	}
}

// timed records the stage latency in the collision_stage_seconds histogram.
func timed[In, Out any](reg *metrics.Registry, name string, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	if reg == nil {
		return stage
	}
	h := reg.Histogram(metrics.WithLabels("collision_stage_seconds", "stage", name), "Pipeline stage latency", nil)
	return func(ctx context.Context, in In) fn.Result[Out] {
		start := time.Now()
		defer h.Since(start)
		return stage(ctx, in)
	}
}

// NewPipeline composes normalize → map → price, each stage traced and timed.
func NewPipeline(n *normalize.Normalizer, m *mapper.Mapper, e *estimate.Estimator, reg *metrics.Registry) fn.Stage[Crash, domain.RepairEstimate] {
	norm := fn.TracedStage("collision.normalize", timed(reg, "normalize", NewNormalize(n)))
	bill := fn.TracedStage("collision.map", timed(reg, "map", NewMap(m)))
	price := fn.TracedStage("collision.estimate", timed(reg, "estimate", NewPrice(e)))
	return fn.Then(norm, fn.Then(bill, price))
}
