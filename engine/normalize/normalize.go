// Package normalize converts a CrashEvent's raw fractions into zone
// aggregates and per-component severity. Output depends only on the event and
// the ontology.
package normalize

import (
	"fmt"
	"math"

	"github.com/WessleyAI/wessley-collision/engine/domain"
	"github.com/WessleyAI/wessley-collision/engine/ontology"
)

// DefaultNoiseFloor is the fraction at or below which a reading is treated
// as sensor noise and produces no component damage.
const DefaultNoiseFloor = 0.05

// Thresholds are the lower bounds of the moderate, severe and destroyed
// tiers. Anything below Moderate is minor.
type Thresholds struct {
	Moderate  float64 `yaml:"moderate" json:"moderate"`
	Severe    float64 `yaml:"severe" json:"severe"`
	Destroyed float64 `yaml:"destroyed" json:"destroyed"`
}

// DefaultThresholds: minor < 0.25 ≤ moderate < 0.55 ≤ severe < 0.85 ≤ destroyed.
func DefaultThresholds() Thresholds {
	return Thresholds{Moderate: 0.25, Severe: 0.55, Destroyed: 0.85}
}

// Validate checks that the tiers are strictly ascending inside (0, 1].
func (t Thresholds) Validate() error {
	if !(0 < t.Moderate && t.Moderate < t.Severe && t.Severe < t.Destroyed && t.Destroyed <= 1) {
		return fmt.Errorf("severity thresholds must ascend within (0, 1]: %+v", t)
	}
	return nil
}

// Classify maps a damage fraction to its tier.
func (t Thresholds) Classify(f float64) domain.Severity {
	switch {
	case f < t.Moderate:
		return domain.SeverityMinor
	case f < t.Severe:
		return domain.SeverityModerate
	case f < t.Destroyed:
		return domain.SeveritySevere
	default:
		return domain.SeverityDestroyed
	}
}

// OnRepairBoundary reports whether f sits exactly on the moderate/severe
// boundary, where either operation is legal.
func (t Thresholds) OnRepairBoundary(f float64) bool {
	return f == t.Severe
}

// Options configures a Normalizer.
type Options struct {
	Thresholds Thresholds
	NoiseFloor float64
}

// DefaultOptions returns the default tiers and noise floor.
func DefaultOptions() Options {
	return Options{Thresholds: DefaultThresholds(), NoiseFloor: DefaultNoiseFloor}
}

// Normalizer is stateless; one instance can serve every goroutine.
type Normalizer struct {
	opts Options
}

// New creates a Normalizer.
func New(opts Options) *Normalizer {
	return &Normalizer{opts: opts}
}

// Options returns the normalizer's settings.
func (n *Normalizer) Options() Options { return n.opts }

// Normalize uses the default options.
func Normalize(ev domain.CrashEvent, model *ontology.VehicleModel) (domain.ZoneDamage, []domain.ComponentDamage, error) {
	return New(DefaultOptions()).Normalize(ev, model)
}

// Normalize folds each sample into the zones its component spans, using the
// maximum weighted contribution per zone, and classifies every component
// above the noise floor. Components come back in event order.
func (n *Normalizer) Normalize(ev domain.CrashEvent, model *ontology.VehicleModel) (domain.ZoneDamage, []domain.ComponentDamage, error) {
	var zones domain.ZoneDamage
	damages := make([]domain.ComponentDamage, 0, len(ev.Samples))

	for _, s := range ev.Samples {
		idx, ok := model.Resolve(s.Component)
		if !ok {
			return domain.ZoneDamage{}, nil, &domain.DataIntegrityError{Component: s.Component, Wrapped: domain.ErrUnknownComponent}
		}
		if err := domain.ValidateFraction(s.Component, s.Fraction); err != nil {
			return domain.ZoneDamage{}, nil, err
		}
		comp := &model.Components[idx]
		for _, zw := range comp.Zones {
			zones.Fold(zw.Zone, math.Min(1, zw.Weight*s.Fraction))
		}
		if s.Fraction <= n.opts.NoiseFloor {
			continue
		}

		sev := n.opts.Thresholds.Classify(s.Fraction)
		cd := domain.ComponentDamage{
			Component:      comp.ID,
			Fraction:       s.Fraction,
			Severity:       sev,
			SafetyCritical: comp.SafetyCritical,
			ForcedReplace:  comp.SafetyCritical && sev >= domain.SeverityModerate,
		}
		cd.ReplaceRequired = ReplacementRequired(cd, model.Repairable(comp), n.opts.Thresholds)
		damages = append(damages, cd)
	}
	return zones, damages, nil
}

// ReplacementRequired applies the repair-or-replace rule. Safety-critical
// damage at moderate or worse always needs replacement; otherwise minor and
// moderate damage on repairable components is repaired, and a fraction
// exactly on the moderate/severe boundary is repaired too.
func ReplacementRequired(cd domain.ComponentDamage, repairable bool, t Thresholds) bool {
	if cd.ForcedReplace || (cd.SafetyCritical && cd.Severity >= domain.SeverityModerate) {
		return true
	}
	if !repairable {
		return true
	}
	if cd.Severity <= domain.SeverityModerate {
		return false
	}
	return !t.OnRepairBoundary(cd.Fraction)
}
