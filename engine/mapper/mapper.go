// Package mapper walks the ontology to turn normalized component damage into
// repair and replace operations.
package mapper

import (
	"sort"

	"github.com/WessleyAI/wessley-collision/engine/domain"
	"github.com/WessleyAI/wessley-collision/engine/normalize"
	"github.com/WessleyAI/wessley-collision/engine/ontology"
)

// Mapper is stateless and safe for concurrent use.
type Mapper struct {
	thresholds normalize.Thresholds
}

// New creates a Mapper that applies the repair boundary of t.
func New(t normalize.Thresholds) *Mapper {
	return &Mapper{thresholds: t}
}

// MapToOperations uses the default severity thresholds.
func MapToOperations(damages []domain.ComponentDamage, model *ontology.VehicleModel) ([]domain.RepairOperation, error) {
	return New(normalize.DefaultThresholds()).MapToOperations(damages, model)
}

type keyed struct {
	op       domain.RepairOperation
	assembly int
	comp     int
}

// MapToOperations emits one operation per damaged component. A component
// without a usable part fails the whole mapping with a DataIntegrityError.
//
// Operations are ordered by severity (worst first), then assembly and
// component declaration order.
func (m *Mapper) MapToOperations(damages []domain.ComponentDamage, model *ontology.VehicleModel) ([]domain.RepairOperation, error) {
	out := make([]keyed, 0, len(damages))
	for _, cd := range damages {
		idx, ok := model.Resolve(cd.Component)
		if !ok {
			return nil, &domain.DataIntegrityError{Component: cd.Component, Wrapped: domain.ErrUnknownComponent}
		}
		comp := &model.Components[idx]

		op, err := m.operation(cd, comp, model)
		if err != nil {
			return nil, err
		}
		out = append(out, keyed{op: op, assembly: comp.Assembly, comp: idx})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.op.Severity != b.op.Severity {
			return a.op.Severity > b.op.Severity
		}
		if a.assembly != b.assembly {
			return a.assembly < b.assembly
		}
		return a.comp < b.comp
	})

	ops := make([]domain.RepairOperation, len(out))
	for i, k := range out {
		ops[i] = k.op
	}
	return ops, nil
}

func (m *Mapper) operation(cd domain.ComponentDamage, comp *ontology.Component, model *ontology.VehicleModel) (domain.RepairOperation, error) {
	parts := model.PartsOf(comp)
	if len(parts) == 0 {
		return domain.RepairOperation{}, &domain.DataIntegrityError{Component: comp.ID, Wrapped: domain.ErrPartNotFound}
	}
	cd.Component = comp.ID
	cd.SafetyCritical = cd.SafetyCritical || comp.SafetyCritical

	if !normalize.ReplacementRequired(cd, model.Repairable(comp), m.thresholds) {
		for _, p := range parts {
			if p.Repairable {
				return lineFor(cd, p, domain.OpRepair, 1, p.RepairHours, p.RepairCost()), nil
			}
		}
	}

	p := parts[0]
	return lineFor(cd, p, domain.OpReplace, p.Quantity, p.ReplaceHours*float64(p.Quantity), p.UnitPrice), nil
}

func lineFor(cd domain.ComponentDamage, p *ontology.Part, kind domain.OperationKind, qty int, hours float64, unit domain.Money) domain.RepairOperation {
	return domain.RepairOperation{
		Component:   cd.Component,
		PartNumber:  p.Number,
		Description: p.Description,
		Kind:        kind,
		Severity:    cd.Severity,
		Quantity:    qty,
		LaborHours:  hours,
		UnitCost:    unit,
		LineTotal:   unit.Times(qty),
		Currency:    p.Currency,
		LeadDays:    leadDays(kind, p),
	}
}

// Repairs are done with what is on the vehicle; only replacements wait on
// delivery.
func leadDays(kind domain.OperationKind, p *ontology.Part) int {
	if kind == domain.OpRepair {
		return 0
	}
	return p.LeadDays
}
