package ontology

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/WessleyAI/wessley-collision/engine/domain"
)

// ErrInvalidOntology is wrapped by every Build failure.
var ErrInvalidOntology = errors.New("invalid ontology")

const weightTolerance = 1e-6

// ModelSpec is the declarative form of a vehicle model, as found in catalog
// files.
type ModelSpec struct {
	ID         string            `yaml:"id" json:"id"`
	Make       string            `yaml:"make" json:"make"`
	Model      string            `yaml:"model" json:"model"`
	Year       int               `yaml:"year" json:"year"`
	Variant    string            `yaml:"variant,omitempty" json:"variant,omitempty"`
	Currency   string            `yaml:"currency" json:"currency"`
	Aliases    map[string]string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Assemblies []AssemblySpec    `yaml:"assemblies" json:"assemblies"`
}

// AssemblySpec declares an assembly and its components.
type AssemblySpec struct {
	ID         string          `yaml:"id" json:"id"`
	Name       string          `yaml:"name" json:"name"`
	Components []ComponentSpec `yaml:"components" json:"components"`
}

// ComponentSpec declares a component, its zone weights and candidate parts.
type ComponentSpec struct {
	ID             string             `yaml:"id" json:"id"`
	Name           string             `yaml:"name" json:"name"`
	Zones          map[string]float64 `yaml:"zones" json:"zones"`
	SafetyCritical bool               `yaml:"safety_critical,omitempty" json:"safety_critical,omitempty"`
	Parts          []PartSpec         `yaml:"parts" json:"parts"`
}

// PartSpec declares a part. Prices are in minor currency units.
type PartSpec struct {
	Number       string  `yaml:"number" json:"number"`
	Description  string  `yaml:"description,omitempty" json:"description,omitempty"`
	Price        int64   `yaml:"price" json:"price"`
	RepairPrice  *int64  `yaml:"repair_price,omitempty" json:"repair_price,omitempty"`
	Currency     string  `yaml:"currency,omitempty" json:"currency,omitempty"`
	Repairable   bool    `yaml:"repairable,omitempty" json:"repairable,omitempty"`
	ReplaceHours float64 `yaml:"replace_hours" json:"replace_hours"`
	RepairHours  float64 `yaml:"repair_hours,omitempty" json:"repair_hours,omitempty"`
	Quantity     int     `yaml:"quantity,omitempty" json:"quantity,omitempty"`
	LeadDays     int     `yaml:"lead_days,omitempty" json:"lead_days,omitempty"`
}

// Build validates a spec and lays it out as an arena. It enforces the tree
// invariants: unique ids, zone weights summing to 1, non-negative prices and
// hours, and no repairable parts under safety-critical components. A
// component may be declared before its parts are catalogued; damage to it
// then fails at mapping time.
func Build(spec ModelSpec) (*VehicleModel, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return nil, fmt.Errorf("%w: model id is required", ErrInvalidOntology)
	}
	m := &VehicleModel{
		ID:       spec.ID,
		Make:     spec.Make,
		Model:    spec.Model,
		Year:     spec.Year,
		Variant:  spec.Variant,
		Currency: strings.ToUpper(spec.Currency),
		byID:     make(map[string]int),
		aliases:  make(map[string]string),
	}
	if m.Currency == "" {
		return nil, fmt.Errorf("%w: model %s: currency is required", ErrInvalidOntology, spec.ID)
	}

	seenAssembly := make(map[string]bool)
	seenPart := make(map[string]bool)
	for _, as := range spec.Assemblies {
		if as.ID == "" || seenAssembly[as.ID] {
			return nil, fmt.Errorf("%w: model %s: duplicate or empty assembly id %q", ErrInvalidOntology, spec.ID, as.ID)
		}
		seenAssembly[as.ID] = true
		ai := len(m.Assemblies)
		m.Assemblies = append(m.Assemblies, Assembly{ID: as.ID, Name: as.Name})

		for _, cs := range as.Components {
			if err := m.addComponent(ai, cs, seenPart); err != nil {
				return nil, fmt.Errorf("%w: model %s: %v", ErrInvalidOntology, spec.ID, err)
			}
		}
	}
	if len(m.Components) == 0 {
		return nil, fmt.Errorf("%w: model %s has no components", ErrInvalidOntology, spec.ID)
	}

	for alias, target := range spec.Aliases {
		if _, clash := m.byID[alias]; clash {
			return nil, fmt.Errorf("%w: model %s: alias %q shadows a component id", ErrInvalidOntology, spec.ID, alias)
		}
		if _, ok := m.byID[target]; !ok {
			return nil, fmt.Errorf("%w: model %s: alias %q targets unknown component %q", ErrInvalidOntology, spec.ID, alias, target)
		}
		m.aliases[alias] = target
	}
	return m, nil
}

func (m *VehicleModel) addComponent(ai int, cs ComponentSpec, seenPart map[string]bool) error {
	if cs.ID == "" {
		return errors.New("empty component id")
	}
	if _, dup := m.byID[cs.ID]; dup {
		return fmt.Errorf("duplicate component id %q", cs.ID)
	}
	zones, err := zoneWeights(cs.Zones)
	if err != nil {
		return fmt.Errorf("component %s: %w", cs.ID, err)
	}

	ci := len(m.Components)
	comp := Component{
		ID:             cs.ID,
		Name:           cs.Name,
		Assembly:       ai,
		Zones:          zones,
		SafetyCritical: cs.SafetyCritical,
	}
	for _, ps := range cs.Parts {
		p, err := m.part(ci, cs, ps)
		if err != nil {
			return err
		}
		if seenPart[p.Number] {
			return fmt.Errorf("component %s: part %s already belongs to another component", cs.ID, p.Number)
		}
		seenPart[p.Number] = true
		comp.Parts = append(comp.Parts, len(m.Parts))
		m.Parts = append(m.Parts, p)
	}

	m.byID[cs.ID] = ci
	m.Components = append(m.Components, comp)
	m.Assemblies[ai].Components = append(m.Assemblies[ai].Components, ci)
	return nil
}

func (m *VehicleModel) part(ci int, cs ComponentSpec, ps PartSpec) (Part, error) {
	switch {
	case ps.Number == "":
		return Part{}, fmt.Errorf("component %s: part number is required", cs.ID)
	case ps.Price < 0:
		return Part{}, fmt.Errorf("part %s: negative price %d", ps.Number, ps.Price)
	case ps.RepairPrice != nil && *ps.RepairPrice < 0:
		return Part{}, fmt.Errorf("part %s: negative repair price %d", ps.Number, *ps.RepairPrice)
	case ps.ReplaceHours < 0 || ps.RepairHours < 0:
		return Part{}, fmt.Errorf("part %s: negative labor hours", ps.Number)
	case ps.Quantity < 0 || ps.LeadDays < 0:
		return Part{}, fmt.Errorf("part %s: negative quantity or lead time", ps.Number)
	case cs.SafetyCritical && ps.Repairable:
		return Part{}, fmt.Errorf("part %s: safety-critical component %s cannot be repairable", ps.Number, cs.ID)
	}
	p := Part{
		Number:       ps.Number,
		Description:  ps.Description,
		Component:    ci,
		UnitPrice:    domain.Money(ps.Price),
		Currency:     strings.ToUpper(ps.Currency),
		Repairable:   ps.Repairable,
		ReplaceHours: ps.ReplaceHours,
		RepairHours:  ps.RepairHours,
		Quantity:     ps.Quantity,
		LeadDays:     ps.LeadDays,
	}
	if ps.RepairPrice != nil {
		rp := domain.Money(*ps.RepairPrice)
		p.RepairPrice = &rp
	}
	if p.Currency == "" {
		p.Currency = m.Currency
	}
	if p.Quantity == 0 {
		p.Quantity = 1
	}
	return p, nil
}

func zoneWeights(in map[string]float64) ([]ZoneWeight, error) {
	if len(in) == 0 {
		return nil, errors.New("no zones declared")
	}
	out := make([]ZoneWeight, 0, len(in))
	var sum float64
	for name, w := range in {
		z, err := domain.ParseZone(name)
		if err != nil {
			return nil, err
		}
		if w <= 0 || w > 1 || math.IsNaN(w) {
			return nil, fmt.Errorf("zone %s: weight %v out of (0, 1]", name, w)
		}
		sum += w
		out = append(out, ZoneWeight{Zone: z, Weight: w})
	}
	if math.Abs(sum-1) > weightTolerance {
		return nil, fmt.Errorf("zone weights sum to %v, want 1", sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out, nil
}
