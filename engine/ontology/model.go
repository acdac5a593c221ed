// Package ontology holds the static vehicle → assembly → component → part
// reference data that every pipeline stage reads. A VehicleModel is an arena:
// assemblies, components and parts live in flat slices and point at each other
// by index, so results can share part data without owning it.
package ontology

import "github.com/WessleyAI/wessley-collision/engine/domain"

// ZoneWeight is a component's share of one zone. A component's weights sum
// to 1.0.
type ZoneWeight struct {
	Zone   domain.Zone
	Weight float64
}

// Assembly groups components, e.g. "front end".
type Assembly struct {
	ID         string
	Name       string
	Components []int
}

// Component is a damageable unit reported by the telemetry source.
type Component struct {
	ID             string
	Name           string
	Assembly       int
	Zones          []ZoneWeight
	SafetyCritical bool
	Parts          []int
}

// Part is a priced, orderable item that fixes a component.
type Part struct {
	Number       string
	Description  string
	Component    int
	UnitPrice    domain.Money
	RepairPrice  *domain.Money
	Currency     string
	Repairable   bool
	ReplaceHours float64
	RepairHours  float64
	Quantity     int
	LeadDays     int
}

// RepairCost is the per-unit cost charged when the part is repaired rather
// than replaced. Parts without an explicit repair price charge the unit price.
func (p Part) RepairCost() domain.Money {
	if p.RepairPrice != nil {
		return *p.RepairPrice
	}
	return p.UnitPrice
}

// VehicleModel is immutable once built and safe for concurrent reads.
type VehicleModel struct {
	ID       string
	Make     string
	Model    string
	Year     int
	Variant  string
	Currency string

	Assemblies []Assembly
	Components []Component
	Parts      []Part

	aliases map[string]string
	byID    map[string]int
}

// Ref returns the vehicle reference for this model.
func (m *VehicleModel) Ref() domain.VehicleRef {
	return domain.VehicleRef{ModelID: m.ID, Make: m.Make, Model: m.Model, Year: m.Year, Variant: m.Variant}
}

// Resolve maps a raw telemetry name (canonical id or alias) to a component
// index.
func (m *VehicleModel) Resolve(name string) (int, bool) {
	if i, ok := m.byID[name]; ok {
		return i, true
	}
	if canon, ok := m.aliases[name]; ok {
		i, ok := m.byID[canon]
		return i, ok
	}
	return 0, false
}

// Component looks up a component by canonical id.
func (m *VehicleModel) Component(id string) (*Component, bool) {
	i, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return &m.Components[i], true
}

// ComponentIndex returns the arena index of a component id, or -1.
func (m *VehicleModel) ComponentIndex(id string) int {
	if i, ok := m.byID[id]; ok {
		return i
	}
	return -1
}

// PartsOf returns the candidate parts of a component in declaration order.
func (m *VehicleModel) PartsOf(c *Component) []*Part {
	out := make([]*Part, 0, len(c.Parts))
	for _, pi := range c.Parts {
		out = append(out, &m.Parts[pi])
	}
	return out
}

// Repairable reports whether any candidate part of c may be repaired.
func (m *VehicleModel) Repairable(c *Component) bool {
	for _, pi := range c.Parts {
		if m.Parts[pi].Repairable {
			return true
		}
	}
	return false
}

// Aliases returns a copy of the alias table.
func (m *VehicleModel) Aliases() map[string]string {
	out := make(map[string]string, len(m.aliases))
	for k, v := range m.aliases {
		out[k] = v
	}
	return out
}
