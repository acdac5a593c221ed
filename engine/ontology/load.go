package ontology

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Decode reads one YAML catalog document and builds the model it describes.
// Unknown keys are rejected so typos in catalog files fail loudly.
func Decode(r io.Reader) (*VehicleModel, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var spec ModelSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return Build(spec)
}

// LoadFile reads a catalog file from disk.
func LoadFile(path string) (*VehicleModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	m, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// LoadDir loads every *.yaml / *.yml file in dir, in name order.
func LoadDir(dir string) ([]*VehicleModel, error) {
	var paths []string
	for _, pat := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pat))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	models := make([]*VehicleModel, 0, len(paths))
	for _, p := range paths {
		m, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

// Spec converts a built model back into its declarative form. Build(m.Spec())
// yields an equivalent model.
func (m *VehicleModel) Spec() ModelSpec {
	spec := ModelSpec{
		ID:       m.ID,
		Make:     m.Make,
		Model:    m.Model,
		Year:     m.Year,
		Variant:  m.Variant,
		Currency: m.Currency,
		Aliases:  m.Aliases(),
	}
	for _, a := range m.Assemblies {
		as := AssemblySpec{ID: a.ID, Name: a.Name}
		for _, ci := range a.Components {
			c := m.Components[ci]
			cs := ComponentSpec{
				ID:             c.ID,
				Name:           c.Name,
				SafetyCritical: c.SafetyCritical,
				Zones:          make(map[string]float64, len(c.Zones)),
			}
			for _, zw := range c.Zones {
				cs.Zones[zw.Zone.String()] = zw.Weight
			}
			for _, pi := range c.Parts {
				cs.Parts = append(cs.Parts, partSpec(m.Parts[pi]))
			}
			as.Components = append(as.Components, cs)
		}
		spec.Assemblies = append(spec.Assemblies, as)
	}
	return spec
}

func partSpec(p Part) PartSpec {
	ps := PartSpec{
		Number:       p.Number,
		Description:  p.Description,
		Price:        int64(p.UnitPrice),
		Currency:     p.Currency,
		Repairable:   p.Repairable,
		ReplaceHours: p.ReplaceHours,
		RepairHours:  p.RepairHours,
		Quantity:     p.Quantity,
		LeadDays:     p.LeadDays,
	}
	if p.RepairPrice != nil {
		rp := int64(*p.RepairPrice)
		ps.RepairPrice = &rp
	}
	return ps
}
