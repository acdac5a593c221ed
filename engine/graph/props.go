package graph

import (
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/wessley-collision/engine/ontology"
	"github.com/WessleyAI/wessley-collision/pkg/repo"
)

// Vehicle is the root node of an ontology tree.
type Vehicle struct {
	ID       string
	Make     string
	Model    string
	Year     int
	Variant  string
	Currency string
	Aliases  map[string]string
}

func newVehicleRepo(sessions repo.SessionFactory) *repo.Neo4jRepo[Vehicle, string] {
	return repo.NewNeo4jRepo[Vehicle, string](
		sessions,
		"Vehicle",
		vehicleToMap,
		vehicleFromRecord,
	)
}

func vehicleFromSpec(spec ontology.ModelSpec) Vehicle {
	return Vehicle{
		ID:       spec.ID,
		Make:     spec.Make,
		Model:    spec.Model,
		Year:     spec.Year,
		Variant:  spec.Variant,
		Currency: spec.Currency,
		Aliases:  spec.Aliases,
	}
}

func vehicleToMap(v Vehicle) map[string]any {
	aliases, _ := json.Marshal(v.Aliases)
	return map[string]any{
		"id":       v.ID,
		"make":     v.Make,
		"model":    v.Model,
		"year":     int64(v.Year),
		"variant":  v.Variant,
		"currency": v.Currency,
		"aliases":  string(aliases),
	}
}

func vehicleFromRecord(rec *neo4j.Record) (Vehicle, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return Vehicle{}, err
	}
	return vehicleFromProps(node.Props)
}

func vehicleFromProps(props map[string]any) (Vehicle, error) {
	v := Vehicle{
		ID:       strProp(props, "id"),
		Make:     strProp(props, "make"),
		Model:    strProp(props, "model"),
		Year:     int(intProp(props, "year")),
		Variant:  strProp(props, "variant"),
		Currency: strProp(props, "currency"),
	}
	if raw := strProp(props, "aliases"); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &v.Aliases); err != nil {
			return Vehicle{}, fmt.Errorf("graph: vehicle %s aliases: %w", v.ID, err)
		}
	}
	return v, nil
}

func specFromVehicle(props map[string]any) (ontology.ModelSpec, error) {
	v, err := vehicleFromProps(props)
	if err != nil {
		return ontology.ModelSpec{}, err
	}
	return ontology.ModelSpec{
		ID:       v.ID,
		Make:     v.Make,
		Model:    v.Model,
		Year:     v.Year,
		Variant:  v.Variant,
		Currency: v.Currency,
		Aliases:  v.Aliases,
	}, nil
}

func componentSpec(props map[string]any) (ontology.ComponentSpec, error) {
	cs := ontology.ComponentSpec{
		ID:             strProp(props, "key"),
		Name:           strProp(props, "name"),
		SafetyCritical: boolProp(props, "safety_critical"),
	}
	if err := json.Unmarshal([]byte(strProp(props, "zones")), &cs.Zones); err != nil {
		return cs, fmt.Errorf("graph: component %s zones: %w", cs.ID, err)
	}
	return cs, nil
}

func partProps(ps ontology.PartSpec, ord int) map[string]any {
	m := map[string]any{
		"number":        ps.Number,
		"description":   ps.Description,
		"price":         ps.Price,
		"currency":      ps.Currency,
		"repairable":    ps.Repairable,
		"replace_hours": ps.ReplaceHours,
		"repair_hours":  ps.RepairHours,
		"quantity":      int64(ps.Quantity),
		"lead_days":     int64(ps.LeadDays),
		"ord":           int64(ord),
		// SET += with a null value removes the property.
		"repair_price": nil,
	}
	if ps.RepairPrice != nil {
		m["repair_price"] = *ps.RepairPrice
	}
	return m
}

func partSpecFromProps(props map[string]any) ontology.PartSpec {
	ps := ontology.PartSpec{
		Number:       strProp(props, "number"),
		Description:  strProp(props, "description"),
		Price:        intProp(props, "price"),
		Currency:     strProp(props, "currency"),
		Repairable:   boolProp(props, "repairable"),
		ReplaceHours: floatProp(props, "replace_hours"),
		RepairHours:  floatProp(props, "repair_hours"),
		Quantity:     int(intProp(props, "quantity")),
		LeadDays:     int(intProp(props, "lead_days")),
	}
	if _, ok := props["repair_price"].(int64); ok {
		rp := intProp(props, "repair_price")
		ps.RepairPrice = &rp
	}
	return ps
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func intProp(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// floatProp also accepts integer literals.
func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func boolProp(props map[string]any, key string) bool {
	b, _ := props[key].(bool)
	return b
}
