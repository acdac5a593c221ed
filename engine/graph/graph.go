// Package graph mirrors vehicle ontologies into Neo4j as
// (:Vehicle)-[:HAS_ASSEMBLY]->(:Assembly)-[:HAS_COMPONENT]->(:Component)-[:HAS_PART]->(:Part)
// and reads them back into arenas.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/wessley-collision/engine/ontology"
	"github.com/WessleyAI/wessley-collision/pkg/repo"
)

// ErrNotFound is returned when a vehicle is not in the graph.
var ErrNotFound = errors.New("graph: vehicle not found")

const (
	purgeCypher = `MATCH (v:Vehicle {id: $id})-[:HAS_ASSEMBLY|HAS_COMPONENT|HAS_PART*]->(n) DETACH DELETE n`

	deleteCypher = `MATCH (v:Vehicle {id: $id})
OPTIONAL MATCH (v)-[:HAS_ASSEMBLY|HAS_COMPONENT|HAS_PART*]->(n)
DETACH DELETE n, v`

	assemblyCypher = `UNWIND $rows AS row
MATCH (v:Vehicle {id: row.parent})
MERGE (a:Assembly {id: row.id}) SET a += row.props
MERGE (v)-[:HAS_ASSEMBLY]->(a)`

	componentCypher = `UNWIND $rows AS row
MATCH (a:Assembly {id: row.parent})
MERGE (c:Component {id: row.id}) SET c += row.props
MERGE (a)-[:HAS_COMPONENT]->(c)`

	partCypher = `UNWIND $rows AS row
MATCH (c:Component {id: row.parent})
MERGE (p:Part {id: row.id}) SET p += row.props
MERGE (c)-[:HAS_PART]->(p)`

	loadCypher = `MATCH (v:Vehicle {id: $id})
OPTIONAL MATCH (v)-[:HAS_ASSEMBLY]->(a:Assembly)
OPTIONAL MATCH (a)-[:HAS_COMPONENT]->(c:Component)
OPTIONAL MATCH (c)-[:HAS_PART]->(p:Part)
RETURN v, a, c, p
ORDER BY a.ord, c.ord, p.ord`
)

// Store writes and reads ontologies in Neo4j.
type Store struct {
	sessions repo.SessionFactory
	vehicles *repo.Neo4jRepo[Vehicle, string]
	log      *slog.Logger
}

// New creates a Store over sessions.
func New(sessions repo.SessionFactory, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		sessions: sessions,
		vehicles: newVehicleRepo(sessions),
		log:      log,
	}
}

// EnsureSchema creates uniqueness constraints for every node label.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.vehicles.EnsureSchema(ctx); err != nil {
		return err
	}
	for _, label := range []string{"Assembly", "Component", "Part"} {
		if err := repo.NewNeo4jRepo[map[string]any, string](s.sessions, label, nil, nil).EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Export replaces the stored tree of m's vehicle with m.
func (s *Store) Export(ctx context.Context, m *ontology.VehicleModel) error {
	spec := m.Spec()
	if _, err := s.vehicles.Upsert(ctx, vehicleFromSpec(spec)); err != nil {
		return fmt.Errorf("graph: upsert vehicle %s: %w", spec.ID, err)
	}
	if err := s.vehicles.Exec(ctx, purgeCypher, map[string]any{"id": spec.ID}); err != nil {
		return fmt.Errorf("graph: purge %s: %w", spec.ID, err)
	}

	assemblies, components, parts, err := rows(spec)
	if err != nil {
		return err
	}
	for _, level := range []struct {
		cypher string
		rows   []map[string]any
	}{
		{assemblyCypher, assemblies},
		{componentCypher, components},
		{partCypher, parts},
	} {
		if len(level.rows) == 0 {
			continue
		}
		if err := s.vehicles.Exec(ctx, level.cypher, map[string]any{"rows": level.rows}); err != nil {
			return fmt.Errorf("graph: export %s: %w", spec.ID, err)
		}
	}
	s.log.Info("graph: exported ontology",
		"model", spec.ID, "assemblies", len(assemblies), "components", len(components), "parts", len(parts))
	return nil
}

// Load reads a vehicle's tree and builds it into an arena.
func (s *Store) Load(ctx context.Context, id string) (*ontology.VehicleModel, error) {
	sess := s.sessions(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, loadCypher, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	var (
		spec       *ontology.ModelSpec
		assemblyAt = map[string]int{}
		compAt     = map[string][2]int{}
	)
	for res.Next(ctx) {
		rec := res.Record()
		if spec == nil {
			v, err := nodeAt(rec, "v")
			if err != nil || v == nil {
				return nil, fmt.Errorf("graph: load %s: vehicle node: %v", id, err)
			}
			ms, err := specFromVehicle(v.Props)
			if err != nil {
				return nil, err
			}
			spec = &ms
		}

		a, err := nodeAt(rec, "a")
		if err != nil {
			return nil, err
		}
		if a == nil {
			continue
		}
		aKey := strProp(a.Props, "id")
		ai, ok := assemblyAt[aKey]
		if !ok {
			ai = len(spec.Assemblies)
			assemblyAt[aKey] = ai
			spec.Assemblies = append(spec.Assemblies, ontology.AssemblySpec{
				ID:   strProp(a.Props, "key"),
				Name: strProp(a.Props, "name"),
			})
		}

		c, err := nodeAt(rec, "c")
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		cKey := strProp(c.Props, "id")
		at, ok := compAt[cKey]
		if !ok {
			cs, err := componentSpec(c.Props)
			if err != nil {
				return nil, err
			}
			at = [2]int{ai, len(spec.Assemblies[ai].Components)}
			compAt[cKey] = at
			spec.Assemblies[ai].Components = append(spec.Assemblies[ai].Components, cs)
		}

		p, err := nodeAt(rec, "p")
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		cs := &spec.Assemblies[at[0]].Components[at[1]]
		cs.Parts = append(cs.Parts, partSpecFromProps(p.Props))
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	if spec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ontology.Build(*spec)
}

// Vehicles lists the vehicles stored in the graph, ordered by id.
func (s *Store) Vehicles(ctx context.Context) ([]Vehicle, error) {
	return s.vehicles.List(ctx, repo.ListOpts{Limit: 1000})
}

// LoadAll loads every stored vehicle. Vehicles that fail to build are
// logged and skipped.
func (s *Store) LoadAll(ctx context.Context) ([]*ontology.VehicleModel, error) {
	vs, err := s.Vehicles(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]*ontology.VehicleModel, 0, len(vs))
	for _, v := range vs {
		m, err := s.Load(ctx, v.ID)
		if err != nil {
			s.log.Warn("graph: skipping vehicle", "model", v.ID, "err", err)
			continue
		}
		models = append(models, m)
	}
	return models, nil
}

// Delete removes a vehicle and its whole tree.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.vehicles.Exec(ctx, deleteCypher, map[string]any{"id": id})
}

func nodeAt(rec *neo4j.Record, key string) (*dbtype.Node, error) {
	node, isNil, err := neo4j.GetRecordValue[dbtype.Node](rec, key)
	if err != nil || isNil {
		return nil, err
	}
	return &node, nil
}

// rows flattens spec into UNWIND rows per level. Node ids are scoped by
// model id since assembly, component and part keys are only unique within
// one model.
func rows(spec ontology.ModelSpec) (assemblies, components, parts []map[string]any, err error) {
	for ai, as := range spec.Assemblies {
		aID := spec.ID + "/" + as.ID
		assemblies = append(assemblies, map[string]any{
			"id":     aID,
			"parent": spec.ID,
			"props":  map[string]any{"key": as.ID, "name": as.Name, "ord": int64(ai), "vehicle": spec.ID},
		})
		for ci, cs := range as.Components {
			zones, err := json.Marshal(cs.Zones)
			if err != nil {
				return nil, nil, nil, err
			}
			cID := spec.ID + "/" + cs.ID
			components = append(components, map[string]any{
				"id":     cID,
				"parent": aID,
				"props": map[string]any{
					"key":             cs.ID,
					"name":            cs.Name,
					"ord":             int64(ci),
					"safety_critical": cs.SafetyCritical,
					"zones":           string(zones),
				},
			})
			for pi, ps := range cs.Parts {
				parts = append(parts, map[string]any{
					"id":     spec.ID + "/" + ps.Number,
					"parent": cID,
					"props":  partProps(ps, pi),
				})
			}
		}
	}
	return assemblies, components, parts, nil
}
