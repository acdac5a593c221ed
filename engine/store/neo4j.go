package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/wessley-collision/engine/domain"
	"github.com/WessleyAI/wessley-collision/pkg/repo"
)

// Neo4j stores each estimate as an (:Estimate) node. The estimate body is
// kept as a JSON property next to the fields used for lookups.
type Neo4j struct {
	repo *repo.Neo4jRepo[domain.RepairEstimate, string]
}

// NewNeo4j builds the store over a session factory, typically
// repo.DriverSessions(driver, database).
func NewNeo4j(sessions repo.SessionFactory) *Neo4j {
	return &Neo4j{repo: repo.NewNeo4jRepo[domain.RepairEstimate, string](sessions, "Estimate", estimateProps, estimateFromRecord)}
}

// EnsureSchema creates the unique id constraint.
func (s *Neo4j) EnsureSchema(ctx context.Context) error {
	return s.repo.EnsureSchema(ctx)
}

func estimateProps(e domain.RepairEstimate) map[string]any {
	body, _ := json.Marshal(e)
	return map[string]any{
		"id":          e.ID,
		"event_id":    e.EventID,
		"session_id":  e.SessionID,
		"model_id":    e.Vehicle.ModelID,
		"status":      string(e.Status),
		"currency":    e.Currency,
		"grand_total": int64(e.GrandTotal),
		"created_at":  e.CreatedAt,
		"valid_until": e.ValidUntil,
		"body":        string(body),
	}
}

func estimateFromRecord(rec *neo4j.Record) (domain.RepairEstimate, error) {
	var e domain.RepairEstimate
	v, ok := rec.Get("n")
	if !ok {
		return e, errors.New("store: record has no estimate node")
	}
	node, ok := v.(neo4j.Node)
	if !ok {
		return e, fmt.Errorf("store: unexpected value %T", v)
	}
	body, _ := node.Props["body"].(string)
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return e, fmt.Errorf("decode estimate: %w", err)
	}
	if st, ok := node.Props["status"].(string); ok {
		e.Status = domain.EstimateStatus(st)
	}
	return e, nil
}

func (s *Neo4j) Create(ctx context.Context, e domain.RepairEstimate) (string, error) {
	if err := checkCreate(e); err != nil {
		return "", err
	}
	if _, err := s.repo.Create(ctx, e); err != nil {
		var nerr *neo4j.Neo4jError
		if errors.As(err, &nerr) && nerr.Code == "Neo.ClientError.Schema.ConstraintValidationFailed" {
			return "", ErrConflict
		}
		return "", err
	}
	return e.ID, nil
}

func (s *Neo4j) Get(ctx context.Context, id string) (domain.RepairEstimate, error) {
	e, err := s.repo.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return e, notFound(id)
	}
	return e, err
}

func (s *Neo4j) UpdateStatus(ctx context.Context, id string, status domain.EstimateStatus) error {
	if err := checkStatus(status); err != nil {
		return err
	}
	_, err := s.repo.Update(ctx, id, map[string]any{"status": string(status)})
	if errors.Is(err, repo.ErrNotFound) {
		return notFound(id)
	}
	return err
}

func (s *Neo4j) List(ctx context.Context, f Filter) ([]domain.RepairEstimate, error) {
	filter := map[string]any{}
	if f.SessionID != "" {
		filter["session_id"] = f.SessionID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	return s.repo.List(ctx, repo.ListOpts{Limit: f.limit(), Filter: filter})
}
