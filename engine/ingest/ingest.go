// Package ingest turns untrusted telemetry batches into CrashEvents. It
// screens samples against the vehicle ontology, folds them into a weighted
// total, and applies the duplicate, threshold and cooldown rules per session.
package ingest

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/wessley-collision/engine/domain"
	"github.com/WessleyAI/wessley-collision/engine/ontology"
)

const (
	// DefaultThreshold is the minimum total-damage delta that emits an event.
	DefaultThreshold = 0.10
	// DefaultCooldown is the minimum time between two events of a session.
	DefaultCooldown = 5 * time.Second
	// DefaultSignificant is the fraction above which a component counts
	// towards the breadth term of the total.
	DefaultSignificant = 0.10
)

// Config holds the detection policy. It can be swapped at runtime.
type Config struct {
	Threshold   float64
	Cooldown    time.Duration
	Significant float64
}

// DefaultConfig returns the default detection policy.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, Cooldown: DefaultCooldown, Significant: DefaultSignificant}
}

// Models resolves a model id to its ontology.
type Models interface {
	Get(id string) (*ontology.VehicleModel, error)
}

// Outcome distinguishes emitted events from quiet submissions. Rejected
// submissions are reported as errors, never as an Outcome.
type Outcome int

const (
	OutcomeNoEvent Outcome = iota
	OutcomeEmitted
)

func (o Outcome) String() string {
	if o == OutcomeEmitted {
		return "emitted"
	}
	return "no_event"
}

// Result is the outcome of one submission. Warnings lists samples that were
// dropped while the rest of the batch was processed.
type Result struct {
	Outcome  Outcome
	Reason   Reason
	Event    *domain.CrashEvent
	Total    float64
	Delta    float64
	Warnings []*domain.ValidationError
}

// RejectedError is returned when no sample of a non-empty batch survived
// screening.
type RejectedError struct {
	SessionID string
	Rejected  []*domain.ValidationError
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ingest: session %s: all %d samples rejected: %s",
		e.SessionID, len(e.Rejected), strings.Join(e.Components(), ", "))
}

// Unwrap exposes the per-sample errors to errors.Is and errors.As.
func (e *RejectedError) Unwrap() []error {
	out := make([]error, len(e.Rejected))
	for i, r := range e.Rejected {
		out[i] = r
	}
	return out
}

// Components lists the rejected component identifiers.
func (e *RejectedError) Components() []string {
	out := make([]string, len(e.Rejected))
	for i, r := range e.Rejected {
		out[i] = r.Field
	}
	return out
}

// Ingestor owns per-session detection state. It is safe for concurrent use;
// submissions for different sessions never contend.
type Ingestor struct {
	models   Models
	sessions *SessionStore
	cfg      atomic.Pointer[Config]
	log      *slog.Logger
}

// New creates an Ingestor. A nil sessions store gets a fresh one.
func New(models Models, sessions *SessionStore, cfg Config, log *slog.Logger) *Ingestor {
	if sessions == nil {
		sessions = NewSessionStore()
	}
	if log == nil {
		log = slog.Default()
	}
	ing := &Ingestor{models: models, sessions: sessions, log: log}
	ing.cfg.Store(&cfg)
	return ing
}

// SetConfig replaces the detection policy for subsequent submissions.
func (ing *Ingestor) SetConfig(cfg Config) { ing.cfg.Store(&cfg) }

// Config returns the current detection policy.
func (ing *Ingestor) Config() Config { return *ing.cfg.Load() }

// Sessions exposes the session store for housekeeping.
func (ing *Ingestor) Sessions() *SessionStore { return ing.sessions }

// Ingest screens a submission and decides whether it is a new CrashEvent.
// The session's stored baseline plays the role of the previous total damage.
func (ing *Ingestor) Ingest(sub domain.Submission) (Result, error) {
	if err := domain.ValidateSubmission(sub); err != nil {
		return Result{}, err
	}
	model, err := ing.models.Get(sub.Vehicle.ModelID)
	if err != nil {
		return Result{}, err
	}

	accepted, warnings := screen(model, sub)
	for _, w := range warnings {
		ing.log.Warn("ingest: sample dropped", "session", sub.SessionID, "component", w.Field, "err", w.Wrapped)
	}
	if len(sub.Samples) == 0 {
		return Result{Outcome: OutcomeNoEvent, Reason: ReasonEmpty}, nil
	}
	if len(accepted) == 0 {
		return Result{}, &RejectedError{SessionID: sub.SessionID, Rejected: warnings}
	}

	at := batchTime(sub, accepted)
	if at.IsZero() {
		return Result{Warnings: warnings}, domain.NewValidationError("timestamp", "", domain.ErrMissingTimestamp)
	}

	cfg := ing.Config()
	batch := Batch{
		At:     at,
		Total:  TotalDamage(accepted, cfg.Significant),
		Digest: digest(model.ID, at, accepted),
	}

	var (
		dec Decision
		seq uint64
	)
	err = ing.sessions.With(sub.SessionID, func(st *State) error {
		if st.ModelID != "" && st.ModelID != model.ID {
			return domain.NewValidationError("vehicle.model_id", model.ID, domain.ErrSessionVehicleMismatch)
		}
		var next State
		dec, next = Detect(*st, batch, cfg)
		next.ModelID = model.ID
		*st = next
		seq = next.Sequence
		return nil
	})
	if err != nil {
		return Result{Warnings: warnings}, err
	}

	res := Result{
		Outcome:  OutcomeNoEvent,
		Reason:   dec.Reason,
		Total:    batch.Total,
		Delta:    dec.Delta,
		Warnings: warnings,
	}
	if !dec.Emit {
		ing.log.Debug("ingest: no event", "session", sub.SessionID, "reason", dec.Reason, "delta", dec.Delta)
		return res, nil
	}

	ev := &domain.CrashEvent{
		ID:          EventID(sub.SessionID, seq, at),
		SessionID:   sub.SessionID,
		Vehicle:     sub.Vehicle,
		Samples:     accepted,
		At:          at,
		Sequence:    seq,
		TotalDamage: batch.Total,
		Delta:       dec.Delta,
	}
	res.Outcome = OutcomeEmitted
	res.Event = ev
	ing.log.Info("ingest: crash event", "session", sub.SessionID, "event_id", ev.ID, "sequence", seq, "total", batch.Total)
	return res, nil
}

// EventID derives a stable event id from the session, sequence and time.
func EventID(session string, seq uint64, at time.Time) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s-%d-%d", session, seq, at.UnixNano()))).String()
}

// screen resolves aliases, drops unknown components and invalid fractions,
// and keeps the highest reading per component. Accepted samples come back in
// ontology declaration order under their canonical ids.
func screen(model *ontology.VehicleModel, sub domain.Submission) ([]domain.RawDamageSample, []*domain.ValidationError) {
	var warnings []*domain.ValidationError
	best := make(map[int]domain.RawDamageSample)
	for _, s := range sub.Samples {
		idx, ok := model.Resolve(s.Component)
		if !ok {
			warnings = append(warnings, domain.NewValidationError(s.Component, fmt.Sprintf("%g", s.Fraction), domain.ErrUnknownComponent))
			continue
		}
		if err := domain.ValidateFraction(s.Component, s.Fraction); err != nil {
			warnings = append(warnings, err.(*domain.ValidationError))
			continue
		}
		s.Component = model.Components[idx].ID
		if s.At.IsZero() {
			s.At = sub.At
		}
		if cur, seen := best[idx]; !seen || s.Fraction > cur.Fraction {
			best[idx] = s
		}
	}

	idxs := make([]int, 0, len(best))
	for i := range best {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	out := make([]domain.RawDamageSample, len(idxs))
	for i, idx := range idxs {
		out[i] = best[idx]
	}
	return out, warnings
}

func batchTime(sub domain.Submission, accepted []domain.RawDamageSample) time.Time {
	if !sub.At.IsZero() {
		return sub.At
	}
	var latest time.Time
	for _, s := range accepted {
		if s.At.After(latest) {
			latest = s.At
		}
	}
	return latest
}
