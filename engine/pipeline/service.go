package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/wessley-collision/engine/domain"
	"github.com/WessleyAI/wessley-collision/engine/estimate"
	"github.com/WessleyAI/wessley-collision/engine/ingest"
	"github.com/WessleyAI/wessley-collision/engine/mapper"
	"github.com/WessleyAI/wessley-collision/engine/normalize"
	"github.com/WessleyAI/wessley-collision/engine/store"
	"github.com/WessleyAI/wessley-collision/pkg/fn"
	"github.com/WessleyAI/wessley-collision/pkg/metrics"
	"github.com/WessleyAI/wessley-collision/pkg/natsutil"
	"github.com/WessleyAI/wessley-collision/pkg/resilience"
)

const (
	// TelemetrySubject carries inbound domain.Submission messages.
	TelemetrySubject = "collision.telemetry"
	// DLQSubject receives telemetry that could not be processed.
	DLQSubject = "collision.telemetry.dlq"
	// PersistSubject carries estimates whose first write failed.
	PersistSubject = "collision.estimate.persist"
	// PersistDLQSubject receives estimates that could not be written at all.
	PersistDLQSubject = "collision.estimate.persist.dlq"
	// EstimateCreatedSubject announces persisted estimates.
	EstimateCreatedSubject = "collision.estimate.created"
	// EstimateStatusSubject announces approvals and rejections.
	EstimateStatusSubject = "collision.estimate.status"

	// DefaultStoreTimeout bounds each store call.
	DefaultStoreTimeout = 5 * time.Second
)

// ErrUnsupported is returned when the configured store lacks an optional
// capability.
var ErrUnsupported = errors.New("pipeline: operation not supported by store")

// PersistError is returned by Submit when an estimate was built but could
// not be written and no deferred path was available. The estimate is
// attached and held by the Service until RetryPending writes it.
type PersistError struct {
	Estimate domain.RepairEstimate
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist estimate %s: %v", e.Estimate.ID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Status is the outcome class of a submission.
type Status string

const (
	StatusEmitted Status = "emitted"
	StatusNoEvent Status = "no_event"
)

// Outcome is the result of Submit.
type Outcome struct {
	Status     Status                    `json:"status"`
	Reason     ingest.Reason             `json:"reason,omitempty"`
	EventID    string                    `json:"event_id,omitempty"`
	EstimateID string                    `json:"estimate_id,omitempty"`
	Estimate   *domain.RepairEstimate    `json:"estimate,omitempty"`
	Deferred   bool                      `json:"deferred,omitempty"`
	Total      float64                   `json:"total_damage"`
	Delta      float64                   `json:"delta"`
	Warnings   []*domain.ValidationError `json:"warnings,omitempty"`
}

// EstimateEvent is published on EstimateCreatedSubject and EstimateStatusSubject.
type EstimateEvent struct {
	EstimateID string                `json:"estimate_id"`
	EventID    string                `json:"event_id"`
	SessionID  string                `json:"session_id"`
	ModelID    string                `json:"model_id"`
	Status     domain.EstimateStatus `json:"status"`
	GrandTotal domain.Money          `json:"grand_total"`
	Currency   string                `json:"currency"`
	ValidUntil time.Time             `json:"valid_until"`
}

func eventOf(e domain.RepairEstimate) EstimateEvent {
	return EstimateEvent{
		EstimateID: e.ID,
		EventID:    e.EventID,
		SessionID:  e.SessionID,
		ModelID:    e.Vehicle.ModelID,
		Status:     e.Status,
		GrandTotal: e.GrandTotal,
		Currency:   e.Currency,
		ValidUntil: e.ValidUntil,
	}
}

// EstimateID derives the estimate id for a crash event.
func EstimateID(eventID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("estimate:"+eventID)).String()
}

// Deps holds the collaborators of the Service. Publisher, Breaker and
// Metrics are optional.
type Deps struct {
	Models       ingest.Models
	Ingestor     *ingest.Ingestor
	Normalizer   *normalize.Normalizer
	Mapper       *mapper.Mapper
	Estimator    *estimate.Estimator
	Store        store.Store
	Publisher    natsutil.Publisher
	Breaker      *resilience.Breaker
	Metrics      *metrics.Registry
	Logger       *slog.Logger
	StoreTimeout time.Duration
	Retry        fn.RetryOpts
}

// Service runs submissions through the pipeline and manages the resulting
// estimates.
type Service struct {
	deps     Deps
	log      *slog.Logger
	pipeline fn.Stage[Crash, domain.RepairEstimate]
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]domain.RepairEstimate
}

// NewStoreBreaker builds the breaker for store calls. Only backend faults
// count against it; not-found lookups and id conflicts do not.
func NewStoreBreaker(opts resilience.BreakerOpts) *resilience.Breaker {
	if opts.IsFailure == nil {
		opts.IsFailure = store.IsTransient
	}
	return resilience.NewBreaker(opts)
}

// New builds a Service. Missing stage components get defaults.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.New(normalize.DefaultOptions())
	}
	if deps.Mapper == nil {
		deps.Mapper = mapper.New(deps.Normalizer.Options().Thresholds)
	}
	if deps.Estimator == nil {
		deps.Estimator = estimate.New(estimate.DefaultPricing())
	}
	if deps.Ingestor == nil {
		deps.Ingestor = ingest.New(deps.Models, nil, ingest.DefaultConfig(), deps.Logger)
	}
	if deps.StoreTimeout <= 0 {
		deps.StoreTimeout = DefaultStoreTimeout
	}
	if deps.Retry.MaxAttempts <= 0 {
		deps.Retry = fn.DefaultRetry
	}
	deps.Retry.Retryable = func(err error) bool {
		return store.IsTransient(err) && !errors.Is(err, resilience.ErrCircuitOpen)
	}
	return &Service{
		deps:     deps,
		log:      deps.Logger,
		pipeline: NewPipeline(deps.Normalizer, deps.Mapper, deps.Estimator, deps.Metrics),
		now:      time.Now,
		pending:  make(map[string]domain.RepairEstimate),
	}
}

// Ingestor exposes the ingestor for housekeeping and config reloads.
func (s *Service) Ingestor() *ingest.Ingestor { return s.deps.Ingestor }

// Estimator exposes the estimator for config reloads.
func (s *Service) Estimator() *estimate.Estimator { return s.deps.Estimator }

var counterHelp = map[string]string{
	"collision_submissions_total":        "Telemetry submissions by outcome",
	"collision_estimates_total":          "Estimates persisted",
	"collision_store_errors_total":       "Store operations that failed after retries",
	"collision_estimate_decisions_total": "Estimate approvals and rejections",
}

func (s *Service) count(name string, kv ...string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Counter(metrics.WithLabels(name, kv...), counterHelp[name]).Inc()
	}
}

// Submit ingests one telemetry batch. When it yields a crash event the event
// is priced, persisted and announced. Rejected batches and validation
// failures are returned as errors.
func (s *Service) Submit(ctx context.Context, sub domain.Submission) (Outcome, error) {
	res, err := s.deps.Ingestor.Ingest(sub)
	if err != nil {
		s.count("collision_submissions_total", "outcome", "rejected")
		return Outcome{Warnings: res.Warnings}, err
	}
	out := Outcome{
		Status:   StatusNoEvent,
		Reason:   res.Reason,
		Total:    res.Total,
		Delta:    res.Delta,
		Warnings: res.Warnings,
	}
	if res.Outcome != ingest.OutcomeEmitted {
		s.count("collision_submissions_total", "outcome", "no_event")
		return out, nil
	}
	s.count("collision_submissions_total", "outcome", "emitted")

	est, err := s.Process(ctx, *res.Event)
	if err != nil {
		s.log.Error("pipeline: estimate failed", "session", sub.SessionID, "event_id", res.Event.ID, "err", err)
		return out, err
	}
	out.Status = StatusEmitted
	out.EventID = res.Event.ID
	out.EstimateID = est.ID
	out.Estimate = &est

	if err := s.Save(ctx, est); err != nil {
		if !s.handOff(ctx, est, err) {
			s.hold(est)
			return out, &PersistError{Estimate: est, Err: err}
		}
		out.Deferred = true
	}
	return out, nil
}

// Process prices a crash event without touching session state or storage.
func (s *Service) Process(ctx context.Context, ev domain.CrashEvent) (domain.RepairEstimate, error) {
	model, err := s.deps.Models.Get(ev.Vehicle.ModelID)
	if err != nil {
		return domain.RepairEstimate{}, err
	}
	return s.pipeline(ctx, Crash{Event: ev, Model: model}).Unwrap()
}

// handOff hands a failed write to the persist consumer. It reports whether
// the hand-off succeeded.
func (s *Service) handOff(ctx context.Context, est domain.RepairEstimate, cause error) bool {
	if s.deps.Publisher == nil {
		return false
	}
	if err := natsutil.Publish(ctx, s.deps.Publisher, PersistSubject, est); err != nil {
		s.log.Error("pipeline: deferred persist failed", "estimate_id", est.ID, "err", err, "cause", cause)
		return false
	}
	s.log.Warn("pipeline: estimate write deferred", "estimate_id", est.ID, "cause", cause)
	return true
}

// Save persists est with a per-attempt timeout, retrying transient errors
// through the circuit breaker, then announces it. A conflict on the
// deterministic id means an earlier attempt already landed.
func (s *Service) Save(ctx context.Context, est domain.RepairEstimate) error {
	res := fn.Retry(ctx, s.deps.Retry, func(ctx context.Context) fn.Result[string] {
		var id string
		err := s.guard(ctx, func(ctx context.Context) error {
			var err error
			id, err = s.deps.Store.Create(ctx, est)
			return err
		})
		if errors.Is(err, store.ErrConflict) {
			return fn.Ok(est.ID)
		}
		return fn.FromPair(id, err)
	})
	if res.IsErr() {
		_, err := res.Unwrap()
		s.count("collision_store_errors_total", "op", "create")
		s.log.Error("pipeline: store write failed", "estimate_id", est.ID, "err", err)
		return err
	}
	s.release(est.ID)
	s.count("collision_estimates_total", "currency", est.Currency)
	s.log.Info("pipeline: estimate stored", "estimate_id", est.ID, "event_id", est.EventID, "grand_total", est.GrandTotal.Format(est.Currency))
	s.publish(ctx, EstimateCreatedSubject, est)
	return nil
}

// hold keeps an unwritten estimate for RetryPending.
func (s *Service) hold(est domain.RepairEstimate) {
	s.mu.Lock()
	s.pending[est.ID] = est
	n := len(s.pending)
	s.mu.Unlock()
	s.pendingGauge(n)
	s.log.Warn("pipeline: estimate held for retry", "estimate_id", est.ID, "pending", n)
}

func (s *Service) release(id string) {
	s.mu.Lock()
	_, ok := s.pending[id]
	delete(s.pending, id)
	n := len(s.pending)
	s.mu.Unlock()
	if ok {
		s.pendingGauge(n)
	}
}

func (s *Service) pendingGauge(n int) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Gauge("collision_pending_estimates", "Estimates waiting for a store write").Set(float64(n))
	}
}

// IsPending reports whether the estimate id is held for a store write.
func (s *Service) IsPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// RetryPending writes held estimates in id order and returns how many are
// still waiting. It stops at the first failure since the store is most
// likely still down.
func (s *Service) RetryPending(ctx context.Context) int {
	s.mu.Lock()
	held := make([]domain.RepairEstimate, 0, len(s.pending))
	for _, est := range s.pending {
		held = append(held, est)
	}
	s.mu.Unlock()
	sort.Slice(held, func(i, j int) bool { return held[i].ID < held[j].ID })

	for _, est := range held {
		if err := s.Save(ctx, est); err != nil {
			break
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// guard applies the store timeout and the breaker to one store call.
func (s *Service) guard(ctx context.Context, f func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.deps.StoreTimeout)
	defer cancel()
	if s.deps.Breaker != nil {
		return s.deps.Breaker.Call(ctx, f)
	}
	return f(ctx)
}

func (s *Service) publish(ctx context.Context, subject string, est domain.RepairEstimate) {
	if s.deps.Publisher == nil {
		return
	}
	if err := natsutil.Publish(ctx, s.deps.Publisher, subject, eventOf(est)); err != nil {
		s.log.Warn("pipeline: publish failed", "subject", subject, "estimate_id", est.ID, "err", err)
	}
}

// Get reads an estimate by id. An estimate still held for a store write is
// served from memory when the store cannot answer for it.
func (s *Service) Get(ctx context.Context, id string) (domain.RepairEstimate, error) {
	var est domain.RepairEstimate
	err := s.guard(ctx, func(ctx context.Context) error {
		var err error
		est, err = s.deps.Store.Get(ctx, id)
		return err
	})
	if err != nil {
		s.mu.Lock()
		held, ok := s.pending[id]
		s.mu.Unlock()
		if ok {
			return held, nil
		}
	}
	return est, err
}

// List enumerates stored estimates.
func (s *Service) List(ctx context.Context, f store.Filter) ([]domain.RepairEstimate, error) {
	l, ok := s.deps.Store.(store.Lister)
	if !ok {
		return nil, ErrUnsupported
	}
	var out []domain.RepairEstimate
	err := s.guard(ctx, func(ctx context.Context) error {
		var err error
		out, err = l.List(ctx, f)
		return err
	})
	return out, err
}

// Approve marks an estimate approved. Expired estimates cannot be approved
// and fail with a *domain.StaleEstimateError.
func (s *Service) Approve(ctx context.Context, id string) (domain.RepairEstimate, error) {
	return s.setStatus(ctx, id, domain.StatusApproved)
}

// Reject marks an estimate rejected.
func (s *Service) Reject(ctx context.Context, id string) (domain.RepairEstimate, error) {
	return s.setStatus(ctx, id, domain.StatusRejected)
}

func (s *Service) setStatus(ctx context.Context, id string, status domain.EstimateStatus) (domain.RepairEstimate, error) {
	u, ok := s.deps.Store.(store.StatusUpdater)
	if !ok {
		return domain.RepairEstimate{}, ErrUnsupported
	}
	est, err := s.Get(ctx, id)
	if err != nil {
		return est, err
	}
	if status == domain.StatusApproved {
		if _, err := est.GrandTotalAt(s.now()); err != nil {
			return est, err
		}
	}
	err = s.guard(ctx, func(ctx context.Context) error { return u.UpdateStatus(ctx, id, status) })
	if err != nil {
		return est, err
	}
	est.Status = status
	s.count("collision_estimate_decisions_total", "status", string(status))
	s.log.Info("pipeline: estimate status", "estimate_id", id, "status", status)
	s.publish(ctx, EstimateStatusSubject, est)
	return est, nil
}

// Refresh reprices an estimate under the current rate card and stores the
// result as a new estimate. The original is left untouched.
func (s *Service) Refresh(ctx context.Context, id string) (domain.RepairEstimate, error) {
	old, err := s.Get(ctx, id)
	if err != nil {
		return old, err
	}
	est, err := s.deps.Estimator.Recompute(old)
	if err != nil {
		return est, err
	}
	if err := s.Save(ctx, est); err != nil {
		return est, err
	}
	return est, nil
}

// EvictIdleSessions drops ingest sessions idle for longer than ttl and
// reports the tracked session count.
func (s *Service) EvictIdleSessions(ttl time.Duration) int {
	sessions := s.deps.Ingestor.Sessions()
	n := sessions.EvictIdle(ttl)
	if s.deps.Metrics != nil {
		s.deps.Metrics.Gauge("collision_sessions", "Tracked telemetry sessions").Set(float64(sessions.Len()))
	}
	if n > 0 {
		s.log.Info("pipeline: evicted idle sessions", "count", n)
	}
	return n
}
