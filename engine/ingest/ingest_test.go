package ingest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/wessley-collision/engine/domain"
	"github.com/WessleyAI/wessley-collision/engine/ontology"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testModels(t *testing.T) *ontology.Registry {
	t.Helper()
	m, err := ontology.Build(ontology.ModelSpec{
		ID:       "test-car",
		Currency: "BRL",
		Aliases:  map[string]string{"bumper_F": "front_bumper"},
		Assemblies: []ontology.AssemblySpec{{
			ID: "front_end",
			Components: []ontology.ComponentSpec{
				{ID: "front_bumper", Zones: map[string]float64{"front": 1}, Parts: []ontology.PartSpec{{Number: "P1", Price: 40000, Repairable: true, ReplaceHours: 3, RepairHours: 2}}},
				{ID: "hood", Zones: map[string]float64{"front": 0.8, "top": 0.2}, Parts: []ontology.PartSpec{{Number: "P2", Price: 185000, Repairable: true, ReplaceHours: 2.5, RepairHours: 3}}},
			},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	reg, err := ontology.NewRegistry(m)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func newTestIngestor(t *testing.T) *Ingestor {
	t.Helper()
	return New(testModels(t), nil, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sub(session string, at time.Time, samples ...domain.RawDamageSample) domain.Submission {
	return domain.Submission{
		SessionID: session,
		Vehicle:   domain.VehicleRef{ModelID: "test-car"},
		At:        at,
		Samples:   samples,
	}
}

func sample(component string, f float64) domain.RawDamageSample {
	return domain.RawDamageSample{Component: component, Fraction: f}
}

func TestIngest_BumperScenario(t *testing.T) {
	ing := newTestIngestor(t)

	r1, err := ing.Ingest(sub("s1", t0, sample("front_bumper", 0.0)))
	if err != nil {
		t.Fatal(err)
	}
	if r1.Outcome != OutcomeNoEvent || r1.Reason != ReasonBelowThreshold {
		t.Fatalf("first submission: %+v", r1)
	}

	r2, err := ing.Ingest(sub("s1", t0.Add(800*time.Millisecond), sample("front_bumper", 0.35)))
	if err != nil {
		t.Fatal(err)
	}
	if r2.Outcome != OutcomeEmitted || r2.Event == nil {
		t.Fatalf("second submission: %+v", r2)
	}
	ev := r2.Event
	if ev.Sequence != 1 || ev.SessionID != "s1" || len(ev.Samples) != 1 {
		t.Errorf("event = %+v", ev)
	}
	if ev.Samples[0].Fraction != 0.35 || !ev.Samples[0].At.Equal(t0.Add(800*time.Millisecond)) {
		t.Errorf("sample = %+v", ev.Samples[0])
	}
}

func TestIngest_DuplicateBatchIgnored(t *testing.T) {
	ing := newTestIngestor(t)
	batch := sub("s1", t0, sample("front_bumper", 0.6), sample("hood", 0.4))

	r1, err := ing.Ingest(batch)
	if err != nil || r1.Outcome != OutcomeEmitted {
		t.Fatalf("first: %+v, %v", r1, err)
	}
	before, _ := ing.Sessions().Snapshot("s1")

	r2, err := ing.Ingest(batch)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Outcome != OutcomeNoEvent || r2.Reason != ReasonDuplicate {
		t.Fatalf("second: %+v", r2)
	}
	after, _ := ing.Sessions().Snapshot("s1")
	if before != after {
		t.Errorf("duplicate changed session state:\n%+v\n%+v", before, after)
	}
}

func TestIngest_CooldownEnforced(t *testing.T) {
	ing := newTestIngestor(t)

	r1, _ := ing.Ingest(sub("s1", t0, sample("front_bumper", 0.5)))
	r2, _ := ing.Ingest(sub("s1", t0.Add(2*time.Second), sample("front_bumper", 0.5), sample("hood", 0.9)))
	if r1.Outcome != OutcomeEmitted {
		t.Fatalf("first: %+v", r1)
	}
	if r2.Outcome != OutcomeNoEvent || r2.Reason != ReasonCooldown {
		t.Fatalf("second: %+v", r2)
	}

	// Damage held back by the cooldown is reported once it expires.
	r3, _ := ing.Ingest(sub("s1", t0.Add(6*time.Second), sample("front_bumper", 0.5), sample("hood", 0.9)))
	if r3.Outcome != OutcomeEmitted || r3.Event.Sequence != 2 {
		t.Fatalf("third: %+v", r3)
	}
}

func TestIngest_CooldownBoundaryIsExclusive(t *testing.T) {
	ing := newTestIngestor(t)
	ing.Ingest(sub("s1", t0, sample("front_bumper", 0.3)))
	r, _ := ing.Ingest(sub("s1", t0.Add(DefaultCooldown), sample("front_bumper", 0.9)))
	if r.Reason != ReasonCooldown {
		t.Fatalf("at exactly the cooldown: %+v", r)
	}
}

func TestIngest_PartialAcceptance(t *testing.T) {
	ing := newTestIngestor(t)
	r, err := ing.Ingest(sub("s1", t0,
		sample("flux_capacitor", 0.9),
		sample("hood", -0.2),
		sample("bumper_F", 0.7),
	))
	if err != nil {
		t.Fatal(err)
	}
	if r.Outcome != OutcomeEmitted {
		t.Fatalf("result: %+v", r)
	}
	if len(r.Warnings) != 2 {
		t.Fatalf("warnings = %v", r.Warnings)
	}
	if !errors.Is(r.Warnings[0], domain.ErrUnknownComponent) || !errors.Is(r.Warnings[1], domain.ErrInvalidFraction) {
		t.Errorf("warnings = %v", r.Warnings)
	}
	if got := r.Event.Samples; len(got) != 1 || got[0].Component != "front_bumper" {
		t.Errorf("alias not resolved: %+v", got)
	}
}

func TestIngest_AllRejected(t *testing.T) {
	ing := newTestIngestor(t)
	_, err := ing.Ingest(sub("s1", t0, sample("warp_core", 0.5), sample("nacelle", 0.2)))

	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected *RejectedError, got %v", err)
	}
	if !errors.Is(err, domain.ErrUnknownComponent) {
		t.Error("expected errors.Is ErrUnknownComponent")
	}
	if got := rej.Components(); len(got) != 2 || got[0] != "warp_core" || got[1] != "nacelle" {
		t.Errorf("components = %v", got)
	}
	if _, ok := ing.Sessions().Snapshot("s1"); ok {
		t.Error("rejected batch must not create session state")
	}
}

func TestIngest_EmptyBatch(t *testing.T) {
	ing := newTestIngestor(t)
	r, err := ing.Ingest(sub("s1", t0))
	if err != nil || r.Reason != ReasonEmpty {
		t.Fatalf("got %+v, %v", r, err)
	}
}

func TestIngest_MissingTimestamp(t *testing.T) {
	ing := newTestIngestor(t)
	_, err := ing.Ingest(sub("s1", time.Time{}, sample("hood", 0.5)))
	if !errors.Is(err, domain.ErrMissingTimestamp) {
		t.Fatalf("expected ErrMissingTimestamp, got %v", err)
	}
}

func TestIngest_UnknownModel(t *testing.T) {
	ing := newTestIngestor(t)
	s := sub("s1", t0, sample("hood", 0.5))
	s.Vehicle.ModelID = "unknown"
	if _, err := ing.Ingest(s); !errors.Is(err, domain.ErrUnsupportedVehicle) {
		t.Fatalf("expected ErrUnsupportedVehicle, got %v", err)
	}
}

func TestIngest_SessionVehicleMismatch(t *testing.T) {
	ing := newTestIngestor(t)
	ing.Sessions().Put("s1", State{ModelID: "other-car"})
	_, err := ing.Ingest(sub("s1", t0, sample("hood", 0.5)))
	if !errors.Is(err, domain.ErrSessionVehicleMismatch) {
		t.Fatalf("expected ErrSessionVehicleMismatch, got %v", err)
	}
}

func TestIngest_SimulatorResetRebases(t *testing.T) {
	ing := newTestIngestor(t)
	ing.Ingest(sub("s1", t0, sample("front_bumper", 0.8)))
	r, _ := ing.Ingest(sub("s1", t0.Add(10*time.Second), sample("front_bumper", 0.0)))
	if r.Reason != ReasonBelowThreshold {
		t.Fatalf("reset: %+v", r)
	}
	r, _ = ing.Ingest(sub("s1", t0.Add(20*time.Second), sample("front_bumper", 0.4)))
	if r.Outcome != OutcomeEmitted {
		t.Fatalf("new crash after reset: %+v", r)
	}
}

func TestIngest_SetConfig(t *testing.T) {
	ing := newTestIngestor(t)
	ing.SetConfig(Config{Threshold: 0.5, Cooldown: time.Second, Significant: 0.1})
	r, _ := ing.Ingest(sub("s1", t0, sample("front_bumper", 0.35)))
	if r.Reason != ReasonBelowThreshold {
		t.Fatalf("expected raised threshold to suppress event: %+v", r)
	}
	if ing.Config().Threshold != 0.5 {
		t.Error("config not swapped")
	}
}

func TestIngest_ConcurrentSessions(t *testing.T) {
	ing := newTestIngestor(t)
	const sessions = 32
	var wg sync.WaitGroup
	emitted := make([]int, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			for k := 0; k < 10; k++ {
				r, err := ing.Ingest(sub(id, t0.Add(time.Duration(k)*100*time.Millisecond), sample("front_bumper", 0.1*float64(k))))
				if err != nil {
					t.Error(err)
					return
				}
				if r.Outcome == OutcomeEmitted {
					emitted[i]++
				}
			}
		}(i)
	}
	wg.Wait()
	for i, n := range emitted {
		if n != 1 {
			t.Errorf("session %d emitted %d events, want 1", i, n)
		}
	}
	if ing.Sessions().Len() != sessions {
		t.Errorf("sessions = %d", ing.Sessions().Len())
	}
}

func TestDetect_ThresholdMonotonic(t *testing.T) {
	cfg := DefaultConfig()
	prev := State{Baseline: 0.2, LastEmit: t0, Sequence: 1}
	at := t0.Add(time.Minute)
	for d1 := cfg.Threshold; d1 <= 0.8; d1 += 0.05 {
		for d2 := d1; d2 <= 0.8; d2 += 0.05 {
			dec1, _ := Detect(prev, Batch{At: at, Total: prev.Baseline + d1, Digest: [32]byte{1}}, cfg)
			dec2, _ := Detect(prev, Batch{At: at, Total: prev.Baseline + d2, Digest: [32]byte{2}}, cfg)
			if dec1.Emit && !dec2.Emit {
				t.Fatalf("delta %v emitted but %v did not", d1, d2)
			}
		}
	}
}

func TestDetect_DuplicateKeepsCooldown(t *testing.T) {
	cfg := DefaultConfig()
	st := State{Baseline: 0.3, LastEmit: t0, Sequence: 4, LastDigest: [32]byte{9}, HasDigest: true}
	dec, next := Detect(st, Batch{At: t0.Add(time.Hour), Total: 0.9, Digest: [32]byte{9}}, cfg)
	if dec.Emit || dec.Reason != ReasonDuplicate {
		t.Fatalf("decision = %+v", dec)
	}
	if next != st {
		t.Fatalf("state changed: %+v", next)
	}
}

func TestTotalDamage(t *testing.T) {
	got := TotalDamage([]domain.RawDamageSample{{Fraction: 0.35}}, DefaultSignificant)
	if math.Abs(got-0.29) > 1e-9 {
		t.Errorf("single sample total = %v, want 0.29", got)
	}
	if TotalDamage(nil, DefaultSignificant) != 0 {
		t.Error("empty total must be 0")
	}
	all := make([]domain.RawDamageSample, 40)
	for i := range all {
		all[i].Fraction = 1
	}
	if got := TotalDamage(all, DefaultSignificant); got != 1 {
		t.Errorf("saturated total = %v", got)
	}
}

func TestSessionStore_EvictIdle(t *testing.T) {
	s := NewSessionStore()
	now := t0
	s.now = func() time.Time { return now }
	s.Put("old", State{Sequence: 1})
	now = now.Add(time.Hour)
	s.Put("fresh", State{Sequence: 2})

	if n := s.EvictIdle(30 * time.Minute); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, ok := s.Snapshot("old"); ok {
		t.Error("old session still present")
	}
	if st, ok := s.Snapshot("fresh"); !ok || st.Sequence != 2 {
		t.Error("fresh session lost")
	}
}

func TestEventIDStable(t *testing.T) {
	a := EventID("s1", 3, t0)
	if a != EventID("s1", 3, t0) {
		t.Error("event id not deterministic")
	}
	if a == EventID("s1", 4, t0) {
		t.Error("event id ignores sequence")
	}
}
