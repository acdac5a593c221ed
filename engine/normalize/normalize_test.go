package normalize

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/WessleyAI/wessley-collision/engine/domain"
	"github.com/WessleyAI/wessley-collision/engine/ontology"
)

func tcross(t *testing.T) *ontology.VehicleModel {
	t.Helper()
	reg, err := ontology.DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}
	m, err := reg.Get("vw-tcross-2023")
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func event(samples ...domain.RawDamageSample) domain.CrashEvent {
	return domain.CrashEvent{ID: "ev", SessionID: "s", At: time.Unix(0, 0), Samples: samples}
}

func TestClassify(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		f    float64
		want domain.Severity
	}{
		{0, domain.SeverityMinor},
		{0.2499, domain.SeverityMinor},
		{0.25, domain.SeverityModerate},
		{0.5499, domain.SeverityModerate},
		{0.55, domain.SeveritySevere},
		{0.8499, domain.SeveritySevere},
		{0.85, domain.SeverityDestroyed},
		{1, domain.SeverityDestroyed},
	}
	for _, tc := range cases {
		if got := th.Classify(tc.f); got != tc.want {
			t.Errorf("Classify(%v) = %v, want %v", tc.f, got, tc.want)
		}
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatal(err)
	}
	if err := (Thresholds{Moderate: 0.5, Severe: 0.4, Destroyed: 0.9}).Validate(); err == nil {
		t.Error("expected error for unordered tiers")
	}
	if err := (Thresholds{Moderate: 0.2, Severe: 0.4, Destroyed: 1.2}).Validate(); err == nil {
		t.Error("expected error for tier above 1")
	}
}

func TestNormalize_FrontBumper(t *testing.T) {
	zones, damages, err := Normalize(event(domain.RawDamageSample{Component: "front_bumper", Fraction: 0.35}), tcross(t))
	if err != nil {
		t.Fatal(err)
	}
	if zones.Get(domain.ZoneFront) < 0.35 {
		t.Errorf("front zone = %v, want >= 0.35", zones.Get(domain.ZoneFront))
	}
	if len(damages) != 1 {
		t.Fatalf("damages = %+v", damages)
	}
	d := damages[0]
	if d.Severity != domain.SeverityModerate || d.SafetyCritical || d.ForcedReplace || d.ReplaceRequired {
		t.Errorf("bumper damage = %+v", d)
	}
}

func TestNormalize_BrakeCaliperForcedReplace(t *testing.T) {
	_, damages, err := Normalize(event(domain.RawDamageSample{Component: "front_brake_caliper", Fraction: 0.30}), tcross(t))
	if err != nil {
		t.Fatal(err)
	}
	d := damages[0]
	if d.Severity != domain.SeverityModerate || !d.SafetyCritical || !d.ForcedReplace || !d.ReplaceRequired {
		t.Errorf("caliper damage = %+v", d)
	}
}

func TestNormalize_MaxNotSum(t *testing.T) {
	zones, _, err := Normalize(event(
		domain.RawDamageSample{Component: "front_bumper", Fraction: 0.4},
		domain.RawDamageSample{Component: "front_grille", Fraction: 0.3},
		domain.RawDamageSample{Component: "left_headlight", Fraction: 0.5},
	), tcross(t))
	if err != nil {
		t.Fatal(err)
	}
	if got := zones.Get(domain.ZoneFront); got != 0.4 {
		t.Errorf("front = %v, want max contribution 0.4", got)
	}
	if got := zones.Get(domain.ZoneLeft); got < 0.149 || got > 0.151 {
		t.Errorf("left = %v, want 0.3*0.5", got)
	}
}

func TestNormalize_NoiseFloor(t *testing.T) {
	zones, damages, err := Normalize(event(domain.RawDamageSample{Component: "hood", Fraction: 0.05}), tcross(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(damages) != 0 {
		t.Errorf("noise produced damage: %+v", damages)
	}
	if zones.Get(domain.ZoneFront) == 0 {
		t.Error("noise should still register in zones")
	}
}

func TestNormalize_UnknownComponentIsIntegrityError(t *testing.T) {
	_, _, err := Normalize(event(domain.RawDamageSample{Component: "hovercraft_skirt", Fraction: 0.5}), tcross(t))
	var die *domain.DataIntegrityError
	if !errors.As(err, &die) {
		t.Fatalf("expected *DataIntegrityError, got %v", err)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	m := tcross(t)
	ev := event(
		domain.RawDamageSample{Component: "hood", Fraction: 0.6},
		domain.RawDamageSample{Component: "left_front_fender", Fraction: 0.2},
	)
	z1, d1, _ := Normalize(ev, m)
	z2, d2, _ := Normalize(ev, m)
	if z1 != z2 || len(d1) != len(d2) {
		t.Fatal("non-deterministic output")
	}
	for i := range d1 {
		if d1[i] != d2[i] {
			t.Fatalf("component %d differs", i)
		}
	}
}

func TestNormalize_ZoneBoundAndMonotonic(t *testing.T) {
	m := tcross(t)
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		var samples []domain.RawDamageSample
		for i := 0; i < 1+rng.Intn(8); i++ {
			c := m.Components[rng.Intn(len(m.Components))]
			samples = append(samples, domain.RawDamageSample{Component: c.ID, Fraction: rng.Float64()})
		}
		zones, _, err := Normalize(event(samples...), m)
		if err != nil {
			t.Fatal(err)
		}
		for _, z := range domain.Zones() {
			if v := zones.Get(z); v < 0 || v > 1 {
				t.Fatalf("zone %v = %v out of [0,1]", z, v)
			}
		}

		worse := append(append([]domain.RawDamageSample(nil), samples...),
			domain.RawDamageSample{Component: samples[0].Component, Fraction: 1})
		more, _, _ := Normalize(event(worse...), m)
		for _, z := range domain.Zones() {
			if more.Get(z) < zones.Get(z) {
				t.Fatalf("zone %v decreased from %v to %v", z, zones.Get(z), more.Get(z))
			}
		}
	}
}

func TestReplacementRequired(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		name       string
		cd         domain.ComponentDamage
		repairable bool
		want       bool
	}{
		{"minor repairable", domain.ComponentDamage{Fraction: 0.1, Severity: domain.SeverityMinor}, true, false},
		{"moderate repairable", domain.ComponentDamage{Fraction: 0.4, Severity: domain.SeverityModerate}, true, false},
		{"moderate not repairable", domain.ComponentDamage{Fraction: 0.4, Severity: domain.SeverityModerate}, false, true},
		{"severe", domain.ComponentDamage{Fraction: 0.7, Severity: domain.SeveritySevere}, true, true},
		{"boundary prefers repair", domain.ComponentDamage{Fraction: 0.55, Severity: domain.SeveritySevere}, true, false},
		{"destroyed", domain.ComponentDamage{Fraction: 0.9, Severity: domain.SeverityDestroyed}, true, true},
		{"safety moderate", domain.ComponentDamage{Fraction: 0.3, Severity: domain.SeverityModerate, SafetyCritical: true}, true, true},
		{"safety boundary", domain.ComponentDamage{Fraction: 0.55, Severity: domain.SeveritySevere, SafetyCritical: true}, true, true},
	}
	for _, tc := range cases {
		if got := ReplacementRequired(tc.cd, tc.repairable, th); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAssess(t *testing.T) {
	m := tcross(t)
	zones, damages, err := Normalize(event(
		domain.RawDamageSample{Component: "front_bumper", Fraction: 0.5},
		domain.RawDamageSample{Component: "left_front_door", Fraction: 0.4},
	), m)
	if err != nil {
		t.Fatal(err)
	}
	a := Assess(zones, damages)
	if a.Impact != domain.ImpactMultiple || a.OverallSeverity != domain.SeverityModerate || !a.Driveable || a.InspectionRequired {
		t.Errorf("assessment = %+v", a)
	}

	zones, damages, _ = Normalize(event(domain.RawDamageSample{Component: "steering_rack", Fraction: 0.7}), m)
	a = Assess(zones, damages)
	if a.Driveable || !a.InspectionRequired {
		t.Errorf("steering damage assessment = %+v", a)
	}

	if a := Assess(domain.ZoneDamage{}, nil); a.Impact != domain.ImpactNone || !a.Driveable {
		t.Errorf("empty assessment = %+v", a)
	}
}
