package estimate

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/WessleyAI/wessley-collision/engine/domain"
)

var created = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func TestEstimate_BumperScenario(t *testing.T) {
	ops := []domain.RepairOperation{{
		Component: "front_bumper", PartNumber: "2GM807221", Kind: domain.OpRepair,
		Quantity: 1, LaborHours: 2, UnitCost: 40000, LineTotal: 40000, Currency: "BRL",
	}}
	p := Pricing{HourlyRate: 15000, TaxRate: 0.12, Currency: "BRL", Validity: DefaultValidity}

	est, err := Estimate(ops, p, Meta{EventID: "ev1", CreatedAt: created})
	if err != nil {
		t.Fatal(err)
	}
	if est.PartsSubtotal != 40000 || est.LaborSubtotal != 30000 || est.Tax != 8400 || est.GrandTotal != 78400 {
		t.Errorf("totals = %d/%d/%d/%d", est.PartsSubtotal, est.LaborSubtotal, est.Tax, est.GrandTotal)
	}
	if est.Currency != "BRL" || est.Status != domain.StatusPending || est.ID == "" || est.EventID != "ev1" {
		t.Errorf("estimate = %+v", est)
	}
	if !est.ValidUntil.Equal(created.AddDate(0, 0, 30)) {
		t.Errorf("valid until = %v", est.ValidUntil)
	}
	if got := est.GrandTotal.Format(est.Currency); got != "BRL 784.00" {
		t.Errorf("display = %q", got)
	}
}

func TestCompute_Additivity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		var ops []domain.RepairOperation
		for j := 0; j < rng.Intn(10); j++ {
			ops = append(ops, domain.RepairOperation{
				Quantity:   1 + rng.Intn(3),
				LaborHours: math.Round(rng.Float64()*80) / 10,
				UnitCost:   domain.Money(rng.Int63n(500000)),
			})
		}
		p := Pricing{HourlyRate: domain.Money(rng.Int63n(30000)), TaxRate: rng.Float64() * 0.3, Currency: "BRL", Validity: time.Hour}
		tot, err := Compute(ops, p)
		if err != nil {
			t.Fatal(err)
		}
		if tot.Grand != tot.Parts+tot.Labor+tot.Tax {
			t.Fatalf("grand %d != %d+%d+%d", tot.Grand, tot.Parts, tot.Labor, tot.Tax)
		}
		if want := domain.Money(math.Round(float64(tot.Parts+tot.Labor) * p.TaxRate)); tot.Tax != want {
			t.Fatalf("tax %d, want %d", tot.Tax, want)
		}
	}
}

func TestCompute_CurrencyMismatch(t *testing.T) {
	ops := []domain.RepairOperation{{Component: "hood", PartNumber: "X", Quantity: 1, UnitCost: 100, Currency: "EUR"}}
	_, err := Compute(ops, DefaultPricing())
	var die *domain.DataIntegrityError
	if !errors.As(err, &die) || !errors.Is(err, domain.ErrCurrencyMismatch) {
		t.Fatalf("expected currency integrity error, got %v", err)
	}
}

func TestRecompute_NoCompoundTax(t *testing.T) {
	ops := []domain.RepairOperation{{Quantity: 1, LaborHours: 2, UnitCost: 40000}}
	p := DefaultPricing()
	first, err := Estimate(ops, p, Meta{EventID: "ev", CreatedAt: created})
	if err != nil {
		t.Fatal(err)
	}
	later := created.AddDate(0, 2, 0)
	second, err := Recompute(first, p, later)
	if err != nil {
		t.Fatal(err)
	}
	if second.Tax != first.Tax || second.GrandTotal != first.GrandTotal {
		t.Errorf("recompute changed totals: %d -> %d", first.GrandTotal, second.GrandTotal)
	}
	if second.ID == first.ID || !second.CreatedAt.Equal(later) || second.Stale(later) {
		t.Errorf("recomputed estimate = %+v", second)
	}
	if _, err := first.GrandTotalAt(later); !errors.Is(err, domain.ErrStaleEstimate) {
		t.Errorf("expected stale first estimate, got %v", err)
	}
}

func TestPricingValidate(t *testing.T) {
	if err := DefaultPricing().Validate(); err != nil {
		t.Fatal(err)
	}
	bad := Pricing{HourlyRate: -1, TaxRate: 2, Validity: 0}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error")
	}
}

func TestEstimator_SwapPricing(t *testing.T) {
	e := New(DefaultPricing())
	e.now = func() time.Time { return created }
	ops := []domain.RepairOperation{{Quantity: 1, LaborHours: 1, UnitCost: 0}}

	est, _ := e.Estimate(ops, Meta{})
	if est.LaborSubtotal != 15000 || !est.CreatedAt.Equal(created) {
		t.Fatalf("estimate = %+v", est)
	}
	p := e.Pricing()
	p.HourlyRate = 20000
	e.SetPricing(p)
	est, _ = e.Estimate(ops, Meta{})
	if est.LaborSubtotal != 20000 {
		t.Fatalf("labor = %d after rate change", est.LaborSubtotal)
	}
}

func TestPlan(t *testing.T) {
	ops := []domain.RepairOperation{
		{LaborHours: 3, LeadDays: 0},
		{LaborHours: 6, LeadDays: 3},
		{LaborHours: 1, LeadDays: 5},
	}
	plan := Plan(ops, created)
	if plan.LaborHours != 10 || plan.Complexity != domain.ComplexityMedium {
		t.Errorf("plan = %+v", plan)
	}
	// 10h -> 1 + 1 shop days, plus 5 days waiting on parts.
	if plan.RepairDays != 7 || !plan.EstimatedCompletion.Equal(created.AddDate(0, 0, 7)) {
		t.Errorf("plan = %+v", plan)
	}
	if Plan(nil, created).Complexity != domain.ComplexityLow {
		t.Error("empty plan complexity")
	}
	six := make([]domain.RepairOperation, 6)
	if Plan(six, created).Complexity != domain.ComplexityHigh {
		t.Error("six operations should be high complexity")
	}
}
