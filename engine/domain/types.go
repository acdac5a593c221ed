// Package domain defines the value types shared by every stage of the
// collision pipeline, from raw telemetry samples to priced repair estimates,
// plus the error taxonomy and entry-point validation.
package domain

import "time"

// VehicleRef identifies the vehicle a telemetry session belongs to.
// ModelID selects the ontology used for every downstream stage.
type VehicleRef struct {
	ModelID string `json:"model_id"`
	Make    string `json:"make"`
	Model   string `json:"model"`
	Year    int    `json:"year"`
	Variant string `json:"variant,omitempty"`
	VIN     string `json:"vin,omitempty"`
}

// RawDamageSample is a single reading from the telemetry source.
type RawDamageSample struct {
	Component string    `json:"component"`
	Fraction  float64   `json:"damage"`
	At        time.Time `json:"at"`
}

// Submission is one inbound telemetry batch for a vehicle session.
type Submission struct {
	SessionID string            `json:"session_id"`
	Vehicle   VehicleRef        `json:"vehicle"`
	At        time.Time         `json:"timestamp"`
	Samples   []RawDamageSample `json:"samples"`
}

// CrashEvent is a deduplicated, thresholded damage snapshot. It is created
// once per qualifying damage delta and never modified afterwards.
type CrashEvent struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	Vehicle     VehicleRef        `json:"vehicle"`
	Samples     []RawDamageSample `json:"samples"`
	At          time.Time         `json:"at"`
	Sequence    uint64            `json:"sequence"`
	TotalDamage float64           `json:"total_damage"`
	Delta       float64           `json:"delta"`
}

// ComponentDamage is the normalized view of one damaged component.
type ComponentDamage struct {
	Component       string   `json:"component"`
	Fraction        float64  `json:"damage"`
	Severity        Severity `json:"severity"`
	ReplaceRequired bool     `json:"replace_required"`
	SafetyCritical  bool     `json:"safety_critical"`
	ForcedReplace   bool     `json:"forced_replace"`
}

// RepairOperation is one line of the repair bill.
// LineTotal covers the parts cost of the line (UnitCost * Quantity).
type RepairOperation struct {
	Component   string        `json:"component"`
	PartNumber  string        `json:"part_number"`
	Description string        `json:"description,omitempty"`
	Kind        OperationKind `json:"kind"`
	Severity    Severity      `json:"severity"`
	Quantity    int           `json:"quantity"`
	LaborHours  float64       `json:"labor_hours"`
	UnitCost    Money         `json:"unit_cost"`
	LineTotal   Money         `json:"line_total"`
	Currency    string        `json:"currency,omitempty"`
	LeadDays    int           `json:"lead_days,omitempty"`
}

// Impact classifies where a crash hit the vehicle.
type Impact string

const (
	ImpactNone     Impact = "none"
	ImpactFront    Impact = "front"
	ImpactRear     Impact = "rear"
	ImpactSide     Impact = "side"
	ImpactTop      Impact = "top"
	ImpactMultiple Impact = "multiple"
)

// Assessment summarises a crash for the person reading an estimate.
type Assessment struct {
	Impact             Impact     `json:"impact"`
	Zones              ZoneDamage `json:"zones"`
	OverallSeverity    Severity   `json:"overall_severity"`
	Driveable          bool       `json:"driveable"`
	InspectionRequired bool       `json:"inspection_required"`
}

// Complexity buckets a repair job by the number of operations it needs.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// RepairPlan is the shop-floor view of an estimate.
type RepairPlan struct {
	LaborHours          float64    `json:"labor_hours"`
	Complexity          Complexity `json:"complexity"`
	RepairDays          int        `json:"repair_days"`
	EstimatedCompletion time.Time  `json:"estimated_completion"`
}

// EstimateStatus tracks the customer decision on an estimate.
type EstimateStatus string

const (
	StatusPending  EstimateStatus = "pending"
	StatusApproved EstimateStatus = "approved"
	StatusRejected EstimateStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s EstimateStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// RepairEstimate is the terminal artifact of the pipeline. All amounts are in
// minor currency units.
type RepairEstimate struct {
	ID            string            `json:"id"`
	EventID       string            `json:"event_id"`
	SessionID     string            `json:"session_id,omitempty"`
	Vehicle       VehicleRef        `json:"vehicle"`
	Operations    []RepairOperation `json:"operations"`
	PartsSubtotal Money             `json:"parts_subtotal"`
	LaborSubtotal Money             `json:"labor_subtotal"`
	Tax           Money             `json:"tax"`
	GrandTotal    Money             `json:"grand_total"`
	Currency      string            `json:"currency"`
	HourlyRate    Money             `json:"hourly_rate"`
	TaxRate       float64           `json:"tax_rate"`
	CreatedAt     time.Time         `json:"created_at"`
	ValidUntil    time.Time         `json:"valid_until"`
	Status        EstimateStatus    `json:"status"`
	Plan          *RepairPlan       `json:"plan,omitempty"`
	Assessment    *Assessment       `json:"assessment,omitempty"`
}

// Stale reports whether the estimate's validity window has closed at now.
func (e RepairEstimate) Stale(now time.Time) bool {
	return !now.Before(e.ValidUntil)
}

// GrandTotalAt returns the grand total, or a *StaleEstimateError once the
// estimate has expired.
func (e RepairEstimate) GrandTotalAt(now time.Time) (Money, error) {
	if e.Stale(now) {
		return 0, &StaleEstimateError{EstimateID: e.ID, ValidUntil: e.ValidUntil, Now: now}
	}
	return e.GrandTotal, nil
}
