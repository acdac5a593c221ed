package domain

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// VIN format: 17 alphanumeric characters, excluding I, O, Q.
var vinRegex = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)

// ValidateVehicle checks the descriptive fields of a vehicle reference.
// Make and model are matched case-insensitively against SupportedMakes.
func ValidateVehicle(v VehicleRef) error {
	if strings.TrimSpace(v.ModelID) == "" {
		return NewValidationError("model_id", v.ModelID, ErrUnsupportedVehicle)
	}
	if v.Make != "" {
		models, ok := lookupMake(v.Make)
		if !ok {
			return NewValidationError("make", v.Make, ErrUnsupportedMake)
		}
		if v.Model != "" && !containsFold(models, v.Model) {
			return NewValidationError("model", v.Model, ErrUnsupportedVehicle)
		}
	}
	if v.Year != 0 && (v.Year < MinModelYear || v.Year > MaxModelYear) {
		return NewValidationError("year", fmt.Sprintf("%d", v.Year), ErrYearOutOfRange)
	}
	if v.VIN != "" && !vinRegex.MatchString(strings.ToUpper(v.VIN)) {
		return NewValidationError("vin", v.VIN, ErrInvalidVIN)
	}
	return nil
}

// ValidateFraction rejects NaN, infinities and values outside [0, 1].
func ValidateFraction(component string, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > 1 {
		return NewValidationError(component, fmt.Sprintf("%g", f), ErrInvalidFraction)
	}
	return nil
}

// ValidateSubmission checks the envelope of a telemetry batch. Individual
// samples are validated by the ingestor so one bad reading does not sink the
// whole batch.
func ValidateSubmission(s Submission) error {
	if strings.TrimSpace(s.SessionID) == "" {
		return NewValidationError("session_id", s.SessionID, ErrMissingSession)
	}
	return ValidateVehicle(s.Vehicle)
}

func lookupMake(name string) ([]string, bool) {
	for k, models := range SupportedMakes {
		if strings.EqualFold(k, name) {
			return models, true
		}
	}
	return nil, false
}

func containsFold(items []string, s string) bool {
	for _, it := range items {
		if strings.EqualFold(it, s) {
			return true
		}
	}
	return false
}
