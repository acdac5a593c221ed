package estimate

import (
	"time"

	"github.com/WessleyAI/wessley-collision/engine/domain"
)

// HoursPerDay is the billable shop time in one working day.
const HoursPerDay = 8

// Plan derives the shop schedule for a set of operations: a day of intake
// plus one day per full eight labor hours, then the longest part delivery
// among replacements.
func Plan(ops []domain.RepairOperation, start time.Time) domain.RepairPlan {
	var hours float64
	lead := 0
	for _, op := range ops {
		hours += op.LaborHours
		if op.LeadDays > lead {
			lead = op.LeadDays
		}
	}
	days := int(hours/HoursPerDay) + 1 + lead
	return domain.RepairPlan{
		LaborHours:          hours,
		Complexity:          complexity(len(ops)),
		RepairDays:          days,
		EstimatedCompletion: start.AddDate(0, 0, days),
	}
}

func complexity(n int) domain.Complexity {
	switch {
	case n > 5:
		return domain.ComplexityHigh
	case n > 2:
		return domain.ComplexityMedium
	default:
		return domain.ComplexityLow
	}
}
