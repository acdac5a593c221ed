package normalize

import "github.com/WessleyAI/wessley-collision/engine/domain"

// ImpactFloor is the zone damage above which a zone counts as hit.
const ImpactFloor = 0.10

// Assess summarises a normalized crash: where it hit, how bad the worst
// component is, and whether the vehicle should be driven.
func Assess(zones domain.ZoneDamage, damages []domain.ComponentDamage) domain.Assessment {
	a := domain.Assessment{Zones: zones, Impact: impact(zones), Driveable: true}
	for _, d := range damages {
		if d.Severity > a.OverallSeverity {
			a.OverallSeverity = d.Severity
		}
		if d.SafetyCritical {
			a.InspectionRequired = true
			if d.Severity >= domain.SeveritySevere {
				a.Driveable = false
			}
		}
		if d.Severity == domain.SeverityDestroyed {
			a.Driveable = false
		}
	}
	if a.OverallSeverity >= domain.SeveritySevere {
		a.InspectionRequired = true
	}
	return a
}

func impact(zones domain.ZoneDamage) domain.Impact {
	var hits []domain.Impact
	if zones.Get(domain.ZoneFront) > ImpactFloor {
		hits = append(hits, domain.ImpactFront)
	}
	if zones.Get(domain.ZoneRear) > ImpactFloor {
		hits = append(hits, domain.ImpactRear)
	}
	if zones.Get(domain.ZoneLeft) > ImpactFloor || zones.Get(domain.ZoneRight) > ImpactFloor {
		hits = append(hits, domain.ImpactSide)
	}
	switch len(hits) {
	case 0:
		if zones.Get(domain.ZoneTop) > ImpactFloor {
			return domain.ImpactTop
		}
		return domain.ImpactNone
	case 1:
		return hits[0]
	default:
		return domain.ImpactMultiple
	}
}
