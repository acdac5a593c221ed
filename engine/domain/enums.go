package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Zone is one of the six coarse regions used for damage reporting.
type Zone uint8

const (
	ZoneFront Zone = iota
	ZoneRear
	ZoneLeft
	ZoneRight
	ZoneTop
	ZoneBottom
)

// NumZones is the number of defined zones.
const NumZones = 6

var zoneNames = [NumZones]string{"front", "rear", "left", "right", "top", "bottom"}

// Zones lists every zone in declaration order.
func Zones() []Zone {
	return []Zone{ZoneFront, ZoneRear, ZoneLeft, ZoneRight, ZoneTop, ZoneBottom}
}

func (z Zone) String() string {
	if int(z) < NumZones {
		return zoneNames[z]
	}
	return fmt.Sprintf("zone(%d)", uint8(z))
}

// ParseZone parses a zone name.
func ParseZone(s string) (Zone, error) {
	for i, n := range zoneNames {
		if strings.EqualFold(n, s) {
			return Zone(i), nil
		}
	}
	return 0, fmt.Errorf("unknown zone %q", s)
}

func (z Zone) MarshalText() ([]byte, error) { return []byte(z.String()), nil }

func (z *Zone) UnmarshalText(b []byte) error {
	v, err := ParseZone(string(b))
	if err != nil {
		return err
	}
	*z = v
	return nil
}

// ZoneDamage holds an aggregate damage value per zone, indexed by Zone.
type ZoneDamage [NumZones]float64

// Get returns the damage recorded for z.
func (d ZoneDamage) Get(z Zone) float64 { return d[z] }

// Fold raises the zone value to v if v is larger. Values only ever grow.
func (d *ZoneDamage) Fold(z Zone, v float64) {
	if v > d[z] {
		d[z] = v
	}
}

// Affected returns the zones whose damage exceeds floor, in zone order.
func (d ZoneDamage) Affected(floor float64) []Zone {
	var out []Zone
	for _, z := range Zones() {
		if d[z] > floor {
			out = append(out, z)
		}
	}
	return out
}

func (d ZoneDamage) MarshalJSON() ([]byte, error) {
	m := make(map[string]float64, NumZones)
	for _, z := range Zones() {
		m[z.String()] = d[z]
	}
	return json.Marshal(m)
}

func (d *ZoneDamage) UnmarshalJSON(b []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*d = ZoneDamage{}
	for k, v := range m {
		z, err := ParseZone(k)
		if err != nil {
			return err
		}
		d[z] = v
	}
	return nil
}

// Severity is the discrete damage tier of a component.
type Severity uint8

// The zero Severity means no damage was classified.
const (
	SeverityMinor Severity = iota + 1
	SeverityModerate
	SeveritySevere
	SeverityDestroyed
)

var severityNames = map[Severity]string{
	0:                 "none",
	SeverityMinor:     "minor",
	SeverityModerate:  "moderate",
	SeveritySevere:    "severe",
	SeverityDestroyed: "destroyed",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("severity(%d)", uint8(s))
}

// ParseSeverity parses a severity tier name.
func ParseSeverity(s string) (Severity, error) {
	for k, n := range severityNames {
		if strings.EqualFold(n, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	if _, ok := severityNames[s]; !ok {
		return nil, fmt.Errorf("invalid severity %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// OperationKind says whether a part is repaired in place or swapped out.
type OperationKind uint8

const (
	OpRepair OperationKind = iota + 1
	OpReplace
)

func (k OperationKind) String() string {
	switch k {
	case OpRepair:
		return "repair"
	case OpReplace:
		return "replace"
	}
	return fmt.Sprintf("operation(%d)", uint8(k))
}

// ParseOperationKind parses "repair" or "replace".
func ParseOperationKind(s string) (OperationKind, error) {
	switch strings.ToLower(s) {
	case "repair":
		return OpRepair, nil
	case "replace":
		return OpReplace, nil
	}
	return 0, fmt.Errorf("unknown operation kind %q", s)
}

func (k OperationKind) MarshalText() ([]byte, error) {
	if k != OpRepair && k != OpReplace {
		return nil, fmt.Errorf("invalid operation kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *OperationKind) UnmarshalText(b []byte) error {
	v, err := ParseOperationKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
