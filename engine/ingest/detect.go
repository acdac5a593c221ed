package ingest

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"

	"github.com/WessleyAI/wessley-collision/engine/domain"
)

// Reason explains why a submission did or did not produce an event.
type Reason string

const (
	ReasonEmitted        Reason = "emitted"
	ReasonBelowThreshold Reason = "below_threshold"
	ReasonCooldown       Reason = "cooldown"
	ReasonDuplicate      Reason = "duplicate"
	ReasonEmpty          Reason = "empty"
)

// Batch is the digest of one screened submission.
type Batch struct {
	At     time.Time
	Total  float64
	Digest [32]byte
}

// Decision is the outcome of Detect.
type Decision struct {
	Emit   bool
	Reason Reason
	Delta  float64
}

// Detect applies the duplicate, threshold and cooldown rules to a batch and
// returns the decision with the session state that follows it.
//
// The baseline is the total damage at the last emitted event, so damage that
// accumulates during a cooldown is still reported once the cooldown ends. A
// total below the baseline means the simulator reset the vehicle; the
// baseline follows it down.
func Detect(s State, b Batch, cfg Config) (Decision, State) {
	if s.HasDigest && s.LastDigest == b.Digest {
		return Decision{Reason: ReasonDuplicate}, s
	}

	next := s
	next.LastDigest = b.Digest
	next.HasDigest = true
	next.LastTotal = b.Total

	delta := b.Total - s.Baseline
	if b.Total < s.Baseline {
		next.Baseline = b.Total
	}
	if delta < cfg.Threshold {
		return Decision{Reason: ReasonBelowThreshold, Delta: delta}, next
	}
	if !s.LastEmit.IsZero() && b.At.Sub(s.LastEmit) <= cfg.Cooldown {
		return Decision{Reason: ReasonCooldown, Delta: delta}, next
	}

	next.Baseline = b.Total
	next.LastEmit = b.At
	next.Sequence++
	return Decision{Emit: true, Reason: ReasonEmitted, Delta: delta}, next
}

// TotalDamage is the weighted aggregate used as a session's total damage:
// 40% mean, 40% peak and 20% breadth (share of components above significant,
// saturating at 20 components). One wrecked part cannot dominate on its own.
func TotalDamage(samples []domain.RawDamageSample, significant float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum, peak float64
	count := 0
	for _, s := range samples {
		sum += s.Fraction
		if s.Fraction > peak {
			peak = s.Fraction
		}
		if s.Fraction > significant {
			count++
		}
	}
	avg := sum / float64(len(samples))
	breadth := math.Min(float64(count)/20, 1)
	return clamp01(avg*0.4 + peak*0.4 + breadth*0.2)
}

func digest(modelID string, at time.Time, samples []domain.RawDamageSample) [32]byte {
	h := sha256.New()
	var buf [8]byte
	h.Write([]byte(modelID))
	binary.BigEndian.PutUint64(buf[:], uint64(at.UnixNano()))
	h.Write(buf[:])
	for _, s := range samples {
		h.Write([]byte(s.Component))
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(s.Fraction))
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(s.At.UnixNano()))
		h.Write(buf[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
