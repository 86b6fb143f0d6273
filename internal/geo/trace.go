package geo

import (
	"time"

	"github.com/ukydev/fieldtrack/internal/models"
)

// FilterParams controls which trace segments count as real movement.
type FilterParams struct {
	// JitterSpeedKmh: segments implying a faster speed are GPS jitter and dropped.
	JitterSpeedKmh float64
	// NoiseFloorKm: shorter displacements are not counted until they add up.
	NoiseFloorKm float64
	// TeleportKm: dropped jumps at least this long are reported as teleports.
	TeleportKm float64
}

// Segment is a retained piece of the trace.
type Segment struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	DistanceKm float64   `json:"distance_km"`
	SpeedKmh   float64   `json:"speed_kmh"`
}

// Teleport is a long jump between consecutive fixes that no vehicle could make.
type Teleport struct {
	From       models.Location `json:"from"`
	To         models.Location `json:"to"`
	At         time.Time       `json:"at"`
	DistanceKm float64         `json:"distance_km"`
	SpeedKmh   float64         `json:"speed_kmh"`
}

// Analysis is the result of filtering a trace.
type Analysis struct {
	DistanceKm  float64
	MaxSpeedKmh float64
	Segments    []Segment
	Teleports   []Teleport
	Discarded   int
	Points      int
}

type fix struct {
	loc models.Location
	at  time.Time
}

// Accumulator sums filtered distance incrementally as samples arrive, so the
// running distance of an open trip never decreases.
type Accumulator struct {
	params  FilterParams
	anchor  *fix
	pending *fix
	result  Analysis
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator(params FilterParams) *Accumulator {
	return &Accumulator{params: params}
}

// AddSample feeds one sample into the accumulator.
func (a *Accumulator) AddSample(s models.LocationSample) {
	a.Add(s.Location, s.Timestamp)
}

// Add feeds one fix. Fixes must arrive in timestamp order.
func (a *Accumulator) Add(loc models.Location, at time.Time) {
	a.result.Points++
	a.add(fix{loc: loc, at: at})
}

func (a *Accumulator) add(p fix) {
	if a.anchor == nil {
		a.anchor = &p
		return
	}
	elapsed := p.at.Sub(a.anchor.at)
	if elapsed <= 0 {
		a.result.Discarded++
		return
	}
	d := HaversineKm(a.anchor.loc, p.loc)
	speed := SpeedKmh(d, elapsed)

	if speed > a.params.JitterSpeedKmh {
		// A fix consistent with the previously dropped one means the device
		// really is over there: re-anchor without paying for the jump.
		if a.pending != nil {
			pd := HaversineKm(a.pending.loc, p.loc)
			pe := p.at.Sub(a.pending.at)
			if pe > 0 && SpeedKmh(pd, pe) <= a.params.JitterSpeedKmh {
				a.anchor = a.pending
				a.pending = nil
				a.add(p)
				return
			}
		}
		if d >= a.params.TeleportKm {
			a.result.Teleports = append(a.result.Teleports, Teleport{
				From:       a.anchor.loc,
				To:         p.loc,
				At:         p.at,
				DistanceKm: d,
				SpeedKmh:   speed,
			})
		}
		a.pending = &p
		a.result.Discarded++
		return
	}

	a.pending = nil
	if d < a.params.NoiseFloorKm {
		return
	}
	a.result.DistanceKm += d
	if speed > a.result.MaxSpeedKmh {
		a.result.MaxSpeedKmh = speed
	}
	a.result.Segments = append(a.result.Segments, Segment{
		From:       a.anchor.at,
		To:         p.at,
		DistanceKm: d,
		SpeedKmh:   speed,
	})
	a.anchor = &p
}

// DistanceKm returns the filtered distance so far.
func (a *Accumulator) DistanceKm() float64 {
	return a.result.DistanceKm
}

// Analysis returns a copy of the accumulated result.
func (a *Accumulator) Analysis() Analysis {
	out := a.result
	out.Segments = append([]Segment(nil), a.result.Segments...)
	out.Teleports = append([]Teleport(nil), a.result.Teleports...)
	return out
}

// Analyze filters a complete, timestamp-ordered trace.
func Analyze(samples []models.LocationSample, params FilterParams) Analysis {
	acc := NewAccumulator(params)
	for _, s := range samples {
		acc.AddSample(s)
	}
	return acc.Analysis()
}
