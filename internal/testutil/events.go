package testutil

import (
	"math/rand/v2"

	"github.com/cwbudde/hcal-chargemix/pulse"
)

// pulseFractions is the charge fraction deposited in the slices following
// the peak slice minus one.
var pulseFractions = [...]float64{0.05, 0.7, 0.2, 0.05}

// PulseShape returns a trace with the given total amplitude whose largest
// slice is peakTS. Fractions falling outside the readout window are dropped.
func PulseShape(amplitude float64, peakTS int) [pulse.NumTimeSlices]float64 {
	var out [pulse.NumTimeSlices]float64
	for i, f := range pulseFractions {
		ts := peakTS - 1 + i
		if ts >= 0 && ts < pulse.NumTimeSlices {
			out[ts] = amplitude * f
		}
	}
	return out
}

// Ones returns a trace with every slice set to 1.
func Ones() [pulse.NumTimeSlices]float64 {
	var out [pulse.NumTimeSlices]float64
	for i := range out {
		out[i] = 1
	}
	return out
}

// Ramp returns the trace 0, 1, ..., NumTimeSlices-1.
func Ramp() [pulse.NumTimeSlices]float64 {
	var out [pulse.NumTimeSlices]float64
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

// NewRand returns a deterministic PCG generator.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// SyntheticRecord returns an event with one good vertex and track and a
// pulse in each channel of cm selected with probability occupancy. Pulse
// amplitudes are uniform in [0, maxAmplitude) and peak at peakTS.
func SyntheticRecord(rng *rand.Rand, cm pulse.ChannelMap, occupancy, maxAmplitude float64, peakTS int) *pulse.EventRecord {
	rec := &pulse.EventRecord{
		Run:          1,
		Event:        rng.Int64N(1 << 40),
		Lumi:         1,
		GoodVertices: 1 + rng.IntN(3),
		GoodTracks:   1 + rng.IntN(20),
	}

	for ch := 0; ch < cm.ChannelCount(); ch++ {
		if rng.Float64() >= occupancy {
			continue
		}
		desc, err := cm.Descriptor(ch)
		if err != nil {
			panic(err)
		}

		amp := rng.Float64() * maxAmplitude
		rec.Pulses = append(rec.Pulses, pulse.Pulse{
			Descriptor: desc,
			Charge:     PulseShape(amp, peakTS),
			Energy:     amp / 100,
			RecHitTime: rng.NormFloat64(),
		})
	}

	return rec
}

// Snapshot returns a snapshot with one channel per entry of channels, each
// carrying charge, unit energy, and the given good-vertex count.
func Snapshot(goodVertices int, charge [pulse.NumTimeSlices]float64, channels ...int) *pulse.EventSnapshot {
	s := &pulse.EventSnapshot{GoodVertices: goodVertices}
	for _, ch := range channels {
		s.Channels = append(s.Channels, pulse.ChannelCharge{
			Charge:  charge,
			Energy:  1,
			Channel: ch,
		})
	}
	return s
}
