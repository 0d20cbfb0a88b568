package mixing

import (
	"errors"
	"fmt"

	vecmath "github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/hcal-chargemix/internal/core"
	"github.com/cwbudde/hcal-chargemix/pulse"
)

const numTS = pulse.NumTimeSlices

// DefaultCentralTimeSlice is the time slice at which unshifted admixed
// events are placed.
const DefaultCentralTimeSlice = 4

var (
	// ErrShiftOutOfRange is returned when centralTS+shift leaves the readout window.
	ErrShiftOutOfRange = errors.New("mixing: shift places event outside readout window")
	// ErrChannelOutOfRange is returned for channel ids outside [0, ChannelCount).
	ErrChannelOutOfRange = errors.New("mixing: channel id out of range")
	// ErrInvalidAccumulator is returned for bad accumulator settings.
	ErrInvalidAccumulator = errors.New("mixing: invalid accumulator configuration")
)

// AccumulatorConfig holds the settings of an Accumulator.
type AccumulatorConfig struct {
	CentralTimeSlice int
	MixExtraChannels bool
}

// AccumulatorOption mutates an AccumulatorConfig.
type AccumulatorOption func(*AccumulatorConfig)

// WithCentralTimeSlice sets the slice at which an unshifted event is placed.
func WithCentralTimeSlice(ts int) AccumulatorOption {
	return func(cfg *AccumulatorConfig) {
		cfg.CentralTimeSlice = ts
	}
}

// WithMixExtraChannels makes MixWithData append channels that received
// admixed charge but are missing from the target record.
func WithMixExtraChannels(enabled bool) AccumulatorOption {
	return func(cfg *AccumulatorConfig) {
		cfg.MixExtraChannels = enabled
	}
}

// Accumulator holds the charge added to one target event, per channel and
// time slice, together with bookkeeping about the admixed events.
//
// An Accumulator is owned by a single goroutine.
type Accumulator struct {
	cfg      AccumulatorConfig
	channels int

	// Flat channel-major arrays, numTS entries per channel.
	charge     []float64
	energy     []float64
	readoutsTS []int
	readouts   []int

	eventsTS [numTS]int
	npvTS    [numTS]int

	draws  []*pulse.EventSnapshot
	shifts []int

	from    [numTS]int
	shifted [numTS]float64
	scaled  [numTS]float64
	present []bool
}

// NewAccumulator returns a cleared accumulator for channelCount channels.
func NewAccumulator(channelCount int, opts ...AccumulatorOption) (*Accumulator, error) {
	cfg := AccumulatorConfig{CentralTimeSlice: DefaultCentralTimeSlice}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if channelCount <= 0 {
		return nil, fmt.Errorf("%w: channel count %d", ErrInvalidAccumulator, channelCount)
	}
	if cfg.CentralTimeSlice < 0 || cfg.CentralTimeSlice >= numTS {
		return nil, fmt.Errorf("%w: central time slice %d outside [0, %d)",
			ErrInvalidAccumulator, cfg.CentralTimeSlice, numTS)
	}

	return &Accumulator{
		cfg:        cfg,
		channels:   channelCount,
		charge:     make([]float64, channelCount*numTS),
		energy:     make([]float64, channelCount*numTS),
		readoutsTS: make([]int, channelCount*numTS),
		readouts:   make([]int, channelCount),
		present:    make([]bool, channelCount),
	}, nil
}

// ChannelCount returns the number of channels.
func (a *Accumulator) ChannelCount() int { return a.channels }

// CentralTimeSlice returns the placement slice of an unshifted event.
func (a *Accumulator) CentralTimeSlice() int { return a.cfg.CentralTimeSlice }

// MixExtraChannels reports whether MixWithData appends missing channels.
func (a *Accumulator) MixExtraChannels() bool { return a.cfg.MixExtraChannels }

// Clear resets all accumulated data.
func (a *Accumulator) Clear() {
	core.Zero(a.charge)
	core.Zero(a.energy)
	core.Zero(a.readoutsTS)
	core.Zero(a.readouts)
	a.eventsTS = [numTS]int{}
	a.npvTS = [numTS]int{}

	clear(a.draws)
	a.draws = a.draws[:0]
	a.shifts = a.shifts[:0]
}

// IsClear reports whether the accumulator holds no data.
func (a *Accumulator) IsClear() bool {
	return len(a.draws) == 0 && len(a.shifts) == 0 &&
		core.IsZero(a.charge) && core.IsZero(a.energy) &&
		core.IsZero(a.readoutsTS) && core.IsZero(a.readouts) &&
		core.IsZero(a.eventsTS[:]) && core.IsZero(a.npvTS[:])
}

// AddEvent adds the charge of ev, shifted by shift time slices and
// multiplied by scale. The event is placed at slice CentralTimeSlice+shift,
// which must lie inside the readout window. Slices shifted in from outside
// the window repeat the nearest edge value of the source trace.
func (a *Accumulator) AddEvent(ev *pulse.EventSnapshot, shift int, scale float64) error {
	ts := a.cfg.CentralTimeSlice + shift
	if ts < 0 || ts >= numTS {
		return fmt.Errorf("%w: central %d shift %d", ErrShiftOutOfRange, a.cfg.CentralTimeSlice, shift)
	}

	for i := range ev.Channels {
		if ch := ev.Channels[i].Channel; ch < 0 || ch >= a.channels {
			return fmt.Errorf("%w: %d not in [0, %d)", ErrChannelOutOfRange, ch, a.channels)
		}
	}

	for i := range a.from {
		a.from[i] = core.ClampIndex(i-shift, 0, numTS-1)
	}

	for i := range ev.Channels {
		src := &ev.Channels[i]
		base := src.Channel * numTS

		for j, k := range a.from {
			a.shifted[j] = src.Charge[k]
		}
		vecmath.ScaleBlock(a.scaled[:], a.shifted[:], scale)
		vecmath.AddBlockInPlace(a.charge[base:base+numTS], a.scaled[:])

		a.readouts[src.Channel]++
		a.readoutsTS[base+ts]++
		a.energy[base+ts] += scale * src.Energy
	}

	a.eventsTS[ts]++
	a.npvTS[ts] += ev.GoodVertices
	a.draws = append(a.draws, ev)
	a.shifts = append(a.shifts, shift)

	return nil
}

// Charge returns the accumulated charge of channel ch.
func (a *Accumulator) Charge(ch int) [numTS]float64 {
	var out [numTS]float64
	copy(out[:], a.charge[ch*numTS:(ch+1)*numTS])
	return out
}

// Energy returns the accumulated energy of channel ch, binned by placement slice.
func (a *Accumulator) Energy(ch int) [numTS]float64 {
	var out [numTS]float64
	copy(out[:], a.energy[ch*numTS:(ch+1)*numTS])
	return out
}

// TotalEnergy returns the accumulated energy of channel ch over all slices.
func (a *Accumulator) TotalEnergy(ch int) float64 {
	var sum float64
	for _, e := range a.energy[ch*numTS : (ch+1)*numTS] {
		sum += e
	}
	return sum
}

// Readouts returns how many admixed readouts touched channel ch.
func (a *Accumulator) Readouts(ch int) int { return a.readouts[ch] }

// ReadoutsAt returns how many admixed readouts of channel ch were placed at slice ts.
func (a *Accumulator) ReadoutsAt(ch, ts int) int { return a.readoutsTS[ch*numTS+ts] }

// EventsAt returns the number of events placed at slice ts.
func (a *Accumulator) EventsAt(ts int) int { return a.eventsTS[ts] }

// GoodVerticesAt returns the summed good-vertex count of events placed at slice ts.
func (a *Accumulator) GoodVerticesAt(ts int) int { return a.npvTS[ts] }

// EventCount returns the number of events added since the last Clear.
func (a *Accumulator) EventCount() int { return len(a.draws) }

// Draw returns the i-th added event and its shift.
func (a *Accumulator) Draw(i int) (*pulse.EventSnapshot, int) {
	return a.draws[i], a.shifts[i]
}

// MixWithData adds the accumulated charge to the pulses of rec in place.
// When MixExtraChannels is set, channels that received admixed readouts but
// have no pulse in rec are appended with the added charge and energy.
// It returns the number of pulses in rec carrying non-zero charge afterwards.
func (a *Accumulator) MixWithData(cm pulse.ChannelMap, rec *pulse.EventRecord) (int, error) {
	clear(a.present)

	count := 0
	for i := range rec.Pulses {
		p := &rec.Pulses[i]

		ch, err := cm.LinearIndex(p.Descriptor)
		if err != nil {
			return 0, fmt.Errorf("mixing: mix pulse %d: %w", i, err)
		}
		if ch < 0 || ch >= a.channels {
			return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrChannelOutOfRange, ch, a.channels)
		}
		a.present[ch] = true

		vecmath.AddBlockInPlace(p.Charge[:], a.charge[ch*numTS:(ch+1)*numTS])
		if !core.IsZero(p.Charge[:]) {
			count++
		}
	}

	if !a.cfg.MixExtraChannels {
		return count, nil
	}

	for ch := 0; ch < a.channels; ch++ {
		if a.present[ch] || a.readouts[ch] == 0 {
			continue
		}

		desc, err := cm.Descriptor(ch)
		if err != nil {
			return 0, fmt.Errorf("mixing: extra channel %d: %w", ch, err)
		}

		p := pulse.Pulse{
			Descriptor: desc,
			Charge:     a.Charge(ch),
			Energy:     a.TotalEnergy(ch),
		}
		rec.Pulses = append(rec.Pulses, p)
		if !core.IsZero(p.Charge[:]) {
			count++
		}
	}

	return count, nil
}
