package pulse

import (
	"fmt"
	"io"
)

// NumTimeSlices is the number of time slices in one channel readout.
const NumTimeSlices = 10

// Pulse is one channel readout as delivered by an event reader.
type Pulse struct {
	Descriptor

	Charge     [NumTimeSlices]float64
	Energy     float64
	RecHitTime float64
	FlagWord   uint32
	AuxWord    uint32
}

// EventRecord is a reader-level event. The mixing stage overlays charge onto
// the Pulses of a target record in place.
type EventRecord struct {
	Run          int64
	Event        int64
	Lumi         int64
	GoodVertices int
	GoodTracks   int
	Pulses       []Pulse
}

// Clone returns a deep copy of r.
func (r *EventRecord) Clone() *EventRecord {
	c := *r
	c.Pulses = append([]Pulse(nil), r.Pulses...)
	return &c
}

// EventReader yields event records one at a time. Next returns io.EOF after
// the last record.
type EventReader interface {
	Next() (*EventRecord, error)
	io.Closer
}

// ChannelCharge is the immutable per-channel part of an EventSnapshot.
type ChannelCharge struct {
	Charge     [NumTimeSlices]float64
	Energy     float64
	RecHitTime float64
	FlagWord   uint32
	AuxWord    uint32
	Channel    int
}

// EventSnapshot is an immutable copy of the charge content of one source
// event, indexed by dense channel id. Snapshots are shared by pointer and
// must not be modified after construction.
type EventSnapshot struct {
	Run          int64
	Event        int64
	GoodVertices int
	Channels     []ChannelCharge
}

// NewSnapshot converts rec into a snapshot, resolving every pulse descriptor
// through cm.
func NewSnapshot(rec *EventRecord, cm ChannelMap) (*EventSnapshot, error) {
	s := &EventSnapshot{
		Run:          rec.Run,
		Event:        rec.Event,
		GoodVertices: rec.GoodVertices,
		Channels:     make([]ChannelCharge, 0, len(rec.Pulses)),
	}

	for i := range rec.Pulses {
		p := &rec.Pulses[i]
		id, err := cm.LinearIndex(p.Descriptor)
		if err != nil {
			return nil, fmt.Errorf("pulse: run %d event %d pulse %d: %w", rec.Run, rec.Event, i, err)
		}
		s.Channels = append(s.Channels, ChannelCharge{
			Charge:     p.Charge,
			Energy:     p.Energy,
			RecHitTime: p.RecHitTime,
			FlagWord:   p.FlagWord,
			AuxWord:    p.AuxWord,
			Channel:    id,
		})
	}

	return s, nil
}
