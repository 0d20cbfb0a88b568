// Package archive stores ChannelChargeMix records: one record per channel
// per mixed event, the training data of the filter builder.
//
// Two backends are provided. The file backend writes a zstd-compressed
// stream of fixed-size little-endian records; the ClickHouse backend keeps
// records in a MergeTree table with array columns. Both implement Writer
// and Scanner.
package archive

import (
	"context"
	"errors"
	"math"

	"github.com/cwbudde/hcal-chargemix/pulse"
)

// InvalidChannel marks a record that does not describe any channel.
const InvalidChannel = math.MaxUint32

// ErrStopScan may be returned by a Scan callback to end the scan early
// without error.
var ErrStopScan = errors.New("archive: stop scan")

// ChannelChargeMix is the archived state of one channel of one mixed event.
type ChannelChargeMix struct {
	// Charge is the trace after mixing.
	Charge [pulse.NumTimeSlices]float32
	// AddedCharge is the admixed part of Charge.
	AddedCharge [pulse.NumTimeSlices]float32
	// ChargeResponse is the pre-mixing charge a filter should reconstruct.
	ChargeResponse float32

	Energy     float64
	RecHitTime float64
	FlagWord   uint32
	AuxWord    uint32

	Run          int64
	Event        int64
	GoodVertices int32
	Channel      uint32
}

// Invalid returns the default record, which carries InvalidChannel.
func Invalid() ChannelChargeMix {
	return ChannelChargeMix{Channel: InvalidChannel}
}

// IsValid reports whether r refers to a channel.
func (r *ChannelChargeMix) IsValid() bool {
	return r.Channel != InvalidChannel
}

// Equal reports whether r and o hold the same data. Two invalid records are
// equal regardless of their other fields.
func (r *ChannelChargeMix) Equal(o *ChannelChargeMix) bool {
	if !r.IsValid() || !o.IsValid() {
		return !r.IsValid() && !o.IsValid()
	}
	return *r == *o
}

// Writer appends records to an archive.
type Writer interface {
	Append(ctx context.Context, rec *ChannelChargeMix) error
	Close() error
}

// Scanner iterates over every record of an archive. The record passed to fn
// is only valid for the duration of the call. Returning ErrStopScan from fn
// ends the scan with a nil error; any other error is returned unchanged.
type Scanner interface {
	Scan(ctx context.Context, fn func(*ChannelChargeMix) error) error
}

// RangeScanner is implemented by scanners that can restrict a scan to the
// channels in [lo, hi) on the storage side.
type RangeScanner interface {
	Scanner
	ScanChannels(ctx context.Context, lo, hi uint32, fn func(*ChannelChargeMix) error) error
}

// ScanChannels visits the records of channels in [lo, hi), pushing the range
// down to s when it supports it.
func ScanChannels(ctx context.Context, s Scanner, lo, hi uint32, fn func(*ChannelChargeMix) error) error {
	if rs, ok := s.(RangeScanner); ok {
		return rs.ScanChannels(ctx, lo, hi, fn)
	}
	return s.Scan(ctx, func(r *ChannelChargeMix) error {
		if r.Channel < lo || r.Channel >= hi {
			return nil
		}
		return fn(r)
	})
}
