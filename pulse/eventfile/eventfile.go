// Package eventfile reads and writes pulse.EventRecord streams in a compact
// little-endian binary layout.
//
// File layout:
//
//	magic   [4]byte  "NTEV"
//	version uint16   (1)
//	records ...
//
// Each record is a fixed header (run, event, lumi int64; good vertices, good
// tracks int32; pulse count uint32) followed by pulse-count fixed-size pulses
// (depth, ieta, iphi int32; charge [10]float64; energy, rec-hit time float64;
// flag, aux uint32).
package eventfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cwbudde/hcal-chargemix/pulse"
)

const (
	version = 1
	// maxPulses bounds a record's pulse count so a corrupt header cannot
	// trigger a huge allocation.
	maxPulses = 1 << 20
)

var magic = [4]byte{'N', 'T', 'E', 'V'}

var (
	// ErrBadMagic is returned when a stream does not start with the event file magic.
	ErrBadMagic = errors.New("eventfile: invalid magic")
	// ErrUnsupportedVersion is returned for an unknown format version.
	ErrUnsupportedVersion = errors.New("eventfile: unsupported version")
	// ErrMalformed is returned for truncated or inconsistent records.
	ErrMalformed = errors.New("eventfile: malformed record")
)

type recordHeader struct {
	Run          int64
	Event        int64
	Lumi         int64
	GoodVertices int32
	GoodTracks   int32
	PulseCount   uint32
}

type pulseWire struct {
	Depth      int32
	IEta       int32
	IPhi       int32
	Charge     [pulse.NumTimeSlices]float64
	Energy     float64
	RecHitTime float64
	FlagWord   uint32
	AuxWord    uint32
}

// Writer appends event records to a stream.
type Writer struct {
	w      *bufio.Writer
	closer io.Closer
	count  int
}

// NewWriter writes the file header to w and returns a Writer.
func NewWriter(w io.Writer) (*Writer, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(magic[:]); err != nil {
		return nil, fmt.Errorf("eventfile: writing magic: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, uint16(version)); err != nil {
		return nil, fmt.Errorf("eventfile: writing version: %w", err)
	}
	return &Writer{w: bw}, nil
}

// Create creates (or truncates) path and returns a Writer for it.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("eventfile: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// Write appends one record.
func (w *Writer) Write(rec *pulse.EventRecord) error {
	hdr := recordHeader{
		Run:          rec.Run,
		Event:        rec.Event,
		Lumi:         rec.Lumi,
		GoodVertices: int32(rec.GoodVertices),
		GoodTracks:   int32(rec.GoodTracks),
		PulseCount:   uint32(len(rec.Pulses)),
	}
	if err := binary.Write(w.w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("eventfile: writing record header: %w", err)
	}

	for i := range rec.Pulses {
		p := &rec.Pulses[i]
		pw := pulseWire{
			Depth:      int32(p.Depth),
			IEta:       int32(p.IEta),
			IPhi:       int32(p.IPhi),
			Charge:     p.Charge,
			Energy:     p.Energy,
			RecHitTime: p.RecHitTime,
			FlagWord:   p.FlagWord,
			AuxWord:    p.AuxWord,
		}
		if err := binary.Write(w.w, binary.LittleEndian, &pw); err != nil {
			return fmt.Errorf("eventfile: writing pulse %d: %w", i, err)
		}
	}

	w.count++
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() int {
	return w.count
}

// Close flushes buffered data and closes the underlying file, if any.
func (w *Writer) Close() error {
	err := w.w.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("eventfile: closing: %w", err)
	}
	return nil
}

// Reader reads event records written by Writer. It implements pulse.EventReader.
type Reader struct {
	r      *bufio.Reader
	closer io.Closer
	index  int
}

var _ pulse.EventReader = (*Reader)(nil)

// NewReader validates the file header and returns a Reader.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	var m [4]byte
	if _, err := io.ReadFull(br, m[:]); err != nil {
		return nil, fmt.Errorf("eventfile: reading magic: %w", err)
	}
	if m != magic {
		return nil, fmt.Errorf("%w %q", ErrBadMagic, m)
	}

	var v uint16
	if err := binary.Read(br, binary.LittleEndian, &v); err != nil {
		return nil, fmt.Errorf("eventfile: reading version: %w", err)
	}
	if v != version {
		return nil, fmt.Errorf("%w %d", ErrUnsupportedVersion, v)
	}

	return &Reader{r: br}, nil
}

// Open opens path for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventfile: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("eventfile: %s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// OpenReader is Open with the pulse.EventReader return type, suitable as a
// source opener for the mixing pool.
func OpenReader(path string) (pulse.EventReader, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Next returns the next record, or io.EOF at a clean end of stream.
func (r *Reader) Next() (*pulse.EventRecord, error) {
	var hdr recordHeader
	err := binary.Read(r.r, binary.LittleEndian, &hdr)
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("%w: record %d header: %v", ErrMalformed, r.index, err)
	}
	if hdr.PulseCount > maxPulses {
		return nil, fmt.Errorf("%w: record %d has %d pulses", ErrMalformed, r.index, hdr.PulseCount)
	}

	rec := &pulse.EventRecord{
		Run:          hdr.Run,
		Event:        hdr.Event,
		Lumi:         hdr.Lumi,
		GoodVertices: int(hdr.GoodVertices),
		GoodTracks:   int(hdr.GoodTracks),
		Pulses:       make([]pulse.Pulse, hdr.PulseCount),
	}

	var pw pulseWire
	for i := range rec.Pulses {
		if err := binary.Read(r.r, binary.LittleEndian, &pw); err != nil {
			return nil, fmt.Errorf("%w: record %d pulse %d: %v", ErrMalformed, r.index, i, err)
		}
		rec.Pulses[i] = pulse.Pulse{
			Descriptor: pulse.Descriptor{Depth: int(pw.Depth), IEta: int(pw.IEta), IPhi: int(pw.IPhi)},
			Charge:     pw.Charge,
			Energy:     pw.Energy,
			RecHitTime: pw.RecHitTime,
			FlagWord:   pw.FlagWord,
			AuxWord:    pw.AuxWord,
		}
	}

	r.index++
	return rec, nil
}

// Close closes the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
