package mixing

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/cwbudde/hcal-chargemix/pulse"
	"github.com/cwbudde/hcal-chargemix/pulse/eventfile"
)

// ErrNoSources is returned by Load when none of the sources could be opened.
var ErrNoSources = errors.New("mixing: no event source could be opened")

// Predicate decides whether a source record enters the pool.
type Predicate func(*pulse.EventRecord) bool

// HasGoodVertexAndTrack accepts records with at least one good vertex and
// at least one good track.
func HasGoodVertexAndTrack(rec *pulse.EventRecord) bool {
	return rec.GoodVertices > 0 && rec.GoodTracks > 0
}

// SourceOpener opens one event source by name.
type SourceOpener func(path string) (pulse.EventReader, error)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPredicate replaces the default quality predicate.
func WithPredicate(pred Predicate) PoolOption {
	return func(p *Pool) {
		if pred != nil {
			p.predicate = pred
		}
	}
}

// WithLogger sets the logger used to report skipped sources.
func WithLogger(log zerolog.Logger) PoolOption {
	return func(p *Pool) {
		p.log = log
	}
}

// Pool is the set of source events available for admixing. It only grows;
// events are shared by pointer with every accumulator that draws them.
type Pool struct {
	cm        pulse.ChannelMap
	predicate Predicate
	log       zerolog.Logger
	events    []*pulse.EventSnapshot
}

// NewPool returns an empty pool resolving channels through cm.
func NewPool(cm pulse.ChannelMap, opts ...PoolOption) *Pool {
	p := &Pool{
		cm:        cm,
		predicate: HasGoodVertexAndTrack,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Len returns the number of events in the pool.
func (p *Pool) Len() int { return len(p.events) }

// Event returns the i-th pooled event.
func (p *Pool) Event(i int) *pulse.EventSnapshot { return p.events[i] }

// Add appends an already built snapshot.
func (p *Pool) Add(ev *pulse.EventSnapshot) { p.events = append(p.events, ev) }

// Load reads every record of every source and appends the accepted ones.
// A nil open uses eventfile.OpenReader. Sources that cannot be opened are
// logged and skipped; ErrNoSources is returned if none could be opened.
// A malformed record aborts the load. Events appended before an error stay
// in the pool. Load returns the number of events accepted by this call.
func (p *Pool) Load(sources []string, open SourceOpener) (int, error) {
	if open == nil {
		open = eventfile.OpenReader
	}

	accepted, opened := 0, 0
	for _, src := range sources {
		r, err := open(src)
		if err != nil {
			p.log.Warn().Err(err).Str("source", src).Msg("skipping event source")
			continue
		}
		opened++

		n, err := p.loadFrom(r)
		accepted += n
		closeErr := r.Close()
		if err != nil {
			return accepted, fmt.Errorf("mixing: load %s: %w", src, err)
		}
		if closeErr != nil {
			return accepted, fmt.Errorf("mixing: close %s: %w", src, closeErr)
		}

		p.log.Debug().Str("source", src).Int("accepted", n).Msg("event source loaded")
	}

	if opened == 0 {
		return 0, ErrNoSources
	}

	return accepted, nil
}

func (p *Pool) loadFrom(r pulse.EventReader) (int, error) {
	n := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if !p.predicate(rec) {
			continue
		}

		snap, err := pulse.NewSnapshot(rec, p.cm)
		if err != nil {
			return n, err
		}
		p.events = append(p.events, snap)
		n++
	}
}
