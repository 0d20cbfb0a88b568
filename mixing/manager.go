package mixing

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrEmptyPool is returned when a mix needs events but the pool is empty.
var ErrEmptyPool = errors.New("mixing: event pool is empty")

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithScaleFactor sets the factor applied to all admixed charge. Default 1.
func WithScaleFactor(scale float64) ManagerOption {
	return func(m *Manager) {
		m.scale = scale
	}
}

// WithManagerLogger sets the logger used for per-mix debug output.
func WithManagerLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// Manager draws random mixtures from a pool.
type Manager struct {
	pool  *Pool
	dists Distributions
	scale float64
	log   zerolog.Logger
}

// NewManager returns a manager drawing from pool with the given distributions.
func NewManager(pool *Pool, dists Distributions, opts ...ManagerOption) (*Manager, error) {
	if pool == nil {
		return nil, errors.New("mixing: nil pool")
	}
	if dists.Events == nil || dists.Shifts == nil {
		return nil, fmt.Errorf("%w: missing distribution", ErrInvalidDistribution)
	}

	m := &Manager{
		pool:  pool,
		dists: dists,
		scale: 1,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m, nil
}

// Pool returns the pool the manager draws from.
func (m *Manager) Pool() *Pool { return m.pool }

// PrepareMix clears acc and fills it with a random mixture: the number of
// events n is drawn from the events distribution, then n times an event is
// picked uniformly from the pool followed by a shift draw. All randomness
// comes from r, so equal seeds reproduce equal mixtures.
func (m *Manager) PrepareMix(r Rand, acc *Accumulator) error {
	acc.Clear()

	n := m.dists.Events.Sample(r)
	if n <= 0 {
		return nil
	}
	if m.pool.Len() == 0 {
		return fmt.Errorf("%w: %d events requested", ErrEmptyPool, n)
	}

	for range n {
		ev := m.pool.Event(r.IntN(m.pool.Len()))
		shift := m.dists.Shifts.Sample(r)
		if err := acc.AddEvent(ev, shift, m.scale); err != nil {
			return err
		}
	}

	m.log.Debug().Int("events", n).Msg("mix prepared")

	return nil
}
