package pulse

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownChannel is returned for a descriptor the map does not contain.
	ErrUnknownChannel = errors.New("pulse: unknown channel descriptor")
	// ErrChannelOutOfRange is returned for a channel id outside [0, ChannelCount).
	ErrChannelOutOfRange = errors.New("pulse: channel id out of range")
	// ErrDuplicateDescriptor is returned when a descriptor list repeats an entry.
	ErrDuplicateDescriptor = errors.New("pulse: duplicate channel descriptor")
)

// Descriptor identifies a physical channel by depth, pseudorapidity index,
// and azimuth index.
type Descriptor struct {
	Depth int
	IEta  int
	IPhi  int
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	return fmt.Sprintf("(%d,%d,%d)", d.Depth, d.IEta, d.IPhi)
}

// ChannelMap is a stable bijection between physical descriptors and dense
// channel ids in [0, ChannelCount()).
type ChannelMap interface {
	ChannelCount() int
	LinearIndex(d Descriptor) (int, error)
	Descriptor(id int) (Descriptor, error)
	// Neighbors returns the ids geometrically adjacent to id, in ascending order.
	Neighbors(id int) []int
}

// DenseMap is a table-driven ChannelMap. Channel ids follow the order of the
// descriptor list it was built from.
type DenseMap struct {
	descs     []Descriptor
	index     map[Descriptor]int
	neighbors [][]int
	maxIPhi   int
}

var _ ChannelMap = (*DenseMap)(nil)

// NewDenseMap builds a map from an explicit descriptor list.
func NewDenseMap(descs []Descriptor) (*DenseMap, error) {
	m := &DenseMap{
		descs: append([]Descriptor(nil), descs...),
		index: make(map[Descriptor]int, len(descs)),
	}

	for i, d := range m.descs {
		if _, dup := m.index[d]; dup {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateDescriptor, d)
		}
		m.index[d] = i
		if d.IPhi > m.maxIPhi {
			m.maxIPhi = d.IPhi
		}
	}

	m.buildNeighbors()

	return m, nil
}

// NewGridMap builds a map over a regular grid: depths 1..depths, ieta in
// [-etas, -1] and [1, etas], iphi 1..phis. Ids are assigned depth-major.
func NewGridMap(depths, etas, phis int) *DenseMap {
	descs := make([]Descriptor, 0, depths*2*etas*phis)
	for depth := 1; depth <= depths; depth++ {
		for ieta := -etas; ieta <= etas; ieta++ {
			if ieta == 0 {
				continue
			}
			for iphi := 1; iphi <= phis; iphi++ {
				descs = append(descs, Descriptor{Depth: depth, IEta: ieta, IPhi: iphi})
			}
		}
	}

	// A generated grid never repeats a descriptor.
	m, _ := NewDenseMap(descs)
	return m
}

// ChannelCount returns the number of channels in the map.
func (m *DenseMap) ChannelCount() int {
	return len(m.descs)
}

// LinearIndex returns the dense id of d.
func (m *DenseMap) LinearIndex(d Descriptor) (int, error) {
	id, ok := m.index[d]
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnknownChannel, d)
	}
	return id, nil
}

// Descriptor returns the physical descriptor of id.
func (m *DenseMap) Descriptor(id int) (Descriptor, error) {
	if id < 0 || id >= len(m.descs) {
		return Descriptor{}, fmt.Errorf("%w: %d", ErrChannelOutOfRange, id)
	}
	return m.descs[id], nil
}

// Neighbors returns the channels at the same depth whose ieta differs by at
// most one step (ieta -1 and +1 are adjacent) and whose iphi differs by at
// most one step, cyclically. The channel itself is excluded.
func (m *DenseMap) Neighbors(id int) []int {
	if id < 0 || id >= len(m.neighbors) {
		return nil
	}
	return m.neighbors[id]
}

func (m *DenseMap) buildNeighbors() {
	m.neighbors = make([][]int, len(m.descs))
	for id, d := range m.descs {
		var nb []int
		for _, eta := range adjacentEtas(d.IEta) {
			for _, phi := range m.adjacentPhis(d.IPhi) {
				c := Descriptor{Depth: d.Depth, IEta: eta, IPhi: phi}
				if c == d {
					continue
				}
				if other, ok := m.index[c]; ok {
					nb = append(nb, other)
				}
			}
		}
		sort.Ints(nb)
		m.neighbors[id] = dedupSorted(nb)
	}
}

func adjacentEtas(ieta int) []int {
	lo, hi := ieta-1, ieta+1
	if lo == 0 {
		lo = -1
	}
	if hi == 0 {
		hi = 1
	}
	return []int{lo, ieta, hi}
}

func (m *DenseMap) adjacentPhis(iphi int) []int {
	if m.maxIPhi <= 1 {
		return []int{iphi}
	}
	prev := iphi - 1
	if prev < 1 {
		prev = m.maxIPhi
	}
	next := iphi + 1
	if next > m.maxIPhi {
		next = 1
	}
	return []int{prev, iphi, next}
}

func dedupSorted(s []int) []int {
	if len(s) < 2 {
		return s
	}
	out := s[:1]
	for _, v := range s[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
