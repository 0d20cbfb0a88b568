// Package pulse defines the calorimeter readout records shared by the mixing,
// archive, and filter-construction packages.
//
// A channel readout is digitized into NumTimeSlices fixed-width time slices.
// Readers hand out mutable EventRecord values keyed by the physical channel
// Descriptor; the mixing pool keeps immutable EventSnapshot values keyed by
// the dense channel id assigned by a ChannelMap.
//
// The channel map itself is an external collaborator. DenseMap is a generic
// table-driven bijection suitable for tools and tests; detector geometry is
// not computed here.
package pulse
