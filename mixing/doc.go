// Package mixing synthesizes pileup by admixing charge from a pool of
// historical events into target events.
//
// The expected usage pattern is:
//
//  1. Build a Pool and Load it from event sources once per job.
//  2. Load the two empirical distributions (number of events to admix and
//     time-slice shift per admixed event) from a distribution config file.
//  3. Create one Accumulator per job.
//  4. For every target event call Manager.PrepareMix with a caller-owned
//     random generator, then Accumulator.MixWithData to overlay the mixture
//     onto the target record.
//
// All randomness comes from the generator passed to PrepareMix, so a fixed
// seed reproduces the same sequence of draws.
//
// # Shift convention
//
// An event admixed with shift s is placed at time slice centralTS+s, which
// must lie in [0, NumTimeSlices). Output slice i receives the source charge
// at slice clamp(i-s, 0, NumTimeSlices-1): slices shifted in from beyond the
// readout window repeat the edge value rather than wrapping around or
// reading as zero.
package mixing

// Rand is the random source used for all mixing draws. *math/rand/v2.Rand
// satisfies it.
type Rand interface {
	// IntN returns a uniform integer in [0, n). It panics if n <= 0.
	IntN(n int) int
	// Float64 returns a uniform float in [0, 1).
	Float64() float64
}
