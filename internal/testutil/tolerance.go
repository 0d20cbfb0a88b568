// Package testutil holds tolerance checks and deterministic synthetic
// detector data shared by the package tests.
package testutil

import (
	"fmt"
	"math"
	"testing"

	"github.com/cwbudde/hcal-chargemix/pulse"
)

// Float is the set of element types the tolerance helpers accept.
type Float interface {
	~float32 | ~float64
}

// RequireSliceNearlyEqual fails t if got and want differ in length or if
// any element pair differs by more than eps.
func RequireSliceNearlyEqual[T Float](t *testing.T, got, want []T, eps float64) {
	t.Helper()
	d, err := MaxAbsDiff(got, want)
	if err != nil {
		t.Fatal(err)
	}
	if d > eps || math.IsNaN(d) {
		t.Fatalf("max deviation %v > eps %v\n got:  %v\n want: %v", d, eps, got, want)
	}
}

// RequireTraceNearlyEqual is RequireSliceNearlyEqual for full readouts.
func RequireTraceNearlyEqual(t *testing.T, got, want [pulse.NumTimeSlices]float64, eps float64) {
	t.Helper()
	RequireSliceNearlyEqual(t, got[:], want[:], eps)
}

// MaxAbsDiff returns the largest element-wise deviation of a and b. A NaN
// on either side yields NaN.
func MaxAbsDiff[T Float](a, b []T) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("length mismatch: %d vs %d", len(a), len(b))
	}
	var m float64
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if math.IsNaN(d) {
			return d, nil
		}
		m = math.Max(m, d)
	}
	return m, nil
}
