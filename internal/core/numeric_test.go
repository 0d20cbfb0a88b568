package core

import (
	"math"
	"testing"
)

func TestClampIndex(t *testing.T) {
	tests := []struct {
		name     string
		value    int
		lo       int
		hi       int
		expected int
	}{
		{name: "inside", value: 5, lo: 0, hi: 9, expected: 5},
		{name: "below", value: -2, lo: 0, hi: 9, expected: 0},
		{name: "above", value: 12, lo: 0, hi: 9, expected: 9},
		{name: "swapped", value: 12, lo: 9, hi: 0, expected: 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClampIndex(tt.value, tt.lo, tt.hi)
			if got != tt.expected {
				t.Fatalf("ClampIndex() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNearlyEqual(t *testing.T) {
	if !NearlyEqual(1.0, 1.0+1e-13, 1e-12) {
		t.Fatal("expected values to be nearly equal")
	}
	if NearlyEqual(1.0, 1.1, 1e-3) {
		t.Fatal("expected values to differ")
	}
}

func TestSameBits(t *testing.T) {
	nan := math.NaN()
	if !SameBits(nan, nan) {
		t.Fatal("NaN should match itself bitwise")
	}
	if SameBits(0, math.Copysign(0, -1)) {
		t.Fatal("0 and -0 should differ bitwise")
	}
	if !SameBitsSlice([]float64{1, nan}, []float64{1, nan}) {
		t.Fatal("slices should match")
	}
	if SameBitsSlice([]float64{1}, []float64{1, 2}) {
		t.Fatal("length mismatch should not match")
	}
}
