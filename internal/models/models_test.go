package models

import (
	"math"
	"testing"
)

// TestSigmaReconcileMedian verifies the 4D to 3D collapse is the per-voxel
// median across the gradient axis, for both odd and even axis lengths.
func TestSigmaReconcileMedian(t *testing.T) {
	v, err := NewVolume4D(2, 1, 1, 4)
	if err != nil {
		t.Fatalf("NewVolume4D failed: %v", err)
	}
	// Voxel (0,0,0): samples 1, 9, 3, 7 -> median (3+7)/2 = 5
	for g, s := range []float64{1, 9, 3, 7} {
		v.Set(0, 0, 0, g, s)
	}
	// Voxel (1,0,0): samples 2, 2, 2, 8 -> median 2
	for g, s := range []float64{2, 2, 2, 8} {
		v.Set(1, 0, 0, g, s)
	}

	f := NewSigmaPerVoxelPerVolume(v).ReconcileTo3D()
	if got := f.At(0, 0, 0); got != 5 {
		t.Errorf("Expected median 5 at (0,0,0), got %f", got)
	}
	if got := f.At(1, 0, 0); got != 2 {
		t.Errorf("Expected median 2 at (1,0,0), got %f", got)
	}
}

// TestSigmaReconcileSingleFrame checks the g=1 collapse returns the values
// unchanged.
func TestSigmaReconcileSingleFrame(t *testing.T) {
	v, _ := NewVolume4D(2, 2, 2, 1)
	for i := range v.Data {
		v.Data[i] = float64(i) * 1.5
	}
	f := NewSigmaPerVoxelPerVolume(v).ReconcileTo3D()
	for i := range f.Data {
		if f.Data[i] != v.Data[i] {
			t.Fatalf("Expected identity collapse at %d: got %f, want %f", i, f.Data[i], v.Data[i])
		}
	}
}

// TestSigmaBroadcast verifies the 3D field broadcasts uniformly across the
// gradient axis.
func TestSigmaBroadcast(t *testing.T) {
	f, _ := NewVolume3D(2, 2, 2)
	for i := range f.Data {
		f.Data[i] = float64(i)
	}
	v, err := NewSigmaPerVoxel(f).Broadcast4D(3)
	if err != nil {
		t.Fatalf("Broadcast4D failed: %v", err)
	}
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			for z := 0; z < 2; z++ {
				for g := 0; g < 3; g++ {
					if v.At(x, y, z, g) != f.At(x, y, z) {
						t.Fatalf("Broadcast mismatch at (%d,%d,%d,%d)", x, y, z, g)
					}
				}
			}
		}
	}
}

// TestSigmaValidateAgainst checks shape mismatches are rejected.
func TestSigmaValidateAgainst(t *testing.T) {
	data, _ := NewVolume4D(4, 4, 4, 3)
	wrong, _ := NewVolume3D(4, 4, 5)
	if err := NewSigmaPerVoxel(wrong).ValidateAgainst(data); err == nil {
		t.Error("Expected an error for a mismatched 3D sigma shape")
	}
	wrong4, _ := NewVolume4D(4, 4, 4, 2)
	if err := NewSigmaPerVoxelPerVolume(wrong4).ValidateAgainst(data); err == nil {
		t.Error("Expected an error for a mismatched 4D sigma shape")
	}
	ok3, _ := NewVolume3D(4, 4, 4)
	if err := NewSigmaPerVoxel(ok3).ValidateAgainst(data); err != nil {
		t.Errorf("Unexpected error for a matching sigma field: %v", err)
	}
}

// TestBlockDescriptorValidate exercises the fatal geometry checks.
func TestBlockDescriptorValidate(t *testing.T) {
	data, _ := NewVolume4D(8, 8, 8, 7)

	if err := (BlockDescriptor{Sx: 3, Sy: 3, Sz: 3, NAngular: 4}).Validate(data, 6); err != nil {
		t.Errorf("Unexpected error for a valid descriptor: %v", err)
	}
	if err := (BlockDescriptor{Sx: 9, Sy: 3, Sz: 3, NAngular: 4}).Validate(data, 6); err == nil {
		t.Error("Expected an error when the block exceeds the x extent")
	}
	if err := (BlockDescriptor{Sx: 3, Sy: 3, Sz: 0, NAngular: 4}).Validate(data, 6); err == nil {
		t.Error("Expected an error for a non-positive block extent")
	}
	if err := (BlockDescriptor{Sx: 3, Sy: 3, Sz: 3, NAngular: 7}).Validate(data, 6); err == nil {
		t.Error("Expected an error when angular neighbors exceed the DWI count")
	}
}

// TestGradientTableClassification verifies b0 threshold classification and
// vector normalization.
func TestGradientTableClassification(t *testing.T) {
	bvals := []float64{0, 5, 1000, 1000}
	bvecs := [][3]float64{{0, 0, 0}, {0, 0, 0}, {2, 0, 0}, {0, 3, 0}}
	table, err := NewGradientTable(bvals, bvecs, DefaultB0Threshold)
	if err != nil {
		t.Fatalf("NewGradientTable failed: %v", err)
	}

	if got := table.B0Indices(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("Expected b0 indices [0 1], got %v", got)
	}
	if got := table.DWIIndices(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("Expected DWI indices [2 3], got %v", got)
	}
	if math.Abs(table.Bvecs[2][0]-1) > 1e-12 {
		t.Errorf("Expected normalized x vector, got %v", table.Bvecs[2])
	}
	if math.Abs(table.Bvecs[3][1]-1) > 1e-12 {
		t.Errorf("Expected normalized y vector, got %v", table.Bvecs[3])
	}
}

// TestGradientTableNoB0 ensures the table degrades gracefully without b0s.
func TestGradientTableNoB0(t *testing.T) {
	table, err := NewGradientTable(
		[]float64{1000, 1000},
		[][3]float64{{1, 0, 0}, {0, 1, 0}},
		DefaultB0Threshold,
	)
	if err != nil {
		t.Fatalf("NewGradientTable failed: %v", err)
	}
	if got := table.B0Indices(); len(got) != 0 {
		t.Errorf("Expected no b0 indices, got %v", got)
	}
	if got := table.DWIIndices(); len(got) != 2 {
		t.Errorf("Expected 2 DWI indices, got %v", got)
	}
}

// TestWrapVolume4DMismatch checks the length invariant.
func TestWrapVolume4DMismatch(t *testing.T) {
	if _, err := WrapVolume4D(make([]float64, 10), 2, 2, 2, 2); err == nil {
		t.Error("Expected an error for a mismatched data length")
	}
	if _, err := WrapVolume4D(make([]float64, 16), 2, 2, 2, 2); err != nil {
		t.Errorf("Unexpected error for a matching data length: %v", err)
	}
}
