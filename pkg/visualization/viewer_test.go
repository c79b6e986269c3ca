package visualization

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"dmridenoise/internal/models"
)

func testField(t *testing.T) *models.Volume3D {
	t.Helper()
	f, err := models.NewVolume3D(4, 3, 2)
	if err != nil {
		t.Fatalf("Failed to create field: %v", err)
	}
	for i := range f.Data {
		f.Data[i] = float64(i)
	}
	return f
}

func TestExtractSlice(t *testing.T) {
	v := NewViewer(testField(t))

	for _, tc := range []struct {
		axis          string
		pos           int
		width, height int
	}{
		{"x", 0, 3, 2},
		{"y", 2, 4, 2},
		{"z", 1, 4, 3},
	} {
		img, err := v.ExtractSlice(tc.axis, tc.pos)
		if err != nil {
			t.Fatalf("ExtractSlice(%s, %d) failed: %v", tc.axis, tc.pos, err)
		}
		b := img.Bounds()
		if b.Dx() != tc.width || b.Dy() != tc.height {
			t.Errorf("Axis %s: expected %dx%d slice, got %dx%d", tc.axis, tc.width, tc.height, b.Dx(), b.Dy())
		}
	}
}

func TestExtractSliceScaling(t *testing.T) {
	f := testField(t)
	v := NewViewer(f)

	// The global minimum (index 0) must map to black, the maximum to white
	img, err := v.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("ExtractSlice failed: %v", err)
	}
	if g := img.At(0, 0).(color.Gray16); g.Y != 0 {
		t.Errorf("Expected minimum voxel to render black, got %d", g.Y)
	}

	img, err = v.ExtractSlice("z", 1)
	if err != nil {
		t.Fatalf("ExtractSlice failed: %v", err)
	}
	if g := img.At(3, 2).(color.Gray16); g.Y != 65535 {
		t.Errorf("Expected maximum voxel to render white, got %d", g.Y)
	}
}

func TestExtractSliceErrors(t *testing.T) {
	v := NewViewer(testField(t))

	if _, err := v.ExtractSlice("w", 0); err == nil {
		t.Error("Expected error for invalid axis")
	}
	if _, err := v.ExtractSlice("x", 4); err == nil {
		t.Error("Expected error for out-of-range position")
	}
	if _, err := v.ExtractSlice("x", -1); err == nil {
		t.Error("Expected error for negative position")
	}
}

func TestSaveSliceSequence(t *testing.T) {
	v := NewViewer(testField(t))
	dir := filepath.Join(t.TempDir(), "qc")

	if err := v.SaveSliceSequence("z", dir); err != nil {
		t.Fatalf("SaveSliceSequence failed: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read output dir: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 slice images, got %d", len(entries))
	}
}

func TestConstantFieldRendersWithoutDivideByZero(t *testing.T) {
	f, _ := models.NewVolume3D(2, 2, 2)
	for i := range f.Data {
		f.Data[i] = 7
	}
	v := NewViewer(f)
	if _, err := v.ExtractSlice("z", 0); err != nil {
		t.Fatalf("ExtractSlice on constant field failed: %v", err)
	}
}
