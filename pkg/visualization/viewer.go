// Package visualization exports quality-control images of 3D fields: sigma
// maps and individual denoised gradient volumes rendered as grayscale slice
// sequences.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"dmridenoise/internal/models"
)

// Viewer renders a 3D field as grayscale slices. Intensities are scaled to
// the field's own min/max range.
type Viewer struct {
	field    *models.Volume3D
	lo, span float64
}

// NewViewer creates a viewer over a 3D field.
func NewViewer(field *models.Volume3D) *Viewer {
	lo, hi := field.Data[0], field.Data[0]
	for _, v := range field.Data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}
	return &Viewer{field: field, lo: lo, span: span}
}

func (v *Viewer) gray(val float64) color.Gray16 {
	t := (val - v.lo) / v.span
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return color.Gray16{Y: uint16(t * 65535)}
}

// ExtractSlice renders a 2D slice of the field along the given axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	f := v.field
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	switch axis {
	case "x", "X":
		if position >= f.Nx {
			return nil, fmt.Errorf("position %d exceeds x extent %d", position, f.Nx)
		}
		img := image.NewGray16(image.Rect(0, 0, f.Ny, f.Nz))
		for y := 0; y < f.Ny; y++ {
			for z := 0; z < f.Nz; z++ {
				img.SetGray16(y, z, v.gray(f.At(position, y, z)))
			}
		}
		return img, nil

	case "y", "Y":
		if position >= f.Ny {
			return nil, fmt.Errorf("position %d exceeds y extent %d", position, f.Ny)
		}
		img := image.NewGray16(image.Rect(0, 0, f.Nx, f.Nz))
		for x := 0; x < f.Nx; x++ {
			for z := 0; z < f.Nz; z++ {
				img.SetGray16(x, z, v.gray(f.At(x, position, z)))
			}
		}
		return img, nil

	case "z", "Z":
		if position >= f.Nz {
			return nil, fmt.Errorf("position %d exceeds z extent %d", position, f.Nz)
		}
		img := image.NewGray16(image.Rect(0, 0, f.Nx, f.Ny))
		for x := 0; x < f.Nx; x++ {
			for y := 0; y < f.Ny; y++ {
				img.SetGray16(x, y, v.gray(f.At(x, y, position)))
			}
		}
		return img, nil
	}

	return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// SaveSlice saves a rendered slice as a PNG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveSliceSequence renders and saves every slice along the given axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.field.Nx
	case "y", "Y":
		maxPos = v.field.Ny
	case "z", "Z":
		maxPos = v.field.Nz
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
