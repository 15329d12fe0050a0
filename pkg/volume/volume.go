// Package volume builds and validates the scalar volumes fed to the
// meshing pipeline: thresholding a label volume into a binary field,
// padding, range queries and affine handling.
package volume

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"labelmesh/internal/models"
	"labelmesh/internal/stageerr"
)

// New creates a volume of the given shape and spacing with a scaling affine.
// data is used as is, not copied.
func New(data []float64, width, height, depth int, spacing models.Spacing) (*models.ScalarVolume, error) {
	v := &models.ScalarVolume{
		Data:    data,
		Width:   width,
		Height:  height,
		Depth:   depth,
		Spacing: spacing,
		Affine:  models.ScaleAffine(spacing),
	}
	if err := Validate(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate checks the ScalarVolume invariants: positive dimensions and
// spacing, matching data length and an invertible affine.
func Validate(v *models.ScalarVolume) error {
	if v == nil {
		return stageerr.MissingInput(stageerr.StageLoader, "volume", nil, nil)
	}
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return stageerr.InvalidParameter(stageerr.StageLoader, "shape",
			[3]int{v.Width, v.Height, v.Depth}, "dimensions must be positive")
	}
	if len(v.Data) != v.Len() {
		return stageerr.InvalidParameter(stageerr.StageLoader, "data", len(v.Data),
			"expected %d voxels for shape %dx%dx%d", v.Len(), v.Width, v.Height, v.Depth)
	}
	for _, s := range v.Spacing.Array() {
		if !(s > 0) || math.IsInf(s, 0) {
			return stageerr.InvalidParameter(stageerr.StageLoader, "spacing", v.Spacing.Array(),
				"spacing values must be positive and finite")
		}
	}
	if det := mat.Det(AffineMatrix(v.Affine)); math.Abs(det) < 1e-12 || math.IsNaN(det) {
		return stageerr.InvalidParameter(stageerr.StageLoader, "affine", det, "affine is not invertible")
	}
	return nil
}

// AffineMatrix returns a copy of a row-major 4x4 affine as a gonum matrix.
func AffineMatrix(a [16]float64) *mat.Dense {
	data := make([]float64, 16)
	copy(data, a[:])
	return mat.NewDense(4, 4, data)
}

// Binarize produces the label field of v: voxels equal to label become 1,
// everything else 0. The input is not modified.
func Binarize(v *models.ScalarVolume, label int) *models.ScalarVolume {
	out := v.Clone()
	target := float64(label)
	for i, val := range v.Data {
		if val == target {
			out.Data[i] = 1
		} else {
			out.Data[i] = 0
		}
	}
	return out
}

// CountAbove returns the number of voxels with value >= level.
func CountAbove(v *models.ScalarVolume, level float64) int {
	n := 0
	for _, val := range v.Data {
		if val >= level {
			n++
		}
	}
	return n
}

// Range returns the minimum and maximum values in the volume.
func Range(v *models.ScalarVolume) (min, max float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	min, max = v.Data[0], v.Data[0]
	for _, val := range v.Data[1:] {
		if val < min {
			min = val
		}
		if val > max {
			max = val
		}
	}
	return min, max
}

// Labels returns the distinct integer labels present in the volume in
// ascending order. Non-integer values are ignored.
func Labels(v *models.ScalarVolume) []int {
	seen := make(map[int]bool)
	for _, val := range v.Data {
		if val == math.Trunc(val) {
			seen[int(val)] = true
		}
	}
	labels := make([]int, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Ints(labels)
	return labels
}

// Pad surrounds the volume with width voxels of the given value on every
// side. The affine is shifted so that padded voxels keep their physical
// positions.
func Pad(v *models.ScalarVolume, width int, value float64) *models.ScalarVolume {
	if width <= 0 {
		return v.Clone()
	}
	out := &models.ScalarVolume{
		Width:   v.Width + 2*width,
		Height:  v.Height + 2*width,
		Depth:   v.Depth + 2*width,
		Spacing: v.Spacing,
	}
	out.Data = make([]float64, out.Len())
	for i := range out.Data {
		out.Data[i] = value
	}
	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			src := v.Index(0, y, z)
			dst := out.Index(width, y+width, z+width)
			copy(out.Data[dst:dst+v.Width], v.Data[src:src+v.Width])
		}
	}

	// index' = index + width, so A' = A * T(-width)
	shift := mat.NewDense(4, 4, []float64{
		1, 0, 0, -float64(width),
		0, 1, 0, -float64(width),
		0, 0, 1, -float64(width),
		0, 0, 0, 1,
	})
	var padded mat.Dense
	padded.Mul(AffineMatrix(v.Affine), shift)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out.Affine[r*4+c] = padded.At(r, c)
		}
	}
	return out
}
