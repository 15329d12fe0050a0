package models

import (
	"image"
)

// Slice represents a single 2D slice of a label stack with metadata
type Slice struct {
	// Image is the actual slice image data
	Image image.Image

	// Index is the position of this slice in the sequence
	Index int

	// Filename is the original filename of the slice
	Filename string
}

// Spacing is the physical size of a voxel along x, y and z
type Spacing struct {
	X, Y, Z float64
}

// Min returns the smallest of the three spacings
func (s Spacing) Min() float64 {
	m := s.X
	if s.Y < m {
		m = s.Y
	}
	if s.Z < m {
		m = s.Z
	}
	return m
}

// Array returns the spacing as an [x, y, z] array
func (s Spacing) Array() [3]float64 {
	return [3]float64{s.X, s.Y, s.Z}
}

// ScalarVolume is a 3D scalar field sampled on a regular grid
type ScalarVolume struct {
	// Data is the 3D volume data as a 1D array, x varying fastest
	Data []float64

	// Width is the size of the volume along x in voxels
	Width int

	// Height is the size of the volume along y in voxels
	Height int

	// Depth is the size of the volume along z in voxels
	Depth int

	// Spacing is the physical size of each voxel
	Spacing Spacing

	// Affine maps voxel indices (i, j, k, 1) to physical coordinates.
	// Row-major 4x4.
	Affine [16]float64
}

// Index returns the offset of voxel (x, y, z) in Data
func (v *ScalarVolume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the value of voxel (x, y, z)
func (v *ScalarVolume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores the value of voxel (x, y, z)
func (v *ScalarVolume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Len returns the number of voxels
func (v *ScalarVolume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Clone returns a deep copy of the volume
func (v *ScalarVolume) Clone() *ScalarVolume {
	out := *v
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}

// SameShape reports whether o has the same dimensions as v
func (v *ScalarVolume) SameShape(o *ScalarVolume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// ScaleAffine returns the affine diag(sx, sy, sz, 1)
func ScaleAffine(s Spacing) [16]float64 {
	return [16]float64{
		s.X, 0, 0, 0,
		0, s.Y, 0, 0,
		0, 0, s.Z, 0,
		0, 0, 0, 1,
	}
}
