package volume

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelmesh/internal/models"
	"labelmesh/internal/stageerr"
)

func unitSpacing() models.Spacing {
	return models.Spacing{X: 1, Y: 1, Z: 1}
}

func TestNewValidates(t *testing.T) {
	_, err := New(make([]float64, 8), 2, 2, 2, unitSpacing())
	require.NoError(t, err)

	_, err = New(make([]float64, 7), 2, 2, 2, unitSpacing())
	assert.True(t, errors.Is(err, stageerr.ErrInvalidParameter))

	_, err = New(make([]float64, 8), 2, 2, 2, models.Spacing{X: 1, Y: 0, Z: 1})
	assert.True(t, errors.Is(err, stageerr.ErrInvalidParameter))
	assert.Contains(t, err.Error(), "spacing")

	_, err = New(make([]float64, 8), 2, 2, 2, models.Spacing{X: 1, Y: -2, Z: 1})
	assert.True(t, errors.Is(err, stageerr.ErrInvalidParameter))
}

func TestValidateRejectsSingularAffine(t *testing.T) {
	v, err := New(make([]float64, 8), 2, 2, 2, unitSpacing())
	require.NoError(t, err)

	v.Affine[10] = 0 // zero the z scale
	err = Validate(v)
	assert.True(t, errors.Is(err, stageerr.ErrInvalidParameter))
	assert.Contains(t, err.Error(), "affine")
}

func TestBinarize(t *testing.T) {
	v, err := New([]float64{0, 1, 2, 1, 3, 1, 0, 2}, 2, 2, 2, unitSpacing())
	require.NoError(t, err)

	field := Binarize(v, 1)
	assert.Equal(t, []float64{0, 1, 0, 1, 0, 1, 0, 0}, field.Data)
	// input untouched
	assert.Equal(t, 2.0, v.Data[2])
	assert.Equal(t, []int{0, 1, 2, 3}, Labels(v))
	assert.Equal(t, 3, CountAbove(field, 0.5))
}

func TestRange(t *testing.T) {
	v, err := New([]float64{3, -1, 2, 7, 0, 0, 0, 1}, 2, 2, 2, unitSpacing())
	require.NoError(t, err)

	min, max := Range(v)
	assert.Equal(t, -1.0, min)
	assert.Equal(t, 7.0, max)
}

func TestPadKeepsPhysicalPositions(t *testing.T) {
	spacing := models.Spacing{X: 2, Y: 3, Z: 4}
	data := make([]float64, 2*2*2)
	for i := range data {
		data[i] = float64(i + 1)
	}
	v, err := New(data, 2, 2, 2, spacing)
	require.NoError(t, err)

	p := Pad(v, 1, 0)
	assert.Equal(t, 4, p.Width)
	assert.Equal(t, 4, p.Height)
	assert.Equal(t, 4, p.Depth)
	assert.Equal(t, 0.0, p.At(0, 0, 0))
	assert.Equal(t, v.At(1, 1, 1), p.At(2, 2, 2))
	assert.Equal(t, v.At(0, 1, 0), p.At(1, 2, 1))

	// padded voxel (1,1,1) is original voxel (0,0,0) at the origin
	assert.InDelta(t, -2.0, p.Affine[3], 1e-12)
	assert.InDelta(t, -3.0, p.Affine[7], 1e-12)
	assert.InDelta(t, -4.0, p.Affine[11], 1e-12)
	require.NoError(t, Validate(p))
}

func writeSlice(t *testing.T, dir, name string, width, height int, value func(x, y int) uint8) {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: value(x, y)})
		}
	}
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestLoadSliceStackOrdersByNumber(t *testing.T) {
	dir := t.TempDir()
	// written out of order, slice_10 must come last
	for _, z := range []int{10, 2, 1} {
		z := z
		writeSlice(t, dir, fmt.Sprintf("slice_%d.png", z), 3, 2, func(x, y int) uint8 {
			return uint8(z)
		})
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	v, err := LoadSliceStack(dir, models.Spacing{X: 0.5, Y: 0.5, Z: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, v.Width)
	assert.Equal(t, 2, v.Height)
	assert.Equal(t, 3, v.Depth)
	assert.Equal(t, 1.0, v.At(0, 0, 0))
	assert.Equal(t, 2.0, v.At(2, 1, 1))
	assert.Equal(t, 10.0, v.At(1, 0, 2))
	assert.Equal(t, 2.0, v.Affine[10])
}

func TestLoadSliceStackMissingInput(t *testing.T) {
	_, err := LoadSliceStack(filepath.Join(t.TempDir(), "absent"), unitSpacing())
	assert.True(t, errors.Is(err, stageerr.ErrMissingInput))
	assert.Equal(t, stageerr.StageLoader, stageerr.StageOf(err))

	_, err = LoadSliceStack(t.TempDir(), unitSpacing())
	assert.True(t, errors.Is(err, stageerr.ErrMissingInput))
}

func TestLoadSliceStackRejectsMismatchedSlices(t *testing.T) {
	dir := t.TempDir()
	writeSlice(t, dir, "s1.png", 3, 3, func(x, y int) uint8 { return 0 })
	writeSlice(t, dir, "s2.png", 4, 3, func(x, y int) uint8 { return 0 })

	_, err := LoadSliceStack(dir, unitSpacing())
	assert.True(t, errors.Is(err, stageerr.ErrInvalidParameter))
}

func TestExtractNumber(t *testing.T) {
	assert.Equal(t, 12, extractNumber("slice_012.png"))
	assert.Equal(t, 0, extractNumber("slice.png"))
	assert.Equal(t, 7, extractNumber("/tmp/a/7.tif"))
}
