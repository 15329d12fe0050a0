// Package visualization renders slices of scalar volumes for inspection:
// grayscale slices with an intensity window, label overlays, and preview
// files in JPEG, PNG or WebP.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	"golang.org/x/image/draw"

	"labelmesh/internal/models"
)

// Window maps intensities to gray levels: Min is black, Max is white.
// A window with Max <= Min uses the volume's value range.
type Window struct {
	Min, Max float64
}

// ViewState selects what the viewer shows. The viewer keeps no state of
// its own; callers own the ViewState and pass it to every call.
type ViewState struct {
	// Axis is "x", "y" or "z", the axis normal to the slice
	Axis string

	// Position is the slice index along Axis
	Position int

	// Window is the intensity window
	Window Window
}

// Viewer extracts slices from a volume
type Viewer struct {
	volume *models.ScalarVolume

	// value range, used when a ViewState has no window
	lo, hi float64
}

// NewViewer creates a viewer over vol. The volume is not copied.
func NewViewer(vol *models.ScalarVolume) *Viewer {
	v := &Viewer{volume: vol}
	if len(vol.Data) > 0 {
		v.lo, v.hi = vol.Data[0], vol.Data[0]
		for _, x := range vol.Data {
			v.lo = math.Min(v.lo, x)
			v.hi = math.Max(v.hi, x)
		}
	}
	return v
}

// DefaultState shows the middle z slice with the full value range.
func (v *Viewer) DefaultState() ViewState {
	return ViewState{Axis: "z", Position: v.volume.Depth / 2}
}

// axisLength returns the number of slices along axis
func (v *Viewer) axisLength(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.volume.Width, nil
	case "y", "Y":
		return v.volume.Height, nil
	case "z", "Z":
		return v.volume.Depth, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// sliceGeometry returns the image size of a slice along axis and a
// function mapping image pixels to voxels.
func (v *Viewer) sliceGeometry(axis string, position int) (int, int, func(px, py int) (int, int, int)) {
	vol := v.volume
	switch axis {
	case "x", "X":
		// YZ plane
		return vol.Depth, vol.Height, func(px, py int) (int, int, int) { return position, py, px }
	case "y", "Y":
		// XZ plane
		return vol.Width, vol.Depth, func(px, py int) (int, int, int) { return px, position, py }
	default:
		// XY plane
		return vol.Width, vol.Height, func(px, py int) (int, int, int) { return px, py, position }
	}
}

func (v *Viewer) checkState(state ViewState) error {
	n, err := v.axisLength(state.Axis)
	if err != nil {
		return err
	}
	if state.Position < 0 {
		return fmt.Errorf("position must be non-negative")
	}
	if state.Position >= n {
		return fmt.Errorf("position %d exceeds %s size %d", state.Position, strings.ToLower(state.Axis), n)
	}
	return nil
}

// Slice renders the slice selected by state as a 16-bit grayscale image.
func (v *Viewer) Slice(state ViewState) (*image.Gray16, error) {
	if err := v.checkState(state); err != nil {
		return nil, err
	}
	lo, hi := state.Window.Min, state.Window.Max
	if hi <= lo {
		lo, hi = v.lo, v.hi
	}
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}

	w, h, voxel := v.sliceGeometry(state.Axis, state.Position)
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			x, y, z := voxel(px, py)
			value := math.Max(0, math.Min(65535, (v.volume.At(x, y, z)-lo)*scale))
			img.SetGray16(px, py, color.Gray16{Y: uint16(math.Round(value))})
		}
	}
	return img, nil
}

// ExtractSlice extracts a 2D slice along the specified axis with the
// volume's full value range
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	return v.Slice(ViewState{Axis: axis, Position: position})
}

// Render draws the slice selected by state and hands it to render.
func (v *Viewer) Render(state ViewState, render func(image.Image) error) error {
	img, err := v.Slice(state)
	if err != nil {
		return err
	}
	return render(v.Resample(img, state.Axis))
}

// Overlay blends the non-zero voxels of labels in red at half opacity
// over the slice selected by state.
func (v *Viewer) Overlay(labels *models.ScalarVolume, state ViewState) (*image.NRGBA, error) {
	if !v.volume.SameShape(labels) {
		return nil, fmt.Errorf("label volume %dx%dx%d does not match image volume %dx%dx%d",
			labels.Width, labels.Height, labels.Depth, v.volume.Width, v.volume.Height, v.volume.Depth)
	}
	base, err := v.Slice(state)
	if err != nil {
		return nil, err
	}

	w, h, voxel := v.sliceGeometry(state.Axis, state.Position)
	out := image.NewNRGBA(base.Bounds())
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			g := uint8(base.Gray16At(px, py).Y >> 8)
			c := color.NRGBA{R: g, G: g, B: g, A: 255}
			if labels.At(voxel(px, py)) != 0 {
				c.R = uint8((uint16(g) + 255) / 2)
				c.G = g / 2
				c.B = g / 2
			}
			out.SetNRGBA(px, py, c)
		}
	}
	return out, nil
}

// Resample stretches a slice so that its pixels are square in physical
// units. Slices with isotropic in-plane spacing are returned unchanged.
func (v *Viewer) Resample(img image.Image, axis string) image.Image {
	s := v.volume.Spacing
	var sx, sy float64
	switch axis {
	case "x", "X":
		sx, sy = s.Z, s.Y
	case "y", "Y":
		sx, sy = s.X, s.Z
	default:
		sx, sy = s.X, s.Y
	}
	if sx == sy || sx <= 0 || sy <= 0 {
		return img
	}
	unit := math.Min(sx, sy)
	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * sx / unit))
	h := int(math.Round(float64(b.Dy()) * sy / unit))
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// SaveSlice saves an image in the format given by the file extension:
// .jpg/.jpeg, .png or .webp
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	var encode func(io.Writer) error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		encode = func(w io.Writer) error { return jpeg.Encode(w, img, &jpeg.Options{Quality: 90}) }
	case ".png":
		encode = func(w io.Writer) error { return png.Encode(w, img) }
	case ".webp":
		encode = func(w io.Writer) error { return nativewebp.Encode(w, toNRGBA(img), nil) }
	default:
		return fmt.Errorf("unsupported image format: %s", filename)
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := encode(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// SaveSliceSequence renders every slice along axis into outputDir as
// slice_<axis>_<index>.<format>
func (v *Viewer) SaveSliceSequence(axis, outputDir, format string) error {
	n, err := v.axisLength(axis)
	if err != nil {
		return err
	}
	format = strings.TrimPrefix(strings.ToLower(format), ".")
	if format == "" {
		format = "png"
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < n; pos++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.%s", strings.ToLower(axis), pos, format))
		err := v.Render(ViewState{Axis: axis, Position: pos}, func(img image.Image) error {
			return v.SaveSlice(img, filename)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
