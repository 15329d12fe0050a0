package volume

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"labelmesh/internal/logging"
	"labelmesh/internal/models"
	"labelmesh/internal/stageerr"
)

// supportedExtensions lists the slice image formats the loader decodes.
var supportedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
}

// LoadSliceStack loads a label volume stored as one grayscale image per z
// index. This function performs the following operations:
//  1. Reads all files from the directory
//  2. Filters for supported image formats (PNG, JPEG, TIFF, BMP)
//  3. Sorts the files by the number embedded in their names
//  4. Decodes each slice and copies its gray levels into the volume
//
// 8-bit images yield gray levels 0..255 and 16-bit grayscale images yield
// 0..65535, so integer label ids survive unchanged. All slices must have
// the dimensions of the first one.
func LoadSliceStack(dir string, spacing models.Spacing) (*models.ScalarVolume, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, stageerr.MissingInput(stageerr.StageLoader, "dir", dir, err)
	}

	var imageFiles []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if supportedExtensions[strings.ToLower(filepath.Ext(file.Name()))] {
			imageFiles = append(imageFiles, file.Name())
		}
	}
	if len(imageFiles) == 0 {
		return nil, stageerr.MissingInput(stageerr.StageLoader, "dir", dir,
			fmt.Errorf("no slice images found"))
	}

	// Slice order follows the number in the filename, ties by name
	sort.SliceStable(imageFiles, func(i, j int) bool {
		ni, nj := extractNumber(imageFiles[i]), extractNumber(imageFiles[j])
		if ni != nj {
			return ni < nj
		}
		return imageFiles[i] < imageFiles[j]
	})

	slices := make([]models.Slice, 0, len(imageFiles))
	for i, name := range imageFiles {
		img, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, stageerr.MissingInput(stageerr.StageLoader, "slice", name, err)
		}
		slices = append(slices, models.Slice{Image: img, Index: i, Filename: name})
	}

	vol, err := FromSlices(slices, spacing)
	if err != nil {
		return nil, err
	}
	logging.Diagf("loaded %d slices of %dx%d from %s", vol.Depth, vol.Width, vol.Height, dir)
	return vol, nil
}

// FromSlices stacks decoded slices into a volume along z.
func FromSlices(slices []models.Slice, spacing models.Spacing) (*models.ScalarVolume, error) {
	if len(slices) == 0 {
		return nil, stageerr.MissingInput(stageerr.StageLoader, "slices", 0, nil)
	}
	bounds := slices[0].Image.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	data := make([]float64, width*height*len(slices))

	for z, s := range slices {
		b := s.Image.Bounds()
		if b.Dx() != width || b.Dy() != height {
			return nil, stageerr.InvalidParameter(stageerr.StageLoader, "slice", s.Filename,
				"dimensions %dx%d differ from first slice %dx%d", b.Dx(), b.Dy(), width, height)
		}
		copy(data[z*width*height:], imageToFloat(s.Image))
	}
	return New(data, width, height, len(slices), spacing)
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}

// loadImage loads an image from a file
func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// imageToFloat converts a single image to a row-major float array of gray levels
func imageToFloat(img image.Image) []float64 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	data := make([]float64, width*height)

	if g16, ok := img.(*image.Gray16); ok {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				data[y*width+x] = float64(g16.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
		return data
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			gray := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			data[y*width+x] = float64(gray.Y)
		}
	}
	return data
}
