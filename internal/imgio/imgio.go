// Package imgio loads camera output formats (TIFF, PNG) through
// ImageMagick. Kept separate from the core packages so everything else
// builds and tests without cgo.
package imgio

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"astrostack/internal/frame"
	"astrostack/internal/fsutil"
)

var initOnce sync.Once

// MagickLoader is a frame.Loader over ImageMagick-decodable formats.
type MagickLoader struct{}

// Supports reports whether path has a TIFF or PNG extension.
func (MagickLoader) Supports(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff", ".png":
		return true
	default:
		return false
	}
}

// Load decodes path into a frame. Pixel values come back normalized
// floats and are rescaled to the 16-bit working range. Capture settings
// are recovered from the path where possible; header-carrying formats
// should go through the FITS loader instead.
func (MagickLoader) Load(path string) (*frame.Frame, error) {
	initOnce.Do(imagick.Initialize)

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	width := int(mw.GetImageWidth())
	height := int(mw.GetImageHeight())
	channels := 3
	if mw.GetImageColorspace() == imagick.COLORSPACE_GRAY {
		channels = 1
	}
	chanMap := "RGB"
	if channels == 1 {
		chanMap = "I"
	}

	pixels, err := mw.ExportImagePixels(0, 0, uint(width), uint(height), chanMap, imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("export pixels from %s: %w", filepath.Base(path), err)
	}

	var floatPixels []float64
	switch v := pixels.(type) {
	case []float64:
		floatPixels = v
	case []float32:
		floatPixels = make([]float64, len(v))
		for i, val := range v {
			floatPixels[i] = float64(val)
		}
	default:
		return nil, fmt.Errorf("unexpected pixel type %T from %s", pixels, filepath.Base(path))
	}
	if len(floatPixels) != width*height*channels {
		return nil, fmt.Errorf("%s: got %d samples, expected %d",
			filepath.Base(path), len(floatPixels), width*height*channels)
	}

	f := frame.New(width, height, channels)
	for i, v := range floatPixels {
		f.Pix[i] = v * 65535.0
	}
	if exp, ok := fsutil.ExposureTimeFromPath(path); ok {
		f.Settings.ExposureTime = exp
	}
	return f, nil
}

// NewLoader builds the standard loader chain: FITS natively, TIFF and
// PNG through ImageMagick.
func NewLoader() frame.MultiLoader {
	return frame.MultiLoader{frame.FITSLoader{}, MagickLoader{}}
}
