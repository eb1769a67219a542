package stack

import (
	"image"
	"image/color"
	"image/png"
	"os"

	"astrostack/internal/frame"
	"astrostack/internal/fsutil"
)

// writePNG8 writes an 8-bit preview of f atomically. The 16-bit pixel
// range collapses to 8 bits by /257 so 65535 maps exactly to 255.
func writePNG8(path string, f *frame.Frame) error {
	rect := image.Rect(0, 0, f.Width, f.Height)
	var img image.Image
	if f.Channels >= 3 {
		rgba := image.NewRGBA(rect)
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				i := (y*f.Width + x) * f.Channels
				rgba.SetRGBA(x, y, color.RGBA{
					R: to8(f.Pix[i]),
					G: to8(f.Pix[i+1]),
					B: to8(f.Pix[i+2]),
					A: 255,
				})
			}
		}
		img = rgba
	} else {
		gray := image.NewGray(rect)
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				gray.SetGray(x, y, color.Gray{Y: to8(f.Pix[(y*f.Width+x)*f.Channels])})
			}
		}
		img = gray
	}
	return fsutil.WriteAtomic(path, func(w *os.File) error {
		return png.Encode(w, img)
	})
}

func to8(v float64) uint8 {
	v = v/257.0 + 0.5
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// writeFITS16 writes f as a 16-bit FITS file atomically.
func writeFITS16(path string, f *frame.Frame, meta frame.FITSMeta) error {
	return fsutil.WriteAtomic(path, func(w *os.File) error {
		return frame.EncodeFITS(w, f, meta)
	})
}
