package frame

import (
	"fmt"
	"time"
)

// Settings is the capture fingerprint used to match frames against
// compatible master calibration frames.
type Settings struct {
	ExposureTime float64 // seconds
	Gain         int
	Offset       int
	ReadoutMode  int
}

// Key renders a stable identifier suitable for filenames and index keys.
func (s Settings) Key() string {
	return fmt.Sprintf("exp%.3fs_g%d_o%d_r%d", s.ExposureTime, s.Gain, s.Offset, s.ReadoutMode)
}

// Frame is one captured exposure: a single- or three-channel pixel plane
// plus capture metadata. Pixel values live in the native 16-bit range
// [0, 65535] regardless of the source bit depth. A Frame is immutable
// once handed to the stacking core.
type Frame struct {
	Width    int
	Height   int
	Channels int
	Pix      []float64 // row-major, channel-interleaved

	Settings  Settings
	Binning   int
	Timestamp time.Time

	RA        float64 // degrees
	Dec       float64 // degrees
	HasCoords bool
	Slewing   bool
}

// New allocates a zeroed frame with the given geometry.
func New(width, height, channels int) *Frame {
	if channels < 1 {
		channels = 1
	}
	return &Frame{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]float64, width*height*channels),
	}
}

// SameShape reports whether two frames have identical pixel dimensions.
func (f *Frame) SameShape(other *Frame) bool {
	return f.Width == other.Width && f.Height == other.Height && f.Channels == other.Channels
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Pix = make([]float64, len(f.Pix))
	copy(c.Pix, f.Pix)
	return &c
}

// Gray collapses the frame to a single luminance plane. Single-channel
// frames return their pixel slice directly; callers must not mutate it.
func (f *Frame) Gray() []float64 {
	if f.Channels == 1 {
		return f.Pix
	}
	gray := make([]float64, f.Width*f.Height)
	for i := range gray {
		base := i * f.Channels
		sum := 0.0
		for c := 0; c < f.Channels; c++ {
			sum += f.Pix[base+c]
		}
		gray[i] = sum / float64(f.Channels)
	}
	return gray
}

// Sub returns f - other as a new frame, clamped at zero. Used for dark
// subtraction before flat combination.
func (f *Frame) Sub(other *Frame) (*Frame, error) {
	if !f.SameShape(other) {
		return nil, fmt.Errorf("%w: %dx%dx%d vs %dx%dx%d", ErrDimensionMismatch,
			f.Width, f.Height, f.Channels, other.Width, other.Height, other.Channels)
	}
	out := f.Clone()
	for i := range out.Pix {
		v := out.Pix[i] - other.Pix[i]
		if v < 0 {
			v = 0
		}
		out.Pix[i] = v
	}
	return out, nil
}

// Stats summarizes a frame's pixel distribution.
type Stats struct {
	Mean   float64
	Median float64
	Std    float64
	Min    float64
	Max    float64
}

// ComputeStats walks the pixel plane once (twice for the median).
func (f *Frame) ComputeStats() Stats {
	if len(f.Pix) == 0 {
		return Stats{}
	}
	st := Stats{Min: f.Pix[0], Max: f.Pix[0]}
	sum := 0.0
	for _, v := range f.Pix {
		sum += v
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
	}
	st.Mean = sum / float64(len(f.Pix))
	varsum := 0.0
	for _, v := range f.Pix {
		d := v - st.Mean
		varsum += d * d
	}
	st.Std = sqrt(varsum / float64(len(f.Pix)))
	st.Median = medianOf(f.Pix)
	return st
}
