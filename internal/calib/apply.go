package calib

import (
	"astrostack/internal/frame"
)

// Applied reports which masters a calibration pass used.
type Applied struct {
	Dark *Master
	Flat *Master
}

// Apply calibrates a light frame: best-matching dark subtracted, then
// division by the flat relative to its mean. Masters whose geometry does
// not match the light are skipped, so a camera reconfiguration never
// corrupts a frame. The input is not modified.
func (m *Matcher) Apply(f *frame.Frame) (*frame.Frame, Applied) {
	out := f.Clone()
	var used Applied

	if dark, ok := m.FindDark(f.Settings); ok && dark.Frame.SameShape(f) {
		if sub, err := out.Sub(dark.Frame); err == nil {
			out = sub
			used.Dark = dark
		}
	}

	if flat, ok := m.FindFlat(f.Settings); ok && flat.Frame.SameShape(f) {
		stats := flat.Frame.ComputeStats()
		if stats.Mean > 0 {
			for i, v := range out.Pix {
				gain := flat.Frame.Pix[i] / stats.Mean
				if gain < 1e-6 {
					continue
				}
				v /= gain
				if v > 65535 {
					v = 65535
				}
				out.Pix[i] = v
			}
			used.Flat = flat
		}
	}

	return out, used
}

// Calibrate is Apply without the usage report, for callers that only
// need the corrected frame.
func (m *Matcher) Calibrate(f *frame.Frame) *frame.Frame {
	out, _ := m.Apply(f)
	return out
}
