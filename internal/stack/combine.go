package stack

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"astrostack/internal/frame"
)

// Method enumerates the supported pixel combination algorithms.
type Method int

const (
	MethodMean Method = iota
	MethodMedian
	MethodSigmaClip
	MethodMinMax
)

func (m Method) String() string {
	switch m {
	case MethodMedian:
		return "median"
	case MethodSigmaClip:
		return "sigma-clip"
	case MethodMinMax:
		return "minmax"
	default:
		return "mean"
	}
}

// ParseMethod maps configuration strings to a Method. Unknown values fall
// back to mean, the cheapest and safest combiner.
func ParseMethod(s string) Method {
	switch s {
	case "median":
		return MethodMedian
	case "sigma", "sigma-clip", "sigma_clip":
		return MethodSigmaClip
	case "minmax", "min-max", "min_max":
		return MethodMinMax
	default:
		return MethodMean
	}
}

// ErrInsufficientFrames signals that a rejection method had too few
// samples and the caller degraded to a plain mean.
var ErrInsufficientFrames = errors.New("insufficient frames for rejection method")

// minRejectionFrames is the smallest population on which outlier
// rejection is statistically meaningful.
const minRejectionFrames = 3

// Combine collapses a set of same-shaped frames into one using the given
// method. Rejection methods with fewer than three frames degrade to a
// plain mean rather than failing. The returned count is the number of
// per-pixel samples excluded by rejection.
func Combine(frames []*frame.Frame, method Method, sigma float64) (*frame.Frame, int64, error) {
	if len(frames) == 0 {
		return nil, 0, errors.New("no frames to combine")
	}
	first := frames[0]
	for i, f := range frames[1:] {
		if !f.SameShape(first) {
			return nil, 0, fmt.Errorf("%w: frame %d is %dx%dx%d, expected %dx%dx%d",
				frame.ErrDimensionMismatch, i+1, f.Width, f.Height, f.Channels,
				first.Width, first.Height, first.Channels)
		}
	}
	if len(frames) == 1 {
		return frames[0].Clone(), 0, nil
	}
	if len(frames) < minRejectionFrames && method != MethodMean && method != MethodMedian {
		out, _, err := Combine(frames, MethodMean, 0)
		if err != nil {
			return nil, 0, err
		}
		return out, 0, ErrInsufficientFrames
	}

	out := frame.New(first.Width, first.Height, first.Channels)
	out.Settings = first.Settings
	out.Binning = first.Binning
	out.Timestamp = first.Timestamp
	out.RA, out.Dec, out.HasCoords = first.RA, first.Dec, first.HasCoords

	var rejected int64
	samples := make([]float64, len(frames))
	for i := range out.Pix {
		for j, f := range frames {
			samples[j] = f.Pix[i]
		}
		switch method {
		case MethodMedian:
			out.Pix[i] = medianOf(samples)
		case MethodSigmaClip:
			v, r := sigmaClip(samples, sigma)
			out.Pix[i] = v
			rejected += int64(r)
		case MethodMinMax:
			v, r := minMaxReject(samples)
			out.Pix[i] = v
			rejected += int64(r)
		default:
			out.Pix[i] = meanOf(samples)
		}
	}
	return out, rejected, nil
}

// sigmaClip masks samples deviating from the mean by more than
// sigma * std, then averages the survivors. When every sample is masked
// the unclipped mean is returned so the result is never NaN.
func sigmaClip(samples []float64, sigma float64) (float64, int) {
	mean := meanOf(samples)
	std := stdOf(samples, mean)
	if std == 0 {
		return mean, 0
	}
	limit := sigma * std
	sum := 0.0
	kept := 0
	for _, v := range samples {
		if math.Abs(v-mean) <= limit {
			sum += v
			kept++
		}
	}
	if kept == 0 {
		return mean, len(samples)
	}
	return sum / float64(kept), len(samples) - kept
}

// minMaxReject drops the single lowest and single highest sample before
// averaging. Populations below three are averaged untouched.
func minMaxReject(samples []float64) (float64, int) {
	if len(samples) < minRejectionFrames {
		return meanOf(samples), 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	trimmed := sorted[1 : len(sorted)-1]
	return meanOf(trimmed), 2
}

func meanOf(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

func stdOf(samples []float64, mean float64) float64 {
	if len(samples) <= 1 {
		return 0
	}
	sumSq := 0.0
	for _, v := range samples {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(samples)-1))
}

func medianOf(samples []float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
