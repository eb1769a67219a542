package stack

import (
	"fmt"

	"astrostack/internal/frame"
)

// defaultRingCap bounds the median/sigma-clip buffer when no explicit
// max_frames limit is configured.
const defaultRingCap = 50

// accumulator holds the running combination state for one in-progress
// stack. The mean path keeps double-precision pixel sums; the median and
// sigma-clip paths retain a bounded FIFO of recent frames so the per-pixel
// sample population is available at snapshot time.
//
// The accumulator is not safe for concurrent use; the owning Stacker
// serializes access.
type accumulator struct {
	method  Method
	ringCap int

	width, height, channels int

	sum   []float64
	count int

	ring []*frame.Frame

	totalFolded int
	integration float64 // seconds of accumulated exposure
}

func newAccumulator(method Method, maxFrames int) *accumulator {
	cap := maxFrames
	if cap <= 0 {
		cap = defaultRingCap
	}
	return &accumulator{method: method, ringCap: cap}
}

// fold adds one frame to the running state. The first frame fixes the
// stack geometry; later frames with a different shape are rejected.
func (a *accumulator) fold(f *frame.Frame) error {
	if a.totalFolded == 0 {
		a.width, a.height, a.channels = f.Width, f.Height, f.Channels
	} else if f.Width != a.width || f.Height != a.height || f.Channels != a.channels {
		return fmt.Errorf("%w: got %dx%dx%d, stack is %dx%dx%d",
			frame.ErrDimensionMismatch, f.Width, f.Height, f.Channels,
			a.width, a.height, a.channels)
	}

	switch a.method {
	case MethodMedian, MethodSigmaClip:
		if len(a.ring) >= a.ringCap {
			// FIFO eviction keeps memory bounded.
			copy(a.ring, a.ring[1:])
			a.ring[len(a.ring)-1] = f
		} else {
			a.ring = append(a.ring, f)
		}
	default:
		if a.sum == nil {
			a.sum = make([]float64, len(f.Pix))
		}
		for i, v := range f.Pix {
			a.sum[i] += v
		}
		a.count++
	}

	a.totalFolded++
	a.integration += f.Settings.ExposureTime
	return nil
}

// frameCount reports how many frames back the current estimate: the ring
// length for median paths, the running count for mean.
func (a *accumulator) frameCount() int {
	switch a.method {
	case MethodMedian, MethodSigmaClip:
		return len(a.ring)
	default:
		return a.count
	}
}

// snapshotState returns an independent copy of the state needed to
// compose the current estimate, so composition can run outside the
// stacker's lock. Ring frames are immutable, so copying the pointer
// slice is enough.
func (a *accumulator) snapshotState() (sum []float64, count int, ring []*frame.Frame, w, h, c int) {
	if a.sum != nil {
		sum = make([]float64, len(a.sum))
		copy(sum, a.sum)
	}
	ring = make([]*frame.Frame, len(a.ring))
	copy(ring, a.ring)
	return sum, a.count, ring, a.width, a.height, a.channels
}

func (a *accumulator) reset() {
	a.sum = nil
	a.count = 0
	a.ring = nil
	a.totalFolded = 0
	a.integration = 0
	a.width, a.height, a.channels = 0, 0, 0
}
