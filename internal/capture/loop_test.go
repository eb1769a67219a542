package capture

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"astrostack/internal/control"
	"astrostack/internal/frame"
	"astrostack/internal/stack"
)

type stubCamera struct {
	frames chan *frame.Frame
}

func (c *stubCamera) NextFrame(ctx context.Context) (*frame.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-c.frames:
		return f, nil
	}
}

type stubEphemeris struct{ inView bool }

func (e *stubEphemeris) SolarSystemBodyInView() bool { return e.inView }

type countingCalibrator struct{ calls atomic.Int64 }

func (c *countingCalibrator) Calibrate(f *frame.Frame) *frame.Frame {
	c.calls.Add(1)
	return f
}

func lightFrame(v float64) *frame.Frame {
	f := frame.New(4, 4, 1)
	for i := range f.Pix {
		f.Pix[i] = v
	}
	f.Settings = frame.Settings{ExposureTime: 2, Gain: 100, Offset: 30, ReadoutMode: 1}
	return f
}

func TestLoopFoldsCalibratedFrames(t *testing.T) {
	stacker := stack.NewStacker(stack.Config{
		Method:    stack.MethodMean,
		OutputDir: t.TempDir(),
	}, nil)
	ctrl := control.New(control.Config{MinFramesForStackSolve: 1}, stacker, nil)

	camera := &stubCamera{frames: make(chan *frame.Frame, 4)}
	cal := &countingCalibrator{}
	loop := NewLoop(camera, nil, ctrl, nil)
	loop.SetCalibrator(cal)
	loop.SetEphemeris(&stubEphemeris{inView: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	// One frame at a time: the hand-off slot keeps only the newest
	// unconsumed frame, so a burst could legitimately drop the first.
	for i, v := range []float64{100, 120} {
		camera.frames <- lightFrame(v)
		deadline := time.After(5 * time.Second)
		for stacker.FrameCount() < i+1 {
			select {
			case <-deadline:
				t.Fatalf("frame %d not folded: count=%d", i+1, stacker.FrameCount())
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	if got := cal.calls.Load(); got < 2 {
		t.Fatalf("calibrator saw %d frames, want at least 2", got)
	}
	if ctrl.SolveSource() != control.SourceSingleFrame {
		t.Fatalf("ephemeris body in view must force single-frame solving")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not stop on context cancel")
	}
}
