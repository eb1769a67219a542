package capture

import (
	"context"
	"log/slog"

	"astrostack/internal/control"
	"astrostack/internal/frame"
)

// Camera produces frames. NextFrame blocks until the next exposure
// completes or ctx is cancelled.
type Camera interface {
	NextFrame(ctx context.Context) (*frame.Frame, error)
}

// Mount reports the telescope pointing. Implementations return ok=false
// when no coordinates are available (mount disconnected, alt-az without
// sync).
type Mount interface {
	Pointing() (ra, dec float64, ok bool)
	Slewing() bool
}

// Calibrator corrects a light frame with matched master frames before it
// is folded. Implementations must not mutate the input.
type Calibrator interface {
	Calibrate(f *frame.Frame) *frame.Frame
}

// Ephemeris reports whether a solar system body sits in the current
// field of view, which forces plate solving onto single frames.
type Ephemeris interface {
	SolarSystemBodyInView() bool
}

// Loop wires a camera to a controller through a Latest slot: the
// producer side publishes every exposure without ever blocking on the
// stacker, the consumer side folds whatever is newest.
type Loop struct {
	camera Camera
	mount  Mount
	ctrl   *control.Controller
	latest *Latest
	calib  Calibrator
	eph    Ephemeris
	log    *slog.Logger
}

// NewLoop wires the acquisition loop. mount may be nil for fixed rigs.
func NewLoop(camera Camera, mount Mount, ctrl *control.Controller, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		camera: camera,
		mount:  mount,
		ctrl:   ctrl,
		latest: NewLatest(),
		log:    log,
	}
}

// Latest exposes the hand-off slot, for status reporting.
func (l *Loop) Latest() *Latest { return l.latest }

// SetCalibrator installs an optional calibration step applied to each
// frame before stacking. Must be called before Run.
func (l *Loop) SetCalibrator(c Calibrator) { l.calib = c }

// SetEphemeris installs an optional solar-system watch that steers the
// controller's solve-source selection. Must be called before Run.
func (l *Loop) SetEphemeris(e Ephemeris) { l.eph = e }

// Run starts the producer and consumer and blocks until ctx is
// cancelled or the camera fails.
func (l *Loop) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- l.produce(ctx) }()
	go l.consume(ctx)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) produce(ctx context.Context) error {
	for {
		f, err := l.camera.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		l.annotate(f)
		l.latest.Publish(f)
	}
}

func (l *Loop) annotate(f *frame.Frame) {
	if l.mount == nil {
		return
	}
	if ra, dec, ok := l.mount.Pointing(); ok {
		f.RA, f.Dec, f.HasCoords = ra, dec, true
	}
	f.Slewing = l.mount.Slewing()
}

func (l *Loop) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.latest.Ready():
		}
		f := l.latest.Take()
		if f == nil {
			continue
		}
		if l.calib != nil {
			f = l.calib.Calibrate(f)
		}
		if l.eph != nil {
			l.ctrl.SetSolarSystemTarget(l.eph.SolarSystemBodyInView())
		}
		if err := l.ctrl.HandleFrame(ctx, f); err != nil {
			l.log.Error("frame rejected", "error", err)
		}
	}
}
