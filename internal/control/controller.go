package control

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"astrostack/internal/frame"
	"astrostack/internal/stack"
)

// State is the controller's accumulation phase.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateRollingOver
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateRollingOver:
		return "rolling_over"
	default:
		return "unknown"
	}
}

// SourceKind selects which image downstream consumers (plate solving,
// preview) should read from.
type SourceKind int

const (
	SourceSingleFrame SourceKind = iota
	SourceStack
)

func (k SourceKind) String() string {
	if k == SourceStack {
		return "stack"
	}
	return "single_frame"
}

// Event is a controller state change broadcast to subscribers.
type Event struct {
	Type    string // "state", "rollover", "snapshot"
	State   State
	Trigger string
	Time    time.Time
	Result  *stack.FinalizeResult
}

// Config tunes rollover and source-selection behavior.
type Config struct {
	MovementResetArcmin    float64 // pointing drift that forces a rollover
	MinFramesForStackSolve int     // below this, solve on the single frame
	SolarSystemTarget      bool    // planets/moon always solve on the single frame
	SnapshotInterval       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MovementResetArcmin <= 0 {
		c.MovementResetArcmin = 5
	}
	if c.MinFramesForStackSolve <= 0 {
		c.MinFramesForStackSolve = 5
	}
	return c
}

// Controller drives one Stacker from an incoming frame sequence: it
// decides when the stack rolls over (mount slewing, pointing drift, the
// stacker's own limits) and which source downstream consumers should
// use. HandleFrame must be called from a single goroutine.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	stacker *stack.Stacker

	mu           sync.Mutex
	state        State
	solarSystem  bool
	lastSnapshot time.Time
	subscribers  []chan Event

	now func() time.Time
}

// New wires a controller around an existing stacker.
func New(cfg Config, stacker *stack.Stacker, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:         cfg.withDefaults(),
		log:         log,
		stacker:     stacker,
		state:       StateIdle,
		solarSystem: cfg.SolarSystemTarget,
		now:         time.Now,
	}
}

// State reports the current phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a listener for controller events. Publishing is
// non-blocking; a slow listener loses events rather than stalling the
// frame path.
func (c *Controller) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

func (c *Controller) publish(ev Event) {
	c.mu.Lock()
	subs := c.subscribers
	c.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// HandleFrame feeds one captured frame through the rollover rules and
// into the stacker. Frames captured while the mount reports slewing
// trigger a rollover and are discarded, not folded.
func (c *Controller) HandleFrame(ctx context.Context, f *frame.Frame) error {
	if f.Slewing {
		c.rollover("slewing")
		return nil
	}

	if trigger := c.movementTrigger(f); trigger != "" {
		c.rollover(trigger)
	}

	res, err := c.stacker.AddFrame(ctx, f)
	if err != nil {
		return err
	}
	if res != nil {
		// The stacker hit an internal limit and already rolled over.
		c.emitRollover(res)
	}

	c.setState(StateAccumulating)
	c.maybeWriteSnapshot()
	return nil
}

// movementTrigger reports "movement" when the frame's pointing has
// drifted from the stack's start coordinates beyond the configured
// threshold.
func (c *Controller) movementTrigger(f *frame.Frame) string {
	if !f.HasCoords {
		return ""
	}
	ra, dec, ok := c.stacker.StartCoords()
	if !ok {
		return ""
	}
	if sep := separationArcmin(ra, dec, f.RA, f.Dec); sep > c.cfg.MovementResetArcmin {
		c.log.Info("pointing moved beyond reset threshold",
			"separation_arcmin", sep,
			"threshold_arcmin", c.cfg.MovementResetArcmin,
		)
		return "movement"
	}
	return ""
}

// rollover finalizes the current stack. Triggers landing while a
// rollover is already in flight are ignored: one physical event (a slew
// that also moves the pointing) produces exactly one rollover.
func (c *Controller) rollover(trigger string) {
	c.mu.Lock()
	if c.state == StateRollingOver {
		c.mu.Unlock()
		return
	}
	if c.stacker.FrameCount() == 0 {
		c.state = StateIdle
		c.mu.Unlock()
		return
	}
	c.state = StateRollingOver
	c.mu.Unlock()

	res, err := c.stacker.FinalizeAndReset()
	if err != nil {
		// Stack preserved; we stay accumulating and retry on the next
		// trigger.
		c.log.Error("rollover finalize failed, stack retained",
			"trigger", trigger, "error", err)
		c.setState(StateAccumulating)
		return
	}
	if res != nil {
		res.Trigger = trigger
		c.emitRollover(res)
	}
	c.setState(StateIdle)
}

func (c *Controller) emitRollover(res *stack.FinalizeResult) {
	c.log.Info("stack rolled over",
		"trigger", res.Trigger,
		"frames", res.FrameCount,
		"fits", res.FITSPath,
	)
	c.publish(Event{
		Type:    "rollover",
		State:   c.State(),
		Trigger: res.Trigger,
		Time:    c.now(),
		Result:  res,
	})
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.publish(Event{Type: "state", State: s, Time: c.now()})
	}
}

func (c *Controller) maybeWriteSnapshot() {
	if c.cfg.SnapshotInterval <= 0 {
		return
	}
	c.mu.Lock()
	due := c.now().Sub(c.lastSnapshot) >= c.cfg.SnapshotInterval
	if due {
		c.lastSnapshot = c.now()
	}
	c.mu.Unlock()
	if !due {
		return
	}
	png, fits, err := c.stacker.WriteSnapshot()
	if err != nil {
		c.log.Warn("periodic snapshot write failed", "error", err)
		return
	}
	if png != "" {
		c.publish(Event{Type: "snapshot", State: c.State(), Time: c.now()})
		c.log.Debug("snapshot written", "png", png, "fits", fits)
	}
}

// SetSolarSystemTarget overrides the configured target kind at runtime,
// typically driven by an ephemeris watching the field of view.
func (c *Controller) SetSolarSystemTarget(on bool) {
	c.mu.Lock()
	c.solarSystem = on
	c.mu.Unlock()
}

// SolveSource picks the image downstream solvers should use. Solar
// system targets always solve on the latest single frame; deep-sky
// targets switch to the stack once enough frames have accumulated.
func (c *Controller) SolveSource() SourceKind {
	c.mu.Lock()
	solar := c.solarSystem
	c.mu.Unlock()
	if solar {
		return SourceSingleFrame
	}
	if c.stacker.FrameCount() >= c.cfg.MinFramesForStackSolve {
		return SourceStack
	}
	return SourceSingleFrame
}

// separationArcmin is the great-circle distance between two equatorial
// positions, inputs in degrees, result in arcminutes.
func separationArcmin(ra1, dec1, ra2, dec2 float64) float64 {
	const degToRad = math.Pi / 180
	p1, p2 := dec1*degToRad, dec2*degToRad
	dRA := (ra2 - ra1) * degToRad
	dDec := p2 - p1

	sinDec := math.Sin(dDec / 2)
	sinRA := math.Sin(dRA / 2)
	a := sinDec*sinDec + math.Cos(p1)*math.Cos(p2)*sinRA*sinRA
	return 2 * math.Asin(math.Sqrt(a)) / degToRad * 60
}
