package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"astrostack/internal/frame"
)

// Config tunes one FrameStacker. Validated once at construction.
type Config struct {
	OutputDir string

	Method    Method  // MethodMean or MethodMedian
	SigmaClip bool    // apply sigma rejection at snapshot time (median path)
	Sigma     float64 // rejection threshold in std devs

	MaxFrames       int     // rollover bound for the mean path, ring capacity for median; 0 = default
	MaxIntegrationS float64 // rollover bound on accumulated exposure; 0 = unbounded

	Align        bool
	AlignCfg     AlignConfig
	AlignTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Sigma <= 0 {
		c.Sigma = 3.0
	}
	if c.AlignTimeout <= 0 {
		c.AlignTimeout = 2 * time.Second
	}
	return c
}

// Snapshot is the current best-estimate combined image plus session
// metadata. Non-destructive: taking one never mutates the stack.
type Snapshot struct {
	Combined    *frame.Frame
	FrameCount  int
	StartedAt   time.Time
	UpdatedAt   time.Time
	Integration float64
	RA, Dec     float64
	HasCoords   bool
}

// FinalizeResult describes the files written by a finalize/rollover.
type FinalizeResult struct {
	PNGPath    string
	FITSPath   string
	FrameCount int
	StartedAt  time.Time
	FinishedAt time.Time
	Trigger    string
	RA, Dec    float64
	HasCoords  bool
}

// Stacker owns one in-progress live stack: an accumulator, an aligner and
// the combine configuration. AddFrame must be called from a single
// consumer goroutine; Snapshot may be called concurrently, and holds the
// lock only long enough to copy accumulator state.
type Stacker struct {
	cfg     Config
	log     *slog.Logger
	aligner *Aligner

	mu           sync.Mutex
	acc          *accumulator
	startedAt    time.Time
	startRA      float64
	startDec     float64
	hasStart     bool
	lastSettings frame.Settings

	now func() time.Time
}

// NewStacker builds a Stacker writing finalized stacks under
// cfg.OutputDir.
func NewStacker(cfg Config, log *slog.Logger) *Stacker {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Stacker{
		cfg:     cfg,
		log:     log,
		aligner: NewAligner(cfg.AlignCfg),
		acc:     newAccumulator(cfg.Method, cfg.MaxFrames),
		now:     time.Now,
	}
}

// AddFrame validates, optionally aligns, and folds one frame into the
// stack. When an internal limit (max frames or max integration time) is
// reached the stack rolls over: the returned FinalizeResult is non-nil
// and the next AddFrame starts fresh.
func (s *Stacker) AddFrame(ctx context.Context, f *frame.Frame) (*FinalizeResult, error) {
	if f == nil {
		return nil, errors.New("nil frame")
	}

	folded := f
	if s.cfg.Align {
		if !s.aligner.HasReference() {
			s.aligner.SetReference(f)
		} else {
			actx, cancel := context.WithTimeout(ctx, s.cfg.AlignTimeout)
			aligned, err := s.aligner.Register(actx, f)
			cancel()
			if err != nil {
				if errors.Is(err, frame.ErrDimensionMismatch) {
					return nil, err
				}
				s.log.Warn("alignment failed, folding frame unaligned", "error", err)
			} else {
				folded = aligned
			}
		}
	}

	s.mu.Lock()
	if s.acc.totalFolded == 0 {
		s.startedAt = s.now()
		if f.HasCoords {
			s.startRA, s.startDec, s.hasStart = f.RA, f.Dec, true
		} else {
			s.hasStart = false
		}
	}
	if err := s.acc.fold(folded); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.lastSettings = f.Settings
	trigger := s.limitReachedLocked()
	s.mu.Unlock()

	if trigger == "" {
		return nil, nil
	}
	s.log.Info("stack limit reached, rolling over", "trigger", trigger)
	res, err := s.finalizeAndReset(trigger)
	if err != nil {
		return nil, fmt.Errorf("rollover on %s: %w", trigger, err)
	}
	return res, nil
}

// limitReachedLocked reports which internal limit, if any, the stack has
// hit. When both fire on the same frame only the first is reported; the
// rollover is a single event either way.
func (s *Stacker) limitReachedLocked() string {
	if s.cfg.MaxFrames > 0 && s.cfg.Method != MethodMedian && s.cfg.Method != MethodSigmaClip &&
		s.acc.frameCount() >= s.cfg.MaxFrames {
		return "max_frames"
	}
	if s.cfg.MaxIntegrationS > 0 && s.acc.integration >= s.cfg.MaxIntegrationS {
		return "max_integration"
	}
	return ""
}

// FrameCount reports the number of frames backing the current estimate.
func (s *Stacker) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acc.frameCount()
}

// StartCoords returns the sky coordinates captured with the first frame
// of the current stack.
func (s *Stacker) StartCoords() (ra, dec float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startRA, s.startDec, s.hasStart
}

// Snapshot composes the current best estimate. The accumulator state is
// copied under the lock; the combine math runs outside it so a slow
// reader never stalls the producer.
func (s *Stacker) Snapshot() (*Snapshot, error) {
	s.mu.Lock()
	sum, count, ring, w, h, c := s.acc.snapshotState()
	integration := s.acc.integration
	startedAt := s.startedAt
	ra, dec, hasCoords := s.startRA, s.startDec, s.hasStart
	settings := s.lastSettings
	s.mu.Unlock()

	var combined *frame.Frame
	switch {
	case len(ring) > 0:
		method := MethodMedian
		if s.cfg.SigmaClip && len(ring) >= minRejectionFrames {
			method = MethodSigmaClip
		}
		out, _, err := Combine(ring, method, s.cfg.Sigma)
		if err != nil && !errors.Is(err, ErrInsufficientFrames) {
			return nil, err
		}
		combined = out
	case count > 0:
		combined = frame.New(w, h, c)
		for i := range combined.Pix {
			combined.Pix[i] = sum[i] / float64(count)
		}
	default:
		return nil, nil
	}

	combined.Settings = settings
	combined.RA, combined.Dec, combined.HasCoords = ra, dec, hasCoords
	n := count
	if len(ring) > 0 {
		n = len(ring)
	}
	return &Snapshot{
		Combined:    combined,
		FrameCount:  n,
		StartedAt:   startedAt,
		UpdatedAt:   s.now(),
		Integration: integration,
		RA:          ra,
		Dec:         dec,
		HasCoords:   hasCoords,
	}, nil
}

// FinalizeAndReset persists the current snapshot and clears all
// accumulator state. An IO failure is surfaced with the stack preserved,
// so a retry can re-attempt the write without losing accumulated frames.
func (s *Stacker) FinalizeAndReset() (*FinalizeResult, error) {
	return s.finalizeAndReset("explicit")
}

func (s *Stacker) finalizeAndReset(trigger string) (*FinalizeResult, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	base := stackBaseName(snap.StartedAt, snap.RA, snap.Dec, snap.HasCoords, snap.FrameCount)
	pngPath := filepath.Join(s.cfg.OutputDir, base+".png")
	fitsPath := filepath.Join(s.cfg.OutputDir, base+".fits")

	if err := writePNG8(pngPath, snap.Combined); err != nil {
		return nil, fmt.Errorf("persist stack png: %w", err)
	}
	meta := frame.FITSMeta{
		FrameType:  "stack",
		NFrames:    snap.FrameCount,
		Method:     s.cfg.Method.String(),
		StackStart: snap.StartedAt,
		StackEnd:   snap.UpdatedAt,
	}
	if err := writeFITS16(fitsPath, snap.Combined, meta); err != nil {
		return nil, fmt.Errorf("persist stack fits: %w", err)
	}

	s.reset()
	s.log.Info("stack finalized",
		"trigger", trigger,
		"frames", snap.FrameCount,
		"png", pngPath,
		"fits", fitsPath,
	)
	return &FinalizeResult{
		PNGPath:    pngPath,
		FITSPath:   fitsPath,
		FrameCount: snap.FrameCount,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.UpdatedAt,
		Trigger:    trigger,
		RA:         snap.RA,
		Dec:        snap.Dec,
		HasCoords:  snap.HasCoords,
	}, nil
}

// WriteSnapshot persists the current estimate without resetting, for the
// periodic live preview written during accumulation.
func (s *Stacker) WriteSnapshot() (pngPath string, fitsPath string, err error) {
	snap, err := s.Snapshot()
	if err != nil || snap == nil {
		return "", "", err
	}
	ts := snap.UpdatedAt.Format("20060102_150405")
	pngPath = filepath.Join(s.cfg.OutputDir, fmt.Sprintf("live_%s.png", ts))
	fitsPath = filepath.Join(s.cfg.OutputDir, fmt.Sprintf("live_%s.fits", ts))
	if err := writePNG8(pngPath, snap.Combined); err != nil {
		return "", "", err
	}
	meta := frame.FITSMeta{
		FrameType:  "stack",
		NFrames:    snap.FrameCount,
		Method:     s.cfg.Method.String(),
		StackStart: snap.StartedAt,
		StackEnd:   snap.UpdatedAt,
	}
	if err := writeFITS16(fitsPath, snap.Combined, meta); err != nil {
		return "", "", err
	}
	return pngPath, fitsPath, nil
}

// Reset drops all accumulator state without persisting.
func (s *Stacker) Reset() { s.reset() }

func (s *Stacker) reset() {
	s.mu.Lock()
	s.acc.reset()
	s.hasStart = false
	s.startedAt = time.Time{}
	s.mu.Unlock()
	s.aligner.Reset()
}

// stackBaseName builds the rollover file name from session timestamp,
// rounded coordinates and frame count.
func stackBaseName(started time.Time, ra, dec float64, hasCoords bool, count int) string {
	ts := started.Format("20060102_150405")
	if hasCoords {
		return fmt.Sprintf("stack_%s_RA%.2f_DEC%.2f_n%d", ts, ra, dec, count)
	}
	return fmt.Sprintf("stack_%s_n%d", ts, count)
}
