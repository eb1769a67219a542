package master

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"astrostack/internal/calib"
	"astrostack/internal/frame"
	"astrostack/internal/fsutil"
	"astrostack/internal/stack"
)

// NormMethod selects how a master flat is scaled before use.
type NormMethod string

const (
	NormNone   NormMethod = "none"
	NormMean   NormMethod = "mean"
	NormMedian NormMethod = "median"
	NormMax    NormMethod = "max"
)

// ParseNorm maps a config string to a NormMethod.
func ParseNorm(s string) (NormMethod, error) {
	switch NormMethod(s) {
	case NormNone, NormMean, NormMedian, NormMax:
		return NormMethod(s), nil
	case "":
		return NormMean, nil
	default:
		return "", fmt.Errorf("unknown normalization method %q", s)
	}
}

// Config tunes one builder run.
type Config struct {
	MastersDir string

	Method       stack.Method // rejection combine, sigma-clip or minmax
	Sigma        float64
	Norm         NormMethod // flats only
	MaxFrames    int        // cap on frames folded per group; 0 = all
	BiasExposure float64    // groups at or below this exposure become bias masters
}

func (c Config) withDefaults() Config {
	if c.Sigma <= 0 {
		c.Sigma = 3.0
	}
	if c.Norm == "" {
		c.Norm = NormMean
	}
	return c
}

// Result describes one built master.
type Result struct {
	Kind     calib.Kind
	Path     string
	Settings frame.Settings
	NFrames  int
	Rejected int64
	Stats    frame.Stats
}

// Builder turns directories of raw calibration frames into master FITS
// files. Darks and bias are grouped per exposure subdirectory; flats
// are dark-subtracted before combining and normalized after.
type Builder struct {
	cfg     Config
	loader  frame.Loader
	matcher *calib.Matcher
	log     *slog.Logger
}

// NewBuilder wires a builder. matcher is only consulted when building
// flats and may be nil otherwise.
func NewBuilder(cfg Config, loader frame.Loader, matcher *calib.Matcher, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{cfg: cfg.withDefaults(), loader: loader, matcher: matcher, log: log}
}

// BuildDarks combines every exp_<t>s subdirectory of rawDir into a
// master dark, or a master bias when the group exposure is at or below
// the configured bias exposure. Groups that fail are logged and skipped.
func (b *Builder) BuildDarks(rawDir string) ([]Result, error) {
	dirs, err := fsutil.ExposureDirs(rawDir)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		// Flat layout: treat rawDir itself as a single group.
		dirs = []string{rawDir}
	}

	var results []Result
	var firstErr error
	for _, dir := range dirs {
		res, err := b.buildDarkGroup(dir)
		if err != nil {
			b.log.Error("master dark build failed", "dir", dir, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, *res)
	}
	if len(results) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (b *Builder) buildDarkGroup(dir string) (*Result, error) {
	frames, err := b.loadGroup(dir)
	if err != nil {
		return nil, err
	}

	kind := calib.KindDark
	if b.cfg.BiasExposure > 0 && frames[0].Settings.ExposureTime <= b.cfg.BiasExposure {
		kind = calib.KindBias
	}

	combined, rejected, err := b.combine(frames)
	if err != nil {
		return nil, err
	}
	return b.write(kind, combined, len(frames), rejected)
}

// BuildFlats combines the frames under rawDir into a master flat. Each
// frame is dark-subtracted via the matcher before combining, and the
// combined flat is normalized with the configured method.
func (b *Builder) BuildFlats(rawDir string) (*Result, error) {
	frames, err := b.loadGroup(rawDir)
	if err != nil {
		return nil, err
	}

	if b.matcher != nil {
		if dark, ok := b.matcher.FindDark(frames[0].Settings); ok && dark.Frame.SameShape(frames[0]) {
			for i, f := range frames {
				sub, err := f.Sub(dark.Frame)
				if err != nil {
					return nil, err
				}
				frames[i] = sub
			}
			b.log.Info("flats dark-subtracted", "dark", filepath.Base(dark.Path))
		} else {
			b.log.Warn("no matching dark for flats, combining raw",
				"settings", frames[0].Settings.Key())
		}
	}

	combined, rejected, err := b.combine(frames)
	if err != nil {
		return nil, err
	}
	if err := normalize(combined, b.cfg.Norm); err != nil {
		return nil, err
	}
	return b.write(calib.KindFlat, combined, len(frames), rejected)
}

func (b *Builder) loadGroup(dir string) ([]*frame.Frame, error) {
	paths, err := fsutil.ListFrames(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frames under %s", dir)
	}
	if b.cfg.MaxFrames > 0 && len(paths) > b.cfg.MaxFrames {
		b.log.Info("capping group", "dir", dir, "frames", len(paths), "cap", b.cfg.MaxFrames)
		paths = paths[:b.cfg.MaxFrames]
	}

	frames := make([]*frame.Frame, 0, len(paths))
	for _, p := range paths {
		if !b.loader.Supports(p) {
			continue
		}
		f, err := b.loader.Load(p)
		if err != nil {
			b.log.Warn("skipping unreadable frame", "path", p, "error", err)
			continue
		}
		// Directory naming wins over missing header metadata.
		if f.Settings.ExposureTime == 0 {
			if exp, ok := fsutil.ExposureTimeFromPath(p); ok {
				f.Settings.ExposureTime = exp
			}
		}
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no loadable frames under %s", dir)
	}
	return frames, nil
}

func (b *Builder) combine(frames []*frame.Frame) (*frame.Frame, int64, error) {
	combined, rejected, err := stack.Combine(frames, b.cfg.Method, b.cfg.Sigma)
	if err != nil {
		if !errors.Is(err, stack.ErrInsufficientFrames) {
			return nil, 0, err
		}
		b.log.Warn("too few frames for rejection, fell back to mean", "frames", len(frames))
	}
	return combined, rejected, nil
}

func (b *Builder) write(kind calib.Kind, combined *frame.Frame, n int, rejected int64) (*Result, error) {
	path := filepath.Join(b.cfg.MastersDir, calib.MasterFileName(kind, combined.Settings))
	meta := frame.FITSMeta{
		FrameType:  string(kind),
		NFrames:    n,
		Method:     b.cfg.Method.String(),
		NormMethod: string(b.cfg.Norm),
		StackEnd:   time.Now(),
	}
	if kind != calib.KindFlat {
		meta.NormMethod = ""
	}
	err := fsutil.WriteAtomic(path, func(fh *os.File) error {
		return frame.EncodeFITS(fh, combined, meta)
	})
	if err != nil {
		return nil, err
	}

	stats := combined.ComputeStats()
	b.log.Info("master built",
		"kind", kind,
		"path", path,
		"frames", n,
		"rejected", rejected,
		"mean", fmt.Sprintf("%.1f", stats.Mean),
		"std", fmt.Sprintf("%.1f", stats.Std),
	)
	return &Result{
		Kind:     kind,
		Path:     path,
		Settings: combined.Settings,
		NFrames:  n,
		Rejected: rejected,
		Stats:    stats,
	}, nil
}

// normalize scales the flat so the chosen statistic lands at 1.0 in
// relative terms; pixel values stay in the 16-bit range scaled around
// the statistic.
func normalize(f *frame.Frame, method NormMethod) error {
	if method == NormNone {
		return nil
	}
	stats := f.ComputeStats()
	var ref float64
	switch method {
	case NormMean:
		ref = stats.Mean
	case NormMedian:
		ref = stats.Median
	case NormMax:
		ref = stats.Max
	default:
		return fmt.Errorf("unknown normalization method %q", method)
	}
	if ref <= 0 {
		return fmt.Errorf("flat normalization reference %s is %.3f", method, ref)
	}
	scale := 32768.0 / ref
	for i, v := range f.Pix {
		v *= scale
		if v > 65535 {
			v = 65535
		}
		f.Pix[i] = v
	}
	return nil
}
