package master

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"astrostack/internal/calib"
	"astrostack/internal/frame"
	"astrostack/internal/stack"
)

func writeRawFrame(t *testing.T, dir, name string, s frame.Settings, value float64) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f := frame.New(4, 4, 1)
	f.Settings = s
	for i := range f.Pix {
		f.Pix[i] = value
	}
	fh, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer fh.Close()
	if err := frame.EncodeFITS(fh, f, frame.FITSMeta{FrameType: "dark"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func testBuilder(t *testing.T, mastersDir string, matcher *calib.Matcher) *Builder {
	t.Helper()
	return NewBuilder(Config{
		MastersDir:   mastersDir,
		Method:       stack.MethodMean,
		Norm:         NormMean,
		BiasExposure: 0.001,
	}, frame.FITSLoader{}, matcher, nil)
}

func TestBuildDarksGroupsByExposureDirectory(t *testing.T) {
	raw := t.TempDir()
	mastersDir := t.TempDir()
	for i, name := range []string{"f1.fits", "f2.fits", "f3.fits"} {
		writeRawFrame(t, filepath.Join(raw, "exp_1.000s"), name,
			frame.Settings{ExposureTime: 1, Gain: 100, Offset: 30, ReadoutMode: 1}, float64(100+10*i))
		writeRawFrame(t, filepath.Join(raw, "exp_5.000s"), name,
			frame.Settings{ExposureTime: 5, Gain: 100, Offset: 30, ReadoutMode: 1}, float64(500+10*i))
	}

	results, err := testBuilder(t, mastersDir, nil).BuildDarks(raw)
	if err != nil {
		t.Fatalf("BuildDarks failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("built %d masters, want 2", len(results))
	}
	for _, res := range results {
		if res.Kind != calib.KindDark {
			t.Fatalf("kind = %s, want dark", res.Kind)
		}
		if res.NFrames != 3 {
			t.Fatalf("NFrames = %d, want 3", res.NFrames)
		}
		m, err := calib.LoadMaster(res.Path)
		if err != nil {
			t.Fatalf("reloading %s: %v", res.Path, err)
		}
		if m.Settings != res.Settings {
			t.Fatalf("settings mismatch: %+v vs %+v", m.Settings, res.Settings)
		}
	}
	// Mean of a constant spread 0/10/20 around the base value.
	if got := results[0].Stats.Mean; got != 110 {
		t.Fatalf("1s master mean = %v, want 110", got)
	}
}

func TestBuildDarksShortExposureBecomesBias(t *testing.T) {
	raw := t.TempDir()
	mastersDir := t.TempDir()
	for _, name := range []string{"f1.fits", "f2.fits", "f3.fits"} {
		writeRawFrame(t, filepath.Join(raw, "exp_0.001s"), name,
			frame.Settings{ExposureTime: 0.001, Gain: 100, Offset: 30, ReadoutMode: 1}, 50)
	}

	results, err := testBuilder(t, mastersDir, nil).BuildDarks(raw)
	if err != nil {
		t.Fatalf("BuildDarks failed: %v", err)
	}
	if len(results) != 1 || results[0].Kind != calib.KindBias {
		t.Fatalf("expected one bias master, got %+v", results)
	}
}

func TestBuildDarksFlatLayout(t *testing.T) {
	// No exp_* subdirectories: the directory itself is one group.
	raw := t.TempDir()
	mastersDir := t.TempDir()
	for _, name := range []string{"f1.fits", "f2.fits"} {
		writeRawFrame(t, raw, name,
			frame.Settings{ExposureTime: 2, Gain: 100, Offset: 30, ReadoutMode: 1}, 200)
	}

	results, err := testBuilder(t, mastersDir, nil).BuildDarks(raw)
	if err != nil {
		t.Fatalf("BuildDarks failed: %v", err)
	}
	if len(results) != 1 || results[0].NFrames != 2 {
		t.Fatalf("expected one two-frame master, got %+v", results)
	}
}

func TestBuildDarksEmptyDirectory(t *testing.T) {
	if _, err := testBuilder(t, t.TempDir(), nil).BuildDarks(t.TempDir()); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestBuildFlatsNormalizes(t *testing.T) {
	raw := t.TempDir()
	mastersDir := t.TempDir()
	for _, name := range []string{"f1.fits", "f2.fits", "f3.fits"} {
		writeRawFrame(t, raw, name,
			frame.Settings{ExposureTime: 0.01, Gain: 100, Offset: 30, ReadoutMode: 1}, 20000)
	}

	res, err := testBuilder(t, mastersDir, nil).BuildFlats(raw)
	if err != nil {
		t.Fatalf("BuildFlats failed: %v", err)
	}
	if res.Kind != calib.KindFlat {
		t.Fatalf("kind = %s, want flat", res.Kind)
	}
	// Mean normalization scales the reference statistic to mid-range.
	if math.Abs(res.Stats.Mean-32768) > 1 {
		t.Fatalf("normalized mean = %v, want 32768", res.Stats.Mean)
	}
}

func TestBuildFlatsDarkSubtracts(t *testing.T) {
	mastersDir := t.TempDir()

	// Master dark at the flat settings, constant 1000.
	dark := frame.New(4, 4, 1)
	dark.Settings = frame.Settings{ExposureTime: 0.01, Gain: 100, Offset: 30, ReadoutMode: 1}
	for i := range dark.Pix {
		dark.Pix[i] = 1000
	}
	fh, err := os.Create(filepath.Join(mastersDir, calib.MasterFileName(calib.KindDark, dark.Settings)))
	if err != nil {
		t.Fatalf("create dark: %v", err)
	}
	if err := frame.EncodeFITS(fh, dark, frame.FITSMeta{FrameType: "dark"}); err != nil {
		t.Fatalf("encode dark: %v", err)
	}
	fh.Close()

	cache := calib.NewCache(mastersDir, nil)
	if err := cache.Reload(); err != nil {
		t.Fatalf("cache reload: %v", err)
	}
	matcher := calib.NewMatcher(cache, 0.10)

	raw := t.TempDir()
	for _, name := range []string{"f1.fits", "f2.fits", "f3.fits"} {
		writeRawFrame(t, raw, name, dark.Settings, 21000)
	}

	b := NewBuilder(Config{
		MastersDir: mastersDir,
		Method:     stack.MethodMean,
		Norm:       NormNone,
	}, frame.FITSLoader{}, matcher, nil)

	res, err := b.BuildFlats(raw)
	if err != nil {
		t.Fatalf("BuildFlats failed: %v", err)
	}
	// 21000 - 1000 dark, no normalization.
	if math.Abs(res.Stats.Mean-20000) > 1 {
		t.Fatalf("flat mean = %v, want 20000", res.Stats.Mean)
	}
}

func TestParseNorm(t *testing.T) {
	if n, err := ParseNorm(""); err != nil || n != NormMean {
		t.Fatalf("empty norm = %v %v, want mean", n, err)
	}
	if _, err := ParseNorm("sideways"); err == nil {
		t.Fatalf("expected error for unknown norm")
	}
}
