package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"astrostack/internal/calib"
	"astrostack/internal/frame"
	"astrostack/internal/master"
	"astrostack/internal/stack"
)

func writeDarkFixture(t *testing.T, dir string, n int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := 0; i < n; i++ {
		f := frame.New(4, 4, 1)
		f.Settings = frame.Settings{ExposureTime: 1, Gain: 100, Offset: 30, ReadoutMode: 1}
		for j := range f.Pix {
			f.Pix[j] = 100
		}
		fh, err := os.Create(filepath.Join(dir, "frame_"+string(rune('a'+i))+".fits"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := frame.EncodeFITS(fh, f, frame.FITSMeta{}); err != nil {
			t.Fatalf("encode: %v", err)
		}
		fh.Close()
	}
}

func testRouter(t *testing.T, mastersDir string) (Processor, *calib.Cache) {
	t.Helper()
	cache := calib.NewCache(mastersDir, nil)
	builder := master.NewBuilder(master.Config{
		MastersDir: mastersDir,
		Method:     stack.MethodMean,
	}, frame.FITSLoader{}, calib.NewMatcher(cache, 0), slog.Default())
	return newRouter(slog.Default(), nil, builder, cache), cache
}

func TestRouterBuildsDarksAndReloadsCache(t *testing.T) {
	raw := t.TempDir()
	mastersDir := t.TempDir()
	writeDarkFixture(t, filepath.Join(raw, "exp_1.000s"), 3)

	r, cache := testRouter(t, mastersDir)
	res := r.Process(context.Background(), Job{ID: "d1", Type: JobDarks, InputPath: raw})
	if res.Error != nil {
		t.Fatalf("darks job failed: %v", res.Error)
	}
	if res.Meta["count"] != 1 {
		t.Fatalf("meta = %v", res.Meta)
	}
	built, ok := res.Meta["built"].([]string)
	if !ok || len(built) != 1 {
		t.Fatalf("built = %v", res.Meta["built"])
	}
	if _, err := os.Stat(built[0]); err != nil {
		t.Fatalf("master file missing: %v", err)
	}
	// The cache must see the new master without an explicit reload job.
	if len(cache.Masters(calib.KindDark)) != 1 {
		t.Fatalf("cache not refreshed after build")
	}
}

func TestRouterBuildsFlats(t *testing.T) {
	raw := t.TempDir()
	mastersDir := t.TempDir()
	writeDarkFixture(t, raw, 3)

	r, cache := testRouter(t, mastersDir)
	res := r.Process(context.Background(), Job{ID: "f1", Type: JobFlats, InputPath: raw})
	if res.Error != nil {
		t.Fatalf("flats job failed: %v", res.Error)
	}
	if res.Meta["frames"] != 3 {
		t.Fatalf("meta = %v", res.Meta)
	}
	if len(cache.Masters(calib.KindFlat)) != 1 {
		t.Fatalf("flat missing from cache")
	}
}

func TestRouterReload(t *testing.T) {
	mastersDir := t.TempDir()
	r, _ := testRouter(t, mastersDir)

	res := r.Process(context.Background(), Job{ID: "r1", Type: JobReload})
	if res.Error != nil {
		t.Fatalf("reload failed: %v", res.Error)
	}
	if res.Meta["masters"] != 0 {
		t.Fatalf("meta = %v", res.Meta)
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r, _ := testRouter(t, t.TempDir())
	res := r.Process(context.Background(), Job{ID: "x", Type: JobType("paint")})
	if res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

func TestRouterDarksMissingInput(t *testing.T) {
	r, _ := testRouter(t, t.TempDir())
	res := r.Process(context.Background(), Job{ID: "d2", Type: JobDarks, InputPath: filepath.Join(t.TempDir(), "absent")})
	if res.Error == nil {
		t.Fatalf("expected error for missing input directory")
	}
}

func TestPipelineRunsJobAndBroadcasts(t *testing.T) {
	raw := t.TempDir()
	mastersDir := t.TempDir()
	writeDarkFixture(t, filepath.Join(raw, "exp_1.000s"), 3)

	cache := calib.NewCache(mastersDir, nil)
	builder := master.NewBuilder(master.Config{
		MastersDir: mastersDir,
		Method:     stack.MethodMean,
	}, frame.FITSLoader{}, nil, slog.Default())

	p := New(context.Background(), 1, slog.Default(), nil, builder, cache)
	defer p.Stop()

	resCh, unsubscribe := p.Subscribe()
	defer unsubscribe()

	if err := p.Submit(Job{ID: "d1", Type: JobDarks, InputPath: raw}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res, ok := <-resCh
	if !ok {
		t.Fatalf("pipeline closed before delivering a result")
	}
	if res.Job.ID != "d1" || res.Error != nil {
		t.Fatalf("result = %+v", res)
	}
}
