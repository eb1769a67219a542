package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"astrostack/internal/frame"
	"astrostack/internal/fsutil"
)

func writeFrameFile(t *testing.T, dir, name string, exposure float64) {
	t.Helper()
	f := frame.New(4, 4, 1)
	f.Settings.ExposureTime = exposure
	err := fsutil.WriteAtomic(filepath.Join(dir, name), func(fh *os.File) error {
		return frame.EncodeFITS(fh, f, frame.FITSMeta{})
	})
	if err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestDirCameraReplaysBacklogInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFrameFile(t, dir, "b_0002.fits", 2)
	writeFrameFile(t, dir, "a_0001.fits", 1)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	cam := NewDirCamera(dir, frame.FITSLoader{}, nil)
	defer cam.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := cam.NextFrame(ctx)
	if err != nil {
		t.Fatalf("NextFrame failed: %v", err)
	}
	if first.Settings.ExposureTime != 1 {
		t.Fatalf("backlog out of order: got exposure %v first", first.Settings.ExposureTime)
	}
	second, err := cam.NextFrame(ctx)
	if err != nil {
		t.Fatalf("NextFrame failed: %v", err)
	}
	if second.Settings.ExposureTime != 2 {
		t.Fatalf("got exposure %v second", second.Settings.ExposureTime)
	}
}

func TestDirCameraPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	cam := NewDirCamera(dir, frame.FITSLoader{}, nil)
	defer cam.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan *frame.Frame, 1)
	errc := make(chan error, 1)
	go func() {
		f, err := cam.NextFrame(ctx)
		if err != nil {
			errc <- err
			return
		}
		done <- f
	}()

	// Give the watcher a moment to attach before the write lands.
	time.Sleep(100 * time.Millisecond)
	writeFrameFile(t, dir, "new_0001.fits", 3)

	select {
	case f := <-done:
		if f.Settings.ExposureTime != 3 {
			t.Fatalf("got exposure %v", f.Settings.ExposureTime)
		}
	case err := <-errc:
		t.Fatalf("NextFrame failed: %v", err)
	case <-ctx.Done():
		t.Fatalf("new file never observed")
	}
}

func TestDirCameraDeliversEachFileOnce(t *testing.T) {
	dir := t.TempDir()
	cam := NewDirCamera(dir, frame.FITSLoader{}, nil)
	defer cam.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan *frame.Frame, 1)
	errc := make(chan error, 1)
	go func() {
		f, err := cam.NextFrame(ctx)
		if err != nil {
			errc <- err
			return
		}
		done <- f
	}()

	// Give the watcher a moment to attach before the write lands.
	time.Sleep(100 * time.Millisecond)

	// In-place write, no rename: the watcher sees a Create followed by
	// Write events for the same exposure.
	f := frame.New(4, 4, 1)
	f.Settings.ExposureTime = 2
	fh, err := os.Create(filepath.Join(dir, "light_0001.fits"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := frame.EncodeFITS(fh, f, frame.FITSMeta{}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := fh.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case got := <-done:
		if got.Settings.ExposureTime != 2 {
			t.Fatalf("got exposure %v", got.Settings.ExposureTime)
		}
	case err := <-errc:
		t.Fatalf("NextFrame failed: %v", err)
	case <-ctx.Done():
		t.Fatalf("frame never observed")
	}

	// The trailing Write events must not yield the exposure again.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer shortCancel()
	extra, err := cam.NextFrame(shortCtx)
	if err == nil {
		t.Fatalf("same file delivered twice: got a second %dx%d frame", extra.Width, extra.Height)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDirCameraCancelled(t *testing.T) {
	dir := t.TempDir()
	cam := NewDirCamera(dir, frame.FITSLoader{}, nil)
	defer cam.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cam.NextFrame(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}
