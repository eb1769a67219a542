package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var frameExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".png":  {},
	".tif":  {},
	".tiff": {},
}

// ListFrames returns all frame-like files under root, sorted.
func ListFrames(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, ok := frameExts[ext]; ok {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// ExposureDirs lists the exp_<seconds>s subdirectories of a calibration
// capture root, sorted by name. Dark and bias capture routines write one
// directory per exposure time.
func ExposureDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "exp_") {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

var (
	expDirRe  = regexp.MustCompile(`exp_(\d+\.?\d*)s`)
	expFileRe = regexp.MustCompile(`_(\d+\.?\d*)s_`)
)

// ExposureTimeFromPath extracts an exposure time in seconds from paths
// like "exp_1.000s" or "master_dark_5.000s_20250829.fits". Returns false
// when no exposure marker is present.
func ExposureTimeFromPath(path string) (float64, bool) {
	if m := expDirRe.FindStringSubmatch(path); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return v, err == nil
	}
	if m := expFileRe.FindStringSubmatch(path); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return v, err == nil
	}
	return 0, false
}

// WriteAtomic writes data to path via a temporary file in the same
// directory followed by a rename, so concurrent readers never observe a
// partially written file.
func WriteAtomic(path string, write func(f *os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
