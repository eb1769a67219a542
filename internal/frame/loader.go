package frame

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Loader turns an on-disk calibration frame into a Frame. The FITS loader
// below covers the native capture format; the imgio package contributes an
// ImageMagick-backed loader for TIFF/PNG sets.
type Loader interface {
	Supports(path string) bool
	Load(path string) (*Frame, error)
}

// FITSLoader loads .fits/.fit files via the built-in codec.
type FITSLoader struct{}

func (FITSLoader) Supports(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fits", ".fit":
		return true
	}
	return false
}

func (FITSLoader) Load(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fr, _, err := DecodeFITS(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return fr, nil
}

// MultiLoader tries each loader in order.
type MultiLoader []Loader

func (m MultiLoader) Supports(path string) bool {
	for _, l := range m {
		if l.Supports(path) {
			return true
		}
	}
	return false
}

func (m MultiLoader) Load(path string) (*Frame, error) {
	for _, l := range m {
		if l.Supports(path) {
			return l.Load(path)
		}
	}
	return nil, fmt.Errorf("no loader for %s", path)
}
