package calib

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"astrostack/internal/frame"
)

// Kind classifies a master calibration frame.
type Kind string

const (
	KindBias Kind = "bias"
	KindDark Kind = "dark"
	KindFlat Kind = "flat"
)

// Master is one loaded master calibration frame plus the capture
// fingerprint it was built from.
type Master struct {
	Kind     Kind
	Path     string
	Frame    *frame.Frame
	Settings frame.Settings
	NFrames  int
	Method   string
	Built    time.Time
}

// LoadMaster reads a master FITS file and classifies it. Kind comes from
// the FRAMETYP header when present, otherwise from the file name.
func LoadMaster(path string) (*Master, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	f, meta, err := frame.DecodeFITS(fh)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	kind, ok := kindOf(meta.FrameType, path)
	if !ok {
		return nil, fmt.Errorf("%s: not a master frame", filepath.Base(path))
	}
	return &Master{
		Kind:     kind,
		Path:     path,
		Frame:    f,
		Settings: f.Settings,
		NFrames:  meta.NFrames,
		Method:   meta.Method,
		Built:    meta.StackEnd,
	}, nil
}

func kindOf(frameType, path string) (Kind, bool) {
	switch strings.ToLower(frameType) {
	case string(KindBias), "master_bias":
		return KindBias, true
	case string(KindDark), "master_dark":
		return KindDark, true
	case string(KindFlat), "master_flat":
		return KindFlat, true
	}
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(name, "bias"):
		return KindBias, true
	case strings.Contains(name, "dark"):
		return KindDark, true
	case strings.Contains(name, "flat"):
		return KindFlat, true
	}
	return "", false
}

// MasterFileName builds the canonical file name for a master frame,
// embedding the capture fingerprint so the cache can rebuild its index
// from the directory alone.
func MasterFileName(kind Kind, s frame.Settings) string {
	return fmt.Sprintf("master_%s_%s.fits", kind, s.Key())
}
