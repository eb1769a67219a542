package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	t.Setenv("ASTROSTACK_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Stacking.Method != "mean" || cfg.Stacking.MaxFrames != 50 {
		t.Fatalf("stacking defaults = %+v", cfg.Stacking)
	}
	if cfg.Calibration.ExposureTolerance != 0.10 {
		t.Fatalf("tolerance default = %v", cfg.Calibration.ExposureTolerance)
	}
	if cfg.Mount.MovementResetArcmin != 5 {
		t.Fatalf("mount defaults = %+v", cfg.Mount)
	}
	if !cfg.Server.Enabled || cfg.Server.Listen != "127.0.0.1:8765" {
		t.Fatalf("server defaults = %+v", cfg.Server)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
        "stacking": {"method": "median", "sigma_clip": true, "sigma": 2.5, "max_frames": 20},
        "paths": {"capture_dir": "/data/capture"}
    }`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	t.Setenv("ASTROSTACK_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Stacking.Method != "median" || !cfg.Stacking.SigmaClip || cfg.Stacking.Sigma != 2.5 {
		t.Fatalf("stacking = %+v", cfg.Stacking)
	}
	if cfg.Stacking.MaxFrames != 20 {
		t.Fatalf("max frames = %d", cfg.Stacking.MaxFrames)
	}
	if cfg.Paths.CaptureDir != "/data/capture" {
		t.Fatalf("capture dir = %s", cfg.Paths.CaptureDir)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Masters.Method != "sigma_clip" {
		t.Fatalf("masters defaults lost: %+v", cfg.Masters)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	t.Setenv("ASTROSTACK_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestExpandPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	cfg := defaultConfig()
	cfg.Paths.CaptureDir = "~/capture"
	if err := cfg.ExpandPaths(); err != nil {
		t.Fatalf("ExpandPaths failed: %v", err)
	}
	if cfg.Paths.CaptureDir != filepath.Join(home, "capture") {
		t.Fatalf("expanded = %s", cfg.Paths.CaptureDir)
	}
	// Already-absolute paths pass through untouched.
	if cfg.Paths.OutputDir[0] == '~' {
		t.Fatalf("output dir not expanded: %s", cfg.Paths.OutputDir)
	}
}
