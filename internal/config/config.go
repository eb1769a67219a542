package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const defaultConfigPath = "~/.config/astrostack/config.json"

// Config holds user-editable settings for the stacking engine.
type Config struct {
	Stacking    Stacking    `json:"stacking"`
	Alignment   Alignment   `json:"alignment"`
	Masters     Masters     `json:"masters"`
	Calibration Calibration `json:"calibration"`
	Mount       Mount       `json:"mount"`
	Server      Server      `json:"server"`
	Logging     Logging     `json:"logging"`
	Paths       Paths       `json:"paths"`
}

// Stacking controls the live frame accumulator.
type Stacking struct {
	Method          string  `json:"method"`     // mean, median
	SigmaClip       bool    `json:"sigma_clip"` // reject outliers at snapshot time
	Sigma           float64 `json:"sigma"`
	MaxFrames       int     `json:"max_frames"`
	MaxIntegrationS float64 `json:"max_integration_s"` // 0 = unbounded
	WriteIntervalS  float64 `json:"write_interval_s"`  // live snapshot cadence, 0 = off
}

// Alignment controls frame registration before folding.
type Alignment struct {
	Enabled        bool    `json:"enabled"`
	MaxStars       int     `json:"max_stars"`
	MinStars       int     `json:"min_stars"`
	DetectSigma    float64 `json:"detect_sigma"`
	MaxRotationDeg float64 `json:"max_rotation_deg"` // 0 = translation only
	TimeoutS       float64 `json:"timeout_s"`
}

// Masters controls batch master-frame builds.
type Masters struct {
	Method       string  `json:"method"` // sigma_clip, minmax
	Sigma        float64 `json:"sigma"`
	FlatNorm     string  `json:"flat_norm"` // mean, median, max, none
	MaxFrames    int     `json:"max_frames"`
	BiasExposure float64 `json:"bias_exposure_s"` // exposures at or below become bias
	ParallelJobs int     `json:"parallel_jobs"`
}

// Calibration controls matching masters to light frames.
type Calibration struct {
	ExposureTolerance float64 `json:"exposure_tolerance"` // fraction of the target exposure
}

// Mount controls rollover and plate-solve source selection.
type Mount struct {
	MovementResetArcmin    float64 `json:"movement_reset_arcmin"`
	MinFramesForStackSolve int     `json:"min_frames_for_stack_solve"`
	SolarSystemTarget      bool    `json:"solar_system_target"`
}

// Server configures the HTTP control surface.
type Server struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// Logging controls verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // text, json
	FileOutput bool   `json:"file_output"`
	LogDir     string `json:"log_dir"`
}

// Paths configures the on-disk layout.
type Paths struct {
	CaptureDir   string `json:"capture_dir"` // incoming light frames
	OutputDir    string `json:"output_dir"`  // finalized stacks
	MastersDir   string `json:"masters_dir"` // master calibration frames
	DatabasePath string `json:"database_path"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("ASTROSTACK_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	dataDir := "~/.local/share/astrostack"
	return &Config{
		Stacking: Stacking{
			Method:          "mean",
			SigmaClip:       false,
			Sigma:           3.0,
			MaxFrames:       50,
			MaxIntegrationS: 0,
			WriteIntervalS:  10,
		},
		Alignment: Alignment{
			Enabled:     true,
			MaxStars:    40,
			MinStars:    3,
			DetectSigma: 3.0,
			TimeoutS:    2,
		},
		Masters: Masters{
			Method:       "sigma_clip",
			Sigma:        3.0,
			FlatNorm:     "mean",
			MaxFrames:    50,
			BiasExposure: 0.001,
			ParallelJobs: 2,
		},
		Calibration: Calibration{
			ExposureTolerance: 0.10,
		},
		Mount: Mount{
			MovementResetArcmin:    5,
			MinFramesForStackSolve: 5,
		},
		Server: Server{
			Enabled: true,
			Listen:  "127.0.0.1:8765",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			CaptureDir:   filepath.Join(dataDir, "capture"),
			OutputDir:    filepath.Join(dataDir, "stacks"),
			MastersDir:   filepath.Join(dataDir, "masters"),
			DatabasePath: filepath.Join(dataDir, "astrostack.db"),
		},
	}
}

// ExpandPaths resolves ~ in every configured path.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{
		&c.Paths.CaptureDir,
		&c.Paths.OutputDir,
		&c.Paths.MastersDir,
		&c.Paths.DatabasePath,
		&c.Logging.LogDir,
	} {
		expanded, err := expandUser(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
