package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"astrostack/internal/calib"
	"astrostack/internal/cli"
	"astrostack/internal/config"
	"astrostack/internal/imgio"
	"astrostack/internal/logging"
	"astrostack/internal/master"
	"astrostack/internal/pipeline"
	"astrostack/internal/stack"
	"astrostack/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return err
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0755); err != nil {
		return err
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	cache := calib.NewCache(cfg.Paths.MastersDir, log)

	norm, err := master.ParseNorm(cfg.Masters.FlatNorm)
	if err != nil {
		return err
	}
	builder := master.NewBuilder(master.Config{
		MastersDir:   cfg.Paths.MastersDir,
		Method:       stack.ParseMethod(cfg.Masters.Method),
		Sigma:        cfg.Masters.Sigma,
		Norm:         norm,
		MaxFrames:    cfg.Masters.MaxFrames,
		BiasExposure: cfg.Masters.BiasExposure,
	}, imgio.NewLoader(), calib.NewMatcher(cache, cfg.Calibration.ExposureTolerance), log)

	pipe := pipeline.New(context.Background(), cfg.Masters.ParallelJobs, log, store, builder, cache)
	defer pipe.Stop()

	rootCmd := cli.NewRootCmd(cfg, log, store, pipe, cache)
	return rootCmd.Execute()
}
