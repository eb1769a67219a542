package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"astrostack/internal/calib"
	"astrostack/internal/capture"
	"astrostack/internal/config"
	"astrostack/internal/control"
	"astrostack/internal/frame"
	"astrostack/internal/imgio"
	"astrostack/internal/pipeline"
	"astrostack/internal/server"
	"astrostack/internal/stack"
	"astrostack/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline, cache *calib.Cache) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store, cache)

	rootCmd := &cobra.Command{
		Use:   "astrostack",
		Short: "Astrostack is a live telescope frame stacking engine",
		Long: `Astrostack accumulates frames from a capture directory into live stacks,
builds master calibration frames in batch, and applies matched darks and
flats to incoming lights.`,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newMastersCmd(root))
	rootCmd.AddCommand(newCacheCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// liveStackMethod resolves the requested live-stacking method. Sigma
// clipping runs on the median ring, so an explicit sigma-clip request
// becomes the median path with rejection enabled. Minmax needs the whole
// frame set at once and is only available to batch master builds.
func liveStackMethod(method string, sigmaClip bool) (stack.Method, bool, error) {
	m := stack.ParseMethod(method)
	switch m {
	case stack.MethodSigmaClip:
		return stack.MethodMedian, true, nil
	case stack.MethodMinMax:
		return 0, false, fmt.Errorf("method %q is not usable for live stacking", method)
	default:
		return m, sigmaClip, nil
	}
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		captureDir  string
		outputDir   string
		method      string
		noAlign     bool
		noCalibrate bool
		solarSystem bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start live stacking from the capture directory",
		Long: `Watch the capture directory for incoming frames, calibrate each with
matched master frames, align and fold it into the live stack, and roll
the stack over on mount movement or configured limits.

Examples:
  # Stack with defaults from the config file
  astrostack run

  # Median stack of a specific session, alignment off
  astrostack run --capture-dir /data/session1 --method median --no-align`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg := root.cfg
			if captureDir == "" {
				captureDir = cfg.Paths.CaptureDir
			}
			if outputDir == "" {
				outputDir = cfg.Paths.OutputDir
			}
			if method == "" {
				method = cfg.Stacking.Method
			}

			for _, dir := range []string{captureDir, outputDir, cfg.Paths.MastersDir} {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("failed to create %s: %w", dir, err)
				}
			}

			watcher, err := calib.NewWatcher(root.cache, root.log)
			if err != nil {
				return fmt.Errorf("failed to watch masters directory: %w", err)
			}
			go func() {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					root.log.Error("masters watcher stopped", "error", err)
				}
			}()

			liveMethod, sigmaClip, err := liveStackMethod(method, cfg.Stacking.SigmaClip)
			if err != nil {
				return err
			}

			stacker := stack.NewStacker(stack.Config{
				OutputDir:       outputDir,
				Method:          liveMethod,
				SigmaClip:       sigmaClip,
				Sigma:           cfg.Stacking.Sigma,
				MaxFrames:       cfg.Stacking.MaxFrames,
				MaxIntegrationS: cfg.Stacking.MaxIntegrationS,
				Align:           cfg.Alignment.Enabled && !noAlign,
				AlignCfg: stack.AlignConfig{
					MaxStars:       cfg.Alignment.MaxStars,
					MinStars:       cfg.Alignment.MinStars,
					DetectSigma:    cfg.Alignment.DetectSigma,
					MaxRotationDeg: cfg.Alignment.MaxRotationDeg,
				},
				AlignTimeout: time.Duration(cfg.Alignment.TimeoutS * float64(time.Second)),
			}, root.log)

			ctrl := control.New(control.Config{
				MovementResetArcmin:    cfg.Mount.MovementResetArcmin,
				MinFramesForStackSolve: cfg.Mount.MinFramesForStackSolve,
				SolarSystemTarget:      cfg.Mount.SolarSystemTarget || solarSystem,
				SnapshotInterval:       time.Duration(cfg.Stacking.WriteIntervalS * float64(time.Second)),
			}, stacker, root.log)

			go root.recordStacks(ctx, ctrl)

			camera := capture.NewDirCamera(captureDir, imgio.NewLoader(), root.log)
			defer camera.Close()

			loop := capture.NewLoop(camera, nil, ctrl, root.log)
			if !noCalibrate {
				loop.SetCalibrator(calib.NewMatcher(root.cache, cfg.Calibration.ExposureTolerance))
			}

			if cfg.Server.Enabled {
				realPipeline, _ := root.pipeline.(*pipeline.Pipeline)
				srv := server.NewServer(cfg.Server.Listen, root.store, realPipeline, root.cache, ctrl, stacker, root.log)
				go func() {
					if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
						root.log.Error("server stopped", "error", err)
					}
				}()
			}

			root.log.Info("live stacking started",
				"capture_dir", captureDir,
				"output_dir", outputDir,
				"method", method,
			)

			err = loop.Run(ctx)
			if ctx.Err() != nil {
				// Normal shutdown: flush whatever accumulated.
				if stacker.FrameCount() > 0 {
					if res, ferr := stacker.FinalizeAndReset(); ferr == nil {
						root.log.Info("final stack written", "fits", res.FITSPath, "frames", res.FrameCount)
					} else {
						root.log.Error("final stack write failed", "error", ferr)
					}
				}
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&captureDir, "capture-dir", "", "directory to watch for incoming frames (default from config)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory for finalized stacks (default from config)")
	cmd.Flags().StringVar(&method, "method", "", "stacking method (mean|median|sigma-clip), default from config")
	cmd.Flags().BoolVar(&noAlign, "no-align", false, "disable frame registration")
	cmd.Flags().BoolVar(&noCalibrate, "no-calibrate", false, "disable dark/flat correction")
	cmd.Flags().BoolVar(&solarSystem, "solar-system", false, "target is a solar system body (solve on single frames)")

	return cmd
}

// recordStacks persists every rollover that produced files.
func (r *Root) recordStacks(ctx context.Context, ctrl *control.Controller) {
	events := ctrl.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Type != "rollover" || ev.Result == nil {
				continue
			}
			res := ev.Result
			rec := storage.StackRecord{
				FITSPath:   res.FITSPath,
				PNGPath:    res.PNGPath,
				FrameCount: res.FrameCount,
				Trigger:    res.Trigger,
				RA:         res.RA,
				Dec:        res.Dec,
				HasCoords:  res.HasCoords,
				StartedAt:  res.StartedAt,
				FinishedAt: res.FinishedAt,
			}
			if err := r.store.RecordStack(rec); err != nil {
				r.log.Error("failed to record stack", "fits", res.FITSPath, "error", err)
			}
		}
	}
}

func newMastersCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "masters",
		Short: "Build master calibration frames",
		Long:  "Combine raw dark, bias, and flat frames into master calibration frames.",
	}

	darksCmd := &cobra.Command{
		Use:   "darks <input_directory>",
		Short: "Build master darks (and bias) from raw dark frames",
		Long: `Combine raw dark frames grouped by exposure into master darks. Groups at
or below the configured bias exposure become master bias frames.

Examples:
  astrostack masters darks /data/darks
  astrostack masters darks /data/darks/exp_5.0s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return root.enqueueAndWait(ctx, pipeline.Job{
				ID:        newID("darks"),
				Type:      pipeline.JobDarks,
				InputPath: args[0],
				Options:   map[string]any{"source": "cli"},
			})
		},
	}

	flatsCmd := &cobra.Command{
		Use:   "flats <input_directory>",
		Short: "Build a normalized master flat from raw flat frames",
		Long: `Dark-subtract each raw flat with the best matching master dark, combine,
and normalize to produce a master flat.

Examples:
  astrostack masters flats /data/flats`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return root.enqueueAndWait(ctx, pipeline.Job{
				ID:        newID("flats"),
				Type:      pipeline.JobFlats,
				InputPath: args[0],
				Options:   map[string]any{"source": "cli"},
			})
		},
	}

	cmd.AddCommand(darksCmd, flatsCmd)
	return cmd
}

func newCacheCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and refresh the master frame cache",
	}

	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Rescan the masters directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return root.enqueueAndWait(ctx, pipeline.Job{
				ID:      newID("reload"),
				Type:    pipeline.JobReload,
				Options: map[string]any{"source": "cli"},
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List cached master frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cache.Reload(); err != nil {
				return err
			}
			fmt.Printf("Masters in %s:\n\n", root.cache.Dir())
			for _, kind := range []calib.Kind{calib.KindBias, calib.KindDark, calib.KindFlat} {
				masters := root.cache.Masters(kind)
				if len(masters) == 0 {
					continue
				}
				fmt.Printf("%s:\n", kind)
				for _, m := range masters {
					fmt.Printf("  %-40s frames=%d method=%s\n", m.Settings.Key(), m.NFrames, m.Method)
				}
			}
			if root.cache.Len() == 0 {
				fmt.Println("  (none)")
			}
			return nil
		},
	}

	matchCmd := newCacheMatchCmd(root)

	cmd.AddCommand(reloadCmd, listCmd, matchCmd)
	return cmd
}

func newCacheMatchCmd(root *Root) *cobra.Command {
	var (
		kind     string
		exposure float64
		gain     int
		offset   int
		readout  int
	)

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Find the master that would calibrate the given settings",
		Long: `Look up the best cached master for a set of capture settings, applying
the same scoring used during live calibration. Exits non-zero when no
master matches.

Examples:
  astrostack cache match --kind dark --exposure 5 --gain 100 --offset 30`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cache.Reload(); err != nil {
				return err
			}
			matcher := calib.NewMatcher(root.cache, root.cfg.Calibration.ExposureTolerance)
			settings := frame.Settings{
				ExposureTime: exposure,
				Gain:         gain,
				Offset:       offset,
				ReadoutMode:  readout,
			}
			m, err := matcher.Require(calib.Kind(kind), settings)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s (frames=%d method=%s)\n  %s\n", m.Kind, m.Settings.Key(), m.NFrames, m.Method, m.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "dark", "master kind (bias|dark|flat)")
	cmd.Flags().Float64Var(&exposure, "exposure", 0, "light exposure time in seconds")
	cmd.Flags().IntVar(&gain, "gain", 0, "camera gain")
	cmd.Flags().IntVar(&offset, "offset", 0, "camera offset")
	cmd.Flags().IntVar(&readout, "readout", 0, "camera readout mode")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server without live stacking",
		Long: `Start an HTTP server that provides APIs for job monitoring, stack history,
and master frame builds. Stacking status routes report unavailable until
a run session is active.

Examples:
  astrostack serve --addr :8765`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if addr == "" {
				addr = root.cfg.Server.Listen
			}

			realPipeline, ok := root.pipeline.(*pipeline.Pipeline)
			if !ok {
				return fmt.Errorf("pipeline unavailable for server startup")
			}

			root.log.Info("starting server", "addr", addr)
			srv := server.NewServer(addr, root.store, realPipeline, root.cache, nil, nil, root.log)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port), default from config")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate astrostack configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			fmt.Printf("Configuration:\n\n")
			fmt.Printf("Capture Dir:     %s\n", cfg.Paths.CaptureDir)
			fmt.Printf("Output Dir:      %s\n", cfg.Paths.OutputDir)
			fmt.Printf("Masters Dir:     %s\n", cfg.Paths.MastersDir)
			fmt.Printf("Database Path:   %s\n", cfg.Paths.DatabasePath)
			fmt.Printf("Stack Method:    %s (sigma_clip=%v sigma=%.1f)\n", cfg.Stacking.Method, cfg.Stacking.SigmaClip, cfg.Stacking.Sigma)
			fmt.Printf("Max Frames:      %d\n", cfg.Stacking.MaxFrames)
			fmt.Printf("Max Integration: %.0fs\n", cfg.Stacking.MaxIntegrationS)
			fmt.Printf("Alignment:       enabled=%v max_stars=%d\n", cfg.Alignment.Enabled, cfg.Alignment.MaxStars)
			fmt.Printf("Masters Method:  %s (flat_norm=%s)\n", cfg.Masters.Method, cfg.Masters.FlatNorm)
			fmt.Printf("Exposure Tol:    %.0f%%\n", cfg.Calibration.ExposureTolerance*100)
			fmt.Printf("Server:          enabled=%v listen=%s\n", cfg.Server.Enabled, cfg.Server.Listen)
			fmt.Printf("Log Level:       %s\n", cfg.Logging.Level)
			fmt.Printf("Log Format:      %s\n", cfg.Logging.Format)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if _, _, err := liveStackMethod(cfg.Stacking.Method, cfg.Stacking.SigmaClip); err != nil {
				return fmt.Errorf("stacking.method: %w", err)
			}
			if cfg.Calibration.ExposureTolerance < 0 || cfg.Calibration.ExposureTolerance > 1 {
				return fmt.Errorf("calibration.exposure_tolerance must be in [0, 1]")
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Println("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("Astrostack v1.0.0")
		},
	}
}
