package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"astrostack/internal/calib"
	"astrostack/internal/master"
	"astrostack/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log     *slog.Logger
	store   *storage.Store
	builder *master.Builder
	cache   *calib.Cache
}

func newRouter(logger *slog.Logger, store *storage.Store, builder *master.Builder, cache *calib.Cache) Processor {
	return &router{
		log:     logger,
		store:   store,
		builder: builder,
		cache:   cache,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobDarks:
		return r.handleDarks(ctx, job)
	case JobFlats:
		return r.handleFlats(ctx, job)
	case JobReload:
		return r.handleReload(job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleDarks(ctx context.Context, job Job) Result {
	results, err := r.builder.BuildDarks(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	built := make([]string, 0, len(results))
	for _, res := range results {
		if err := ctx.Err(); err != nil {
			return Result{Job: job, Error: err}
		}
		r.recordMaster(res)
		built = append(built, res.Path)
	}
	r.reloadCache()
	return Result{Job: job, Meta: map[string]any{
		"built": built,
		"count": len(built),
	}}
}

func (r *router) handleFlats(ctx context.Context, job Job) Result {
	res, err := r.builder.BuildFlats(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	r.recordMaster(*res)
	r.reloadCache()
	return Result{Job: job, Meta: map[string]any{
		"built":  res.Path,
		"frames": res.NFrames,
	}}
}

func (r *router) handleReload(job Job) Result {
	if err := r.cache.Reload(); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{"masters": r.cache.Len()}}
}

func (r *router) recordMaster(res master.Result) {
	if r.store == nil {
		return
	}
	err := r.store.RecordMaster(storage.MasterRecord{
		Path:         res.Path,
		Kind:         string(res.Kind),
		SettingsKey:  res.Settings.Key(),
		ExposureTime: res.Settings.ExposureTime,
		Gain:         res.Settings.Gain,
		Offset:       res.Settings.Offset,
		ReadoutMode:  res.Settings.ReadoutMode,
		FrameCount:   res.NFrames,
		Rejected:     res.Rejected,
		Mean:         res.Stats.Mean,
		Std:          res.Stats.Std,
	})
	if err != nil {
		r.log.Warn("failed to record master", "path", res.Path, "error", err)
	}
}

func (r *router) reloadCache() {
	if r.cache == nil {
		return
	}
	if err := r.cache.Reload(); err != nil {
		r.log.Warn("master cache reload failed", "error", err)
	}
}
