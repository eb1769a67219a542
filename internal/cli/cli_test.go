package cli

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"testing"

	"astrostack/internal/pipeline"
	"astrostack/internal/stack"
)

type stubPipeline struct {
	submitted []pipeline.Job
	results   chan pipeline.Result
	submitErr error
}

func (s *stubPipeline) Submit(job pipeline.Job) error {
	if s.submitErr != nil {
		return s.submitErr
	}
	s.submitted = append(s.submitted, job)
	return nil
}

func (s *stubPipeline) Subscribe() (<-chan pipeline.Result, func()) {
	return s.results, func() {}
}

func newStubRoot(p *stubPipeline) *Root {
	return &Root{pipeline: p, log: slog.Default()}
}

func TestEnqueueAndWaitMatchesJobID(t *testing.T) {
	p := &stubPipeline{results: make(chan pipeline.Result, 2)}
	root := newStubRoot(p)

	// An unrelated result must be skipped, not treated as ours.
	p.results <- pipeline.Result{Job: pipeline.Job{ID: "other"}}
	p.results <- pipeline.Result{Job: pipeline.Job{ID: "mine"}}

	err := root.enqueueAndWait(context.Background(), pipeline.Job{ID: "mine", Type: pipeline.JobDarks})
	if err != nil {
		t.Fatalf("enqueueAndWait failed: %v", err)
	}
	if len(p.submitted) != 1 || p.submitted[0].ID != "mine" {
		t.Fatalf("submitted = %+v", p.submitted)
	}
}

func TestEnqueueAndWaitSurfacesJobError(t *testing.T) {
	p := &stubPipeline{results: make(chan pipeline.Result, 1)}
	root := newStubRoot(p)

	wantErr := errors.New("build exploded")
	p.results <- pipeline.Result{Job: pipeline.Job{ID: "j1"}, Error: wantErr}

	err := root.enqueueAndWait(context.Background(), pipeline.Job{ID: "j1", Type: pipeline.JobFlats})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
}

func TestEnqueueAndWaitSubmitFailure(t *testing.T) {
	p := &stubPipeline{results: make(chan pipeline.Result), submitErr: errors.New("queue full")}
	root := newStubRoot(p)

	err := root.enqueueAndWait(context.Background(), pipeline.Job{ID: "j1"})
	if err == nil {
		t.Fatalf("expected submit error")
	}
}

func TestEnqueueAndWaitCancelled(t *testing.T) {
	p := &stubPipeline{results: make(chan pipeline.Result)}
	root := newStubRoot(p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := root.enqueueAndWait(ctx, pipeline.Job{ID: "j1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestNewIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^darks-\d{8}T\d{6}-\d{4}$`)
	id := newID("darks")
	if !re.MatchString(id) {
		t.Fatalf("id %q does not match expected format", id)
	}
}

func TestLiveStackMethod(t *testing.T) {
	cases := []struct {
		method    string
		sigmaClip bool
		want      stack.Method
		wantClip  bool
		wantErr   bool
	}{
		{"mean", false, stack.MethodMean, false, false},
		{"median", false, stack.MethodMedian, false, false},
		{"median", true, stack.MethodMedian, true, false},
		// An explicit sigma-clip request lands on the median ring with
		// rejection on, even when the config flag is off.
		{"sigma-clip", false, stack.MethodMedian, true, false},
		{"sigma_clip", false, stack.MethodMedian, true, false},
		{"minmax", false, 0, false, true},
	}
	for _, c := range cases {
		m, clip, err := liveStackMethod(c.method, c.sigmaClip)
		if c.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", c.method)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", c.method, err)
		}
		if m != c.want || clip != c.wantClip {
			t.Fatalf("%s (clip=%v): got %v clip=%v, want %v clip=%v",
				c.method, c.sigmaClip, m, clip, c.want, c.wantClip)
		}
	}
}
