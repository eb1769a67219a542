package stack

import "testing"

func TestAccumulatorMeanPath(t *testing.T) {
	acc := newAccumulator(MethodMean, 0)
	for _, v := range []float64{10, 20, 30} {
		if err := acc.fold(constFrame(4, 4, v)); err != nil {
			t.Fatalf("fold failed: %v", err)
		}
	}
	if acc.frameCount() != 3 {
		t.Fatalf("frameCount = %d, want 3", acc.frameCount())
	}
	if acc.integration != 6 {
		t.Fatalf("integration = %v, want 6", acc.integration)
	}
	sum, count, _, _, _, _ := acc.snapshotState()
	if count != 3 || sum[0] != 60 {
		t.Fatalf("snapshot sum=%v count=%d", sum[0], count)
	}
}

func TestAccumulatorRingEviction(t *testing.T) {
	acc := newAccumulator(MethodMedian, 3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		if err := acc.fold(constFrame(4, 4, v)); err != nil {
			t.Fatalf("fold failed: %v", err)
		}
	}
	if acc.frameCount() != 3 {
		t.Fatalf("frameCount = %d, want 3", acc.frameCount())
	}
	_, _, ring, _, _, _ := acc.snapshotState()
	for i, want := range []float64{3, 4, 5} {
		if ring[i].Pix[0] != want {
			t.Fatalf("ring[%d] = %v, want %v (oldest frames must be evicted first)", i, ring[i].Pix[0], want)
		}
	}
	if acc.totalFolded != 5 {
		t.Fatalf("totalFolded = %d, want 5", acc.totalFolded)
	}
}

func TestAccumulatorRejectsShapeChange(t *testing.T) {
	acc := newAccumulator(MethodMean, 0)
	if err := acc.fold(constFrame(4, 4, 1)); err != nil {
		t.Fatalf("first fold failed: %v", err)
	}
	if err := acc.fold(constFrame(8, 8, 1)); err == nil {
		t.Fatalf("expected shape mismatch error")
	}
	if acc.frameCount() != 1 {
		t.Fatalf("rejected frame must not be counted")
	}
}

func TestAccumulatorReset(t *testing.T) {
	acc := newAccumulator(MethodMean, 0)
	if err := acc.fold(constFrame(4, 4, 1)); err != nil {
		t.Fatalf("fold failed: %v", err)
	}
	acc.reset()
	if acc.frameCount() != 0 || acc.integration != 0 || acc.totalFolded != 0 {
		t.Fatalf("reset left state behind: %+v", acc)
	}
	// A different geometry must be accepted after reset.
	if err := acc.fold(constFrame(8, 8, 1)); err != nil {
		t.Fatalf("fold after reset failed: %v", err)
	}
}
