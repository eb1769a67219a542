package capture

import (
	"testing"

	"astrostack/internal/frame"
)

func TestLatestTakeEmpty(t *testing.T) {
	l := NewLatest()
	if l.Take() != nil {
		t.Fatalf("empty slot must return nil")
	}
}

func TestLatestPublishTake(t *testing.T) {
	l := NewLatest()
	f := frame.New(2, 2, 1)
	l.Publish(f)

	select {
	case <-l.Ready():
	default:
		t.Fatalf("Ready not signalled after Publish")
	}
	if l.Take() != f {
		t.Fatalf("Take returned the wrong frame")
	}
	if l.Take() != nil {
		t.Fatalf("slot must be empty after Take")
	}
}

func TestLatestOverwriteCountsDropped(t *testing.T) {
	l := NewLatest()
	a := frame.New(2, 2, 1)
	b := frame.New(2, 2, 1)
	c := frame.New(2, 2, 1)

	l.Publish(a)
	l.Publish(b)
	l.Publish(c)

	if got := l.Take(); got != c {
		t.Fatalf("consumer must always see the newest frame")
	}
	if l.Dropped() != 2 {
		t.Fatalf("Dropped = %d, want 2", l.Dropped())
	}
	if l.Seq() != 3 {
		t.Fatalf("Seq = %d, want 3", l.Seq())
	}
}

func TestLatestPublishNeverBlocks(t *testing.T) {
	l := NewLatest()
	// Nobody consumes Ready; repeated publishes must still return.
	for i := 0; i < 100; i++ {
		l.Publish(frame.New(2, 2, 1))
	}
	if l.Seq() != 100 {
		t.Fatalf("Seq = %d, want 100", l.Seq())
	}
}
