package capture

import (
	"sync"

	"astrostack/internal/frame"
)

// Latest is a single-slot hand-off between a producer that must never
// block (the camera loop) and a consumer that may be slower (the
// stacker). Publishing overwrites the unconsumed frame; the consumer
// always sees the newest one, and the overwrite count is tracked.
type Latest struct {
	mu      sync.Mutex
	f       *frame.Frame
	seq     uint64
	dropped uint64
	ready   chan struct{}
}

// NewLatest builds an empty slot.
func NewLatest() *Latest {
	return &Latest{ready: make(chan struct{}, 1)}
}

// Publish stores f as the newest frame, overwriting any unconsumed one.
// Never blocks.
func (l *Latest) Publish(f *frame.Frame) {
	l.mu.Lock()
	if l.f != nil {
		l.dropped++
	}
	l.f = f
	l.seq++
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// Take removes and returns the pending frame, or nil when the slot is
// empty. Never blocks.
func (l *Latest) Take() *frame.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := l.f
	l.f = nil
	return f
}

// Ready signals when a new frame has been published. The channel has
// capacity one, so a consumer looping on Ready then Take sees every
// publication that it is fast enough to catch.
func (l *Latest) Ready() <-chan struct{} { return l.ready }

// Dropped reports how many frames were overwritten before being taken.
func (l *Latest) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Seq reports the total number of frames published.
func (l *Latest) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}
