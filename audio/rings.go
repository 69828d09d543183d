package audio

import (
	"sync"
	"sync/atomic"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/ring"
)

// guardedRing pairs a ring.Ring with its own mutex and an overflow
// counter, matching spec.md §5's shared-resource policy: mic_ring,
// spk_ring, and spk_ref_ring are each guarded by their own mutex with
// short critical sections.
type guardedRing struct {
	mu      sync.Mutex
	buf     *ring.Ring
	dropped atomic.Uint64
}

func newGuardedRing(capacity int) *guardedRing {
	r, err := ring.New(capacity)
	if err != nil {
		// capacity is always one of this package's own constants; a
		// failure here means a programming error, not a runtime
		// condition callers can recover from.
		panic(err)
	}
	return &guardedRing{buf: r}
}

// Write copies as many bytes of src as fit, incrementing the overflow
// counter for whatever did not fit. It never blocks and never drops
// data it has already accepted.
func (g *guardedRing) Write(src []byte) int {
	g.mu.Lock()
	n := g.buf.Write(src)
	g.mu.Unlock()
	if short := len(src) - n; short > 0 {
		g.dropped.Add(uint64(short))
	}
	return n
}

// Read copies up to len(dst) bytes into dst, returning the count
// actually read.
func (g *guardedRing) Read(dst []byte) int {
	g.mu.Lock()
	n := g.buf.Read(dst, len(dst))
	g.mu.Unlock()
	return n
}

// Available reports current occupancy.
func (g *guardedRing) Available() int {
	g.mu.Lock()
	n := g.buf.Available()
	g.mu.Unlock()
	return n
}

// Reset clears the ring's content. Per spec.md §4.1, reset must only
// be called while no concurrent writer/reader is active; callers
// invoke this only at call-start, before the audio tasks resume.
func (g *guardedRing) Reset() {
	g.mu.Lock()
	g.buf.Reset()
	g.mu.Unlock()
}

// PrefillZeros writes n zero bytes, used to seed the reference ring's
// delay at call start.
func (g *guardedRing) PrefillZeros(n int) int {
	g.mu.Lock()
	written := g.buf.WriteZeros(n)
	g.mu.Unlock()
	return written
}

// Dropped returns the cumulative count of bytes dropped due to
// overflow since construction; Reset does not clear it.
func (g *guardedRing) Dropped() uint64 {
	return g.dropped.Load()
}
