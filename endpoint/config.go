package endpoint

import (
	"time"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/audio"
	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/call"
)

const (
	// netTickInterval drives Engine.Tick's timeout/keepalive poll. Go's
	// blocking, deadline-bounded net.Conn reads already replace the
	// select-based busy-poll/sleep split the spec describes for the net
	// task's read side; this ticker only carries the time-driven edges.
	netTickInterval = 50 * time.Millisecond

	// txIdleSleep is how long the TX task sleeps between polls of
	// mic_ring while not streaming, mirroring spec.md §5's "sleeps 20 ms
	// when not streaming" for the TX task.
	txIdleSleep = 20 * time.Millisecond

	// playbackInterval paces the playback task at roughly one
	// ChunkBytes-duration per tick (16 ms at 16 kHz mono).
	playbackInterval = 16 * time.Millisecond
)

// Config configures an Endpoint at construction.
type Config struct {
	// ListenPort is the TCP port to accept inbound peers on. Ignored in
	// client-dial mode.
	ListenPort int

	// ClientDial marks this endpoint as the active side: it dials out
	// instead of listening.
	ClientDial bool

	Call  call.Config
	Audio audio.Config
}
