package peer

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is the single active PeerSession (spec.md §3). Exactly zero or
// one Session exists for a Link at any time. Its socket field is an
// atomic pointer so Close can swap it to nil lock-free against
// concurrent readers/senders, guaranteeing no two tasks ever try to
// close the same fd (spec.md §4.3 close semantics).
type Session struct {
	id   string
	addr string

	conn atomic.Pointer[net.TCPConn]

	lastPingEpochMs atomic.Int64
	streaming       atomic.Bool
}

func newSession(conn *net.TCPConn, addr string) *Session {
	s := &Session{
		id:   uuid.NewString(),
		addr: addr,
	}
	s.conn.Store(conn)
	s.lastPingEpochMs.Store(time.Now().UnixMilli())
	return s
}

// ID returns the session's log-correlation identifier. It has no wire
// presence; it exists only to tie net/TX/playback task log lines
// together for one call.
func (s *Session) ID() string {
	return s.id
}

// Addr returns the remote peer's network address string.
func (s *Session) Addr() string {
	return s.addr
}

// Streaming reports whether the session is currently gated into the
// audio-streaming phase of the call.
func (s *Session) Streaming() bool {
	return s.streaming.Load()
}

// SetStreaming updates the streaming gate. The call engine calls it at
// state transitions while holding its own lock, from frame dispatch and
// from commands such as Answer alike; Link.Close clears the flag
// directly when the session closes.
func (s *Session) SetStreaming(v bool) {
	s.streaming.Store(v)
}

// LastPingEpochMs returns the millisecond epoch timestamp of the last
// PING sent on this session.
func (s *Session) LastPingEpochMs() int64 {
	return s.lastPingEpochMs.Load()
}

// SetLastPingEpochMs records a new PING timestamp. Only the net task
// writes this field, per spec.md §5.
func (s *Session) SetLastPingEpochMs(ms int64) {
	s.lastPingEpochMs.Store(ms)
}

// socket returns the live connection, or nil if the session has been
// closed.
func (s *Session) socket() *net.TCPConn {
	return s.conn.Load()
}

// closed reports whether the session's socket has already been swapped
// to none.
func (s *Session) closed() bool {
	return s.conn.Load() == nil
}
