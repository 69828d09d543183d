package call

import (
	"time"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/wire"
)

// Tick polls the time-driven edges of the FSM: ringing/outgoing
// timeout and the idle-keepalive PING, per spec.md §4.5's "Timeouts"
// section. It is intended to be called from the net task's poll loop.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Ringing:
		if now.Sub(e.ringingStart) >= e.cfg.RingingTimeout {
			e.sendBestEffort(wire.Stop, 0, nil)
			e.hangupLocked(Timeout)
			return
		}
	case Outgoing:
		if now.Sub(e.outgoingStart) >= e.cfg.RingingTimeout {
			e.sendBestEffort(wire.Stop, 0, nil)
			e.hangupLocked(Timeout)
			return
		}
	}

	// PING keeps a connected-but-not-yet-streaming session alive; it is
	// suppressed during Streaming to avoid contending with audio on the
	// send path.
	if e.session != nil && e.state != Streaming && now.Sub(e.lastPing) >= e.cfg.PingInterval {
		e.sendBestEffort(wire.Ping, 0, nil)
		e.lastPing = now
		e.session.SetLastPingEpochMs(now.UnixMilli())
	}
}
