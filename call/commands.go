package call

import (
	"time"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/peer"
	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/wire"
)

// Start implements the start() command: from Idle, transition to
// Outgoing and, in client-dial mode, wake the net task to request a
// connect.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Idle {
		return ErrInvalidCommand
	}

	e.state = Outgoing
	e.outgoingStart = time.Now()
	e.lastPing = time.Now()
	e.emit(OutgoingCall, ReasonNone)

	if e.clientDial {
		e.wantConnect = true
		e.notifyWake()
	}
	return nil
}

// Stop implements the stop() command: unconditional local hangup.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Idle {
		return nil
	}
	e.sendBestEffort(wire.Stop, 0, nil)
	e.hangupLocked(LocalHangup)
	return nil
}

// Answer implements the answer() command: valid only in Ringing.
func (e *Engine) Answer() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Ringing {
		return ErrInvalidCommand
	}
	e.sendBestEffort(wire.Answer, 0, nil)
	e.state = Answering
	e.emit(Answered, ReasonNone)
	e.enterStreamingLocked()
	return nil
}

// Decline implements the decline() command: valid only in Ringing.
func (e *Engine) Decline() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Ringing {
		return ErrInvalidCommand
	}
	e.sendBestEffort(wire.Error, 0, []byte{byte(wire.ReasonBusy)})
	e.closeSessionLocked()
	e.transitionIdleLocked(Declined)
	return nil
}

// Toggle implements the toggle() command, dispatching per spec.md
// §4.5: Idle→start, Ringing→answer, {Streaming,Answering,Outgoing}→stop.
func (e *Engine) Toggle() error {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	switch state {
	case Idle:
		return e.Start()
	case Ringing:
		return e.Answer()
	case Streaming, Answering, Outgoing:
		return e.Stop()
	default:
		return ErrInvalidCommand
	}
}

// SetRingingTimeout updates the Ringing/Outgoing abandonment bound
// Tick enforces. Unlike Config's other fields, this one is meant to be
// changed live by the settings control surface, so it is applied
// directly rather than only taking effect on the next construction.
func (e *Engine) SetRingingTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.RingingTimeout = d
}

// Streaming reports whether the Engine is currently in the Streaming
// state, letting the TX and playback tasks decide whether to yield.
func (e *Engine) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Streaming
}

// SendAudio transmits an AEC-processed or bypass audio chunk on the
// active session. It is a no-op outside Streaming, so a TX task racing
// a hangup simply drops its in-flight chunk instead of sending on a
// stale or nil session.
func (e *Engine) SendAudio(payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Streaming {
		return
	}
	e.sendBestEffort(wire.Audio, 0, payload)
}

// OnAccepted attaches a freshly accepted inbound session. The accept
// policy (refusing when a session is already active) is enforced by
// peer.Link.Accept before this is ever called.
func (e *Engine) OnAccepted(s *peer.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = s
	e.lastPing = time.Now()
}

// OnConnected attaches the session produced by a successful
// client-dial connect and sends the initial START frame.
func (e *Engine) OnConnected(s *peer.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = s
	e.lastPing = time.Now()
	e.sendBestEffort(wire.Start, 0, []byte(e.cfg.DisplayName))
}

// OnConnectFailed handles a failed client-dial connect attempt,
// classifying it as CallFailed{Unreachable} per spec.md §7.
func (e *Engine) OnConnectFailed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transitionIdleLocked(Unreachable)
}

// OnDisconnect handles a recv-Closed or hard send error observed by
// the net/TX task: stop audio, close, return to Idle with
// RemoteHangup, per spec.md §4.5's disconnect-detection rule. It is a
// no-op if already Idle.
func (e *Engine) OnDisconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hangupLocked(RemoteHangup)
}
