package call

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/audio"
	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/peer"
	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/wire"
)

// Engine is CallEngine: it owns the call state and drives PeerLink and
// AudioPipeline through it. All state is guarded by a single mutex;
// critical sections are short (send/close calls aside, which already
// carry their own bounded budgets).
type Engine struct {
	cfg      Config
	link     *peer.Link
	pipeline *audio.Pipeline
	onEvent  EventSink

	mu      sync.Mutex
	state   State
	session *peer.Session

	outgoingStart time.Time
	ringingStart  time.Time
	lastPing      time.Time

	// clientDial mirrors the original firmware's dynamic client_mode_:
	// it starts at cfg.ClientDial but SetDialTarget flips it on at
	// runtime too, so connect_to() dials out regardless of how this
	// Engine was constructed.
	clientDial  bool
	wantConnect bool
	connectHost string
	connectPort int

	wake chan struct{}
}

// NewEngine builds an idle Engine driving link and pipeline.
// onEvent may be nil to discard events.
func NewEngine(cfg Config, link *peer.Link, pipeline *audio.Pipeline, onEvent EventSink) *Engine {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:        cfg,
		link:       link,
		pipeline:   pipeline,
		onEvent:    onEvent,
		state:      Idle,
		clientDial: cfg.ClientDial,
		wake:       make(chan struct{}, 1),
	}
}

// State returns the current call state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Wake returns a channel the net task can select on to learn that a
// command requested an outbound connect, per spec.md §4.5's start()
// "wake network task" contract.
func (e *Engine) Wake() <-chan struct{} {
	return e.wake
}

func (e *Engine) notifyWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// ConsumeConnectRequest reports and clears a pending client-dial
// connect request, if any. The net task calls this after waking to
// learn whether, and where, it should dial.
func (e *Engine) ConsumeConnectRequest() (host string, port int, want bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	want = e.wantConnect
	host, port = e.connectHost, e.connectPort
	e.wantConnect = false
	return host, port, want
}

// SetDialTarget configures where Start() connects to and switches the
// Engine into client-dial mode from this point on, mirroring the
// original firmware's connect_to() setting client_mode_ = true before
// start() runs — a server-constructed Engine can still be told to dial
// out.
func (e *Engine) SetDialTarget(host string, port int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectHost = host
	e.connectPort = port
	e.clientDial = true
}

// emit invokes the configured EventSink. Called with mu held; sinks
// must not call back into the Engine synchronously.
func (e *Engine) emit(kind EventKind, reason EndReason) {
	e.onEvent(Event{Kind: kind, State: e.state, Reason: reason})
}

// sendBestEffort sends a control frame on the active session, logging
// but not acting on failure: send errors during shutdown are expected
// and are the caller's responsibility to interpret, per spec.md §7.
func (e *Engine) sendBestEffort(msgType wire.MessageType, flags byte, payload []byte) {
	if e.session == nil {
		return
	}
	if err := e.link.Send(e.session, msgType, flags, payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.sendBestEffort",
			"msg_type": msgType.String(),
			"error":    err.Error(),
		}).Warn("control send failed")
	}
}

// stopAudioLocked clears the session's streaming flag if a session is
// still attached (shutdown-order step 1), then requests sink-stop via
// the pipeline's single-owner protocol (step 3). It blocks up to the
// protocol's own acknowledgement budget while holding e.mu, matching
// the original single-threaded contract where the same caller that
// clears streaming also waits out the sink-stop semaphore. Stopping
// the capture source (step 4) has no Engine-owned handle and is left
// to the container driving this Engine's EventSink.
func (e *Engine) stopAudioLocked() {
	if e.session != nil {
		e.session.SetStreaming(false)
	}
	e.pipeline.RequestSinkStop()
}

// closeSessionLocked closes the active session and clears it, per
// shutdown-order step 2.
func (e *Engine) closeSessionLocked() {
	if e.session == nil {
		return
	}
	e.link.Close(e.session)
	e.session = nil
}

// enterStreamingLocked transitions into Streaming, resetting the audio
// pipeline for a fresh call and gating the streaming flag, per
// spec.md §4.4's "reset at call start" contract.
func (e *Engine) enterStreamingLocked() {
	if e.session != nil {
		e.session.SetStreaming(true)
	}
	e.pipeline.ResetForCallStart()
	e.state = Streaming
	e.emit(StreamingEvent, ReasonNone)
}

// transitionIdleLocked sets Idle and emits the end-of-call events
// (shutdown-order step 5); the container's EventSink stops the capture
// source on the Hangup/CallFailed event (step 4). It is the caller's
// responsibility to have already cleared streaming, closed the session
// and requested sink-stop (steps 1-3) where they apply.
func (e *Engine) transitionIdleLocked(reason EndReason) {
	e.state = Idle
	if reason.isFailure() {
		e.emit(CallFailed, reason)
	} else if reason != ReasonNone {
		e.emit(Hangup, reason)
	}
	e.emit(IdleEvent, reason)
}

// hangupLocked runs the full shutdown sequence in order: closing the
// session clears its streaming flag and then closes the socket (steps
// 1-2), stopAudioLocked requests sink-stop (step 3), and
// transitionIdleLocked returns to Idle with reason (steps 4-5). It is a
// no-op if already Idle with no session, matching the "any, STOP"
// inbound reaction applying unconditionally without double-firing
// events.
func (e *Engine) hangupLocked(reason EndReason) {
	if e.state == Idle && e.session == nil {
		return
	}
	e.closeSessionLocked()
	e.stopAudioLocked()
	e.transitionIdleLocked(reason)
}
