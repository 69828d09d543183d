package call

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/wire"
)

// HandleFrame is the single exhaustive dispatch point for every
// inbound message reaction in spec.md §4.5's table. All edges are
// enumerated here rather than scattered across per-message handlers,
// per the design note to keep transitions auditable in one place.
func (e *Engine) HandleFrame(frame wire.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch frame.Header.Type {
	case wire.Audio:
		e.handleAudioLocked(frame.Payload)
	case wire.Start:
		e.handleStartLocked(frame)
	case wire.Stop:
		e.hangupLocked(RemoteHangup)
	case wire.Ping:
		if e.session != nil {
			e.sendBestEffort(wire.Pong, 0, nil)
		}
	case wire.Pong:
		e.handlePongLocked()
	case wire.Answer:
		e.handleAnswerLocked()
	case wire.Error:
		reason := wire.ReasonInternal
		if len(frame.Payload) > 0 {
			reason = wire.ErrorReason(frame.Payload[0])
		}
		logrus.WithFields(logrus.Fields{
			"function": "Engine.HandleFrame",
			"reason":   reason,
			"state":    e.state.String(),
		}).Warn("peer reported error")
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Engine.HandleFrame",
			"msg_type": frame.Header.Type.String(),
		}).Debug("ignoring unknown message type")
	}
}

func (e *Engine) handleAudioLocked(payload []byte) {
	if e.session == nil {
		return
	}
	e.pipeline.EnqueuePlayback(payload)

	if e.state == Outgoing {
		e.enterStreamingLocked()
	}
}

func (e *Engine) handleStartLocked(frame wire.Frame) {
	if e.state != Idle {
		return
	}

	if frame.Header.Flags&wire.FlagNoRing != 0 {
		// We are the caller leg of a relayed call: treat this as our own
		// cue to go active rather than ring a human.
		e.state = Outgoing
		e.emit(OutgoingCall, ReasonNone)
		if e.session != nil {
			e.session.SetStreaming(true)
		}
		e.pipeline.ResetForCallStart()
		e.sendBestEffort(wire.Pong, 0, nil)
		return
	}

	if e.cfg.AutoAnswer {
		e.sendBestEffort(wire.Pong, 0, nil)
		e.enterStreamingLocked()
		return
	}

	e.state = Incoming
	e.emit(IncomingCall, ReasonNone)
	e.ringingStart = time.Now()
	e.state = Ringing
	e.emit(RingingEvent, ReasonNone)
	e.sendBestEffort(wire.Ring, 0, nil)
}

// handlePongLocked disambiguates PONG's dual meaning purely by current
// state: Outgoing (our own client-dial START awaiting acknowledgement)
// treats it as answer-ACK; every other connected state treats it as a
// keepalive reply with no transition.
func (e *Engine) handlePongLocked() {
	if e.state == Outgoing {
		e.enterStreamingLocked()
	}
}

func (e *Engine) handleAnswerLocked() {
	switch e.state {
	case Outgoing:
		e.enterStreamingLocked()
		e.sendBestEffort(wire.Pong, 0, nil)
	case Ringing:
		e.state = Answering
		e.emit(Answered, ReasonNone)
		e.enterStreamingLocked()
		e.sendBestEffort(wire.Pong, 0, nil)
	}
}
