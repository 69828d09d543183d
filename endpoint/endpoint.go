// Package endpoint implements the owning container described in
// spec.md §9's "global endpoint singleton": it wires PeerLink,
// AudioPipeline, and CallEngine together with the three cooperating
// tasks (net, TX, playback), and enforces the hard shutdown-ordering
// contract at process teardown.
package endpoint

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/audio"
	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/audio/aec"
	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/call"
	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/peer"
	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/settings"
)

// Endpoint is the long-lived container holding the PeerLink, the
// AudioPipeline, the CallEngine, the three task goroutines, and the
// contact list. Construction is explicit via New; Run starts the
// tasks, Close joins them in the shutdown order spec.md §5 requires.
type Endpoint struct {
	cfg    Config
	link   *peer.Link
	pipe   *audio.Pipeline
	engine *call.Engine
	source audio.Source
	sink   audio.Sink
	store  settings.Store

	contacts contactBook

	aecEnabled atomic.Bool

	wg     sync.WaitGroup
	stopCh chan struct{}
	closed atomic.Bool
}

// New loads persisted settings, builds the pipeline and engine from
// them, and returns a not-yet-running Endpoint. source and sink may be
// nil, in which case a no-op stub is used.
func New(cfg Config, source audio.Source, sink audio.Sink, store settings.Store) (*Endpoint, error) {
	if store == nil {
		return nil, errors.New("endpoint: store must not be nil")
	}
	if source == nil {
		source = audio.NopSource{}
	}
	if sink == nil {
		sink = audio.NopSink{}
	}

	loaded, err := store.Load()
	if err != nil {
		return nil, err
	}

	audioCfg := cfg.Audio
	audioCfg.MicGainDB = float64(loaded.MicGainDB)
	audioCfg.DCRemoval = loaded.DCRemoval()
	audioCfg.ReferenceDelay = time.Duration(loaded.RefDelayMS) * time.Millisecond

	pipe := audio.NewPipeline(audioCfg, sink, aec.IdentityKernel{})
	pipe.SetVolume(loaded.Volume())

	callCfg := cfg.Call
	callCfg.ClientDial = cfg.ClientDial
	callCfg.AutoAnswer = cfg.Call.AutoAnswer || loaded.AutoAnswer()
	if loaded.RingingTimeoutMS > 0 {
		callCfg.RingingTimeout = time.Duration(loaded.RingingTimeoutMS) * time.Millisecond
	}

	link := peer.New()

	ep := &Endpoint{
		cfg:    cfg,
		link:   link,
		pipe:   pipe,
		source: source,
		sink:   sink,
		store:  store,
		stopCh: make(chan struct{}),
	}
	ep.aecEnabled.Store(loaded.AECEnabled())
	ep.engine = call.NewEngine(callCfg, link, pipe, ep.onEvent)

	return ep, nil
}

// onEvent is the Engine's EventSink: it performs the container-owned
// tail of the shutdown-ordering contract (starting/stopping the
// capture source around Streaming) that the Engine itself cannot, since
// it holds no Source handle. It is called with the Engine's mutex held,
// so it must not call back into the Engine.
func (ep *Endpoint) onEvent(ev call.Event) {
	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.onEvent",
		"kind":     ev.Kind.String(),
		"state":    ev.State.String(),
		"reason":   ev.Reason.String(),
	}).Info("call event")

	switch ev.Kind {
	case call.StreamingEvent:
		if err := ep.source.Start(ep.pipe.OnCapture); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Endpoint.onEvent",
				"error":    err.Error(),
			}).Warn("capture source failed to start")
		}
	case call.Hangup, call.CallFailed:
		if err := ep.source.Stop(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Endpoint.onEvent",
				"error":    err.Error(),
			}).Warn("capture source failed to stop")
		}
	}
}

// Engine returns the CallEngine this Endpoint drives, for callers that
// need to observe state or events directly (e.g. a CLI status line).
func (ep *Endpoint) Engine() *call.Engine {
	return ep.engine
}

// Run binds the listening socket (unless client-dial) and starts the
// net, TX, and playback tasks. It returns once they are launched; it
// does not block for the Endpoint's lifetime.
func (ep *Endpoint) Run() error {
	if !ep.cfg.ClientDial {
		if err := ep.link.Listen(ep.cfg.ListenPort); err != nil {
			return err
		}
		ep.wg.Add(1)
		go ep.acceptLoop()
	}

	ep.wg.Add(1)
	go ep.netTask()

	ep.wg.Add(1)
	go ep.txTask()

	ep.wg.Add(1)
	go ep.playbackTask()

	return nil
}

// Close implements process-level teardown: stop accepting new work,
// end any active call (which itself runs the per-call shutdown-order
// steps 1-4), close the listener, join every task, and flush settings.
func (ep *Endpoint) Close() error {
	if !ep.closed.CompareAndSwap(false, true) {
		return nil
	}

	// End any active call while the tasks are still running, so the
	// sink-stop request made inside Stop's shutdown path has a running
	// playback task to acknowledge it, then stop the tasks themselves.
	_ = ep.engine.Stop()
	close(ep.stopCh)

	if err := ep.link.Shutdown(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.Close",
			"error":    err.Error(),
		}).Warn("listener shutdown failed")
	}

	ep.wg.Wait()

	return ep.store.Flush()
}

// acceptLoop is the net task's inbound half: it owns the listening
// socket, handing each accepted session to its own recvLoop. Per
// spec.md §3, at most one session is ever active; peer.Link.Accept
// itself enforces the Busy rejection for any extra inbound connection.
func (ep *Endpoint) acceptLoop() {
	defer ep.wg.Done()
	for {
		session, err := ep.link.Accept()
		if err != nil {
			if errors.Is(err, peer.ErrListenerClosed) {
				return
			}
			if errors.Is(err, peer.ErrBusy) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "Endpoint.acceptLoop",
				"error":    err.Error(),
			}).Warn("accept failed")
			continue
		}

		ep.engine.OnAccepted(session)
		ep.wg.Add(1)
		go ep.recvLoop(session)
	}
}

// netTask drives the time-based FSM edges (ringing/outgoing timeout,
// keepalive PING) and, in client-dial mode, services connect requests
// woken by Engine.Start.
func (ep *Endpoint) netTask() {
	defer ep.wg.Done()

	ticker := time.NewTicker(netTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ep.stopCh:
			return
		case <-ep.engine.Wake():
			ep.handleConnectRequest()
		case now := <-ticker.C:
			ep.engine.Tick(now)
		}
	}
}

// handleConnectRequest services a pending client-dial connect request
// from Engine.Start, classifying a failed dial as CallFailed{Unreachable}
// per spec.md §7.
func (ep *Endpoint) handleConnectRequest() {
	host, port, want := ep.engine.ConsumeConnectRequest()
	if !want {
		return
	}

	session, err := ep.link.Connect(host, port, ep.cfg.Call.ConnectTimeout)
	if err != nil {
		ep.engine.OnConnectFailed()
		return
	}

	ep.engine.OnConnected(session)
	ep.wg.Add(1)
	go ep.recvLoop(session)
}

// recvLoop is the net task's per-session read half: it decodes framed
// messages and dispatches them to the Engine until the session closes,
// at which point it reports a disconnect.
func (ep *Endpoint) recvLoop(session *peer.Session) {
	defer ep.wg.Done()
	for {
		frame, err := ep.link.Recv(session)
		if err != nil {
			ep.engine.OnDisconnect()
			return
		}
		ep.engine.HandleFrame(frame)
	}
}

// txTask drains mic_ring, runs it through the AEC aligner (or forwards
// it raw when AEC is disabled, per spec.md §4.4's bypass path), and
// transmits AUDIO frames while Streaming.
func (ep *Endpoint) txTask() {
	defer ep.wg.Done()

	// mic accumulates a chunk across possibly several short reads: a
	// capture callback may hand the pipeline fewer bytes than
	// ChunkBytes at a time, and those bytes must survive to the next
	// iteration rather than being read again from offset zero and lost.
	mic := make([]byte, audio.ChunkBytes)
	filled := 0
	for {
		select {
		case <-ep.stopCh:
			return
		default:
		}

		if !ep.engine.Streaming() {
			filled = 0
			time.Sleep(txIdleSleep)
			continue
		}

		filled += ep.pipe.ReadCaptureChunk(mic[filled:])
		if filled < audio.ChunkBytes {
			time.Sleep(time.Millisecond)
			continue
		}
		filled = 0

		if ep.aecEnabled.Load() {
			out, ready, err := ep.pipe.FeedAligner(mic)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Endpoint.txTask",
					"error":    err.Error(),
				}).Warn("AEC aligner failed, dropping chunk")
				continue
			}
			if !ready {
				continue
			}
			ep.engine.SendAudio(out)
			continue
		}

		ep.engine.SendAudio(mic)
	}
}

// playbackTask is the single owner of the sink: it drains spk_ring and
// submits chunks to the sink on a fixed schedule, and is the only task
// that ever observes Pipeline's sink-start/sink-stop request flags.
func (ep *Endpoint) playbackTask() {
	defer ep.wg.Done()

	ticker := time.NewTicker(playbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ep.stopCh:
			return
		case <-ticker.C:
			ep.pipe.ServicePlayback()
		}
	}
}
