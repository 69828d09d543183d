package audio

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/audio/aec"
)

// sinkStopAckBudget bounds how long RequestSinkStop blocks waiting for
// the playback task to observe the flag and call sink.Stop, per
// spec.md §5's single-owner sink-stop protocol.
const sinkStopAckBudget = 200 * time.Millisecond

// Pipeline is the endpoint's AudioPipeline (spec.md §4.4): capture and
// playback rings, the capture-path preprocessor, the AEC aligner, and
// the reference-delay ring the playback scheduler feeds.
type Pipeline struct {
	cfg Config

	mic *guardedRing
	spk *guardedRing
	ref *guardedRing

	pre     *Preprocessor
	aligner *aec.Aligner
	sink    Sink

	refDelayBytes int
	volume        atomic.Uint32 // volume in millionths (0..1_000_000); see SetVolume/Volume

	sinkStartRequested atomic.Bool
	sinkStopRequested  atomic.Bool
	sinkStopAck        chan struct{}

	// Scratch buffers for the hot per-tick conversions below. Each is
	// touched by exactly one caller (the capture source's callback,
	// the TX task, or the playback task respectively), so reusing them
	// across calls needs no locking, only len tracking; it just keeps
	// this ~16ms-period path from allocating and handing the GC a new
	// slice on every chunk.
	captureScratch  []int16
	feedScratch     []int16
	feedOutScratch  []byte
	playbackScratch []byte
}

// scratchSamples returns (*buf)[:n], growing *buf first if its
// capacity is too small.
func scratchSamples(buf *[]int16, n int) []int16 {
	if cap(*buf) < n {
		*buf = make([]int16, n)
	}
	return (*buf)[:n]
}

// scratchBytes is scratchSamples for []byte.
func scratchBytes(buf *[]byte, n int) []byte {
	if cap(*buf) < n {
		*buf = make([]byte, n)
	}
	return (*buf)[:n]
}

// NewPipeline builds a Pipeline backed by sink, with kernel driving the
// AEC aligner (pass aec.IdentityKernel{} or nil for bypass-shaped
// testing; true bypass without any AEC bookkeeping is handled by the
// caller choosing not to route through Aligner at all, as the
// endpoint's TX task does while AEC is switched off).
func NewPipeline(cfg Config, sink Sink, kernel aec.Kernel) *Pipeline {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = NopSink{}
	}

	p := &Pipeline{
		cfg:           cfg,
		mic:           newGuardedRing(CaptureRingBytes),
		spk:           newGuardedRing(PlaybackRingBytes),
		ref:           newGuardedRing(referenceDelayBytes(MaxReferenceDelay) + PlaybackRingBytes),
		pre:           NewPreprocessor(GainFromDB(0), cfg.DCRemoval),
		aligner:       aec.NewAligner(cfg.FrameSamples, kernel),
		sink:          sink,
		refDelayBytes: referenceDelayBytes(cfg.ReferenceDelay),
		sinkStopAck:   make(chan struct{}, 1),
	}
	p.pre.SetGain(GainFromDB(cfg.MicGainDB))
	p.SetVolume(1.0)
	return p
}

// SetGainDB updates the capture-path gain.
func (p *Pipeline) SetGainDB(db float64) {
	p.pre.SetGain(GainFromDB(db))
}

// SetReferenceDelay updates the configured reference delay; it takes
// effect on the next ResetForCallStart.
func (p *Pipeline) SetReferenceDelay(bytes int) {
	p.refDelayBytes = bytes
}

// SetVolume updates the playback volume gate (0..1). Values at or
// below silenceVolumeThreshold silence playback by skipping
// submission to the sink, per spec.md §4.4.
func (p *Pipeline) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.volume.Store(uint32(v * 1_000_000))
	p.sink.SetVolume(v)
}

// Volume returns the volume last set by SetVolume, clamped to 0..1 and
// stored to a resolution of one millionth.
func (p *Pipeline) Volume() float64 {
	return float64(p.volume.Load()) / 1_000_000
}

// OnCapture is the capture-source callback (spec.md §6): it
// preprocesses pcm in place and writes it into mic_ring. On overflow,
// bytes are dropped and counted; the call is not affected.
func (p *Pipeline) OnCapture(pcm []byte) {
	samples := scratchSamples(&p.captureScratch, len(pcm)/2)
	bytesToSamplesInto(pcm, samples)
	p.pre.Process(samples)
	samplesToBytes(samples, pcm)

	n := p.mic.Write(pcm)
	if n < len(pcm) {
		logrus.WithFields(logrus.Fields{
			"function": "Pipeline.OnCapture",
			"dropped":  len(pcm) - n,
			"total":    p.mic.Dropped(),
		}).Warn("mic ring overflow, dropping capture bytes")
	}
}

// ReadCaptureChunk drains up to len(dst) bytes from mic_ring, returning
// the count read. The TX task calls this to pull preprocessed audio
// for either AEC framing or direct bypass transmission.
func (p *Pipeline) ReadCaptureChunk(dst []byte) int {
	return p.mic.Read(dst)
}

// FeedAligner pushes a captured chunk through the AEC aligner, reading
// the delayed reference from spk_ref_ring. It returns a ready output
// frame when the aligner's accumulator has filled, per spec.md §4.4.
func (p *Pipeline) FeedAligner(chunk []byte) (out []byte, ready bool, err error) {
	samples := scratchSamples(&p.feedScratch, len(chunk)/2)
	bytesToSamplesInto(chunk, samples)
	frame, ready, err := p.aligner.Feed(samples, p.ref)
	if err != nil || !ready {
		return nil, false, err
	}
	out = scratchBytes(&p.feedOutScratch, len(frame)*2)
	samplesToBytes(frame, out)
	return out, true, nil
}

// EnqueuePlayback writes a received AUDIO payload into spk_ring. On
// overflow, bytes are dropped and counted; the call is not affected.
func (p *Pipeline) EnqueuePlayback(payload []byte) {
	n := p.spk.Write(payload)
	if n < len(payload) {
		logrus.WithFields(logrus.Fields{
			"function": "Pipeline.EnqueuePlayback",
			"dropped":  len(payload) - n,
			"total":    p.spk.Dropped(),
		}).Warn("playback ring overflow, dropping received audio")
	}
}

// ServicePlayback is one tick of the playback scheduler: it drains up
// to four ChunkBytes-sized chunks from spk_ring, submits each to the
// sink unless the volume gate is closed, and mirrors each into the
// reference ring whether or not it was submitted, so AEC sees exactly
// what was rendered.
// It returns the number of chunks actually drained.
func (p *Pipeline) ServicePlayback() int {
	if p.sinkStartRequested.Load() {
		if err := p.sink.Start(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Pipeline.ServicePlayback",
				"error":    err.Error(),
			}).Warn("sink start failed")
		}
		p.sinkStartRequested.Store(false)
	}

	if p.sinkStopRequested.Load() {
		if err := p.sink.Stop(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Pipeline.ServicePlayback",
				"error":    err.Error(),
			}).Warn("sink stop failed")
		}
		p.sinkStopRequested.Store(false)
		select {
		case p.sinkStopAck <- struct{}{}:
		default:
		}
		return 0
	}

	chunk := scratchBytes(&p.playbackScratch, ChunkBytes)
	drained := 0
	for i := 0; i < maxPlaybackChunksPerTick; i++ {
		n := p.spk.Read(chunk)
		if n == 0 {
			break
		}
		drained++

		if p.Volume() > silenceVolumeThreshold {
			if err := p.sink.Play(chunk[:n]); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Pipeline.ServicePlayback",
					"error":    err.Error(),
				}).Warn("sink play failed")
			}
		}

		// The reference ring receives the same bytes regardless of the
		// volume gate: AEC must see what was rendered, and a silenced
		// sink still renders silence acoustically indistinguishable from
		// not having played at all.
		p.ref.Write(chunk[:n])
	}
	return drained
}

// ResetForCallStart clears mic_ring, spk_ring, and the AEC aligner,
// then re-seeds spk_ref_ring with refDelayBytes of zeros, per
// spec.md §4.4's "reset at call start" contract. It must be called
// before the audio tasks resume on a fresh Streaming entry.
func (p *Pipeline) ResetForCallStart() {
	p.mic.Reset()
	p.spk.Reset()
	p.ref.Reset()
	p.aligner.Reset()

	written := p.ref.PrefillZeros(p.refDelayBytes)
	logrus.WithFields(logrus.Fields{
		"function": "Pipeline.ResetForCallStart",
		"prefill":  written,
	}).Info("audio pipeline reset for new call")

	p.RequestSinkStart()
}

// RequestSinkStart asks the playback task to call sink.Start on its
// next tick. Unlike RequestSinkStop it does not block: nothing in the
// FSM needs to observe the sink as already started before proceeding.
func (p *Pipeline) RequestSinkStart() {
	p.sinkStartRequested.Store(true)
}

// RequestSinkStop implements the single-owner sink-stop protocol: it
// sets the flag the playback task checks at the top of its next
// ServicePlayback call, then blocks until that task acknowledges or
// sinkStopAckBudget elapses, whichever comes first. Only the playback
// task ever calls sink.Stop, eliminating play/stop races.
func (p *Pipeline) RequestSinkStop() {
	// A previous call's acknowledgement may have arrived after that
	// call's own wait already timed out and returned, left sitting in
	// the size-1 buffer. Drain it first so the wait below can only be
	// satisfied by the playback task acting on this request.
	select {
	case <-p.sinkStopAck:
	default:
	}

	p.sinkStopRequested.Store(true)
	select {
	case <-p.sinkStopAck:
	case <-time.After(sinkStopAckBudget):
		logrus.WithFields(logrus.Fields{
			"function": "Pipeline.RequestSinkStop",
		}).Warn("sink-stop acknowledgement timed out")
	}
}

// CaptureDropped and PlaybackDropped report cumulative overflow counts
// in bytes. OnCapture and EnqueuePlayback log a Warn carrying the
// running total on every overflow; these logs are not sampled or
// rate-limited.
func (p *Pipeline) CaptureDropped() uint64  { return p.mic.Dropped() }
func (p *Pipeline) PlaybackDropped() uint64 { return p.spk.Dropped() }

// ReferenceAvailable reports spk_ref_ring's current occupancy in
// bytes, used to verify the steady-state invariant that it holds at
// least refDelayBytes of data (spec.md §8 Invariant 5).
func (p *Pipeline) ReferenceAvailable() int {
	return p.ref.Available()
}

// bytesToSamplesInto decodes b into dst, which must be at least
// len(b)/2 samples long.
func bytesToSamplesInto(b []byte, dst []int16) {
	for i := range dst {
		dst[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
}

func samplesToBytes(samples []int16, dst []byte) {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:i*2+2], uint16(s))
	}
}
