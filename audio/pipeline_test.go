package audio

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/audio/aec"
)

type recordingSink struct {
	played [][]byte
	volume float64
	starts atomic.Int32
	stops  atomic.Int32
}

func (s *recordingSink) Start() error { s.starts.Add(1); return nil }
func (s *recordingSink) Play(pcm []byte) error {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.played = append(s.played, cp)
	return nil
}
func (s *recordingSink) Stop() error         { s.stops.Add(1); return nil }
func (s *recordingSink) SetVolume(v float64) { s.volume = v }

func TestOnCapturePassthroughWhenNoProcessingConfigured(t *testing.T) {
	p := NewPipeline(Config{}, nil, aec.IdentityKernel{})

	pcm := []byte{0x34, 0x12, 0x01, 0x00} // two little-endian samples
	p.OnCapture(pcm)

	got := make([]byte, 4)
	n := p.ReadCaptureChunk(got)
	require.Equal(t, 4, n)
	assert.Equal(t, pcm, got)
}

func TestOnCaptureOverflowIsCountedNotFatal(t *testing.T) {
	p := NewPipeline(Config{}, nil, aec.IdentityKernel{})

	big := make([]byte, CaptureRingBytes+100)
	p.OnCapture(big)

	assert.Equal(t, uint64(100), p.CaptureDropped())
}

func TestServicePlaybackMirrorsToReferenceRing(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(Config{ReferenceDelay: MinReferenceDelay}, sink, aec.IdentityKernel{})
	p.ResetForCallStart()

	before := p.ReferenceAvailable()

	chunk := make([]byte, ChunkBytes)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	p.EnqueuePlayback(chunk)

	drained := p.ServicePlayback()
	require.Equal(t, 1, drained)
	require.Len(t, sink.played, 1)
	assert.Equal(t, chunk, sink.played[0])

	after := p.ReferenceAvailable()
	assert.Equal(t, before+len(chunk), after)
}

func TestServicePlaybackSilencedBelowThresholdStillFeedsReference(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(Config{ReferenceDelay: MinReferenceDelay}, sink, aec.IdentityKernel{})
	p.ResetForCallStart()
	p.SetVolume(0)

	chunk := make([]byte, ChunkBytes)
	p.EnqueuePlayback(chunk)
	drained := p.ServicePlayback()

	require.Equal(t, 1, drained)
	assert.Empty(t, sink.played, "sink should not receive audio while silenced")
	assert.Greater(t, p.ReferenceAvailable(), 0, "reference ring must still see rendered bytes")
}

func TestReferenceRingHoldsAtLeastDelayAfterReset(t *testing.T) {
	p := NewPipeline(Config{ReferenceDelay: MinReferenceDelay}, nil, aec.IdentityKernel{})
	p.ResetForCallStart()

	assert.GreaterOrEqual(t, p.ReferenceAvailable(), referenceDelayBytes(MinReferenceDelay))
}

func TestFeedAlignerIdentityKernelRoundTrip(t *testing.T) {
	p := NewPipeline(Config{FrameSamples: ChunkSamples, ReferenceDelay: MinReferenceDelay}, nil, aec.IdentityKernel{})
	p.ResetForCallStart()

	chunk := make([]byte, ChunkBytes)
	for i := 0; i < ChunkSamples; i++ {
		chunk[i*2] = byte(i)
		chunk[i*2+1] = 0
	}

	out, ready, err := p.FeedAligner(chunk)
	require.NoError(t, err)
	require.True(t, ready)
	assert.Equal(t, chunk, out, "identity kernel must echo mic input byte-for-byte")
}

func TestFeedAlignerCarriesOverPartialFrames(t *testing.T) {
	// FrameSamples twice ChunkSamples: the first Feed must not be ready.
	p := NewPipeline(Config{FrameSamples: ChunkSamples * 2, ReferenceDelay: MinReferenceDelay}, nil, aec.IdentityKernel{})
	p.ResetForCallStart()

	chunk := make([]byte, ChunkBytes)
	_, ready, err := p.FeedAligner(chunk)
	require.NoError(t, err)
	assert.False(t, ready)

	out, ready, err := p.FeedAligner(chunk)
	require.NoError(t, err)
	require.True(t, ready)
	assert.Len(t, out, ChunkBytes*2)
}

func TestResetForCallStartRequestsSinkStart(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(Config{ReferenceDelay: MinReferenceDelay}, sink, aec.IdentityKernel{})

	p.ResetForCallStart()
	p.ServicePlayback()

	assert.EqualValues(t, 1, sink.starts.Load())
}

func TestRequestSinkStopBlocksUntilServicePlaybackAcks(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(Config{ReferenceDelay: MinReferenceDelay}, sink, aec.IdentityKernel{})

	done := make(chan struct{})
	go func() {
		p.RequestSinkStop()
		close(done)
	}()

	// Give RequestSinkStop a moment to set the flag before the
	// playback task's next tick observes it.
	time.Sleep(10 * time.Millisecond)
	p.ServicePlayback()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RequestSinkStop did not return after ServicePlayback acked")
	}
	assert.EqualValues(t, 1, sink.stops.Load())
}

func TestRequestSinkStopTimesOutWithoutPlaybackTask(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(Config{ReferenceDelay: MinReferenceDelay}, sink, aec.IdentityKernel{})

	start := time.Now()
	p.RequestSinkStop()
	assert.GreaterOrEqual(t, time.Since(start), sinkStopAckBudget)
	assert.EqualValues(t, 0, sink.stops.Load())
}

func TestRequestSinkStopDrainsStaleAcknowledgement(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(Config{ReferenceDelay: MinReferenceDelay}, sink, aec.IdentityKernel{})

	// Times out with no playback task running to observe the flag yet.
	p.RequestSinkStop()

	// A late tick finally sees the flag and pushes an acknowledgement
	// after the call above already gave up waiting on it.
	p.ServicePlayback()

	// A second, unrelated RequestSinkStop must not be satisfied by that
	// stale acknowledgement; it has to wait for its own tick.
	done := make(chan struct{})
	go func() {
		p.RequestSinkStop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("RequestSinkStop returned immediately on a stale acknowledgement")
	case <-time.After(50 * time.Millisecond):
	}

	p.ServicePlayback()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RequestSinkStop did not return after its own acknowledgement")
	}
	assert.EqualValues(t, 2, sink.stops.Load())
}

func TestResetForCallStartClearsRingsAndAligner(t *testing.T) {
	p := NewPipeline(Config{FrameSamples: ChunkSamples * 2, ReferenceDelay: MinReferenceDelay}, nil, aec.IdentityKernel{})

	chunk := make([]byte, ChunkBytes)
	_, ready, err := p.FeedAligner(chunk)
	require.NoError(t, err)
	require.False(t, ready, "one chunk should not fill a two-chunk frame yet")

	p.OnCapture(chunk)
	p.EnqueuePlayback(chunk)

	p.ResetForCallStart()

	assert.Equal(t, 0, p.mic.Available())
	assert.Equal(t, 0, p.spk.Available())

	// Aligner accumulator was reset: feeding one chunk again must not be
	// ready, proving no carry-over leaked across the reset.
	_, ready, err = p.FeedAligner(chunk)
	require.NoError(t, err)
	assert.False(t, ready)
}
