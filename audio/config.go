// Package audio implements the endpoint's AudioPipeline: capture and
// playback ring buffers, a DC-removal/gain preprocessor on the
// capture path, and a reference-delay ring that feeds the
// acoustic-echo-cancellation stage in audio/aec.
package audio

import "time"

const (
	// SampleRateHz is the fixed PCM sample rate carried on the wire.
	SampleRateHz = 16000

	// ChunkBytes is the canonical capture/playback transfer size: 256
	// samples of 16-bit mono PCM, 16 ms at SampleRateHz.
	ChunkBytes = 512

	// ChunkSamples is ChunkBytes expressed in samples.
	ChunkSamples = ChunkBytes / 2

	// CaptureRingBytes is the mic_ring capacity (~64 ms of audio).
	CaptureRingBytes = 2048

	// PlaybackRingBytes is the spk_ring capacity (~256 ms of audio).
	PlaybackRingBytes = 8192

	// DefaultReferenceDelay is the default reference-delay applied when
	// a call enters Streaming, chosen for endpoints with separate
	// mic/speaker DACs.
	DefaultReferenceDelay = 80 * time.Millisecond

	// MinReferenceDelay and MaxReferenceDelay bound the configurable
	// reference delay for integrated codecs with lower I2S latency.
	MinReferenceDelay = 20 * time.Millisecond
	MaxReferenceDelay = 100 * time.Millisecond

	// maxPlaybackChunksPerTick bounds how many ChunkBytes-sized chunks
	// the playback scheduler drains from spk_ring in a single tick.
	maxPlaybackChunksPerTick = 4

	// silenceVolumeThreshold is the volume below which playback is
	// silenced by skipping submission to the sink rather than playing
	// zeros.
	silenceVolumeThreshold = 0.001
)

// referenceDelayBytes converts a reference delay duration to a byte
// count at SampleRateHz, 16-bit mono.
func referenceDelayBytes(delay time.Duration) int {
	samples := int(delay.Seconds() * SampleRateHz)
	return samples * 2
}

// Config configures a Pipeline at construction. Zero-value fields take
// the package defaults.
type Config struct {
	// MicGainDB is the capture-path linear gain, expressed in dB,
	// applied by the preprocessor. 0 means no gain change.
	MicGainDB float64

	// DCRemoval enables the leaky DC estimator on the capture path.
	DCRemoval bool

	// ReferenceDelay is the AEC reference-delay; if zero,
	// DefaultReferenceDelay is used.
	ReferenceDelay time.Duration

	// FrameSamples is the AEC kernel's frame size in samples; if zero,
	// ChunkSamples is used (bypass-equivalent framing).
	FrameSamples int
}

func (c Config) withDefaults() Config {
	if c.ReferenceDelay <= 0 {
		c.ReferenceDelay = DefaultReferenceDelay
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = ChunkSamples
	}
	return c
}
