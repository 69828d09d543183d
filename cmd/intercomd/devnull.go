package main

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/audio"
)

// devnullSource is the CLI's stand-in capture device: no microphone is
// wired, so it periodically synthesizes a chunk of either silence or a
// low-amplitude test tone, at the pipeline's canonical chunk cadence.
// ChunksCaptured lets the status reporter show it is alive.
type devnullSource struct {
	tone bool

	ChunksCaptured atomic.Int64

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// newDevnullSource returns a devnull capture stub. tone selects a
// 440 Hz test tone instead of silence, for exercising the pipeline's
// gain/AEC stages with a signal that is not all zeros.
func newDevnullSource(tone bool) *devnullSource {
	return &devnullSource{tone: tone}
}

func (d *devnullSource) Start(onCapture func(pcm []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopCh = make(chan struct{})
	d.done = make(chan struct{})
	stopCh, done := d.stopCh, d.done

	go func() {
		defer close(done)

		const interval = audio.ChunkSamples * time.Second / audio.SampleRateHz
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var phase float64
		chunk := make([]byte, audio.ChunkBytes)

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				d.synthesize(chunk, &phase)
				onCapture(chunk)
				d.ChunksCaptured.Add(1)
			}
		}
	}()
	return nil
}

func (d *devnullSource) synthesize(chunk []byte, phase *float64) {
	if !d.tone {
		for i := range chunk {
			chunk[i] = 0
		}
		return
	}

	const freqHz = 440.0
	const amplitude = 2000
	step := 2 * math.Pi * freqHz / audio.SampleRateHz

	for i := 0; i < audio.ChunkSamples; i++ {
		sample := int16(amplitude * math.Sin(*phase))
		chunk[2*i] = byte(sample)
		chunk[2*i+1] = byte(sample >> 8)
		*phase += step
	}
	for *phase > 2*math.Pi {
		*phase -= 2 * math.Pi
	}
}

func (d *devnullSource) Stop() error {
	d.mu.Lock()
	stopCh, done := d.stopCh, d.done
	d.stopCh, d.done = nil, nil
	d.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)
	<-done
	return nil
}

// devnullSink is the CLI's stand-in playback device: it discards every
// chunk it is handed but keeps running counters so the status reporter
// can show playback is progressing.
type devnullSink struct {
	ChunksPlayed atomic.Int64
	BytesPlayed  atomic.Int64

	mu     sync.Mutex
	volume float64
}

func newDevnullSink() *devnullSink {
	return &devnullSink{volume: 1}
}

func (d *devnullSink) Start() error { return nil }

func (d *devnullSink) Play(pcm []byte) error {
	d.ChunksPlayed.Add(1)
	d.BytesPlayed.Add(int64(len(pcm)))
	return nil
}

func (d *devnullSink) Stop() error { return nil }

func (d *devnullSink) SetVolume(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = v
}

func (d *devnullSink) Volume() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume
}
