package aec

import "encoding/binary"

// ReferenceReader supplies reference (rendered-speaker) PCM bytes to
// the aligner, backed by the pipeline's reference-delay ring.
type ReferenceReader interface {
	Read(dst []byte) int
}

// Aligner accumulates arbitrarily-chunked capture samples into
// fixed-size frames and drives the Kernel once each frame fills, per
// spec.md §4.4's "AEC aligner" contract. It carries leftover samples
// across Feed calls so callers never need to worry about chunk size
// dividing frame size evenly.
type Aligner struct {
	frameSamples int
	kernel       Kernel
	accum        []int16
}

// NewAligner builds an Aligner producing frames of frameSamples
// samples, cancelling echo with kernel.
func NewAligner(frameSamples int, kernel Kernel) *Aligner {
	if kernel == nil {
		kernel = IdentityKernel{}
	}
	return &Aligner{
		frameSamples: frameSamples,
		kernel:       kernel,
		accum:        make([]int16, 0, frameSamples*2),
	}
}

// FrameSamples returns the configured frame size.
func (a *Aligner) FrameSamples() int {
	return a.frameSamples
}

// Reset drops any carried-over samples, called on every entry to
// Streaming so residual audio from a previous call never leaks into a
// new one.
func (a *Aligner) Reset() {
	a.accum = a.accum[:0]
}

// Feed appends chunk to the mic accumulator. Once frameSamples samples
// have accumulated, it reads a same-length reference frame from ref
// (zero-padding on short read), runs the kernel, and returns the
// output frame with ready=true, carrying over any tail samples for the
// next call. While the accumulator has not yet filled, ready is false
// and out is nil.
func (a *Aligner) Feed(chunk []int16, ref ReferenceReader) (out []int16, ready bool, err error) {
	a.accum = append(a.accum, chunk...)
	if len(a.accum) < a.frameSamples {
		return nil, false, nil
	}

	mic := make([]int16, a.frameSamples)
	copy(mic, a.accum[:a.frameSamples])
	a.accum = append(a.accum[:0], a.accum[a.frameSamples:]...)

	refFrame := readReferenceFrame(ref, a.frameSamples)

	out, err = a.kernel.Process(mic, refFrame)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// readReferenceFrame reads frameSamples samples worth of bytes from
// ref, zero-padding any shortfall so the kernel always sees a
// full-length frame, per spec.md §4.4.
func readReferenceFrame(ref ReferenceReader, frameSamples int) []int16 {
	raw := make([]byte, frameSamples*2)
	n := 0
	if ref != nil {
		n = ref.Read(raw)
	}
	for i := n; i < len(raw); i++ {
		raw[i] = 0
	}

	frame := make([]int16, frameSamples)
	for i := 0; i < frameSamples; i++ {
		frame[i] = int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
	}
	return frame
}
