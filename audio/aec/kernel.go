// Package aec implements the frame alignment and reference-delay
// bookkeeping around the acoustic-echo-cancellation kernel. The DSP
// kernel itself is out of scope (spec.md §1 treats it as a pure
// function on three same-length frames); this package supplies the
// Kernel interface and a passthrough implementation used in tests and
// when no real kernel is configured.
package aec

import "fmt"

// Kernel is the abstract AEC DSP stage: given a same-length mic frame
// and reference frame, it returns the echo-cancelled output frame.
// Implementations must not retain slices passed to Process beyond the
// call.
type Kernel interface {
	Process(mic, ref []int16) ([]int16, error)
}

// IdentityKernel is a Kernel that performs no cancellation at all: it
// returns the mic frame unchanged. It is used when AEC is disabled but
// callers still want to exercise the frame-alignment path, and by
// Testable Property/Scenario S6's "kernel stubbed as identity" case.
type IdentityKernel struct{}

func (IdentityKernel) Process(mic, ref []int16) ([]int16, error) {
	if len(mic) != len(ref) {
		return nil, fmt.Errorf("aec: mic/ref length mismatch: %d != %d", len(mic), len(ref))
	}
	out := make([]int16, len(mic))
	copy(out, mic)
	return out, nil
}
