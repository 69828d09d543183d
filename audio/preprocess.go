package audio

import "math"

// Preprocessor applies the capture-path leaky DC estimator and linear
// gain described in spec.md §4.4. When gain is 1.0 and DC removal is
// disabled, Process is a passthrough.
type Preprocessor struct {
	gain      float64
	dcEnabled bool
	dc        int32 // Q8 fixed-point running DC estimate
}

// NewPreprocessor builds a Preprocessor from a linear gain and a
// DC-removal flag. GainFromDB is typically used to produce gain.
func NewPreprocessor(gain float64, dcRemoval bool) *Preprocessor {
	return &Preprocessor{gain: gain, dcEnabled: dcRemoval}
}

// GainFromDB converts a dB gain value to the linear multiplier
// Preprocessor expects.
func GainFromDB(db float64) float64 {
	return math.Pow(10, db/20)
}

// SetGain updates the linear gain applied to subsequent frames.
func (p *Preprocessor) SetGain(gain float64) {
	p.gain = gain
}

// SetDCRemoval enables or disables the leaky DC estimator.
func (p *Preprocessor) SetDCRemoval(enabled bool) {
	p.dcEnabled = enabled
	if !enabled {
		p.dc = 0
	}
}

// bypass reports whether Process would be a no-op, letting callers
// skip the sample loop entirely on the hot path.
func (p *Preprocessor) bypass() bool {
	return !p.dcEnabled && p.gain == 1.0
}

// Process applies DC removal (if enabled) and gain to pcm in place,
// saturating each sample to the int16 range, and returns pcm.
func (p *Preprocessor) Process(pcm []int16) []int16 {
	if p.bypass() {
		return pcm
	}

	for i, s := range pcm {
		v := int32(s)
		if p.dcEnabled {
			p.dc = (p.dc*255)/256 + v
			v -= p.dc / 256
		}
		if p.gain != 1.0 {
			v = int32(float64(v) * p.gain)
		}
		pcm[i] = saturate16(v)
	}
	return pcm
}

func saturate16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
