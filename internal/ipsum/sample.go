package ipsum

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Sampling probabilities are fixed-point with 28 fractional bits.
const (
	samplingShift = 28
	samplingMask  = 1<<samplingShift - 1
)

// SamplingGate makes independent accept/reject decisions at a fixed-point
// probability. The requested real probability is quantized once to 2^-28
// granularity; Prob reports the realized value, which is what long-run
// accept rates converge to (not necessarily the request).
type SamplingGate struct {
	threshold uint32
	rng       *rand.Rand
}

// NewSamplingGate quantizes prob (0.0 through 1.0, inclusive) by rounding to
// the nearest representable threshold. rng may be nil, in which case the
// gate seeds its own generator; tests inject one for determinism.
func NewSamplingGate(prob float64, rng *rand.Rand) (*SamplingGate, error) {
	if math.IsNaN(prob) || prob < 0 || prob > 1 {
		return nil, fmt.Errorf("sampling probability %v out of range [0,1]", prob)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &SamplingGate{
		threshold: uint32(math.Round(prob * (1 << samplingShift))),
		rng:       rng,
	}, nil
}

// Accept draws 28 uniform bits and reports whether they fall strictly below
// the threshold. Each call is an independent decision.
func (g *SamplingGate) Accept() bool {
	if g.threshold > samplingMask {
		return true
	}
	return g.rng.Uint32()&samplingMask < g.threshold
}

// Prob returns the realized sampling probability after quantization.
func (g *SamplingGate) Prob() float64 {
	return float64(g.threshold) / (1 << samplingShift)
}
