package training

import "math"

// WarmupLinear raises the learning rate linearly from 0 over WarmupSteps,
// then decays it linearly to 0 at TotalSteps.
type WarmupLinear struct {
	BaseLR      float64
	WarmupSteps int
	TotalSteps  int
}

// WarmupSteps returns ceil(batches * epochs * ratio)
func WarmupSteps(batchesPerEpoch, epochs int, ratio float64) int {
	return int(math.Ceil(float64(batchesPerEpoch*epochs) * ratio))
}

// Factor returns the multiplier applied to BaseLR at step
func (s WarmupLinear) Factor(step int) float64 {
	if step < s.WarmupSteps {
		return float64(step) / float64(max(1, s.WarmupSteps))
	}
	return max(0, float64(s.TotalSteps-step)/float64(max(1, s.TotalSteps-s.WarmupSteps)))
}

// LR returns the learning rate at step
func (s WarmupLinear) LR(step int) float64 {
	return s.BaseLR * s.Factor(step)
}
