package autodiff

import (
	"math"
	"strings"
)

// AdamOptimizer implements AdamW: Adam with decoupled weight decay
type AdamOptimizer struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	// NoDecay reports parameters excluded from weight decay
	NoDecay func(name string) bool

	M map[*Tensor]*Matrix
	V map[*Tensor]*Matrix
	T int
}

// NewAdamOptimizer creates an AdamW optimizer with the torch defaults used by
// sentence-transformers (eps 1e-6) that skips decay on biases and norms.
func NewAdamOptimizer(lr float64, weightDecay float64) *AdamOptimizer {
	return &AdamOptimizer{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-6,
		WeightDecay:  weightDecay,
		NoDecay:      IsNoDecayParameter,
		M:            make(map[*Tensor]*Matrix),
		V:            make(map[*Tensor]*Matrix),
	}
}

// IsNoDecayParameter matches bias and layer norm parameter names
func IsNoDecayParameter(name string) bool {
	return strings.HasSuffix(name, ".bias") ||
		strings.HasSuffix(name, ".gamma") ||
		strings.HasSuffix(name, ".beta")
}

// Step performs one optimization step
func (opt *AdamOptimizer) Step(params []*Tensor) {
	opt.T++
	bc1 := 1.0 - math.Pow(opt.Beta1, float64(opt.T))
	bc2 := 1.0 - math.Pow(opt.Beta2, float64(opt.T))

	for _, param := range params {
		if param.Grad == nil || !param.Requires {
			continue
		}
		m, ok := opt.M[param]
		if !ok {
			m = MustNewMatrix(param.Data.Rows, param.Data.Cols)
			opt.M[param] = m
			opt.V[param] = MustNewMatrix(param.Data.Rows, param.Data.Cols)
		}
		v := opt.V[param]

		decay := opt.WeightDecay
		if opt.NoDecay != nil && opt.NoDecay(param.Name) {
			decay = 0
		}

		for i := 0; i < param.Data.Rows; i++ {
			for j := 0; j < param.Data.Cols; j++ {
				g := param.Grad.Data[i][j]
				if decay > 0 {
					param.Data.Data[i][j] -= opt.LearningRate * decay * param.Data.Data[i][j]
				}
				m.Data[i][j] = opt.Beta1*m.Data[i][j] + (1.0-opt.Beta1)*g
				v.Data[i][j] = opt.Beta2*v.Data[i][j] + (1.0-opt.Beta2)*g*g
				mHat := m.Data[i][j] / bc1
				vHat := v.Data[i][j] / bc2
				param.Data.Data[i][j] -= opt.LearningRate * mHat / (math.Sqrt(vHat) + opt.Epsilon)
			}
		}
	}
}

// ZeroGradients clears the gradients of params
func ZeroGradients(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// ClipGradNorm rescales gradients so their global L2 norm is at most maxNorm
// and returns the norm before clipping.
func ClipGradNorm(params []*Tensor, maxNorm float64) float64 {
	totalNormSq := 0.0
	for _, param := range params {
		if param.Grad == nil || !param.Requires {
			continue
		}
		for i := 0; i < param.Grad.Rows; i++ {
			for j := 0; j < param.Grad.Cols; j++ {
				totalNormSq += param.Grad.Data[i][j] * param.Grad.Data[i][j]
			}
		}
	}
	totalNorm := math.Sqrt(totalNormSq)
	if maxNorm > 0 && totalNorm > maxNorm {
		clipFactor := maxNorm / (totalNorm + 1e-6)
		for _, param := range params {
			if param.Grad == nil || !param.Requires {
				continue
			}
			for i := 0; i < param.Grad.Rows; i++ {
				for j := 0; j < param.Grad.Cols; j++ {
					param.Grad.Data[i][j] *= clipFactor
				}
			}
		}
	}
	return totalNorm
}
