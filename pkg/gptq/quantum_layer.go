package gptq

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/gptq/sentence/pkg/autodiff"
	"github.com/gptq/sentence/pkg/quantum"
)

// QuantumLayer maps every row through a parameterised circuit and adds the
// result back to its input. Rows are squashed into rotation angles with
// tanh(x)*pi before embedding.
type QuantumLayer struct {
	In      *autodiff.LinearWithTensors // nil when the register is as wide as the embedding
	Out     *autodiff.LinearWithTensors
	Weights *autodiff.Tensor // 1 x circuit params

	circuit   *quantum.Circuit
	backend   quantum.Backend
	trainable bool
}

func newQuantumLayer(embedDim, numQubits, depth int, name string, backend quantum.Backend, rng *rand.Rand) (*QuantumLayer, error) {
	circuit, err := quantum.NewLayerCircuit(numQubits, depth)
	if err != nil {
		return nil, err
	}

	q := &QuantumLayer{
		circuit:   circuit,
		backend:   backend,
		trainable: backend.SupportsGradient(),
	}
	if numQubits != embedDim {
		if q.In, err = autodiff.NewLinearWithTensors(embedDim, numQubits, true, name+".in", rng); err != nil {
			return nil, err
		}
		if q.Out, err = autodiff.NewLinearWithTensors(numQubits, embedDim, true, name+".out", rng); err != nil {
			return nil, err
		}
	}

	nParams := circuit.NumParams
	if nParams == 0 {
		nParams = 1 // depth 0 keeps a placeholder so the weights tensor is never empty
	}
	w := autodiff.MustNewMatrix(1, nParams)
	for j := range w.Data[0] {
		w.Data[0][j] = rng.Float64() * 2 * math.Pi
	}
	q.Weights = autodiff.NewParameter(w, name+".weights")
	if !q.trainable {
		// No gradient reaches the circuit input, so its projection is frozen too.
		frozen := []*autodiff.Tensor{q.Weights}
		if q.In != nil {
			frozen = append(frozen, q.In.GetParameters()...)
		}
		for _, p := range frozen {
			p.Requires = false
			p.Grad = nil
		}
	}
	return q, nil
}

// Forward applies the layer to every row of x
func (q *QuantumLayer) Forward(ctx context.Context, x *autodiff.Tensor) (*autodiff.Tensor, error) {
	h := x
	var err error
	if q.In != nil {
		if h, err = q.In.Forward(x); err != nil {
			return nil, fmt.Errorf("quantum input projection: %w", err)
		}
	}
	if h, err = autodiff.Tanh(h); err != nil {
		return nil, err
	}
	angles, err := autodiff.ScalarMultiply(h, math.Pi)
	if err != nil {
		return nil, err
	}

	inputs := make([][]float64, angles.Data.Rows)
	for i := range inputs {
		inputs[i] = angles.Data.Data[i]
	}
	params := q.Weights.Data.Data[0][:q.circuit.NumParams]

	results, err := quantum.RunBatch(ctx, q.backend, q.circuit, inputs, params)
	if err != nil {
		return nil, fmt.Errorf("quantum layer %s: %w", q.Weights.Name, err)
	}
	expect, err := autodiff.NewMatrixFromData(results)
	if err != nil {
		return nil, err
	}

	var z *autodiff.Tensor
	if q.trainable {
		z = autodiff.Custom("quantum", expect, []*autodiff.Tensor{angles, q.Weights}, q.backward(ctx, inputs, params))
	} else {
		z = autodiff.Constant(expect, "quantum")
	}

	if q.Out != nil {
		if z, err = q.Out.Forward(z); err != nil {
			return nil, fmt.Errorf("quantum output projection: %w", err)
		}
	}
	return autodiff.Add(x, z)
}

// backward chains the output gradient through the parameter-shift Jacobian
// of every row.
func (q *QuantumLayer) backward(ctx context.Context, inputs [][]float64, params []float64) func(*autodiff.Matrix) ([]*autodiff.Matrix, error) {
	// Copied so the Jacobian is taken at the forward point.
	rows := make([][]float64, len(inputs))
	for i, in := range inputs {
		rows[i] = append([]float64(nil), in...)
	}
	theta := append([]float64(nil), params...)

	return func(grad *autodiff.Matrix) ([]*autodiff.Matrix, error) {
		jacs, err := quantum.ParameterShift(ctx, q.backend, q.circuit, rows, theta)
		if err != nil {
			return nil, fmt.Errorf("quantum layer %s gradient: %w", q.Weights.Name, err)
		}

		dAngles := autodiff.MustNewMatrix(len(rows), q.circuit.NumInputs)
		dWeights := autodiff.MustNewMatrix(1, q.Weights.Data.Cols)
		for r, jac := range jacs {
			for w := 0; w < q.circuit.NumQubits; w++ {
				g := grad.Data[r][w]
				if g == 0 {
					continue
				}
				for k, d := range jac.Inputs[w] {
					dAngles.Data[r][k] += g * d
				}
				for p, d := range jac.Params[w] {
					dWeights.Data[0][p] += g * d
				}
			}
		}
		return []*autodiff.Matrix{dAngles, dWeights}, nil
	}
}

func (q *QuantumLayer) GetParameters() []*autodiff.Tensor {
	var ps []*autodiff.Tensor
	if q.In != nil {
		ps = append(ps, q.In.GetParameters()...)
	}
	ps = append(ps, q.Weights)
	if q.Out != nil {
		ps = append(ps, q.Out.GetParameters()...)
	}
	return ps
}
