package quantum

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// maxStateVectorQubits bounds the dense state to 2^20 amplitudes
const maxStateVectorQubits = 20

// StateVector is an exact dense state-vector simulator
type StateVector struct {
	name    string
	workers int
	closed  atomic.Bool
	pool    sync.Pool
}

// NewStateVector creates a simulator that advertises workers concurrent
// executions.
func NewStateVector(name string, workers int) *StateVector {
	if workers < 1 {
		workers = 1
	}
	return &StateVector{name: name, workers: workers}
}

func (s *StateVector) Name() string           { return s.name }
func (s *StateVector) MaxQubits() int         { return maxStateVectorQubits }
func (s *StateVector) SupportsGradient() bool { return true }
func (s *StateVector) Workers() int           { return s.workers }

// Close marks the simulator closed. Run fails with ErrClosed afterwards.
func (s *StateVector) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *StateVector) buffer(n int) *[]complex128 {
	if v, ok := s.pool.Get().(*[]complex128); ok && len(*v) == n {
		return v
	}
	buf := make([]complex128, n)
	return &buf
}

// Run prepares |0...0>, applies c and returns <Z> for every wire
func (s *StateVector) Run(ctx context.Context, c *Circuit, inputs, params []float64) ([]float64, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.NumQubits > maxStateVectorQubits {
		return nil, fmt.Errorf("%w: %d qubits exceed %s limit %d", ErrCircuitWidth, c.NumQubits, s.name, maxStateVectorQubits)
	}
	if len(inputs) != c.NumInputs || len(params) != c.NumParams {
		return nil, fmt.Errorf("%w: got %d inputs and %d params, circuit takes %d and %d",
			ErrSimulation, len(inputs), len(params), c.NumInputs, c.NumParams)
	}

	bufp := s.buffer(1 << c.NumQubits)
	defer s.pool.Put(bufp)
	state := *bufp
	clear(state)
	state[0] = 1

	for i, op := range c.Ops {
		switch op.Gate {
		case GateCNOT:
			applyCNOT(state, op.Wires[0], op.Wires[1])
		case GateRX, GateRY, GateRZ:
			theta := inputs
			if op.Source == FromParam {
				theta = params
			}
			angle := theta[op.Index]
			if math.IsNaN(angle) || math.IsInf(angle, 0) {
				return nil, fmt.Errorf("%w: op %d (%s) has non-finite angle %v", ErrSimulation, i, op.Gate, angle)
			}
			applyRotation(state, op.Gate, op.Wires[0], angle)
		default:
			return nil, fmt.Errorf("%w: unsupported gate %s", ErrSimulation, op.Gate)
		}
	}

	return expectZ(state, c.NumQubits), nil
}

// applyRotation applies a 2x2 unitary to wire w
func applyRotation(state []complex128, g Gate, w int, theta float64) {
	c := math.Cos(theta / 2)
	sn := math.Sin(theta / 2)

	var u00, u01, u10, u11 complex128
	switch g {
	case GateRX:
		u00, u01 = complex(c, 0), complex(0, -sn)
		u10, u11 = complex(0, -sn), complex(c, 0)
	case GateRY:
		u00, u01 = complex(c, 0), complex(-sn, 0)
		u10, u11 = complex(sn, 0), complex(c, 0)
	case GateRZ:
		u00, u11 = complex(c, -sn), complex(c, sn)
	}

	bit := 1 << w
	for i := range state {
		if i&bit != 0 {
			continue
		}
		j := i | bit
		a0, a1 := state[i], state[j]
		state[i] = u00*a0 + u01*a1
		state[j] = u10*a0 + u11*a1
	}
}

func applyCNOT(state []complex128, control, target int) {
	cbit, tbit := 1<<control, 1<<target
	for i := range state {
		if i&cbit != 0 && i&tbit == 0 {
			j := i | tbit
			state[i], state[j] = state[j], state[i]
		}
	}
}

func expectZ(state []complex128, n int) []float64 {
	out := make([]float64, n)
	for i, a := range state {
		p := real(a)*real(a) + imag(a)*imag(a)
		for q := 0; q < n; q++ {
			if i&(1<<q) == 0 {
				out[q] += p
			} else {
				out[q] -= p
			}
		}
	}
	return out
}
