// Package quantum simulates the small parameterised circuits used by the
// encoder's quantum layers and differentiates them with the parameter-shift
// rule.
package quantum

import (
	"fmt"
)

// Gate identifies a supported gate
type Gate int

const (
	GateRX Gate = iota
	GateRY
	GateRZ
	GateCNOT
)

func (g Gate) String() string {
	switch g {
	case GateRX:
		return "RX"
	case GateRY:
		return "RY"
	case GateRZ:
		return "RZ"
	case GateCNOT:
		return "CNOT"
	default:
		return fmt.Sprintf("Gate(%d)", int(g))
	}
}

// rotation reports whether the gate takes an angle
func (g Gate) rotation() bool {
	return g == GateRX || g == GateRY || g == GateRZ
}

// AngleSource says where a rotation angle is read from
type AngleSource int

const (
	// FromInput reads the angle from the classical input vector
	FromInput AngleSource = iota
	// FromParam reads the angle from the trainable parameter vector
	FromParam
)

// Operation is one gate application. Wires are qubit indices; wire 0 is the
// least significant bit of a basis state index.
type Operation struct {
	Gate   Gate
	Wires  []int
	Source AngleSource
	Index  int
}

// Circuit is an ordered gate list over NumQubits wires, measured as the
// Pauli-Z expectation of every wire.
type Circuit struct {
	NumQubits int
	NumInputs int
	NumParams int
	Ops       []Operation
}

// NewLayerCircuit builds the encoder's circuit: RX angle embedding of one
// input per wire followed by depth entangling layers, each an RY rotation
// per wire and a ring of CNOTs.
func NewLayerCircuit(numQubits, depth int) (*Circuit, error) {
	if numQubits <= 0 {
		return nil, fmt.Errorf("%w: circuit needs at least one qubit, got %d", ErrCircuitWidth, numQubits)
	}
	if depth < 0 {
		return nil, fmt.Errorf("circuit depth must not be negative, got %d", depth)
	}

	c := &Circuit{NumQubits: numQubits, NumInputs: numQubits, NumParams: depth * numQubits}
	for q := 0; q < numQubits; q++ {
		c.Ops = append(c.Ops, Operation{Gate: GateRX, Wires: []int{q}, Source: FromInput, Index: q})
	}
	for d := 0; d < depth; d++ {
		for q := 0; q < numQubits; q++ {
			c.Ops = append(c.Ops, Operation{Gate: GateRY, Wires: []int{q}, Source: FromParam, Index: d*numQubits + q})
		}
		switch {
		case numQubits == 2:
			c.Ops = append(c.Ops, Operation{Gate: GateCNOT, Wires: []int{0, 1}})
		case numQubits > 2:
			for q := 0; q < numQubits; q++ {
				c.Ops = append(c.Ops, Operation{Gate: GateCNOT, Wires: []int{q, (q + 1) % numQubits}})
			}
		}
	}
	return c, c.Validate()
}

// Validate checks wires and that every input and parameter feeds exactly one
// rotation, which the two-term parameter-shift rule relies on.
func (c *Circuit) Validate() error {
	if c.NumQubits <= 0 {
		return fmt.Errorf("%w: %d qubits", ErrCircuitWidth, c.NumQubits)
	}
	inputUses := make([]int, c.NumInputs)
	paramUses := make([]int, c.NumParams)

	for i, op := range c.Ops {
		for _, w := range op.Wires {
			if w < 0 || w >= c.NumQubits {
				return fmt.Errorf("op %d (%s): wire %d outside [0,%d)", i, op.Gate, w, c.NumQubits)
			}
		}
		switch {
		case op.Gate.rotation():
			if len(op.Wires) != 1 {
				return fmt.Errorf("op %d (%s): expects 1 wire, got %d", i, op.Gate, len(op.Wires))
			}
			uses := inputUses
			if op.Source == FromParam {
				uses = paramUses
			}
			if op.Index < 0 || op.Index >= len(uses) {
				return fmt.Errorf("op %d (%s): angle index %d outside [0,%d)", i, op.Gate, op.Index, len(uses))
			}
			uses[op.Index]++
		case op.Gate == GateCNOT:
			if len(op.Wires) != 2 || op.Wires[0] == op.Wires[1] {
				return fmt.Errorf("op %d (CNOT): needs two distinct wires, got %v", i, op.Wires)
			}
		default:
			return fmt.Errorf("op %d: unsupported gate %s", i, op.Gate)
		}
	}

	for i, n := range inputUses {
		if n != 1 {
			return fmt.Errorf("input %d feeds %d rotations, want 1", i, n)
		}
	}
	for i, n := range paramUses {
		if n != 1 {
			return fmt.Errorf("param %d feeds %d rotations, want 1", i, n)
		}
	}
	return nil
}
