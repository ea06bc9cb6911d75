// Package autodiff implements a small reverse-mode automatic differentiation
// tape over dense float64 matrices.
package autodiff

import (
	"errors"
	"fmt"
)

// ErrIndexOutOfRange is returned when a gather index falls outside the table.
var ErrIndexOutOfRange = errors.New("autodiff: index out of range")

// Tensor represents a matrix with gradient tracking capabilities
type Tensor struct {
	Data     *Matrix
	Grad     *Matrix
	Requires bool
	Name     string // Optional name for debugging and checkpoints

	children []*Tensor
	backward func() error
}

// TensorConfig holds configuration options for creating a tensor
type TensorConfig struct {
	RequiresGrad bool
	Name         string
}

// DefaultTensorConfig returns the default configuration for tensors
func DefaultTensorConfig() *TensorConfig {
	return &TensorConfig{
		RequiresGrad: false,
		Name:         "",
	}
}

// NewTensor creates a new tensor from a matrix with the specified configuration
func NewTensor(data *Matrix, config *TensorConfig) (*Tensor, error) {
	if data == nil {
		return nil, fmt.Errorf("data matrix cannot be nil")
	}

	if config == nil {
		config = DefaultTensorConfig()
	}

	t := &Tensor{
		Data:     data,
		Requires: config.RequiresGrad,
		Name:     config.Name,
	}
	if t.Requires {
		t.Grad = MustNewMatrix(data.Rows, data.Cols)
	}
	return t, nil
}

// NewParameter wraps data as a trainable leaf tensor
func NewParameter(data *Matrix, name string) *Tensor {
	return &Tensor{
		Data:     data,
		Grad:     MustNewMatrix(data.Rows, data.Cols),
		Requires: true,
		Name:     name,
	}
}

// Constant wraps data as a leaf tensor that never receives gradients
func Constant(data *Matrix, name string) *Tensor {
	return &Tensor{Data: data, Name: name}
}

// NewZerosTensor creates a new tensor filled with zeros
func NewZerosTensor(rows, cols int, config *TensorConfig) (*Tensor, error) {
	data, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, fmt.Errorf("failed to create zero matrix: %w", err)
	}
	return NewTensor(data, config)
}

// Shape returns [rows, cols]
func (t *Tensor) Shape() []int {
	return []int{t.Data.Rows, t.Data.Cols}
}

// Item returns the value of a 1x1 tensor
func (t *Tensor) Item() float64 {
	return t.Data.Data[0][0]
}

// ZeroGrad zeros out the gradient
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil {
		t.Grad.Fill(0)
	}
}

// ensureGrad allocates the gradient buffer for intermediate results
func (t *Tensor) ensureGrad() *Matrix {
	if t.Grad == nil {
		t.Grad = MustNewMatrix(t.Data.Rows, t.Data.Cols)
	}
	return t.Grad
}

// Backward runs reverse-mode differentiation from t. A scalar is seeded with
// 1; any other shape is seeded with its existing gradient or ones.
func (t *Tensor) Backward() error {
	if !t.Requires {
		return fmt.Errorf("cannot backpropagate from tensor %q that doesn't require gradients", t.Name)
	}

	seed := t.ensureGrad()
	if t.Data.Rows == 1 && t.Data.Cols == 1 {
		seed.Data[0][0] = 1.0
	} else if isZero(seed) {
		seed.Fill(1.0)
	}

	visited := make(map[*Tensor]bool)
	topo := make([]*Tensor, 0)

	var buildTopo func(node *Tensor)
	buildTopo = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		for _, child := range node.children {
			buildTopo(child)
		}
		topo = append(topo, node)
	}
	buildTopo(t)

	for i := len(topo) - 1; i >= 0; i-- {
		node := topo[i]
		if node.backward == nil || node.Grad == nil {
			continue
		}
		if err := node.backward(); err != nil {
			return fmt.Errorf("backward through %s: %w", node.Name, err)
		}
	}

	return nil
}

func isZero(m *Matrix) bool {
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			if m.Data[i][j] != 0 {
				return false
			}
		}
	}
	return true
}

// newResult allocates the output of an op over inputs. The result tracks
// gradients only when at least one input does.
func newResult(rows, cols int, name string, inputs ...*Tensor) *Tensor {
	result := &Tensor{Data: MustNewMatrix(rows, cols), Name: name}
	for _, in := range inputs {
		if in != nil && in.Requires {
			result.Requires = true
			result.children = append(result.children, in)
		}
	}
	return result
}

// Custom records an op whose forward result was computed by the caller.
// backward receives the output gradient and returns one gradient per input
// (nil entries are skipped).
func Custom(name string, out *Matrix, inputs []*Tensor, backward func(grad *Matrix) ([]*Matrix, error)) *Tensor {
	result := &Tensor{Data: out, Name: name}
	for _, in := range inputs {
		if in != nil && in.Requires {
			result.Requires = true
			result.children = append(result.children, in)
		}
	}
	if !result.Requires {
		return result
	}
	result.backward = func() error {
		grads, err := backward(result.Grad)
		if err != nil {
			return err
		}
		if len(grads) != len(inputs) {
			return fmt.Errorf("custom op %s returned %d gradients for %d inputs", name, len(grads), len(inputs))
		}
		for k, in := range inputs {
			if in == nil || !in.Requires || grads[k] == nil {
				continue
			}
			if !grads[k].SameShape(in.Data) {
				return fmt.Errorf("custom op %s: gradient %d is %dx%d, input is %dx%d",
					name, k, grads[k].Rows, grads[k].Cols, in.Data.Rows, in.Data.Cols)
			}
			accumulate(in.ensureGrad(), grads[k])
		}
		return nil
	}
	return result
}

func accumulate(dst, src *Matrix) {
	for i := 0; i < dst.Rows; i++ {
		for j := 0; j < dst.Cols; j++ {
			dst.Data[i][j] += src.Data[i][j]
		}
	}
}
