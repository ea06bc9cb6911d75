package autodiff

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Matrix represents a 2D matrix of float64 values
type Matrix struct {
	Rows int
	Cols int
	Data [][]float64
}

// NewMatrix creates a new zero matrix with the specified dimensions
func NewMatrix(rows, cols int) (*Matrix, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid matrix dimensions: rows=%d, cols=%d (must be positive)", rows, cols)
	}

	data := make([][]float64, rows)
	backing := make([]float64, rows*cols)
	for i := range data {
		data[i] = backing[i*cols : (i+1)*cols : (i+1)*cols]
	}

	return &Matrix{
		Rows: rows,
		Cols: cols,
		Data: data,
	}, nil
}

// MustNewMatrix creates a new matrix with the specified dimensions.
// Panics if dimensions are invalid; shapes are checked by every caller.
func MustNewMatrix(rows, cols int) *Matrix {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMatrixFromData copies a rectangular [][]float64 into a new matrix
func NewMatrixFromData(data [][]float64) (*Matrix, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("matrix data cannot be empty")
	}
	m, err := NewMatrix(len(data), len(data[0]))
	if err != nil {
		return nil, err
	}
	for i, row := range data {
		if len(row) != m.Cols {
			return nil, fmt.Errorf("ragged matrix data: row %d has %d columns, want %d", i, len(row), m.Cols)
		}
		copy(m.Data[i], row)
	}
	return m, nil
}

// NewRandomMatrix creates a matrix with Xavier-uniform values drawn from rng.
// A nil rng uses the global source.
func NewRandomMatrix(rows, cols int, rng *rand.Rand) (*Matrix, error) {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}

	limit := math.Sqrt(6.0 / float64(rows+cols))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Data[i][j] = (uniform(rng)*2 - 1) * limit
		}
	}

	return m, nil
}

// NewNormalMatrix creates a matrix with N(0, std^2) values drawn from rng
func NewNormalMatrix(rows, cols int, std float64, rng *rand.Rand) (*Matrix, error) {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if rng != nil {
				m.Data[i][j] = rng.NormFloat64() * std
			} else {
				m.Data[i][j] = rand.NormFloat64() * std
			}
		}
	}
	return m, nil
}

func uniform(rng *rand.Rand) float64 {
	if rng != nil {
		return rng.Float64()
	}
	return rand.Float64()
}

// Clone creates a deep copy of the matrix
func (m *Matrix) Clone() *Matrix {
	clone := MustNewMatrix(m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		copy(clone.Data[i], m.Data[i])
	}
	return clone
}

// Fill sets every element to v
func (m *Matrix) Fill(v float64) {
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			m.Data[i][j] = v
		}
	}
}

// SameShape reports whether a and b have identical dimensions
func (m *Matrix) SameShape(o *Matrix) bool {
	return m.Rows == o.Rows && m.Cols == o.Cols
}

// Flatten returns the row-major contents of the matrix
func (m *Matrix) Flatten() []float64 {
	out := make([]float64, 0, m.Rows*m.Cols)
	for i := 0; i < m.Rows; i++ {
		out = append(out, m.Data[i]...)
	}
	return out
}

// SetFlat fills the matrix from row-major values
func (m *Matrix) SetFlat(values []float64) error {
	if len(values) != m.Rows*m.Cols {
		return fmt.Errorf("cannot set %dx%d matrix from %d values", m.Rows, m.Cols, len(values))
	}
	for i := 0; i < m.Rows; i++ {
		copy(m.Data[i], values[i*m.Cols:(i+1)*m.Cols])
	}
	return nil
}

// MatrixMul performs matrix multiplication
func MatrixMul(a, b *Matrix) (*Matrix, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("cannot multiply nil matrices")
	}

	if a.Cols != b.Rows {
		return nil, fmt.Errorf("matrix dimensions don't match for multiplication: a(%dx%d), b(%dx%d)",
			a.Rows, a.Cols, b.Rows, b.Cols)
	}

	result, err := NewMatrix(a.Rows, b.Cols)
	if err != nil {
		return nil, err
	}

	for i := 0; i < a.Rows; i++ {
		out := result.Data[i]
		for k := 0; k < a.Cols; k++ {
			aik := a.Data[i][k]
			if aik == 0 {
				continue
			}
			row := b.Data[k]
			for j := range out {
				out[j] += aik * row[j]
			}
		}
	}

	return result, nil
}

// Transpose returns the transpose of a matrix
func Transpose(m *Matrix) *Matrix {
	result := MustNewMatrix(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			result.Data[j][i] = m.Data[i][j]
		}
	}
	return result
}

// Equal checks if two matrices have the same shape and values within epsilon
func Equal(a, b *Matrix, epsilon float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !a.SameShape(b) {
		return false
	}
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			if math.Abs(a.Data[i][j]-b.Data[i][j]) > epsilon {
				return false
			}
		}
	}
	return true
}

// String returns a string representation of the matrix
func (m *Matrix) String() string {
	if m == nil {
		return "nil"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Matrix(%dx%d):\n", m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		sb.WriteString("[")
		for j := 0; j < m.Cols; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%.4f", m.Data[i][j])
		}
		sb.WriteString("]\n")
	}
	return sb.String()
}
