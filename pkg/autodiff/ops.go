package autodiff

import (
	"fmt"
	"math"
	"math/rand"
)

// broadcastable reports whether b can be broadcast over a: each of b's
// dimensions must match a's or be 1.
func broadcastable(a, b *Matrix) bool {
	return (b.Rows == a.Rows || b.Rows == 1) && (b.Cols == a.Cols || b.Cols == 1)
}

func bIndex(b *Matrix, i, j int) (int, int) {
	if b.Rows == 1 {
		i = 0
	}
	if b.Cols == 1 {
		j = 0
	}
	return i, j
}

// MatMul performs matrix multiplication on tensors
func MatMul(a, b *Tensor) (*Tensor, error) {
	out, err := MatrixMul(a.Data, b.Data)
	if err != nil {
		return nil, fmt.Errorf("matmul %s x %s: %w", a.Name, b.Name, err)
	}

	result := newResult(out.Rows, out.Cols, "matmul", a, b)
	result.Data = out
	if !result.Requires {
		return result, nil
	}

	result.backward = func() error {
		if a.Requires {
			da, err := MatrixMul(result.Grad, Transpose(b.Data))
			if err != nil {
				return err
			}
			accumulate(a.ensureGrad(), da)
		}
		if b.Requires {
			db, err := MatrixMul(Transpose(a.Data), result.Grad)
			if err != nil {
				return err
			}
			accumulate(b.ensureGrad(), db)
		}
		return nil
	}
	return result, nil
}

// Add performs element-wise addition; b may broadcast over rows or columns
func Add(a, b *Tensor) (*Tensor, error) {
	return addSub(a, b, 1.0, "add")
}

// Subtract performs element-wise subtraction with the same broadcasting as Add
func Subtract(a, b *Tensor) (*Tensor, error) {
	return addSub(a, b, -1.0, "sub")
}

func addSub(a, b *Tensor, sign float64, name string) (*Tensor, error) {
	if !broadcastable(a.Data, b.Data) {
		return nil, fmt.Errorf("%s: shapes %dx%d and %dx%d are not broadcastable",
			name, a.Data.Rows, a.Data.Cols, b.Data.Rows, b.Data.Cols)
	}

	result := newResult(a.Data.Rows, a.Data.Cols, name, a, b)
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			bi, bj := bIndex(b.Data, i, j)
			result.Data.Data[i][j] = a.Data.Data[i][j] + sign*b.Data.Data[bi][bj]
		}
	}
	if !result.Requires {
		return result, nil
	}

	result.backward = func() error {
		g := result.Grad
		if a.Requires {
			accumulate(a.ensureGrad(), g)
		}
		if b.Requires {
			bg := b.ensureGrad()
			for i := 0; i < g.Rows; i++ {
				for j := 0; j < g.Cols; j++ {
					bi, bj := bIndex(b.Data, i, j)
					bg.Data[bi][bj] += sign * g.Data[i][j]
				}
			}
		}
		return nil
	}
	return result, nil
}

// Multiply performs element-wise multiplication with the same broadcasting as Add
func Multiply(a, b *Tensor) (*Tensor, error) {
	if !broadcastable(a.Data, b.Data) {
		return nil, fmt.Errorf("mul: shapes %dx%d and %dx%d are not broadcastable",
			a.Data.Rows, a.Data.Cols, b.Data.Rows, b.Data.Cols)
	}

	result := newResult(a.Data.Rows, a.Data.Cols, "mul", a, b)
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			bi, bj := bIndex(b.Data, i, j)
			result.Data.Data[i][j] = a.Data.Data[i][j] * b.Data.Data[bi][bj]
		}
	}
	if !result.Requires {
		return result, nil
	}

	result.backward = func() error {
		g := result.Grad
		for i := 0; i < g.Rows; i++ {
			for j := 0; j < g.Cols; j++ {
				bi, bj := bIndex(b.Data, i, j)
				if a.Requires {
					a.ensureGrad().Data[i][j] += g.Data[i][j] * b.Data.Data[bi][bj]
				}
				if b.Requires {
					b.ensureGrad().Data[bi][bj] += g.Data[i][j] * a.Data.Data[i][j]
				}
			}
		}
		return nil
	}
	return result, nil
}

// ScalarMultiply multiplies every element by s
func ScalarMultiply(a *Tensor, s float64) (*Tensor, error) {
	return unary(a, "scale", func(x float64) float64 { return s * x },
		func(_, _ float64) float64 { return s })
}

// unary builds an element-wise op. df receives the input and output value.
func unary(a *Tensor, name string, f func(x float64) float64, df func(x, y float64) float64) (*Tensor, error) {
	result := newResult(a.Data.Rows, a.Data.Cols, name, a)
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			result.Data.Data[i][j] = f(a.Data.Data[i][j])
		}
	}
	if !result.Requires {
		return result, nil
	}

	result.backward = func() error {
		ag := a.ensureGrad()
		for i := 0; i < a.Data.Rows; i++ {
			for j := 0; j < a.Data.Cols; j++ {
				ag.Data[i][j] += result.Grad.Data[i][j] * df(a.Data.Data[i][j], result.Data.Data[i][j])
			}
		}
		return nil
	}
	return result, nil
}

// ReLU applies max(0, x)
func ReLU(a *Tensor) (*Tensor, error) {
	return unary(a, "relu",
		func(x float64) float64 { return math.Max(0, x) },
		func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
}

// GELU applies the exact (erf based) Gaussian error linear unit
func GELU(a *Tensor) (*Tensor, error) {
	return unary(a, "gelu",
		func(x float64) float64 { return 0.5 * x * (1 + math.Erf(x/math.Sqrt2)) },
		func(x, _ float64) float64 {
			cdf := 0.5 * (1 + math.Erf(x/math.Sqrt2))
			pdf := math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
			return cdf + x*pdf
		})
}

// Tanh applies the hyperbolic tangent
func Tanh(a *Tensor) (*Tensor, error) {
	return unary(a, "tanh", math.Tanh, func(_, y float64) float64 { return 1 - y*y })
}

// Identity returns a unchanged
func Identity(a *Tensor) (*Tensor, error) {
	return a, nil
}

// TensorSoftmax applies a numerically stable softmax along each row
func TensorSoftmax(a *Tensor) (*Tensor, error) {
	result := newResult(a.Data.Rows, a.Data.Cols, "softmax", a)
	for i := 0; i < a.Data.Rows; i++ {
		row := a.Data.Data[i]
		maxVal := math.Inf(-1)
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		out := result.Data.Data[i]
		for j, v := range row {
			out[j] = math.Exp(v - maxVal)
			sum += out[j]
		}
		for j := range out {
			out[j] /= sum
		}
	}
	if !result.Requires {
		return result, nil
	}

	result.backward = func() error {
		ag := a.ensureGrad()
		for i := 0; i < result.Data.Rows; i++ {
			y := result.Data.Data[i]
			g := result.Grad.Data[i]
			dot := 0.0
			for j := range y {
				dot += g[j] * y[j]
			}
			for j := range y {
				ag.Data[i][j] += y[j] * (g[j] - dot)
			}
		}
		return nil
	}
	return result, nil
}

// TensorTranspose transposes a tensor
func TensorTranspose(a *Tensor) (*Tensor, error) {
	result := newResult(a.Data.Cols, a.Data.Rows, "transpose", a)
	result.Data = Transpose(a.Data)
	if !result.Requires {
		return result, nil
	}
	result.backward = func() error {
		accumulate(a.ensureGrad(), Transpose(result.Grad))
		return nil
	}
	return result, nil
}

// Sum reduces all elements to a 1x1 tensor
func Sum(a *Tensor) (*Tensor, error) {
	return reduceAll(a, "sum", 1.0)
}

// Mean reduces all elements to their 1x1 average
func Mean(a *Tensor) (*Tensor, error) {
	return reduceAll(a, "mean", 1.0/float64(a.Data.Rows*a.Data.Cols))
}

func reduceAll(a *Tensor, name string, scale float64) (*Tensor, error) {
	result := newResult(1, 1, name, a)
	total := 0.0
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			total += a.Data.Data[i][j]
		}
	}
	result.Data.Data[0][0] = total * scale
	if !result.Requires {
		return result, nil
	}
	result.backward = func() error {
		g := result.Grad.Data[0][0] * scale
		ag := a.ensureGrad()
		for i := 0; i < a.Data.Rows; i++ {
			for j := 0; j < a.Data.Cols; j++ {
				ag.Data[i][j] += g
			}
		}
		return nil
	}
	return result, nil
}

// SliceColsTensor returns columns [start, start+width)
func SliceColsTensor(a *Tensor, start, width int, name string) (*Tensor, error) {
	if start < 0 || width <= 0 || start+width > a.Data.Cols {
		return nil, fmt.Errorf("slice cols [%d,%d) out of bounds for %d columns", start, start+width, a.Data.Cols)
	}
	result := newResult(a.Data.Rows, width, name, a)
	for i := 0; i < a.Data.Rows; i++ {
		copy(result.Data.Data[i], a.Data.Data[i][start:start+width])
	}
	if !result.Requires {
		return result, nil
	}
	result.backward = func() error {
		ag := a.ensureGrad()
		for i := 0; i < a.Data.Rows; i++ {
			for j := 0; j < width; j++ {
				ag.Data[i][start+j] += result.Grad.Data[i][j]
			}
		}
		return nil
	}
	return result, nil
}

// ConcatenateColsTensor concatenates tensors with equal row counts side by side
func ConcatenateColsTensor(ts []*Tensor, name string) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat cols: no tensors")
	}
	rows, cols := ts[0].Data.Rows, 0
	for _, t := range ts {
		if t.Data.Rows != rows {
			return nil, fmt.Errorf("concat cols: row mismatch %d vs %d", t.Data.Rows, rows)
		}
		cols += t.Data.Cols
	}

	result := newResult(rows, cols, name, ts...)
	offset := 0
	for _, t := range ts {
		for i := 0; i < rows; i++ {
			copy(result.Data.Data[i][offset:], t.Data.Data[i])
		}
		offset += t.Data.Cols
	}
	if !result.Requires {
		return result, nil
	}
	result.backward = func() error {
		offset := 0
		for _, t := range ts {
			if t.Requires {
				tg := t.ensureGrad()
				for i := 0; i < rows; i++ {
					for j := 0; j < t.Data.Cols; j++ {
						tg.Data[i][j] += result.Grad.Data[i][offset+j]
					}
				}
			}
			offset += t.Data.Cols
		}
		return nil
	}
	return result, nil
}

// SliceRowsTensor returns rows [start, start+n)
func SliceRowsTensor(a *Tensor, start, n int, name string) (*Tensor, error) {
	if start < 0 || n <= 0 || start+n > a.Data.Rows {
		return nil, fmt.Errorf("slice rows [%d,%d) out of bounds for %d rows", start, start+n, a.Data.Rows)
	}
	result := newResult(n, a.Data.Cols, name, a)
	for i := 0; i < n; i++ {
		copy(result.Data.Data[i], a.Data.Data[start+i])
	}
	if !result.Requires {
		return result, nil
	}
	result.backward = func() error {
		ag := a.ensureGrad()
		for i := 0; i < n; i++ {
			for j := 0; j < a.Data.Cols; j++ {
				ag.Data[start+i][j] += result.Grad.Data[i][j]
			}
		}
		return nil
	}
	return result, nil
}

// ConcatenateRowsTensor stacks tensors with equal column counts
func ConcatenateRowsTensor(ts []*Tensor, name string) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat rows: no tensors")
	}
	rows, cols := 0, ts[0].Data.Cols
	for _, t := range ts {
		if t.Data.Cols != cols {
			return nil, fmt.Errorf("concat rows: column mismatch %d vs %d", t.Data.Cols, cols)
		}
		rows += t.Data.Rows
	}

	result := newResult(rows, cols, name, ts...)
	offset := 0
	for _, t := range ts {
		for i := 0; i < t.Data.Rows; i++ {
			copy(result.Data.Data[offset+i], t.Data.Data[i])
		}
		offset += t.Data.Rows
	}
	if !result.Requires {
		return result, nil
	}
	result.backward = func() error {
		offset := 0
		for _, t := range ts {
			if t.Requires {
				accumulateRows(t.ensureGrad(), result.Grad, offset)
			}
			offset += t.Data.Rows
		}
		return nil
	}
	return result, nil
}

func accumulateRows(dst, src *Matrix, offset int) {
	for i := 0; i < dst.Rows; i++ {
		for j := 0; j < dst.Cols; j++ {
			dst.Data[i][j] += src.Data[offset+i][j]
		}
	}
}

// Gather selects rows of weights by index. Any index outside
// [0, weights.Rows) fails with ErrIndexOutOfRange.
func Gather(weights *Tensor, ids []int) (*Tensor, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("gather: empty index list")
	}
	for pos, id := range ids {
		if id < 0 || id >= weights.Data.Rows {
			return nil, fmt.Errorf("%w: id %d at position %d, table has %d rows", ErrIndexOutOfRange, id, pos, weights.Data.Rows)
		}
	}

	result := newResult(len(ids), weights.Data.Cols, "gather", weights)
	for i, id := range ids {
		copy(result.Data.Data[i], weights.Data.Data[id])
	}
	if !result.Requires {
		return result, nil
	}
	result.backward = func() error {
		wg := weights.ensureGrad()
		for i, id := range ids {
			for j := 0; j < weights.Data.Cols; j++ {
				wg.Data[id][j] += result.Grad.Data[i][j]
			}
		}
		return nil
	}
	return result, nil
}

// Dropout zeroes elements with probability rate and rescales the rest by
// 1/(1-rate). It is the identity outside training or when rate is 0.
func Dropout(a *Tensor, rate float64, rng *rand.Rand, isTraining bool) (*Tensor, error) {
	if !isTraining || rate == 0 {
		return a, nil
	}
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate %v outside [0,1)", rate)
	}

	keep := 1.0 / (1.0 - rate)
	mask := MustNewMatrix(a.Data.Rows, a.Data.Cols)
	result := newResult(a.Data.Rows, a.Data.Cols, "dropout", a)
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			if uniform(rng) >= rate {
				mask.Data[i][j] = keep
			}
			result.Data.Data[i][j] = a.Data.Data[i][j] * mask.Data[i][j]
		}
	}
	if !result.Requires {
		return result, nil
	}
	result.backward = func() error {
		ag := a.ensureGrad()
		for i := 0; i < a.Data.Rows; i++ {
			for j := 0; j < a.Data.Cols; j++ {
				ag.Data[i][j] += result.Grad.Data[i][j] * mask.Data[i][j]
			}
		}
		return nil
	}
	return result, nil
}

// TensorLayerNorm normalizes each row to zero mean and unit variance, then
// applies the 1xcols gamma and beta.
func TensorLayerNorm(x, gamma, beta *Tensor, eps float64) (*Tensor, error) {
	cols := x.Data.Cols
	if gamma.Data.Rows != 1 || gamma.Data.Cols != cols || beta.Data.Rows != 1 || beta.Data.Cols != cols {
		return nil, fmt.Errorf("layer norm: gamma/beta must be 1x%d", cols)
	}

	rows := x.Data.Rows
	xhat := MustNewMatrix(rows, cols)
	invStd := make([]float64, rows)
	result := newResult(rows, cols, "layernorm", x, gamma, beta)
	for i := 0; i < rows; i++ {
		row := x.Data.Data[i]
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(cols)
		variance := 0.0
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(cols)
		invStd[i] = 1.0 / math.Sqrt(variance+eps)
		for j, v := range row {
			xhat.Data[i][j] = (v - mean) * invStd[i]
			result.Data.Data[i][j] = xhat.Data[i][j]*gamma.Data.Data[0][j] + beta.Data.Data[0][j]
		}
	}
	if !result.Requires {
		return result, nil
	}

	result.backward = func() error {
		g := result.Grad
		for i := 0; i < rows; i++ {
			if gamma.Requires || beta.Requires {
				for j := 0; j < cols; j++ {
					if gamma.Requires {
						gamma.ensureGrad().Data[0][j] += g.Data[i][j] * xhat.Data[i][j]
					}
					if beta.Requires {
						beta.ensureGrad().Data[0][j] += g.Data[i][j]
					}
				}
			}
			if !x.Requires {
				continue
			}
			meanD, meanDX := 0.0, 0.0
			for j := 0; j < cols; j++ {
				d := g.Data[i][j] * gamma.Data.Data[0][j]
				meanD += d
				meanDX += d * xhat.Data[i][j]
			}
			meanD /= float64(cols)
			meanDX /= float64(cols)
			xg := x.ensureGrad()
			for j := 0; j < cols; j++ {
				d := g.Data[i][j] * gamma.Data.Data[0][j]
				xg.Data[i][j] += invStd[i] * (d - meanD - xhat.Data[i][j]*meanDX)
			}
		}
		return nil
	}
	return result, nil
}

// MaskedMeanRows averages the rows of x whose mask entry is non-zero,
// producing 1xcols. With sqrtLen the sum is divided by sqrt(count) instead.
func MaskedMeanRows(x *Tensor, mask []float64, sqrtLen bool) (*Tensor, error) {
	if len(mask) != x.Data.Rows {
		return nil, fmt.Errorf("masked mean: mask length %d, tensor has %d rows", len(mask), x.Data.Rows)
	}
	count := 0.0
	for _, m := range mask {
		count += m
	}
	denom := math.Max(count, 1e-9)
	if sqrtLen {
		denom = math.Sqrt(denom)
	}

	result := newResult(1, x.Data.Cols, "masked_mean", x)
	for i, m := range mask {
		if m == 0 {
			continue
		}
		for j := 0; j < x.Data.Cols; j++ {
			result.Data.Data[0][j] += x.Data.Data[i][j] * m / denom
		}
	}
	if !result.Requires {
		return result, nil
	}
	result.backward = func() error {
		xg := x.ensureGrad()
		for i, m := range mask {
			if m == 0 {
				continue
			}
			for j := 0; j < x.Data.Cols; j++ {
				xg.Data[i][j] += result.Grad.Data[0][j] * m / denom
			}
		}
		return nil
	}
	return result, nil
}

// MaskedMaxRows takes the column-wise maximum over rows whose mask entry is
// non-zero. A fully masked input falls back to all rows.
func MaskedMaxRows(x *Tensor, mask []float64) (*Tensor, error) {
	if len(mask) != x.Data.Rows {
		return nil, fmt.Errorf("masked max: mask length %d, tensor has %d rows", len(mask), x.Data.Rows)
	}
	anyValid := false
	for _, m := range mask {
		if m != 0 {
			anyValid = true
			break
		}
	}

	cols := x.Data.Cols
	argmax := make([]int, cols)
	result := newResult(1, cols, "masked_max", x)
	for j := 0; j < cols; j++ {
		best := math.Inf(-1)
		argmax[j] = -1
		for i := 0; i < x.Data.Rows; i++ {
			if anyValid && mask[i] == 0 {
				continue
			}
			if argmax[j] < 0 || x.Data.Data[i][j] > best {
				best = x.Data.Data[i][j]
				argmax[j] = i
			}
		}
		result.Data.Data[0][j] = best
	}
	if !result.Requires {
		return result, nil
	}
	result.backward = func() error {
		xg := x.ensureGrad()
		for j, i := range argmax {
			xg.Data[i][j] += result.Grad.Data[0][j]
		}
		return nil
	}
	return result, nil
}

// CosineSimilarityRows computes the cosine similarity of matching rows of
// u and v, producing an nx1 tensor.
func CosineSimilarityRows(u, v *Tensor) (*Tensor, error) {
	if !u.Data.SameShape(v.Data) {
		return nil, fmt.Errorf("cosine similarity: shapes %dx%d and %dx%d differ",
			u.Data.Rows, u.Data.Cols, v.Data.Rows, v.Data.Cols)
	}

	const eps = 1e-8
	n := u.Data.Rows
	normU := make([]float64, n)
	normV := make([]float64, n)
	result := newResult(n, 1, "cosine", u, v)
	for i := 0; i < n; i++ {
		dot, uu, vv := 0.0, 0.0, 0.0
		for j := 0; j < u.Data.Cols; j++ {
			a, b := u.Data.Data[i][j], v.Data.Data[i][j]
			dot += a * b
			uu += a * a
			vv += b * b
		}
		normU[i] = math.Max(math.Sqrt(uu), eps)
		normV[i] = math.Max(math.Sqrt(vv), eps)
		result.Data.Data[i][0] = dot / (normU[i] * normV[i])
	}
	if !result.Requires {
		return result, nil
	}
	result.backward = func() error {
		for i := 0; i < n; i++ {
			g := result.Grad.Data[i][0]
			cos := result.Data.Data[i][0]
			for j := 0; j < u.Data.Cols; j++ {
				a, b := u.Data.Data[i][j], v.Data.Data[i][j]
				if u.Requires {
					u.ensureGrad().Data[i][j] += g * (b/(normU[i]*normV[i]) - cos*a/(normU[i]*normU[i]))
				}
				if v.Requires {
					v.ensureGrad().Data[i][j] += g * (a/(normU[i]*normV[i]) - cos*b/(normV[i]*normV[i]))
				}
			}
		}
		return nil
	}
	return result, nil
}

// MSELoss returns the mean squared error between pred and target as 1x1
func MSELoss(pred *Tensor, target *Matrix) (*Tensor, error) {
	if !pred.Data.SameShape(target) {
		return nil, fmt.Errorf("mse: prediction %dx%d, target %dx%d",
			pred.Data.Rows, pred.Data.Cols, target.Rows, target.Cols)
	}
	n := float64(pred.Data.Rows * pred.Data.Cols)
	result := newResult(1, 1, "mse", pred)
	for i := 0; i < target.Rows; i++ {
		for j := 0; j < target.Cols; j++ {
			d := pred.Data.Data[i][j] - target.Data[i][j]
			result.Data.Data[0][0] += d * d / n
		}
	}
	if !result.Requires {
		return result, nil
	}
	result.backward = func() error {
		g := result.Grad.Data[0][0]
		pg := pred.ensureGrad()
		for i := 0; i < target.Rows; i++ {
			for j := 0; j < target.Cols; j++ {
				pg.Data[i][j] += g * 2 * (pred.Data.Data[i][j] - target.Data[i][j]) / n
			}
		}
		return nil
	}
	return result, nil
}
