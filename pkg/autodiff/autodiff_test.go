package autodiff

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func randomParam(rows, cols int, name string, rng *rand.Rand) *Tensor {
	m, _ := NewNormalMatrix(rows, cols, 1.0, rng)
	return NewParameter(m, name)
}

// weightedSum reduces out to a scalar with fixed random weights so that every
// output element contributes a distinct gradient.
func weightedSum(out *Tensor, seed int64) (*Tensor, error) {
	w, _ := NewNormalMatrix(out.Data.Rows, out.Data.Cols, 1.0, rand.New(rand.NewSource(seed)))
	prod, err := Multiply(out, Constant(w, "w"))
	if err != nil {
		return nil, err
	}
	return Sum(prod)
}

// checkGradients compares analytic gradients of build() against central
// finite differences for every input.
func checkGradients(t *testing.T, name string, inputs []*Tensor, build func() (*Tensor, error)) {
	t.Helper()
	const h = 1e-5
	const tol = 1e-4

	for _, in := range inputs {
		in.ZeroGrad()
	}
	loss, err := build()
	if err != nil {
		t.Fatalf("%s: forward failed: %v", name, err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("%s: backward failed: %v", name, err)
	}

	for k, in := range inputs {
		analytic := in.Grad.Clone()
		for i := 0; i < in.Data.Rows; i++ {
			for j := 0; j < in.Data.Cols; j++ {
				orig := in.Data.Data[i][j]
				in.Data.Data[i][j] = orig + h
				plus, err := build()
				if err != nil {
					t.Fatalf("%s: forward failed: %v", name, err)
				}
				in.Data.Data[i][j] = orig - h
				minus, err := build()
				if err != nil {
					t.Fatalf("%s: forward failed: %v", name, err)
				}
				in.Data.Data[i][j] = orig

				numeric := (plus.Item() - minus.Item()) / (2 * h)
				if diff := math.Abs(numeric - analytic.Data[i][j]); diff > tol*math.Max(1, math.Abs(numeric)) {
					t.Errorf("%s: input %d [%d][%d]: analytic %.6f, numeric %.6f", name, k, i, j, analytic.Data[i][j], numeric)
				}
			}
		}
	}
}

func TestMatMulAndBroadcastGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := randomParam(3, 4, "a", rng)
	b := randomParam(4, 2, "b", rng)
	bias := randomParam(1, 2, "bias", rng)
	col := randomParam(3, 1, "col", rng)

	checkGradients(t, "matmul+add", []*Tensor{a, b, bias, col}, func() (*Tensor, error) {
		out, err := MatMul(a, b)
		if err != nil {
			return nil, err
		}
		if out, err = Add(out, bias); err != nil {
			return nil, err
		}
		if out, err = Multiply(out, col); err != nil {
			return nil, err
		}
		if out, err = Subtract(out, bias); err != nil {
			return nil, err
		}
		return weightedSum(out, 7)
	})
}

func TestActivationGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := randomParam(2, 5, "x", rng)

	for name, act := range map[string]func(*Tensor) (*Tensor, error){
		"gelu":    GELU,
		"tanh":    Tanh,
		"softmax": TensorSoftmax,
		"scale":   func(t *Tensor) (*Tensor, error) { return ScalarMultiply(t, -1.5) },
	} {
		checkGradients(t, name, []*Tensor{x}, func() (*Tensor, error) {
			out, err := act(x)
			if err != nil {
				return nil, err
			}
			return weightedSum(out, 3)
		})
	}
}

func TestLayerNormGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := randomParam(3, 6, "x", rng)
	gamma := randomParam(1, 6, "gamma", rng)
	beta := randomParam(1, 6, "beta", rng)

	checkGradients(t, "layernorm", []*Tensor{x, gamma, beta}, func() (*Tensor, error) {
		out, err := TensorLayerNorm(x, gamma, beta, 1e-5)
		if err != nil {
			return nil, err
		}
		return weightedSum(out, 11)
	})
}

func TestSliceConcatTransposeGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x := randomParam(4, 6, "x", rng)
	y := randomParam(2, 6, "y", rng)

	checkGradients(t, "slice/concat", []*Tensor{x, y}, func() (*Tensor, error) {
		left, err := SliceColsTensor(x, 0, 2, "left")
		if err != nil {
			return nil, err
		}
		right, err := SliceColsTensor(x, 3, 3, "right")
		if err != nil {
			return nil, err
		}
		cat, err := ConcatenateColsTensor([]*Tensor{right, left}, "cat")
		if err != nil {
			return nil, err
		}
		top, err := SliceRowsTensor(cat, 1, 2, "top")
		if err != nil {
			return nil, err
		}
		yT, err := TensorTranspose(y)
		if err != nil {
			return nil, err
		}
		yT, err = TensorTranspose(yT)
		if err != nil {
			return nil, err
		}
		ySlice, err := SliceColsTensor(yT, 1, 5, "ys")
		if err != nil {
			return nil, err
		}
		rows, err := ConcatenateRowsTensor([]*Tensor{top, ySlice}, "rows")
		if err != nil {
			return nil, err
		}
		return weightedSum(rows, 5)
	})
}

func TestPoolingAndCosineGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x := randomParam(4, 3, "x", rng)
	u := randomParam(3, 4, "u", rng)
	v := randomParam(3, 4, "v", rng)
	mask := []float64{1, 1, 1, 0}

	checkGradients(t, "mean", []*Tensor{x}, func() (*Tensor, error) {
		out, err := MaskedMeanRows(x, mask, false)
		if err != nil {
			return nil, err
		}
		return weightedSum(out, 1)
	})
	checkGradients(t, "mean_sqrt_len", []*Tensor{x}, func() (*Tensor, error) {
		out, err := MaskedMeanRows(x, mask, true)
		if err != nil {
			return nil, err
		}
		return weightedSum(out, 1)
	})
	checkGradients(t, "max", []*Tensor{x}, func() (*Tensor, error) {
		out, err := MaskedMaxRows(x, mask)
		if err != nil {
			return nil, err
		}
		return weightedSum(out, 1)
	})

	labels := MustNewMatrix(3, 1)
	labels.Data[0][0], labels.Data[1][0], labels.Data[2][0] = 0.2, 0.9, 0.5
	checkGradients(t, "cosine mse", []*Tensor{u, v}, func() (*Tensor, error) {
		cos, err := CosineSimilarityRows(u, v)
		if err != nil {
			return nil, err
		}
		return MSELoss(cos, labels)
	})
}

func TestMaskedMeanIgnoresPadding(t *testing.T) {
	x, _ := NewMatrixFromData([][]float64{{1, 2}, {3, 4}, {100, 100}})
	out, err := MaskedMeanRows(Constant(x, "x"), []float64{1, 1, 0}, false)
	if err != nil {
		t.Fatalf("masked mean failed: %v", err)
	}
	if out.Data.Data[0][0] != 2 || out.Data.Data[0][1] != 3 {
		t.Errorf("expected [2 3], got %v", out.Data.Data[0])
	}
}

func TestGatherOutOfRange(t *testing.T) {
	w := NewParameter(MustNewMatrix(4, 2), "emb")
	for _, ids := range [][]int{{0, 4}, {-1}, {0, 1, 99}} {
		_, err := Gather(w, ids)
		if !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("ids %v: expected ErrIndexOutOfRange, got %v", ids, err)
		}
	}
}

func TestGatherAccumulatesRepeatedIds(t *testing.T) {
	w := randomParam(3, 2, "emb", rand.New(rand.NewSource(6)))
	out, err := Gather(w, []int{1, 1, 2})
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	loss, _ := Sum(out)
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	if w.Grad.Data[0][0] != 0 || w.Grad.Data[1][0] != 2 || w.Grad.Data[2][1] != 1 {
		t.Errorf("unexpected gather gradient:\n%s", w.Grad)
	}
}

func TestCustomOpGradient(t *testing.T) {
	x := randomParam(2, 2, "x", rand.New(rand.NewSource(8)))
	square := func() (*Tensor, error) {
		out := x.Data.Clone()
		for i := range out.Data {
			for j := range out.Data[i] {
				out.Data[i][j] *= out.Data[i][j]
			}
		}
		res := Custom("square", out, []*Tensor{x}, func(g *Matrix) ([]*Matrix, error) {
			dx := MustNewMatrix(2, 2)
			for i := 0; i < 2; i++ {
				for j := 0; j < 2; j++ {
					dx.Data[i][j] = 2 * x.Data.Data[i][j] * g.Data[i][j]
				}
			}
			return []*Matrix{dx}, nil
		})
		return weightedSum(res, 9)
	}
	checkGradients(t, "custom", []*Tensor{x}, square)
}

func TestDropoutInference(t *testing.T) {
	x := randomParam(2, 3, "x", rand.New(rand.NewSource(10)))
	out, err := Dropout(x, 0.5, rand.New(rand.NewSource(1)), false)
	if err != nil {
		t.Fatalf("dropout failed: %v", err)
	}
	if out != x {
		t.Errorf("dropout outside training must return its input")
	}

	out, err = Dropout(x, 0.5, rand.New(rand.NewSource(1)), true)
	if err != nil {
		t.Fatalf("dropout failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			v := out.Data.Data[i][j]
			if v != 0 && math.Abs(v-2*x.Data.Data[i][j]) > 1e-12 {
				t.Errorf("kept element not rescaled: %v vs %v", v, x.Data.Data[i][j])
			}
		}
	}
}

func TestBackwardRequiresGrad(t *testing.T) {
	c := Constant(MustNewMatrix(1, 1), "c")
	if err := c.Backward(); err == nil {
		t.Errorf("expected error when backpropagating from a constant")
	}
}

func TestAdamOptimizerMinimizesQuadratic(t *testing.T) {
	target, _ := NewMatrixFromData([][]float64{{1.5, -2.0, 0.5}})
	p := NewParameter(MustNewMatrix(1, 3), "w.weight")
	opt := NewAdamOptimizer(0.1, 0)

	var last float64
	for step := 0; step < 500; step++ {
		ZeroGradients([]*Tensor{p})
		loss, err := MSELoss(p, target)
		if err != nil {
			t.Fatalf("loss failed: %v", err)
		}
		if err := loss.Backward(); err != nil {
			t.Fatalf("backward failed: %v", err)
		}
		opt.Step([]*Tensor{p})
		last = loss.Item()
	}
	if last > 1e-3 {
		t.Errorf("expected loss near zero, got %v", last)
	}
}

func TestAdamWeightDecayExclusions(t *testing.T) {
	w := NewParameter(MustNewMatrix(1, 1), "dense.weight")
	b := NewParameter(MustNewMatrix(1, 1), "dense.bias")
	w.Data.Data[0][0], b.Data.Data[0][0] = 1, 1

	opt := NewAdamOptimizer(0.1, 0.5)
	opt.Step([]*Tensor{w, b})

	if b.Data.Data[0][0] != 1 {
		t.Errorf("bias must not decay, got %v", b.Data.Data[0][0])
	}
	if math.Abs(w.Data.Data[0][0]-0.95) > 1e-12 {
		t.Errorf("weight should decay to 0.95, got %v", w.Data.Data[0][0])
	}
}

func TestClipGradNorm(t *testing.T) {
	p := NewParameter(MustNewMatrix(1, 2), "p")
	p.Grad.Data[0][0], p.Grad.Data[0][1] = 3, 4

	norm := ClipGradNorm([]*Tensor{p}, 1.0)
	if norm != 5 {
		t.Errorf("expected pre-clip norm 5, got %v", norm)
	}
	clipped := math.Hypot(p.Grad.Data[0][0], p.Grad.Data[0][1])
	if math.Abs(clipped-1.0) > 1e-5 {
		t.Errorf("expected clipped norm 1, got %v", clipped)
	}
}
