package autodiff

import (
	"fmt"
	"math"
	"math/rand"
)

// Layer is implemented by every trainable building block. Parameter names
// are stable and used as checkpoint keys.
type Layer interface {
	GetParameters() []*Tensor
}

// LinearWithTensors is an affine map x*W + b
type LinearWithTensors struct {
	InputDim  int
	OutputDim int
	Weight    *Tensor
	Bias      *Tensor // nil when the layer has no bias
}

// NewLinearWithTensors creates a Xavier initialised linear layer
func NewLinearWithTensors(inD, outD int, bias bool, name string, rng *rand.Rand) (*LinearWithTensors, error) {
	w, err := NewRandomMatrix(inD, outD, rng)
	if err != nil {
		return nil, fmt.Errorf("linear %s: %w", name, err)
	}
	l := &LinearWithTensors{
		InputDim:  inD,
		OutputDim: outD,
		Weight:    NewParameter(w, name+".weight"),
	}
	if bias {
		l.Bias = NewParameter(MustNewMatrix(1, outD), name+".bias")
	}
	return l, nil
}

// Forward applies the affine map to every row of input
func (l *LinearWithTensors) Forward(input *Tensor) (*Tensor, error) {
	out, err := MatMul(input, l.Weight)
	if err != nil {
		return nil, fmt.Errorf("linear %s: %w", l.Weight.Name, err)
	}
	if l.Bias == nil {
		return out, nil
	}
	return Add(out, l.Bias)
}

func (l *LinearWithTensors) GetParameters() []*Tensor {
	if l.Bias == nil {
		return []*Tensor{l.Weight}
	}
	return []*Tensor{l.Weight, l.Bias}
}

// DropoutTensor applies inverted dropout during training
type DropoutTensor struct {
	Rate float64
	rng  *rand.Rand
}

func NewDropoutTensor(rate float64, rng *rand.Rand) *DropoutTensor {
	return &DropoutTensor{Rate: rate, rng: rng}
}

func (d *DropoutTensor) Forward(input *Tensor, isTraining bool) (*Tensor, error) {
	return Dropout(input, d.Rate, d.rng, isTraining)
}

// LayerNormWithTensors holds the affine parameters of a layer norm
type LayerNormWithTensors struct {
	Dim   int
	Gamma *Tensor
	Beta  *Tensor
	Eps   float64
}

func NewLayerNormWithTensors(dim int, name string) *LayerNormWithTensors {
	gamma := MustNewMatrix(1, dim)
	gamma.Fill(1.0)
	return &LayerNormWithTensors{
		Dim:   dim,
		Gamma: NewParameter(gamma, name+".gamma"),
		Beta:  NewParameter(MustNewMatrix(1, dim), name+".beta"),
		Eps:   1e-5,
	}
}

func (ln *LayerNormWithTensors) Forward(input *Tensor) (*Tensor, error) {
	return TensorLayerNorm(input, ln.Gamma, ln.Beta, ln.Eps)
}

func (ln *LayerNormWithTensors) GetParameters() []*Tensor {
	return []*Tensor{ln.Gamma, ln.Beta}
}

// EmbeddingTensor is a learned lookup table of shape numEmb x embDim
type EmbeddingTensor struct {
	NumEmbeddings int
	EmbeddingDim  int
	Weights       *Tensor
}

func NewEmbeddingTensor(numEmb, embDim int, name string, rng *rand.Rand) (*EmbeddingTensor, error) {
	w, err := NewNormalMatrix(numEmb, embDim, 1.0/math.Sqrt(float64(embDim)), rng)
	if err != nil {
		return nil, fmt.Errorf("embedding %s: %w", name, err)
	}
	return &EmbeddingTensor{NumEmbeddings: numEmb, EmbeddingDim: embDim, Weights: NewParameter(w, name+".weight")}, nil
}

// Forward looks up one row per token id
func (e *EmbeddingTensor) Forward(ids []int) (*Tensor, error) {
	return Gather(e.Weights, ids)
}

func (e *EmbeddingTensor) GetParameters() []*Tensor {
	return []*Tensor{e.Weights}
}

// PositionalEncodingTensor holds a precomputed sinusoidal table
type PositionalEncodingTensor struct {
	Dim      int
	MaxLen   int
	Encoding *Matrix
}

func NewPositionalEncodingTensor(dim, maxLen int) *PositionalEncodingTensor {
	enc := MustNewMatrix(maxLen, dim)
	for p := 0; p < maxLen; p++ {
		for i := 0; i < dim; i += 2 {
			den := math.Pow(10000, float64(i)/float64(dim))
			enc.Data[p][i] = math.Sin(float64(p) / den)
			if i+1 < dim {
				enc.Data[p][i+1] = math.Cos(float64(p) / den)
			}
		}
	}
	return &PositionalEncodingTensor{Dim: dim, MaxLen: maxLen, Encoding: enc}
}

// Forward adds the encoding for positions [0, rows). Callers must reject
// inputs longer than MaxLen first.
func (pe *PositionalEncodingTensor) Forward(embeddings *Tensor) (*Tensor, error) {
	n := embeddings.Data.Rows
	if n > pe.MaxLen {
		return nil, fmt.Errorf("positional encoding: %d positions exceed max length %d", n, pe.MaxLen)
	}
	slice := MustNewMatrix(n, pe.Dim)
	for p := 0; p < n; p++ {
		copy(slice.Data[p], pe.Encoding.Data[p])
	}
	return Add(embeddings, Constant(slice, "pe"))
}

// MultiHeadAttentionWithTensors is scaled dot-product self-attention split
// over NumHeads heads
type MultiHeadAttentionWithTensors struct {
	NumHeads     int
	ModelDim     int
	HeadDim      int
	QueryWeight  *LinearWithTensors
	KeyWeight    *LinearWithTensors
	ValueWeight  *LinearWithTensors
	OutputWeight *LinearWithTensors
	Dropout      *DropoutTensor
}

func NewMultiHeadAttentionWithTensors(modelDim, numHeads int, dropRate float64, name string, rng, dropRNG *rand.Rand) (*MultiHeadAttentionWithTensors, error) {
	if numHeads <= 0 || modelDim%numHeads != 0 {
		return nil, fmt.Errorf("model dim %d not divisible by %d heads", modelDim, numHeads)
	}
	mha := &MultiHeadAttentionWithTensors{
		NumHeads: numHeads,
		ModelDim: modelDim,
		HeadDim:  modelDim / numHeads,
		Dropout:  NewDropoutTensor(dropRate, dropRNG),
	}
	var err error
	if mha.QueryWeight, err = NewLinearWithTensors(modelDim, modelDim, true, name+".query", rng); err != nil {
		return nil, err
	}
	if mha.KeyWeight, err = NewLinearWithTensors(modelDim, modelDim, true, name+".key", rng); err != nil {
		return nil, err
	}
	if mha.ValueWeight, err = NewLinearWithTensors(modelDim, modelDim, true, name+".value", rng); err != nil {
		return nil, err
	}
	if mha.OutputWeight, err = NewLinearWithTensors(modelDim, modelDim, true, name+".output", rng); err != nil {
		return nil, err
	}
	return mha, nil
}

// Forward runs self-attention over input. keyMask has one entry per row;
// zero entries are excluded as attention keys. A nil keyMask attends to all.
func (mha *MultiHeadAttentionWithTensors) Forward(input *Tensor, keyMask []float64, isTraining bool) (*Tensor, error) {
	q, err := mha.QueryWeight.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("mha query proj: %w", err)
	}
	k, err := mha.KeyWeight.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("mha key proj: %w", err)
	}
	v, err := mha.ValueWeight.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("mha value proj: %w", err)
	}

	var bias *Tensor
	if keyMask != nil {
		if len(keyMask) != input.Data.Rows {
			return nil, fmt.Errorf("mha: key mask length %d, sequence length %d", len(keyMask), input.Data.Rows)
		}
		m := MustNewMatrix(1, len(keyMask))
		for j, keep := range keyMask {
			if keep == 0 {
				m.Data[0][j] = -1e9
			}
		}
		bias = Constant(m, "attn_mask")
	}

	scale := 1.0 / math.Sqrt(float64(mha.HeadDim))
	heads := make([]*Tensor, 0, mha.NumHeads)
	for h := 0; h < mha.NumHeads; h++ {
		start := h * mha.HeadDim
		name := fmt.Sprintf("head%d", h)
		qH, err := SliceColsTensor(q, start, mha.HeadDim, name+"_q")
		if err != nil {
			return nil, err
		}
		kH, err := SliceColsTensor(k, start, mha.HeadDim, name+"_k")
		if err != nil {
			return nil, err
		}
		vH, err := SliceColsTensor(v, start, mha.HeadDim, name+"_v")
		if err != nil {
			return nil, err
		}
		kT, err := TensorTranspose(kH)
		if err != nil {
			return nil, err
		}
		scores, err := MatMul(qH, kT)
		if err != nil {
			return nil, err
		}
		if scores, err = ScalarMultiply(scores, scale); err != nil {
			return nil, err
		}
		if bias != nil {
			if scores, err = Add(scores, bias); err != nil {
				return nil, err
			}
		}
		weights, err := TensorSoftmax(scores)
		if err != nil {
			return nil, err
		}
		if weights, err = mha.Dropout.Forward(weights, isTraining); err != nil {
			return nil, err
		}
		out, err := MatMul(weights, vH)
		if err != nil {
			return nil, err
		}
		heads = append(heads, out)
	}

	concat := heads[0]
	if len(heads) > 1 {
		if concat, err = ConcatenateColsTensor(heads, "heads"); err != nil {
			return nil, err
		}
	}
	return mha.OutputWeight.Forward(concat)
}

func (mha *MultiHeadAttentionWithTensors) GetParameters() []*Tensor {
	ps := mha.QueryWeight.GetParameters()
	ps = append(ps, mha.KeyWeight.GetParameters()...)
	ps = append(ps, mha.ValueWeight.GetParameters()...)
	return append(ps, mha.OutputWeight.GetParameters()...)
}

// FeedForwardWithTensors is the position-wise two layer network
type FeedForwardWithTensors struct {
	InputDim   int
	HiddenDim  int
	W1         *LinearWithTensors
	W2         *LinearWithTensors
	Dropout    *DropoutTensor
	Activation func(*Tensor) (*Tensor, error)
}

func NewFeedForwardWithTensors(inD, hidD int, dropRate float64, act func(*Tensor) (*Tensor, error), name string, rng, dropRNG *rand.Rand) (*FeedForwardWithTensors, error) {
	if act == nil {
		act = GELU
	}
	w1, err := NewLinearWithTensors(inD, hidD, true, name+".w1", rng)
	if err != nil {
		return nil, err
	}
	w2, err := NewLinearWithTensors(hidD, inD, true, name+".w2", rng)
	if err != nil {
		return nil, err
	}
	return &FeedForwardWithTensors{
		InputDim:   inD,
		HiddenDim:  hidD,
		W1:         w1,
		W2:         w2,
		Dropout:    NewDropoutTensor(dropRate, dropRNG),
		Activation: act,
	}, nil
}

func (ff *FeedForwardWithTensors) Forward(input *Tensor, isTraining bool) (*Tensor, error) {
	h, err := ff.W1.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("ffn w1: %w", err)
	}
	if h, err = ff.Activation(h); err != nil {
		return nil, fmt.Errorf("ffn activation: %w", err)
	}
	if h, err = ff.Dropout.Forward(h, isTraining); err != nil {
		return nil, fmt.Errorf("ffn dropout: %w", err)
	}
	out, err := ff.W2.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("ffn w2: %w", err)
	}
	return out, nil
}

func (ff *FeedForwardWithTensors) GetParameters() []*Tensor {
	return append(ff.W1.GetParameters(), ff.W2.GetParameters()...)
}

// EncoderLayerWithTensors is a pre-norm transformer encoder block
type EncoderLayerWithTensors struct {
	SelfAttention *MultiHeadAttentionWithTensors
	FeedForward   *FeedForwardWithTensors
	Norm1         *LayerNormWithTensors
	Norm2         *LayerNormWithTensors
	Dropout       *DropoutTensor
}

func NewEncoderLayerWithTensors(modelDim, numHeads, ffnDim int, dropRate float64, name string, rng, dropRNG *rand.Rand) (*EncoderLayerWithTensors, error) {
	attn, err := NewMultiHeadAttentionWithTensors(modelDim, numHeads, dropRate, name+".attn", rng, dropRNG)
	if err != nil {
		return nil, err
	}
	ffn, err := NewFeedForwardWithTensors(modelDim, ffnDim, dropRate, GELU, name+".ffn", rng, dropRNG)
	if err != nil {
		return nil, err
	}
	return &EncoderLayerWithTensors{
		SelfAttention: attn,
		FeedForward:   ffn,
		Norm1:         NewLayerNormWithTensors(modelDim, name+".norm1"),
		Norm2:         NewLayerNormWithTensors(modelDim, name+".norm2"),
		Dropout:       NewDropoutTensor(dropRate, dropRNG),
	}, nil
}

func (el *EncoderLayerWithTensors) Forward(input *Tensor, keyMask []float64, isTraining bool) (*Tensor, error) {
	norm1Out, err := el.Norm1.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("enc Norm1: %w", err)
	}
	attnOut, err := el.SelfAttention.Forward(norm1Out, keyMask, isTraining)
	if err != nil {
		return nil, fmt.Errorf("enc SelfAttn: %w", err)
	}
	if attnOut, err = el.Dropout.Forward(attnOut, isTraining); err != nil {
		return nil, fmt.Errorf("enc AttnDropout: %w", err)
	}
	residual1, err := Add(input, attnOut)
	if err != nil {
		return nil, fmt.Errorf("enc Res1: %w", err)
	}
	norm2Out, err := el.Norm2.Forward(residual1)
	if err != nil {
		return nil, fmt.Errorf("enc Norm2: %w", err)
	}
	ffnOut, err := el.FeedForward.Forward(norm2Out, isTraining)
	if err != nil {
		return nil, fmt.Errorf("enc FFN: %w", err)
	}
	if ffnOut, err = el.Dropout.Forward(ffnOut, isTraining); err != nil {
		return nil, fmt.Errorf("enc FFNDropout: %w", err)
	}
	return Add(residual1, ffnOut)
}

func (el *EncoderLayerWithTensors) GetParameters() []*Tensor {
	ps := el.SelfAttention.GetParameters()
	ps = append(ps, el.FeedForward.GetParameters()...)
	ps = append(ps, el.Norm1.GetParameters()...)
	return append(ps, el.Norm2.GetParameters()...)
}
