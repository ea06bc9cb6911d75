package core

// Config holds the construction parameters of the GPTQ encoder. It is fixed
// for the lifetime of a model and persisted next to its weights.
type Config struct {
	EmbedDim     int     `json:"embed_dim"`
	SrcVocab     int     `json:"src_vocab"`
	TgtVocab     int     `json:"tgt_vocab"`
	NumHeads     int     `json:"n_heads"`
	DropoutRate  float64 `json:"dropout_rate"`
	NumTLayers   int     `json:"n_tlayers"`
	MaxSeqLen    int     `json:"max_seq_len"`
	NumQLayers   int     `json:"n_qlayers"`
	QDevice      string  `json:"q_device"`
	NumQubits    int     `json:"n_qubits"`
	QDepth       int     `json:"q_depth"`
	FFNHiddenDim int     `json:"ffn_hidden_dim"`
	Seed         int64   `json:"seed"`
}

// NewDefaultConfig creates a new configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		EmbedDim:     32,
		SrcVocab:     2000,
		TgtVocab:     2,
		NumHeads:     4,
		DropoutRate:  0.1,
		NumTLayers:   1,
		MaxSeqLen:    512,
		NumQLayers:   1,
		QDevice:      "lightning.qubit",
		NumQubits:    4,
		QDepth:       1,
		FFNHiddenDim: 128,
		Seed:         42,
	}
}

// FFNDim returns the feed-forward hidden width, defaulting to 4x EmbedDim
func (c *Config) FFNDim() int {
	if c.FFNHiddenDim > 0 {
		return c.FFNHiddenDim
	}
	return 4 * c.EmbedDim
}
