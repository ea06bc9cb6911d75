package sentence

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/gptq/sentence/pkg/autodiff"
)

// DType is a safetensors element type
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	F64  DType = "F64"
)

// ParseDType validates a dtype name. Empty selects F32.
func ParseDType(s string) (DType, error) {
	switch d := DType(s); d {
	case "":
		return F32, nil
	case F32, F16, BF16, F64:
		return d, nil
	}
	return "", fmt.Errorf("unsupported weights dtype %q", s)
}

func (d DType) size() int {
	switch d {
	case F16, BF16:
		return 2
	case F64:
		return 8
	}
	return 4
}

type tensorInfo struct {
	DType       DType    `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

const metadataKey = "__metadata__"

// maxHeaderSize bounds the JSON header read from untrusted files
const maxHeaderSize = 100 << 20

// WriteSafetensors writes tensors in name order. The header length is an
// 8 byte little-endian integer and the header is space padded to a multiple
// of 8 bytes.
func WriteSafetensors(w io.Writer, tensors map[string]*autodiff.Matrix, dtype DType, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey {
			return fmt.Errorf("tensor name %q is reserved", name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var body bytes.Buffer
	for _, name := range names {
		m := tensors[name]
		start := int64(body.Len())
		if err := encodeValues(&body, m.Flatten(), dtype); err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		header[name] = tensorInfo{
			DType:       dtype,
			Shape:       []int{m.Rows, m.Cols},
			DataOffsets: [2]int64{start, int64(body.Len())},
		}
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal safetensors header: %w", err)
	}
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(hdr))); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err = w.Write(body.Bytes())
	return err
}

func encodeValues(w *bytes.Buffer, values []float64, dtype DType) error {
	switch dtype {
	case F64:
		return binary.Write(w, binary.LittleEndian, values)
	case F32:
		f32s := toFloat32(values)
		return binary.Write(w, binary.LittleEndian, f32s)
	case F16:
		u16s := make([]uint16, len(values))
		for i, v := range values {
			u16s[i] = float16.Fromfloat32(float32(v)).Bits()
		}
		return binary.Write(w, binary.LittleEndian, u16s)
	case BF16:
		_, err := w.Write(bfloat16.EncodeFloat32(toFloat32(values)))
		return err
	}
	return fmt.Errorf("unsupported dtype %q", dtype)
}

func toFloat32(values []float64) []float32 {
	f32s := make([]float32, len(values))
	for i, v := range values {
		f32s[i] = float32(v)
	}
	return f32s
}

// ReadSafetensors reads every tensor of a file written by WriteSafetensors.
// One dimensional tensors load as a single row.
func ReadSafetensors(r io.Reader) (map[string]*autodiff.Matrix, map[string]string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, fmt.Errorf("read header length: %w", err)
	}
	if n > maxHeaderSize {
		return nil, nil, fmt.Errorf("safetensors header of %d bytes is too large", n)
	}
	hdr := make([]byte, n)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdr, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse header: %w", err)
	}
	var metadata map[string]string
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &metadata); err != nil {
			return nil, nil, fmt.Errorf("parse metadata: %w", err)
		}
		delete(raw, metadataKey)
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read tensor data: %w", err)
	}

	tensors := make(map[string]*autodiff.Matrix, len(raw))
	for name, msg := range raw {
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		m, err := decodeTensor(body, info)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		tensors[name] = m
	}
	return tensors, metadata, nil
}

func decodeTensor(body []byte, info tensorInfo) (*autodiff.Matrix, error) {
	rows, cols := 1, 1
	switch len(info.Shape) {
	case 1:
		cols = info.Shape[0]
	case 2:
		rows, cols = info.Shape[0], info.Shape[1]
	default:
		return nil, fmt.Errorf("unsupported rank %d", len(info.Shape))
	}
	if _, err := ParseDType(string(info.DType)); err != nil || info.DType == "" {
		return nil, fmt.Errorf("unsupported dtype %q", info.DType)
	}

	start, end := info.DataOffsets[0], info.DataOffsets[1]
	want := int64(rows * cols * info.DType.size())
	if start < 0 || end > int64(len(body)) || end-start != want {
		return nil, fmt.Errorf("data offsets [%d,%d] do not hold %d bytes", start, end, want)
	}
	data := body[start:end]

	values := make([]float64, rows*cols)
	switch info.DType {
	case F64:
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
	case F32:
		for i := range values {
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
		}
	case F16:
		for i := range values {
			values[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32())
		}
	case BF16:
		for i, f := range bfloat16.DecodeFloat32(data) {
			values[i] = float64(f)
		}
	}

	m, err := autodiff.NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}
	if err := m.SetFlat(values); err != nil {
		return nil, err
	}
	return m, nil
}

// SaveParameters writes params to path keyed by parameter name
func SaveParameters(path string, params []*autodiff.Tensor, dtype DType) error {
	tensors := make(map[string]*autodiff.Matrix, len(params))
	for _, p := range params {
		if _, dup := tensors[p.Name]; dup {
			return fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		tensors[p.Name] = p.Data
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteSafetensors(f, tensors, dtype, map[string]string{"format": "gptq"}); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// LoadParameters overwrites params in place from path. Every parameter must
// be present with a matching shape.
func LoadParameters(path string, params []*autodiff.Tensor) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tensors, _, err := ReadSafetensors(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, p := range params {
		m, ok := tensors[p.Name]
		if !ok {
			return fmt.Errorf("%s: parameter %q missing", path, p.Name)
		}
		if !m.SameShape(p.Data) {
			return fmt.Errorf("%s: parameter %q is %dx%d, model expects %dx%d",
				path, p.Name, m.Rows, m.Cols, p.Data.Rows, p.Data.Cols)
		}
		if err := p.Data.SetFlat(m.Flatten()); err != nil {
			return err
		}
	}
	return nil
}
