package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// TensorWithShape is one named entry of a safetensors file. Values are always
// held as float32; DType records the on-disk encoding.
type TensorWithShape struct {
	Values []float32
	Shape  []int
	DType  string
}

// Tensor wraps the values without copying.
func (t TensorWithShape) Tensor() *Tensor[float32] {
	return NewTensorFromSlice(t.Values, t.Shape...)
}

// tensorInfo describes a tensor's entry in the header
type tensorInfo struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

// LoadSafetensors reads a safetensors file and returns tensors by name.
// F32, F16 and BF16 entries are decoded; other dtypes are an error.
func LoadSafetensors(path string) (map[string]TensorWithShape, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	tensors, err := LoadSafetensorsFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tensors, nil
}

// LoadSafetensorsFromBytes parses an in-memory safetensors blob.
func LoadSafetensorsFromBytes(data []byte) (map[string]TensorWithShape, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}

	// Header size: first 8 bytes, little-endian
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("header size %d exceeds %d available bytes", headerSize, len(data)-8)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	payload := data[8+headerSize:]

	tensors := make(map[string]TensorWithShape, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		values, err := decodeTensor(payload, info)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		tensors[name] = TensorWithShape{Values: values, Shape: info.Shape, DType: info.DType}
	}
	return tensors, nil
}

func decodeTensor(payload []byte, info tensorInfo) ([]float32, error) {
	n := shapeSize(info.Shape)
	width := bytesPerElement(info.DType)
	if width == 0 {
		return nil, fmt.Errorf("unsupported dtype %s", info.DType)
	}
	start, end := info.Offsets[0], info.Offsets[1]
	if start < 0 || end > len(payload) || end-start != n*width {
		return nil, fmt.Errorf("data offsets [%d,%d) do not hold %d %s values", start, end, n, info.DType)
	}
	raw := payload[start:end]

	values := make([]float32, n)
	switch info.DType {
	case "F32":
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := range values {
			values[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "BF16":
		for i := range values {
			values[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	}
	return values, nil
}

// bytesPerElement returns bytes per element for a supported dtype, 0 otherwise
func bytesPerElement(dtype string) int {
	switch dtype {
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	default:
		return 0
	}
}

// SaveSafetensors writes tensors to a safetensors file
func SaveSafetensors(path string, tensors map[string]TensorWithShape) error {
	data, err := SerializeSafetensors(tensors)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SerializeSafetensors encodes tensors in name order. An empty DType means F32.
func SerializeSafetensors(tensors map[string]TensorWithShape) ([]byte, error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorInfo, len(names))
	offset := 0
	for _, name := range names {
		t := tensors[name]
		dtype := t.DType
		if dtype == "" {
			dtype = "F32"
		}
		width := bytesPerElement(dtype)
		if width == 0 {
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, dtype)
		}
		if shapeSize(t.Shape) != len(t.Values) {
			return nil, fmt.Errorf("tensor %s: shape %v does not hold %d values", name, t.Shape, len(t.Values))
		}
		size := len(t.Values) * width
		header[name] = tensorInfo{DType: dtype, Shape: t.Shape, Offsets: [2]int{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// [header_size (8 bytes)] [header JSON] [tensor data]
	out := make([]byte, 8+len(headerJSON)+offset)
	binary.LittleEndian.PutUint64(out[0:8], uint64(len(headerJSON)))
	copy(out[8:], headerJSON)

	payload := out[8+len(headerJSON):]
	for _, name := range names {
		info := header[name]
		dst := payload[info.Offsets[0]:info.Offsets[1]]
		for i, v := range tensors[name].Values {
			switch info.DType {
			case "F32":
				binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
			case "F16":
				binary.LittleEndian.PutUint16(dst[i*2:], float32ToFloat16(v))
			case "BF16":
				binary.LittleEndian.PutUint16(dst[i*2:], uint16(math.Float32bits(v)>>16))
			}
		}
	}
	return out, nil
}

// float16ToFloat32 converts a float16 (half precision) to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32(f16>>15) & 0x1
	exponent := uint32(f16>>10) & 0x1F
	mantissa := uint32(f16) & 0x3FF

	switch {
	case exponent == 0 && mantissa == 0:
		return math.Float32frombits(sign << 31)
	case exponent == 0:
		// Subnormal: renormalise the mantissa
		e := int32(1)
		for mantissa&0x400 == 0 {
			mantissa <<= 1
			e--
		}
		mantissa &= 0x3FF
		return math.Float32frombits(sign<<31 | uint32(e+127-15)<<23 | mantissa<<13)
	case exponent == 0x1F:
		// Inf or NaN
		return math.Float32frombits(sign<<31 | 0xFF<<23 | mantissa<<13)
	default:
		return math.Float32frombits(sign<<31 | (exponent+127-15)<<23 | mantissa<<13)
	}
}

// float32ToFloat16 converts with truncation; values outside the half range
// saturate to infinity.
func float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exponent := int32(bits>>23&0xFF) - 127 + 15
	mantissa := bits & 0x7FFFFF

	switch {
	case bits&0x7FFFFFFF == 0:
		return sign
	case bits>>23&0xFF == 0xFF:
		if mantissa != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exponent >= 0x1F:
		return sign | 0x7C00
	case exponent <= 0:
		if exponent < -10 {
			return sign
		}
		mantissa |= 0x800000
		return sign | uint16(mantissa>>uint32(14-exponent))
	default:
		return sign | uint16(exponent)<<10 | uint16(mantissa>>13)
	}
}

// bfloat16ToFloat32 converts a bfloat16 to float32
func bfloat16ToFloat32(bf16 uint16) float32 {
	// bfloat16 is just the top 16 bits of float32
	return math.Float32frombits(uint32(bf16) << 16)
}
