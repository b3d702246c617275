// Package modelinfo reads metadata out of ONNX model files without loading
// them into an inference runtime.
//
// ONNX files are serialized ModelProto protobuf messages. Only the few
// fields needed to discover the graph input shape are decoded, directly off
// the wire, so no generated ONNX bindings are required.
package modelinfo

import (
	"errors"
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultInputSize is used when the model does not declare a fixed spatial
// input size.
const DefaultInputSize = 256

// ErrNoInput is returned when the graph declares no usable input.
var ErrNoInput = errors.New("modelinfo: graph has no input")

// Field numbers from onnx.proto.
const (
	modelGraph = 7 // ModelProto.graph

	graphInitializer = 5  // GraphProto.initializer
	graphInput       = 11 // GraphProto.input

	tensorName = 8 // TensorProto.name

	valueInfoName = 1 // ValueInfoProto.name
	valueInfoType = 2 // ValueInfoProto.type

	typeTensor = 1 // TypeProto.tensor_type

	tensorTypeShape = 2 // TypeProto.Tensor.shape

	shapeDim = 1 // TensorShapeProto.dim

	dimValue = 1 // TensorShapeProto.Dimension.dim_value
	dimParam = 2 // TensorShapeProto.Dimension.dim_param
)

// Dim is one dimension of a tensor shape. Symbolic dimensions have
// Value == -1 and a non-empty Param.
type Dim struct {
	Value int64
	Param string
}

// Fixed reports whether the dimension has a concrete positive size.
func (d Dim) Fixed() bool { return d.Value > 0 }

// Input describes a graph input.
type Input struct {
	Name  string
	Shape []Dim
}

// ReadInputs parses the ONNX file at path and returns the graph inputs,
// excluding initializers that older exporters also list as inputs.
func ReadInputs(path string) ([]Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modelinfo: read model: %w", err)
	}
	return ParseInputs(data)
}

// ParseInputs is ReadInputs over an in-memory model.
func ParseInputs(model []byte) ([]Input, error) {
	var graph []byte
	err := walk(model, func(num protowire.Number, v []byte, _ uint64) error {
		if num == modelGraph {
			graph = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("modelinfo: decode model: %w", err)
	}
	if graph == nil {
		return nil, fmt.Errorf("modelinfo: model has no graph")
	}

	initializers := make(map[string]bool)
	var raw [][]byte
	err = walk(graph, func(num protowire.Number, v []byte, _ uint64) error {
		switch num {
		case graphInitializer:
			name, err := stringField(v, tensorName)
			if err != nil {
				return err
			}
			initializers[name] = true
		case graphInput:
			raw = append(raw, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("modelinfo: decode graph: %w", err)
	}

	var inputs []Input
	for _, r := range raw {
		in, err := parseValueInfo(r)
		if err != nil {
			return nil, fmt.Errorf("modelinfo: decode input: %w", err)
		}
		if initializers[in.Name] {
			continue
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// SquareInputSize returns the spatial size of the first graph input:
// the last two fixed dimensions, or the smaller of the two when they differ.
func SquareInputSize(inputs []Input) (int, error) {
	if len(inputs) == 0 {
		return 0, ErrNoInput
	}
	var fixed []int64
	for _, d := range inputs[0].Shape {
		if d.Fixed() {
			fixed = append(fixed, d.Value)
		}
	}
	if len(fixed) < 2 {
		return 0, fmt.Errorf("modelinfo: input %q has no fixed spatial size", inputs[0].Name)
	}
	h, w := fixed[len(fixed)-2], fixed[len(fixed)-1]
	return int(min(h, w)), nil
}

// ProbeInputSize returns the model's square input size, or fallback when
// the file cannot be decoded or the size is dynamic. The error explains why
// the fallback was used and is nil otherwise.
func ProbeInputSize(path string, fallback int) (int, error) {
	inputs, err := ReadInputs(path)
	if err != nil {
		return fallback, err
	}
	size, err := SquareInputSize(inputs)
	if err != nil {
		return fallback, err
	}
	return size, nil
}

func parseValueInfo(b []byte) (Input, error) {
	var in Input
	var typ []byte
	err := walk(b, func(num protowire.Number, v []byte, _ uint64) error {
		switch num {
		case valueInfoName:
			in.Name = string(v)
		case valueInfoType:
			typ = v
		}
		return nil
	})
	if err != nil || typ == nil {
		return in, err
	}

	tensor, err := bytesField(typ, typeTensor)
	if err != nil || tensor == nil {
		return in, err
	}
	shape, err := bytesField(tensor, tensorTypeShape)
	if err != nil || shape == nil {
		return in, err
	}

	err = walk(shape, func(num protowire.Number, v []byte, _ uint64) error {
		if num != shapeDim {
			return nil
		}
		d := Dim{Value: -1}
		err := walk(v, func(num protowire.Number, pv []byte, x uint64) error {
			switch num {
			case dimValue:
				d.Value = int64(x)
			case dimParam:
				d.Param = string(pv)
			}
			return nil
		})
		if err != nil {
			return err
		}
		in.Shape = append(in.Shape, d)
		return nil
	})
	return in, err
}

// walk calls fn for every top-level field in a message. Length-delimited
// fields pass their payload in v; varint fields pass their value in x.
// Other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, v, 0); err != nil {
				return err
			}
			b = b[n:]
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, nil, x); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func bytesField(b []byte, want protowire.Number) ([]byte, error) {
	var out []byte
	err := walk(b, func(num protowire.Number, v []byte, _ uint64) error {
		if num == want && out == nil {
			out = v
		}
		return nil
	})
	return out, err
}

func stringField(b []byte, want protowire.Number) (string, error) {
	v, err := bytesField(b, want)
	return string(v), err
}
