package chunkstore

import (
	"fmt"

	"github.com/pulsardata/pulsar/pkg/errors"
)

// DType is the canonical element type of an appended value. Incoming values
// are canonicalized on append (int -> int64, float32 -> float64) so that a
// value read back from a finalized chunk is indistinguishable from one read
// out of an active buffer.
type DType string

const (
	// DTypeBool is the canonical boolean element type
	DTypeBool DType = "bool"
	// DTypeInt is the canonical integer element type (int64)
	DTypeInt DType = "int64"
	// DTypeFloat is the canonical floating point element type (float64)
	DTypeFloat DType = "float64"
	// DTypeString is the canonical string element type
	DTypeString DType = "string"
)

// Spec describes the dtype and shape of one appended value. References within
// a trajectory column must agree on their Spec before they can be stacked.
type Spec struct {
	DType DType `json:"dtype"`
	Shape []int `json:"shape"`
}

// Equal reports whether two specs agree on dtype and shape
func (s Spec) Equal(other Spec) bool {
	if s.DType != other.DType || len(s.Shape) != len(other.Shape) {
		return false
	}
	for i := range s.Shape {
		if s.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// String renders the spec as "float64[3, 4]" style
func (s Spec) String() string {
	if len(s.Shape) == 0 {
		return string(s.DType)
	}
	return fmt.Sprintf("%s%v", s.DType, s.Shape)
}

// Canonicalize converts a leaf value to its canonical representation and
// computes its spec. The supported set of leaf types is closed: booleans,
// integers, floats and strings, vectors of those, and rectangular float or
// integer matrices. Anything else is a validation failure.
func Canonicalize(value interface{}) (interface{}, Spec, error) {
	switch v := value.(type) {
	case bool:
		return v, Spec{DType: DTypeBool}, nil
	case int:
		return int64(v), Spec{DType: DTypeInt}, nil
	case int32:
		return int64(v), Spec{DType: DTypeInt}, nil
	case int64:
		return v, Spec{DType: DTypeInt}, nil
	case float32:
		return float64(v), Spec{DType: DTypeFloat}, nil
	case float64:
		return v, Spec{DType: DTypeFloat}, nil
	case string:
		return v, Spec{DType: DTypeString}, nil

	case []bool:
		out := make([]bool, len(v))
		copy(out, v)
		return out, Spec{DType: DTypeBool, Shape: []int{len(v)}}, nil
	case []int:
		out := make([]int64, len(v))
		for i, e := range v {
			out[i] = int64(e)
		}
		return out, Spec{DType: DTypeInt, Shape: []int{len(v)}}, nil
	case []int64:
		out := make([]int64, len(v))
		copy(out, v)
		return out, Spec{DType: DTypeInt, Shape: []int{len(v)}}, nil
	case []float32:
		out := make([]float64, len(v))
		for i, e := range v {
			out[i] = float64(e)
		}
		return out, Spec{DType: DTypeFloat, Shape: []int{len(v)}}, nil
	case []float64:
		out := make([]float64, len(v))
		copy(out, v)
		return out, Spec{DType: DTypeFloat, Shape: []int{len(v)}}, nil
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out, Spec{DType: DTypeString, Shape: []int{len(v)}}, nil

	case [][]float64:
		out := make([][]float64, len(v))
		width := -1
		for i, row := range v {
			if width == -1 {
				width = len(row)
			} else if len(row) != width {
				return nil, Spec{}, errors.Newf(errors.ErrorTypeValidation,
					"ragged matrix: row %d has %d elements, expected %d", i, len(row), width)
			}
			out[i] = make([]float64, len(row))
			copy(out[i], row)
		}
		if width == -1 {
			width = 0
		}
		return out, Spec{DType: DTypeFloat, Shape: []int{len(v), width}}, nil
	case [][]int64:
		out := make([][]int64, len(v))
		width := -1
		for i, row := range v {
			if width == -1 {
				width = len(row)
			} else if len(row) != width {
				return nil, Spec{}, errors.Newf(errors.ErrorTypeValidation,
					"ragged matrix: row %d has %d elements, expected %d", i, len(row), width)
			}
			out[i] = make([]int64, len(row))
			copy(out[i], row)
		}
		if width == -1 {
			width = 0
		}
		return out, Spec{DType: DTypeInt, Shape: []int{len(v), width}}, nil

	default:
		return nil, Spec{}, errors.Newf(errors.ErrorTypeValidation,
			"unsupported leaf value type %T", value)
	}
}

// coerceDecoded restores a JSON-decoded chunk cell to its canonical Go
// representation using the spec recorded at append time. JSON turns every
// number into float64 and every vector into []interface{}; the spec tells us
// what they originally were.
func coerceDecoded(value interface{}, spec Spec) (interface{}, error) {
	switch len(spec.Shape) {
	case 0:
		return coerceScalar(value, spec.DType)

	case 1:
		cells, ok := value.([]interface{})
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeInternal,
				"decoded cell is %T, expected a vector", value)
		}
		return coerceVector(cells, spec.DType)

	case 2:
		rows, ok := value.([]interface{})
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeInternal,
				"decoded cell is %T, expected a matrix", value)
		}
		switch spec.DType {
		case DTypeFloat:
			out := make([][]float64, len(rows))
			for i, row := range rows {
				cells, ok := row.([]interface{})
				if !ok {
					return nil, errors.Newf(errors.ErrorTypeInternal,
						"decoded matrix row is %T", row)
				}
				vec, err := coerceVector(cells, DTypeFloat)
				if err != nil {
					return nil, err
				}
				out[i] = vec.([]float64)
			}
			return out, nil
		case DTypeInt:
			out := make([][]int64, len(rows))
			for i, row := range rows {
				cells, ok := row.([]interface{})
				if !ok {
					return nil, errors.Newf(errors.ErrorTypeInternal,
						"decoded matrix row is %T", row)
				}
				vec, err := coerceVector(cells, DTypeInt)
				if err != nil {
					return nil, err
				}
				out[i] = vec.([]int64)
			}
			return out, nil
		default:
			return nil, errors.Newf(errors.ErrorTypeInternal,
				"matrices of %s are not supported", spec.DType)
		}

	default:
		return nil, errors.Newf(errors.ErrorTypeInternal,
			"unsupported decoded rank %d", len(spec.Shape))
	}
}

func coerceScalar(value interface{}, dtype DType) (interface{}, error) {
	switch dtype {
	case DTypeBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case DTypeInt:
		if v, ok := value.(float64); ok {
			return int64(v), nil
		}
		if v, ok := value.(int64); ok {
			return v, nil
		}
	case DTypeFloat:
		if v, ok := value.(float64); ok {
			return v, nil
		}
	case DTypeString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	}
	return nil, errors.Newf(errors.ErrorTypeInternal,
		"decoded cell %T does not match recorded dtype %s", value, dtype)
}

func coerceVector(cells []interface{}, dtype DType) (interface{}, error) {
	switch dtype {
	case DTypeBool:
		out := make([]bool, len(cells))
		for i, cell := range cells {
			v, ok := cell.(bool)
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeInternal, "decoded element %T, expected bool", cell)
			}
			out[i] = v
		}
		return out, nil
	case DTypeInt:
		out := make([]int64, len(cells))
		for i, cell := range cells {
			v, ok := cell.(float64)
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeInternal, "decoded element %T, expected number", cell)
			}
			out[i] = int64(v)
		}
		return out, nil
	case DTypeFloat:
		out := make([]float64, len(cells))
		for i, cell := range cells {
			v, ok := cell.(float64)
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeInternal, "decoded element %T, expected number", cell)
			}
			out[i] = v
		}
		return out, nil
	case DTypeString:
		out := make([]string, len(cells))
		for i, cell := range cells {
			v, ok := cell.(string)
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeInternal, "decoded element %T, expected string", cell)
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeInternal, "unsupported vector dtype %s", dtype)
	}
}
