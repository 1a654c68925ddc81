package column

import (
	"github.com/pulsardata/pulsar/pkg/chunkstore"
	"github.com/pulsardata/pulsar/pkg/errors"
)

// Column is an immutable, validated selection of data references used to
// build trajectories. A squeezed column carries exactly one reference and
// materializes to the bare value instead of a one-element stack.
type Column struct {
	refs     []chunkstore.Ref
	squeezed bool
}

// New creates a trajectory column from references in step order
func New(refs []chunkstore.Ref, squeeze bool) (*Column, error) {
	if squeeze && len(refs) != 1 {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"squeezed column must contain exactly one reference, got %d", len(refs))
	}

	copied := make([]chunkstore.Ref, len(refs))
	copy(copied, refs)
	return &Column{refs: copied, squeezed: squeeze}, nil
}

// Refs returns a copy of the column's references
func (c *Column) Refs() []chunkstore.Ref {
	refs := make([]chunkstore.Ref, len(c.refs))
	copy(refs, c.refs)
	return refs
}

// Squeezed reports whether the column materializes to an unstacked value
func (c *Column) Squeezed() bool {
	return c.squeezed
}

// Len returns the number of references in the column
func (c *Column) Len() int {
	return len(c.refs)
}

// Index returns a squeezed single-reference sub-column. Negative indices
// count from the back.
func (c *Column) Index(i int) (*Column, error) {
	idx := i
	if idx < 0 {
		idx += len(c.refs)
	}
	if idx < 0 || idx >= len(c.refs) {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"index %d out of range for column of length %d", i, len(c.refs))
	}
	return New([]chunkstore.Ref{c.refs[idx]}, true)
}

// Slice returns an unsqueezed sub-column over references [a, b)
func (c *Column) Slice(a, b int) (*Column, error) {
	start, end := a, b
	if start < 0 {
		start += len(c.refs)
	}
	if end < 0 {
		end += len(c.refs)
	}
	if start < 0 || end > len(c.refs) || start > end {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"slice [%d, %d) out of range for column of length %d", a, b, len(c.refs))
	}
	return New(c.refs[start:end], false)
}

// Materialize copies all referenced values out of the store. Liveness and
// per-column shape agreement are only checked here, never at history-read
// time. A squeezed column yields the bare value; otherwise the values are
// stacked along a new leading axis in reference order.
func (c *Column) Materialize() (interface{}, error) {
	if len(c.refs) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "cannot materialize an empty column")
	}

	var spec chunkstore.Spec
	for i, ref := range c.refs {
		if ref == nil {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"column references an absent step at position %d", i)
		}
		if ref.Expired() {
			return nil, errors.Newf(errors.ErrorTypeExpiredReference,
				"reference at position %d has been evicted", i)
		}
		if i == 0 {
			spec = ref.Spec()
		} else if !ref.Spec().Equal(spec) {
			return nil, errors.Newf(errors.ErrorTypeShapeMismatch,
				"column mixes %s with %s", spec, ref.Spec())
		}
	}

	values := make([]interface{}, len(c.refs))
	for i, ref := range c.refs {
		value, err := ref.Materialize()
		if err != nil {
			return nil, err
		}
		values[i] = value
	}

	if c.squeezed {
		return values[0], nil
	}
	return stack(values)
}

// stack joins same-spec values along a new leading axis
func stack(values []interface{}) (interface{}, error) {
	switch values[0].(type) {
	case bool:
		out := make([]bool, len(values))
		for i, v := range values {
			out[i] = v.(bool)
		}
		return out, nil
	case int64:
		out := make([]int64, len(values))
		for i, v := range values {
			out[i] = v.(int64)
		}
		return out, nil
	case float64:
		out := make([]float64, len(values))
		for i, v := range values {
			out[i] = v.(float64)
		}
		return out, nil
	case string:
		out := make([]string, len(values))
		for i, v := range values {
			out[i] = v.(string)
		}
		return out, nil
	case []bool:
		out := make([][]bool, len(values))
		for i, v := range values {
			out[i] = v.([]bool)
		}
		return out, nil
	case []int64:
		out := make([][]int64, len(values))
		for i, v := range values {
			out[i] = v.([]int64)
		}
		return out, nil
	case []float64:
		out := make([][]float64, len(values))
		for i, v := range values {
			out[i] = v.([]float64)
		}
		return out, nil
	case []string:
		out := make([][]string, len(values))
		for i, v := range values {
			out[i] = v.([]string)
		}
		return out, nil
	case [][]int64:
		out := make([][][]int64, len(values))
		for i, v := range values {
			out[i] = v.([][]int64)
		}
		return out, nil
	case [][]float64:
		out := make([][][]float64, len(values))
		for i, v := range values {
			out[i] = v.([][]float64)
		}
		return out, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeInternal,
			"cannot stack values of type %T", values[0])
	}
}
