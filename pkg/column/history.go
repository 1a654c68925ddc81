// Package column provides the per-column append-only history of data
// references and the immutable trajectory columns sliced out of it.
//
// Every column history is index-aligned with every other history owned by
// the same writer: position i in any history refers to step i, even for
// columns first observed long after step i was appended. Alignment is kept
// by padding newly created histories with absent markers and by appending an
// absent marker whenever a step does not cover a column.
package column

import (
	"github.com/pulsardata/pulsar/pkg/chunkstore"
	"github.com/pulsardata/pulsar/pkg/errors"
	"github.com/pulsardata/pulsar/pkg/structure"
)

// History is one column's ordered sequence of data references. A nil entry is
// the absent marker for a step that did not cover this column. Histories are
// owned by a single writer and are not safe for concurrent use.
type History struct {
	path structure.Path
	refs []chunkstore.Ref
}

// NewHistory creates a history pre-filled with padding absent markers so the
// new column starts aligned with its older siblings
func NewHistory(path structure.Path, padding int) *History {
	return &History{
		path: path,
		refs: make([]chunkstore.Ref, padding),
	}
}

// Path returns the leaf path that owns this column
func (h *History) Path() structure.Path {
	return h.path
}

// Append records the reference for the next step; nil marks the step absent
func (h *History) Append(ref chunkstore.Ref) {
	h.refs = append(h.refs, ref)
}

// Len returns the number of recorded steps, absent markers included
func (h *History) Len() int {
	return len(h.refs)
}

// Reset clears the history. Alignment restarts from the empty state; no
// padding is re-applied.
func (h *History) Reset() {
	h.refs = h.refs[:0]
}

// Refs returns a copy of the recorded references
func (h *History) Refs() []chunkstore.Ref {
	refs := make([]chunkstore.Ref, len(h.refs))
	copy(refs, h.refs)
	return refs
}

// Index returns a squeezed single-step column. Negative indices count from
// the most recent step.
func (h *History) Index(i int) (*Column, error) {
	idx, err := h.normalizeIndex(i)
	if err != nil {
		return nil, err
	}
	return New([]chunkstore.Ref{h.refs[idx]}, true)
}

// Slice returns an unsqueezed column over steps [a, b). Negative bounds count
// from the most recent step.
func (h *History) Slice(a, b int) (*Column, error) {
	start, err := h.normalizeBound(a)
	if err != nil {
		return nil, err
	}
	end, err := h.normalizeBound(b)
	if err != nil {
		return nil, err
	}
	if start > end {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"slice start %d is past end %d", a, b)
	}

	refs := make([]chunkstore.Ref, end-start)
	copy(refs, h.refs[start:end])
	return New(refs, false)
}

// SliceFrom returns an unsqueezed column over steps [a, len)
func (h *History) SliceFrom(a int) (*Column, error) {
	return h.Slice(a, len(h.refs))
}

// SliceAll returns an unsqueezed column over the whole history
func (h *History) SliceAll() (*Column, error) {
	return h.Slice(0, len(h.refs))
}

func (h *History) normalizeIndex(i int) (int, error) {
	idx := i
	if idx < 0 {
		idx += len(h.refs)
	}
	if idx < 0 || idx >= len(h.refs) {
		return 0, errors.Newf(errors.ErrorTypeValidation,
			"index %d out of range for history of length %d", i, len(h.refs))
	}
	return idx, nil
}

func (h *History) normalizeBound(i int) (int, error) {
	idx := i
	if idx < 0 {
		idx += len(h.refs)
	}
	if idx < 0 || idx > len(h.refs) {
		return 0, errors.Newf(errors.ErrorTypeValidation,
			"bound %d out of range for history of length %d", i, len(h.refs))
	}
	return idx, nil
}
