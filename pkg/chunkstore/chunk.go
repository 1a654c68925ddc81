package chunkstore

import (
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/pulsardata/pulsar/pkg/compression"
	"github.com/pulsardata/pulsar/pkg/errors"
)

// chunkCell is the serialized form of one appended value. The spec is stored
// next to the value so decoding can restore the canonical Go representation.
type chunkCell struct {
	Spec  Spec        `json:"spec"`
	Value interface{} `json:"value"`
}

// chunk is a finalized, compressed batch of values from a single column.
// Decoding is lazy and cached: the first materialization through the chunk
// pays for decompression, later ones share the decoded cells.
type chunk struct {
	id     uint64
	column int
	length int
	codec  compression.Compressor

	compressed []byte

	decodeOnce sync.Once
	decoded    []interface{}
	decodeErr  error
}

func newChunk(id uint64, column int, refs []*cellRef, codec compression.Compressor) (*chunk, error) {
	cells := make([]chunkCell, len(refs))
	for i, ref := range refs {
		cells[i] = chunkCell{Spec: ref.spec, Value: ref.value}
	}

	encoded, err := json.Marshal(cells)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encode chunk payload")
	}

	compressed, err := codec.Compress(encoded)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "compress chunk payload")
	}

	return &chunk{
		id:         id,
		column:     column,
		length:     len(refs),
		codec:      codec,
		compressed: compressed,
	}, nil
}

// cell returns the decoded value at the given offset
func (c *chunk) cell(offset int) (interface{}, error) {
	c.decodeOnce.Do(func() {
		encoded, err := c.codec.Decompress(c.compressed)
		if err != nil {
			c.decodeErr = errors.Wrap(err, errors.ErrorTypeInternal, "decompress chunk payload")
			return
		}

		var cells []chunkCell
		if err := json.Unmarshal(encoded, &cells); err != nil {
			c.decodeErr = errors.Wrap(err, errors.ErrorTypeInternal, "decode chunk payload")
			return
		}

		decoded := make([]interface{}, len(cells))
		for i, cell := range cells {
			value, err := coerceDecoded(cell.Value, cell.Spec)
			if err != nil {
				c.decodeErr = err
				return
			}
			decoded[i] = value
		}
		c.decoded = decoded
	})

	if c.decodeErr != nil {
		return nil, c.decodeErr
	}
	if offset < 0 || offset >= len(c.decoded) {
		return nil, errors.Newf(errors.ErrorTypeInternal,
			"offset %d out of range for chunk of length %d", offset, len(c.decoded))
	}
	return c.decoded[offset], nil
}

// cellRef is the store's Ref implementation. While the value is still in an
// active (unfinalized) fragment it is held inline; finalization moves it into
// a chunk and drops the inline copy.
type cellRef struct {
	column int
	step   uint64
	spec   Spec

	expired atomic.Bool

	mu     sync.Mutex
	value  interface{}
	chunk  *chunk
	offset int
}

// Expired reports whether the reference was evicted from its retention window
func (r *cellRef) Expired() bool {
	return r.expired.Load()
}

// Spec returns the dtype and shape of the referenced value
func (r *cellRef) Spec() Spec {
	return r.spec
}

// Materialize returns the referenced value, decoding its chunk if finalized
func (r *cellRef) Materialize() (interface{}, error) {
	if r.expired.Load() {
		return nil, errors.Newf(errors.ErrorTypeExpiredReference,
			"reference to column %d step %d has been evicted", r.column, r.step)
	}

	r.mu.Lock()
	ck, offset, value := r.chunk, r.offset, r.value
	r.mu.Unlock()

	if ck == nil {
		return value, nil
	}
	return ck.cell(offset)
}

// finalized reports whether the referenced value has moved into a chunk
func (r *cellRef) finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunk != nil
}

// moveTo relocates the reference into a finalized chunk
func (r *cellRef) moveTo(ck *chunk, offset int) {
	r.mu.Lock()
	r.chunk = ck
	r.offset = offset
	r.value = nil
	r.mu.Unlock()
}
