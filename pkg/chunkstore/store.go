// Package chunkstore defines the capacity-bounded store contract consumed by
// trajectory writers, together with a complete in-memory implementation.
//
// The store owns all appended values: it batches them into per-column chunks,
// compresses finalized chunks, enforces per-column keep-alive retention
// windows, and asynchronously delivers enqueued prioritized items through a
// background worker. Writers hold only non-owning references (Ref) to the
// values they appended; the store is the only party that may invalidate them.
package chunkstore

import (
	"context"
)

// EpisodeID identifies one episode of appended steps
type EpisodeID string

// Ref is a non-owning reference to a single appended value. It stays valid
// until the store evicts the value from its column's retention window.
type Ref interface {
	// Expired reports whether the referenced value has been evicted
	Expired() bool

	// Materialize returns the referenced value. Materializing an expired
	// reference fails; finalized chunks are decompressed and decoded lazily.
	Materialize() (interface{}, error)

	// Spec returns the dtype and shape of the referenced value
	Spec() Spec
}

// Store is the client contract the writer drives. Implementations are safe
// for concurrent use; the background delivery process is owned entirely by
// the store.
type Store interface {
	// AppendStep appends one value per column. A nil value marks the column
	// absent for this step and yields a nil reference. The slice must have
	// exactly one entry per assigned column.
	AppendStep(values []interface{}) ([]Ref, error)

	// ConfigureChunker overrides chunking options for a single column. Must
	// be applied before the column receives its first value.
	ConfigureChunker(column int, maxChunkLength int, numKeepAliveRefs int) error

	// CreateItem enqueues a prioritized item referencing the given column
	// reference lists. The enqueue is non-blocking; acceptance validation
	// (liveness, per-column shape agreement, squeeze cardinality) happens
	// here, before the item enters the queue.
	CreateItem(table string, priority float64, columns [][]Ref, squeeze []bool) error

	// Flush forces finalization of chunk fragments referenced by pending
	// items and blocks until at most blockUntilNumItems remain unconfirmed
	// or ctx is done. A deadline hit does not cancel in-flight work.
	Flush(ctx context.Context, blockUntilNumItems int) error

	// EndEpisode flushes all pending items and switches to a fresh episode
	// identity. When clearBuffers is set, live references from the finished
	// episode are evicted.
	EndEpisode(ctx context.Context, clearBuffers bool) (EpisodeID, error)

	// NumPending returns the number of enqueued but unconfirmed items
	NumPending() int

	// Close stops the delivery worker and releases the store. Further
	// operations fail.
	Close() error
}
