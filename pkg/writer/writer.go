// Package writer provides the trajectory writer: the stateful façade that
// routes appended steps into stable columns, tracks per-column reference
// histories, and submits prioritized trajectory items to a chunk store.
//
// A writer is driven by a single logical caller; its operations are not safe
// for concurrent use on the same instance. The store behind it owns all
// buffering, compression, retention and background delivery.
package writer

import (
	"context"

	"go.uber.org/zap"

	"github.com/pulsardata/pulsar/pkg/chunkstore"
	"github.com/pulsardata/pulsar/pkg/column"
	"github.com/pulsardata/pulsar/pkg/errors"
	"github.com/pulsardata/pulsar/pkg/metrics"
	"github.com/pulsardata/pulsar/pkg/schema"
	"github.com/pulsardata/pulsar/pkg/structure"
)

// Writer ingests nested step records and produces addressable references to
// the appended values. The union of all observed record shapes is kept as the
// canonical structure; it only ever grows. Each leaf path owns one column for
// the writer's whole life, across episode boundaries.
type Writer struct {
	store  chunkstore.Store
	mapper *schema.Mapper
	logger *zap.Logger

	// shape is the canonical structure: the union of the shapes of every
	// record appended so far. nil until the first append.
	shape *structure.Node

	// histories is indexed by column. All histories share the same length at
	// every observable instant.
	histories []*column.History

	closed bool
}

// New creates a writer on top of a chunk store
func New(store chunkstore.Store, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:  store,
		mapper: schema.NewMapper(logger),
		logger: logger,
	}
}

// With runs fn against a fresh writer and guarantees a best-effort flush and
// a close on every exit path, including error returns.
func With(store chunkstore.Store, logger *zap.Logger, fn func(w *Writer) error) (err error) {
	w := New(store, logger)
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err = fn(w); err != nil {
		return err
	}
	return w.Flush(context.Background(), 0)
}

// Append routes one step record to the store column-wise and records the
// returned references. Fields never seen before grow the schema: they are
// assigned fresh columns whose histories are back-filled with absent markers
// for every earlier step. Fields known to the schema but missing from this
// record leave an absent marker in their column for this step.
//
// The returned tree is shaped exactly like the input record, with each leaf
// holding the chunkstore.Ref for the appended value.
func (w *Writer) Append(record *structure.Node) (*structure.Node, error) {
	refs, err := w.append(record)
	if err != nil {
		metrics.StepsAppended.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.StepsAppended.WithLabelValues("success").Inc()
	return refs, nil
}

func (w *Writer) append(record *structure.Node) (*structure.Node, error) {
	if w.closed {
		return nil, errors.New(errors.ErrorTypeIllegalState, "writer is closed")
	}
	if record == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "record must not be nil")
	}

	if w.shape == nil {
		if err := w.updateStructure(structure.ShapeOf(record)); err != nil {
			return nil, err
		}
	}

	// Cheapest first: an exact shape match needs no reconciliation. A record
	// covering a subset of the known fields is expanded with absent leaves.
	// Only a record carrying genuinely new fields grows the schema.
	var expanded *structure.Node
	if structure.SameShape(record, w.shape) {
		expanded = record
	} else {
		merged, err := structure.MergeSubset(record, w.shape)
		if err == nil {
			expanded = merged
		} else {
			grown, uerr := structure.Union(w.shape, structure.ShapeOf(record))
			if uerr != nil {
				return nil, uerr
			}
			if err := w.updateStructure(grown); err != nil {
				return nil, err
			}
			expanded, err = structure.MergeSubset(record, w.shape)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeInternal,
					"record does not fit its own union")
			}
		}
	}

	columnValues, err := w.mapper.ToColumns(structure.Flatten(expanded))
	if err != nil {
		return nil, err
	}

	refs, err := w.store.AppendStep(columnValues)
	if err != nil {
		return nil, err
	}

	// Every column records this step, absent or not, keeping all histories
	// index-aligned.
	for i, history := range w.histories {
		history.Append(refs[i])
	}

	canonical := make([]interface{}, len(refs))
	for i, ref := range refs {
		if ref != nil {
			canonical[i] = ref
		}
	}
	reordered, err := w.mapper.ToCanonical(canonical)
	if err != nil {
		return nil, err
	}
	refTree, err := structure.Unflatten(w.shape, reordered)
	if err != nil {
		return nil, err
	}

	// Only the fields present in the caller's record come back, even though
	// the schema and the histories were expanded.
	return structure.Filter(refTree, record)
}

// updateStructure replaces the canonical structure with a superset of itself,
// assigning columns (and flushing deferred configuration) for each new path
// and growing the history table with back-filled columns.
func (w *Writer) updateStructure(newShape *structure.Node) error {
	added, err := w.mapper.Advance(newShape, w.store)
	if err != nil {
		return err
	}

	padding := 0
	if len(w.histories) > 0 {
		padding = w.histories[0].Len()
	}
	for columnIdx := len(w.histories); columnIdx < w.mapper.NumColumns(); columnIdx++ {
		path, _ := w.mapper.PathOf(columnIdx)
		w.histories = append(w.histories, column.NewHistory(path, padding))
	}

	w.shape = newShape
	if added > 0 {
		w.logger.Debug("structure grew",
			zap.Int("new_columns", added),
			zap.Int("total_columns", w.mapper.NumColumns()))
	}
	return nil
}

// Configure overrides chunking options for the column that owns path. If the
// path has not been observed yet, the override is buffered and applied the
// moment the path is first assigned a column.
func (w *Writer) Configure(path structure.Path, maxChunkLength int, numKeepAliveRefs int) error {
	if w.closed {
		return errors.New(errors.ErrorTypeIllegalState, "writer is closed")
	}
	if maxChunkLength <= 0 {
		return errors.Newf(errors.ErrorTypeValidation,
			"max_chunk_length must be > 0, got %d", maxChunkLength)
	}
	if numKeepAliveRefs <= 0 {
		return errors.Newf(errors.ErrorTypeValidation,
			"num_keep_alive_refs must be > 0, got %d", numKeepAliveRefs)
	}

	return w.mapper.ConfigureDeferred(path, schema.ColumnConfig{
		MaxChunkLength:   maxChunkLength,
		NumKeepAliveRefs: numKeepAliveRefs,
	}, w.store)
}

// CreateItem enqueues insertion of a prioritized item into table. Every leaf
// of trajectory must be a *column.Column; the enqueue itself never blocks, so
// unbounded run-ahead must be reined in with Flush.
func (w *Writer) CreateItem(table string, priority float64, trajectory *structure.Node) error {
	if w.closed {
		return errors.New(errors.ErrorTypeIllegalState, "writer is closed")
	}
	if trajectory == nil {
		return errors.New(errors.ErrorTypeValidation, "trajectory must not be nil")
	}

	leaves := structure.Flatten(trajectory)
	columns := make([][]chunkstore.Ref, len(leaves))
	squeeze := make([]bool, len(leaves))
	for i, leaf := range leaves {
		col, ok := leaf.Value.(*column.Column)
		if !ok {
			return errors.Newf(errors.ErrorTypeValidation,
				"trajectory leaf %q is %T, every leaf must be a trajectory column",
				leaf.Path.String(), leaf.Value)
		}
		columns[i] = col.Refs()
		squeeze[i] = col.Squeezed()
	}

	if err := w.store.CreateItem(table, priority, columns, squeeze); err != nil {
		return err
	}

	w.logger.Debug("item enqueued",
		zap.String("table", table),
		zap.Float64("priority", priority),
		zap.Int("columns", len(columns)))
	return nil
}

// Flush blocks until all but blockUntilNumItems enqueued items have been
// confirmed, forcing premature finalization of any chunk fragments pending
// items are waiting on. A ctx deadline interrupts only the wait: the
// submissions keep running to completion in the background.
func (w *Writer) Flush(ctx context.Context, blockUntilNumItems int) error {
	if w.closed {
		return errors.New(errors.ErrorTypeIllegalState, "writer is closed")
	}
	if blockUntilNumItems < 0 {
		return errors.Newf(errors.ErrorTypeValidation,
			"block_until_num_items must be >= 0, got %d", blockUntilNumItems)
	}

	return w.store.Flush(ctx, blockUntilNumItems)
}

// EndEpisode flushes all pending items and rotates to a fresh episode
// identity. When clearBuffers is set every column history is reset to empty;
// the schema and column assignments persist unchanged, so trajectories may
// span episodes when buffers are kept.
func (w *Writer) EndEpisode(ctx context.Context, clearBuffers bool) (chunkstore.EpisodeID, error) {
	if w.closed {
		return "", errors.New(errors.ErrorTypeIllegalState, "writer is closed")
	}

	episode, err := w.store.EndEpisode(ctx, clearBuffers)
	if err != nil {
		return episode, err
	}

	if clearBuffers {
		for _, history := range w.histories {
			history.Reset()
		}
	}

	w.logger.Debug("episode ended",
		zap.String("episode_id", string(episode)),
		zap.Bool("cleared", clearBuffers))
	return episode, nil
}

// Close transitions the writer to its terminal state and releases the store.
// Any further operation, including a second Close, fails with an illegal
// state error.
func (w *Writer) Close() error {
	if w.closed {
		return errors.New(errors.ErrorTypeIllegalState, "writer is already closed")
	}
	w.closed = true
	return w.store.Close()
}

// History returns the per-column reference histories structured like the
// appended data: a tree shaped like the canonical structure whose leaves hold
// *column.History values. It fails until Append has been called at least
// once.
func (w *Writer) History() (*structure.Node, error) {
	if w.closed {
		return nil, errors.New(errors.ErrorTypeIllegalState, "writer is closed")
	}
	if w.shape == nil {
		return nil, errors.New(errors.ErrorTypeIllegalState,
			"history cannot be accessed before the first append")
	}

	byColumn := make([]interface{}, len(w.histories))
	for i, history := range w.histories {
		byColumn[i] = history
	}
	canonical, err := w.mapper.ToCanonical(byColumn)
	if err != nil {
		return nil, err
	}
	return structure.Unflatten(w.shape, canonical)
}

// HistoryColumn returns the history of the column that owns path
func (w *Writer) HistoryColumn(path structure.Path) (*column.History, error) {
	if w.closed {
		return nil, errors.New(errors.ErrorTypeIllegalState, "writer is closed")
	}

	columnIdx, ok := w.mapper.Lookup(path)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"no column for path %q", path.String())
	}
	return w.histories[columnIdx], nil
}

// NumColumns returns the number of columns assigned so far
func (w *Writer) NumColumns() int {
	return w.mapper.NumColumns()
}
