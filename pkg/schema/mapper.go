// Package schema owns the monotonic path-to-column assignment for Pulsar
// writers. Every leaf path observed across the life of a writer is assigned a
// stable integer column identity the first time it appears; the assignment is
// injective and never reused or renumbered, even as the canonical structure
// keeps evolving around it.
package schema

import (
	"go.uber.org/zap"

	"github.com/pulsardata/pulsar/pkg/errors"
	"github.com/pulsardata/pulsar/pkg/structure"
)

// ColumnSink receives per-column chunking configuration. It is implemented by
// the chunk store.
type ColumnSink interface {
	ConfigureChunker(column int, maxChunkLength int, numKeepAliveRefs int) error
}

// ColumnConfig carries per-column chunking overrides
type ColumnConfig struct {
	MaxChunkLength   int
	NumKeepAliveRefs int
}

// Mapper assigns stable column indices to leaf paths and maintains the
// permutation between canonical structure order and column order. It is not
// safe for concurrent use; the owning writer serializes access.
//
// Maps are keyed by Path.Key, the injective encoding, so distinct paths
// whose display forms coincide still own distinct columns.
type Mapper struct {
	indexByPath map[string]int
	paths       []structure.Path // column index -> path

	// flatToColumn[p] is the column of the leaf at canonical flat position p;
	// columnToFlat is its inverse. Both are recomputed whenever the canonical
	// structure grows.
	flatToColumn []int
	columnToFlat []int

	deferred map[string]ColumnConfig
	logger   *zap.Logger
}

// NewMapper creates an empty mapper
func NewMapper(logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{
		indexByPath: make(map[string]int),
		deferred:    make(map[string]ColumnConfig),
		logger:      logger,
	}
}

// NumColumns returns the number of columns assigned so far
func (m *Mapper) NumColumns() int {
	return len(m.paths)
}

// Lookup returns the column index of a path, if assigned
func (m *Mapper) Lookup(path structure.Path) (int, bool) {
	index, ok := m.indexByPath[path.Key()]
	return index, ok
}

// PathOf returns the path that owns a column index
func (m *Mapper) PathOf(column int) (structure.Path, bool) {
	if column < 0 || column >= len(m.paths) {
		return nil, false
	}
	return m.paths[column], true
}

// ConfigureDeferred applies chunking overrides for a path. If the path already
// owns a column the configuration is forwarded to the sink immediately;
// otherwise it is buffered and applied the moment the path is first assigned,
// before that column receives its first value.
func (m *Mapper) ConfigureDeferred(path structure.Path, cfg ColumnConfig, sink ColumnSink) error {
	if column, ok := m.indexByPath[path.Key()]; ok {
		if err := sink.ConfigureChunker(column, cfg.MaxChunkLength, cfg.NumKeepAliveRefs); err != nil {
			return errors.Wrap(err, errors.TypeOf(err), "configure column chunker")
		}
		return nil
	}

	m.deferred[path.Key()] = cfg
	m.logger.Debug("deferred column configuration",
		zap.String("path", path.String()),
		zap.Int("max_chunk_length", cfg.MaxChunkLength),
		zap.Int("num_keep_alive_refs", cfg.NumKeepAliveRefs))
	return nil
}

// Advance re-runs assignment for every leaf of the grown canonical shape and
// recomputes the permutation. Newly assigned columns have any deferred
// configuration flushed to the sink. Returns the number of columns added.
func (m *Mapper) Advance(shape *structure.Node, sink ColumnSink) (int, error) {
	leaves := structure.Flatten(shape)

	added := 0
	for _, leaf := range leaves {
		key := leaf.Path.Key()
		if _, ok := m.indexByPath[key]; ok {
			continue
		}

		column := len(m.paths)
		m.indexByPath[key] = column
		m.paths = append(m.paths, leaf.Path)
		added++

		if cfg, ok := m.deferred[key]; ok {
			delete(m.deferred, key)
			if err := sink.ConfigureChunker(column, cfg.MaxChunkLength, cfg.NumKeepAliveRefs); err != nil {
				return added, errors.Wrap(err, errors.TypeOf(err), "configure column chunker")
			}
		}

		m.logger.Debug("assigned column",
			zap.String("path", leaf.Path.String()),
			zap.Int("column", column))
	}

	// The canonical shape always covers every assigned column, so both
	// permutations have exactly NumColumns entries.
	m.flatToColumn = make([]int, len(leaves))
	m.columnToFlat = make([]int, len(m.paths))
	for pos, leaf := range leaves {
		column := m.indexByPath[leaf.Path.Key()]
		m.flatToColumn[pos] = column
		m.columnToFlat[column] = pos
	}

	return added, nil
}

// ToColumns scatters canonically flattened leaves into column order. Columns
// whose path is missing from leaves keep a nil (absent) slot. All leaf paths
// must already be assigned.
func (m *Mapper) ToColumns(leaves []structure.PathLeaf) ([]interface{}, error) {
	values := make([]interface{}, len(m.paths))
	for _, leaf := range leaves {
		column, ok := m.indexByPath[leaf.Path.Key()]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeInternal,
				"path %q has no column assignment", leaf.Path.String())
		}
		values[column] = leaf.Value
	}
	return values, nil
}

// ToCanonical gathers column-ordered values back into canonical structure
// order, ready to be unflattened into the current shape.
func (m *Mapper) ToCanonical(columnOrdered []interface{}) ([]interface{}, error) {
	if len(columnOrdered) != len(m.flatToColumn) {
		return nil, errors.Newf(errors.ErrorTypeInternal,
			"expected %d column values, got %d", len(m.flatToColumn), len(columnOrdered))
	}
	canonical := make([]interface{}, len(columnOrdered))
	for pos, column := range m.flatToColumn {
		canonical[pos] = columnOrdered[column]
	}
	return canonical, nil
}
