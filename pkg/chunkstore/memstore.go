package chunkstore

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsardata/pulsar/pkg/compression"
	"github.com/pulsardata/pulsar/pkg/errors"
	"github.com/pulsardata/pulsar/pkg/metrics"
)

// Config represents in-memory store configuration
type Config struct {
	// MaxChunkLength is the number of values appended to a column before its
	// active fragment is automatically finalized as a chunk
	MaxChunkLength int `yaml:"max_chunk_length" json:"max_chunk_length"`

	// NumKeepAliveRefs is the size of the per-column window of most recent
	// references kept alive. A reference pushed out of the window expires and
	// can no longer be used by new items, so the value bounds how many steps
	// a trajectory can span.
	NumKeepAliveRefs int `yaml:"num_keep_alive_refs" json:"num_keep_alive_refs"`

	// TableCapacity bounds each destination table; the oldest item is evicted
	// when a confirmation would exceed it
	TableCapacity int `yaml:"table_capacity" json:"table_capacity"`

	// Compression selects the codec applied to finalized chunks
	Compression *compression.Config `yaml:"compression" json:"compression"`
}

// DefaultConfig returns sensible store defaults
func DefaultConfig() *Config {
	return &Config{
		MaxChunkLength:   16,
		NumKeepAliveRefs: 128,
		TableCapacity:    1024,
		Compression:      compression.DefaultConfig(),
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.MaxChunkLength <= 0 {
		return errors.Newf(errors.ErrorTypeValidation,
			"max_chunk_length must be > 0, got %d", c.MaxChunkLength)
	}
	if c.NumKeepAliveRefs <= 0 {
		return errors.Newf(errors.ErrorTypeValidation,
			"num_keep_alive_refs must be > 0, got %d", c.NumKeepAliveRefs)
	}
	if c.TableCapacity <= 0 {
		return errors.Newf(errors.ErrorTypeValidation,
			"table_capacity must be > 0, got %d", c.TableCapacity)
	}
	return nil
}

// DeliveredItem is a confirmed prioritized item as recorded in its table
type DeliveredItem struct {
	Table    string
	Priority float64
	Episode  EpisodeID
	Columns  [][]Ref
	Squeeze  []bool
}

// pendingItem is an enqueued item awaiting chunk finalization and delivery
type pendingItem struct {
	table    string
	priority float64
	episode  EpisodeID
	columns  [][]*cellRef
	squeeze  []bool
}

// ready reports whether every referenced value has been finalized into a
// chunk. Chunk finalization happens-before item transmission.
func (p *pendingItem) ready() bool {
	for _, column := range p.columns {
		for _, ref := range column {
			if !ref.finalized() {
				return false
			}
		}
	}
	return true
}

// columnChunker batches one column's values into chunks and maintains its
// keep-alive retention window
type columnChunker struct {
	column           int
	maxChunkLength   int
	numKeepAliveRefs int

	// active holds references whose values are still buffered in the current
	// unfinalized fragment
	active []*cellRef

	// live is the retention window of most recent references, oldest first
	live []*cellRef

	received uint64
}

// InMemory is a complete in-process Store implementation. It is safe for
// concurrent use; a single background goroutine owns item delivery.
type InMemory struct {
	cfg    Config
	codec  compression.Compressor
	logger *zap.Logger

	mu            sync.Mutex
	columns       []*columnChunker
	pendingConfig map[int]struct{ maxChunkLength, numKeepAliveRefs int }
	queue         []*pendingItem
	tables        map[string][]*DeliveredItem
	episode       EpisodeID
	closed        bool
	step          uint64
	nextChunkID   uint64

	// changed is closed and replaced whenever observable state advances;
	// flush waiters block on the current instance
	changed chan struct{}

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewInMemory creates an in-memory store and starts its delivery worker
func NewInMemory(cfg *Config, logger *zap.Logger) (*InMemory, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	codec, err := compression.NewCompressor(cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "create chunk codec")
	}

	s := &InMemory{
		cfg:           *cfg,
		codec:         codec,
		logger:        logger,
		pendingConfig: make(map[int]struct{ maxChunkLength, numKeepAliveRefs int }),
		tables:        make(map[string][]*DeliveredItem),
		episode:       EpisodeID(uuid.NewString()),
		changed:       make(chan struct{}),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	s.wg.Add(1)
	go s.deliveryLoop()

	s.logger.Info("in-memory chunk store started",
		zap.String("episode_id", string(s.episode)),
		zap.String("codec", string(codec.Algorithm())),
		zap.Int("max_chunk_length", cfg.MaxChunkLength),
		zap.Int("num_keep_alive_refs", cfg.NumKeepAliveRefs))

	return s, nil
}

// Episode returns the current episode identity
func (s *InMemory) Episode() EpisodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episode
}

// NumPending returns the number of enqueued but unconfirmed items
func (s *InMemory) NumPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// TableItems returns the confirmed items of a table in delivery order
func (s *InMemory) TableItems(table string) []*DeliveredItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]*DeliveredItem, len(s.tables[table]))
	copy(items, s.tables[table])
	return items
}

// AppendStep appends one value per column; nil marks a column absent
func (s *InMemory) AppendStep(values []interface{}) ([]Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New(errors.ErrorTypeIllegalState, "store is closed")
	}

	if len(values) < len(s.columns) {
		return nil, errors.Newf(errors.ErrorTypeInternal,
			"append covers %d columns, store has %d", len(values), len(s.columns))
	}

	// Canonicalize the full step before touching any chunker, so a rejected
	// value leaves the store untouched.
	canonical := make([]interface{}, len(values))
	specs := make([]Spec, len(values))
	for i, value := range values {
		if value == nil {
			continue
		}
		cv, spec, err := Canonicalize(value)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation,
				"append value for column "+strconv.Itoa(i))
		}
		canonical[i] = cv
		specs[i] = spec
	}

	s.growColumnsLocked(len(values))

	step := s.step
	s.step++

	refs := make([]Ref, len(values))
	for i, value := range canonical {
		if value == nil {
			continue
		}

		ref := &cellRef{column: i, step: step, spec: specs[i], value: value}
		if err := s.appendToColumnLocked(s.columns[i], ref); err != nil {
			return nil, err
		}
		refs[i] = ref
	}

	s.wakeWorkerLocked()
	return refs, nil
}

func (s *InMemory) growColumnsLocked(n int) {
	for len(s.columns) < n {
		column := len(s.columns)
		chunker := &columnChunker{
			column:           column,
			maxChunkLength:   s.cfg.MaxChunkLength,
			numKeepAliveRefs: s.cfg.NumKeepAliveRefs,
		}
		if cfg, ok := s.pendingConfig[column]; ok {
			chunker.maxChunkLength = cfg.maxChunkLength
			chunker.numKeepAliveRefs = cfg.numKeepAliveRefs
			delete(s.pendingConfig, column)
		}
		s.columns = append(s.columns, chunker)
		metrics.ColumnsAssigned.Inc()
	}
}

func (s *InMemory) appendToColumnLocked(chunker *columnChunker, ref *cellRef) error {
	chunker.active = append(chunker.active, ref)
	chunker.live = append(chunker.live, ref)
	chunker.received++

	// Evict the oldest reference once the keep-alive window overflows
	for len(chunker.live) > chunker.numKeepAliveRefs {
		oldest := chunker.live[0]
		chunker.live = chunker.live[1:]
		oldest.expired.Store(true)
		metrics.RefsExpired.Inc()
	}

	if len(chunker.active) >= chunker.maxChunkLength {
		return s.finalizeLocked(chunker, "length")
	}
	return nil
}

// finalizeLocked turns the chunker's active fragment into a compressed chunk
func (s *InMemory) finalizeLocked(chunker *columnChunker, reason string) error {
	if len(chunker.active) == 0 {
		return nil
	}

	id := s.nextChunkID
	s.nextChunkID++

	ck, err := newChunk(id, chunker.column, chunker.active, s.codec)
	if err != nil {
		return err
	}

	for offset, ref := range chunker.active {
		ref.moveTo(ck, offset)
	}
	chunker.active = chunker.active[:0]

	metrics.ChunksFinalized.WithLabelValues(reason).Inc()
	s.logger.Debug("finalized chunk",
		zap.Uint64("chunk_id", id),
		zap.Int("column", chunker.column),
		zap.Int("length", ck.length),
		zap.String("reason", reason))
	return nil
}

// ConfigureChunker overrides chunking options for a single column. The
// override must land before the column receives its first value.
func (s *InMemory) ConfigureChunker(column int, maxChunkLength int, numKeepAliveRefs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.ErrorTypeIllegalState, "store is closed")
	}
	if column < 0 {
		return errors.Newf(errors.ErrorTypeValidation, "column must be >= 0, got %d", column)
	}
	if maxChunkLength <= 0 {
		return errors.Newf(errors.ErrorTypeValidation,
			"max_chunk_length must be > 0, got %d", maxChunkLength)
	}
	if numKeepAliveRefs <= 0 {
		return errors.Newf(errors.ErrorTypeValidation,
			"num_keep_alive_refs must be > 0, got %d", numKeepAliveRefs)
	}

	if column < len(s.columns) {
		chunker := s.columns[column]
		if chunker.received > 0 {
			return errors.Newf(errors.ErrorTypeValidation,
				"column %d has already received values", column)
		}
		chunker.maxChunkLength = maxChunkLength
		chunker.numKeepAliveRefs = numKeepAliveRefs
		return nil
	}

	s.pendingConfig[column] = struct{ maxChunkLength, numKeepAliveRefs int }{maxChunkLength, numKeepAliveRefs}
	return nil
}

// CreateItem validates and enqueues a prioritized item. The call never blocks
// on delivery; run-ahead is only bounded by Flush.
func (s *InMemory) CreateItem(table string, priority float64, columns [][]Ref, squeeze []bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.ErrorTypeIllegalState, "store is closed")
	}
	if table == "" {
		return errors.New(errors.ErrorTypeValidation, "table name must not be empty")
	}
	if len(columns) != len(squeeze) {
		return errors.Newf(errors.ErrorTypeValidation,
			"got %d columns and %d squeeze flags", len(columns), len(squeeze))
	}

	item := &pendingItem{
		table:    table,
		priority: priority,
		episode:  s.episode,
		columns:  make([][]*cellRef, len(columns)),
		squeeze:  squeeze,
	}

	for i, column := range columns {
		if squeeze[i] && len(column) != 1 {
			return errors.Newf(errors.ErrorTypeValidation,
				"squeezed column %d must contain exactly one reference, got %d", i, len(column))
		}
		if len(column) == 0 {
			return errors.Newf(errors.ErrorTypeValidation, "column %d is empty", i)
		}

		refs := make([]*cellRef, len(column))
		var spec Spec
		for j, ref := range column {
			if ref == nil {
				return errors.Newf(errors.ErrorTypeValidation,
					"column %d references an absent step at position %d", i, j)
			}
			cell, ok := ref.(*cellRef)
			if !ok {
				return errors.Newf(errors.ErrorTypeValidation,
					"column %d holds a foreign reference of type %T", i, ref)
			}
			if cell.Expired() {
				return errors.Newf(errors.ErrorTypeExpiredReference,
					"column %d references an evicted value at position %d", i, j)
			}
			if j == 0 {
				spec = cell.spec
			} else if !cell.spec.Equal(spec) {
				return errors.Newf(errors.ErrorTypeShapeMismatch,
					"column %d mixes %s with %s", i, spec, cell.spec)
			}
			refs[j] = cell
		}
		item.columns[i] = refs
	}

	s.queue = append(s.queue, item)
	metrics.ItemsEnqueued.WithLabelValues(table).Inc()
	metrics.PendingItems.Set(float64(len(s.queue)))
	s.wakeWorkerLocked()
	return nil
}

// Flush forces finalization of fragments referenced by pending items and
// blocks until at most blockUntilNumItems remain unconfirmed or ctx is done
func (s *InMemory) Flush(ctx context.Context, blockUntilNumItems int) error {
	if blockUntilNumItems < 0 {
		return errors.Newf(errors.ErrorTypeValidation,
			"block_until_num_items must be >= 0, got %d", blockUntilNumItems)
	}

	timer := metrics.NewTimer("flush")
	defer func() {
		metrics.FlushLatency.Observe(float64(timer.Stop().Nanoseconds()))
	}()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New(errors.ErrorTypeIllegalState, "store is closed")
	}
	if err := s.finalizePendingLocked("flush"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.wakeWorkerLocked()
	s.mu.Unlock()

	return s.waitPending(ctx, blockUntilNumItems)
}

// finalizePendingLocked prematurely finalizes every active fragment holding a
// value referenced by a queued item, turning waiting items into deliverable
// ones
func (s *InMemory) finalizePendingLocked(reason string) error {
	needed := make(map[int]bool)
	for _, item := range s.queue {
		for _, column := range item.columns {
			for _, ref := range column {
				if !ref.finalized() {
					needed[ref.column] = true
				}
			}
		}
	}
	for column := range needed {
		if err := s.finalizeLocked(s.columns[column], reason); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemory) waitPending(ctx context.Context, target int) error {
	for {
		s.mu.Lock()
		if len(s.queue) <= target {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			// The deadline interrupts only the caller's wait; enqueued items
			// keep flowing to their tables in the background.
			return errors.Wrap(ctx.Err(), errors.ErrorTypeDeadlineExceeded,
				"items still pending when deadline expired")
		}
	}
}

// EndEpisode flushes everything, rotates the episode identity, and optionally
// evicts the finished episode's live references
func (s *InMemory) EndEpisode(ctx context.Context, clearBuffers bool) (EpisodeID, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.New(errors.ErrorTypeIllegalState, "store is closed")
	}

	// Episode boundaries finalize every open fragment, referenced or not
	for _, chunker := range s.columns {
		if err := s.finalizeLocked(chunker, "episode"); err != nil {
			s.mu.Unlock()
			return "", err
		}
	}
	s.wakeWorkerLocked()
	s.mu.Unlock()

	waitErr := s.waitPending(ctx, 0)

	// The episode rotates and buffers clear even when the wait timed out;
	// only the caller's blocking is cut short.
	s.mu.Lock()
	episode := EpisodeID(uuid.NewString())
	s.episode = episode

	if clearBuffers {
		for _, chunker := range s.columns {
			for _, ref := range chunker.live {
				ref.expired.Store(true)
				metrics.RefsExpired.Inc()
			}
			chunker.live = chunker.live[:0]
		}
	}
	s.mu.Unlock()

	s.logger.Info("episode ended",
		zap.String("episode_id", string(episode)),
		zap.Bool("cleared", clearBuffers))

	return episode, waitErr
}

// Close stops the delivery worker and releases the store
func (s *InMemory) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New(errors.ErrorTypeIllegalState, "store is already closed")
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	s.logger.Info("in-memory chunk store closed")
	return nil
}

// broadcastLocked releases every waiter blocked on the pending predicate
func (s *InMemory) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// wakeWorkerLocked nudges the delivery worker without blocking
func (s *InMemory) wakeWorkerLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliveryLoop is the background worker that transmits items in FIFO order.
// Only the queue head may be confirmed: later items never overtake earlier
// ones, even when their chunks finalize first.
func (s *InMemory) deliveryLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		delivered := 0
		for len(s.queue) > 0 && s.queue[0].ready() {
			item := s.queue[0]
			s.queue = s.queue[1:]
			s.deliverLocked(item)
			delivered++
		}
		if delivered > 0 {
			metrics.PendingItems.Set(float64(len(s.queue)))
			s.broadcastLocked()
		}
		s.mu.Unlock()
	}
}

func (s *InMemory) deliverLocked(item *pendingItem) {
	columns := make([][]Ref, len(item.columns))
	for i, refs := range item.columns {
		column := make([]Ref, len(refs))
		for j, ref := range refs {
			column[j] = ref
		}
		columns[i] = column
	}

	delivered := &DeliveredItem{
		Table:    item.table,
		Priority: item.priority,
		Episode:  item.episode,
		Columns:  columns,
		Squeeze:  item.squeeze,
	}

	s.tables[item.table] = append(s.tables[item.table], delivered)
	if len(s.tables[item.table]) > s.cfg.TableCapacity {
		s.tables[item.table] = s.tables[item.table][1:]
	}

	metrics.ItemsConfirmed.WithLabelValues(item.table).Inc()
}
