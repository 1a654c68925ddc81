package writer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pulsardata/pulsar/pkg/chunkstore"
	"github.com/pulsardata/pulsar/pkg/column"
	"github.com/pulsardata/pulsar/pkg/errors"
	"github.com/pulsardata/pulsar/pkg/structure"
)

func newTestWriter(t *testing.T) (*Writer, *chunkstore.InMemory) {
	t.Helper()
	store, err := chunkstore.NewInMemory(nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	w := New(store, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = w.Close() })
	return w, store
}

func record(fields map[string]*structure.Node) *structure.Node {
	return structure.MapOf(fields)
}

func fieldPath(names ...string) structure.Path {
	p := make(structure.Path, len(names))
	for i, name := range names {
		p[i] = structure.Field(name)
	}
	return p
}

func TestAppendReturnsRefTreeShapedLikeInput(t *testing.T) {
	w, _ := newTestWriter(t)

	refs, err := w.Append(record(map[string]*structure.Node{
		"observation": record(map[string]*structure.Node{"pixels": structure.LeafOf([]float64{1, 2})}),
		"reward":      structure.LeafOf(0.5),
	}))
	require.NoError(t, err)

	assert.True(t, structure.SameShape(refs, record(map[string]*structure.Node{
		"observation": record(map[string]*structure.Node{"pixels": structure.Absent()}),
		"reward":      structure.Absent(),
	})))

	leaf, ok := refs.At(fieldPath("observation", "pixels"))
	require.True(t, ok)
	ref, ok := leaf.Value().(chunkstore.Ref)
	require.True(t, ok)

	value, err := ref.Materialize()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, value)
}

func TestHistoriesStayAligned(t *testing.T) {
	w, _ := newTestWriter(t)

	// Steps with differing field sets: a only, a+b, b only.
	_, err := w.Append(record(map[string]*structure.Node{"a": structure.LeafOf(int64(1))}))
	require.NoError(t, err)
	_, err = w.Append(record(map[string]*structure.Node{
		"a": structure.LeafOf(int64(2)),
		"b": structure.LeafOf(int64(20)),
	}))
	require.NoError(t, err)
	_, err = w.Append(record(map[string]*structure.Node{"b": structure.LeafOf(int64(30))}))
	require.NoError(t, err)

	historyA, err := w.HistoryColumn(fieldPath("a"))
	require.NoError(t, err)
	historyB, err := w.HistoryColumn(fieldPath("b"))
	require.NoError(t, err)

	assert.Equal(t, 3, historyA.Len())
	assert.Equal(t, 3, historyB.Len())
}

func TestLateColumnIsBackFilled(t *testing.T) {
	w, _ := newTestWriter(t)

	_, err := w.Append(record(map[string]*structure.Node{"a": structure.LeafOf(int64(1))}))
	require.NoError(t, err)
	_, err = w.Append(record(map[string]*structure.Node{
		"a": structure.LeafOf(int64(2)),
		"b": structure.LeafOf(int64(20)),
	}))
	require.NoError(t, err)

	historyB, err := w.HistoryColumn(fieldPath("b"))
	require.NoError(t, err)
	require.Equal(t, 2, historyB.Len())

	refs := historyB.Refs()
	assert.Nil(t, refs[0])
	require.NotNil(t, refs[1])

	value, err := refs[1].Materialize()
	require.NoError(t, err)
	assert.Equal(t, int64(20), value)
}

func TestMissingFieldLeavesAbsentMarker(t *testing.T) {
	w, _ := newTestWriter(t)

	_, err := w.Append(record(map[string]*structure.Node{
		"a": structure.LeafOf(int64(1)),
		"b": structure.LeafOf(int64(10)),
	}))
	require.NoError(t, err)
	_, err = w.Append(record(map[string]*structure.Node{"a": structure.LeafOf(int64(2))}))
	require.NoError(t, err)

	historyA, err := w.HistoryColumn(fieldPath("a"))
	require.NoError(t, err)
	col, err := historyA.SliceAll()
	require.NoError(t, err)
	value, err := col.Materialize()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, value)

	historyB, err := w.HistoryColumn(fieldPath("b"))
	require.NoError(t, err)
	refs := historyB.Refs()
	require.Len(t, refs, 2)
	assert.NotNil(t, refs[0])
	assert.Nil(t, refs[1])
}

func TestAppendSeparatesDottedFieldFromNestedPath(t *testing.T) {
	w, _ := newTestWriter(t)

	// "a.b" as a literal field name and a -> b as a nested path are distinct
	// leaves even though they display identically.
	refs, err := w.Append(record(map[string]*structure.Node{
		"a.b": structure.LeafOf(int64(1)),
		"a":   record(map[string]*structure.Node{"b": structure.LeafOf(int64(2))}),
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, w.NumColumns())

	flatLeaf, ok := refs.At(structure.Path{structure.Field("a.b")})
	require.True(t, ok)
	nestedLeaf, ok := refs.At(fieldPath("a", "b"))
	require.True(t, ok)

	value, err := flatLeaf.Value().(chunkstore.Ref).Materialize()
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)
	value, err = nestedLeaf.Value().(chunkstore.Ref).Materialize()
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)

	flatHistory, err := w.HistoryColumn(structure.Path{structure.Field("a.b")})
	require.NoError(t, err)
	nestedHistory, err := w.HistoryColumn(fieldPath("a", "b"))
	require.NoError(t, err)
	assert.NotSame(t, flatHistory, nestedHistory)
	assert.Equal(t, 1, flatHistory.Len())
	assert.Equal(t, 1, nestedHistory.Len())
}

func TestAppendRejectsKindConflict(t *testing.T) {
	w, _ := newTestWriter(t)

	_, err := w.Append(record(map[string]*structure.Node{"v": structure.LeafOf(int64(1))}))
	require.NoError(t, err)

	_, err = w.Append(record(map[string]*structure.Node{
		"v": record(map[string]*structure.Node{"inner": structure.LeafOf(int64(1))}),
	}))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStructureMismatch))
}

func TestAppendNilRecord(t *testing.T) {
	w, _ := newTestWriter(t)

	_, err := w.Append(nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestCreateItemEndToEnd(t *testing.T) {
	w, store := newTestWriter(t)

	for i := 1; i <= 3; i++ {
		_, err := w.Append(record(map[string]*structure.Node{
			"observation": structure.LeafOf([]float64{float64(i), float64(i)}),
			"reward":      structure.LeafOf(float64(i)),
		}))
		require.NoError(t, err)
	}

	observations, err := w.HistoryColumn(fieldPath("observation"))
	require.NoError(t, err)
	rewards, err := w.HistoryColumn(fieldPath("reward"))
	require.NoError(t, err)

	observationWindow, err := observations.SliceAll()
	require.NoError(t, err)
	lastReward, err := rewards.Index(-1)
	require.NoError(t, err)

	trajectory := record(map[string]*structure.Node{
		"observations": structure.LeafOf(observationWindow),
		"final_reward": structure.LeafOf(lastReward),
	})
	require.NoError(t, w.CreateItem("replay", 0.75, trajectory))
	require.NoError(t, w.Flush(context.Background(), 0))

	items := store.TableItems("replay")
	require.Len(t, items, 1)
	assert.Equal(t, 0.75, items[0].Priority)

	// Canonical leaf order: final_reward before observations.
	require.Len(t, items[0].Columns, 2)
	assert.True(t, items[0].Squeeze[0])
	assert.False(t, items[0].Squeeze[1])
	assert.Len(t, items[0].Columns[0], 1)
	assert.Len(t, items[0].Columns[1], 3)
}

func TestCreateItemRejectsForeignLeaf(t *testing.T) {
	w, _ := newTestWriter(t)

	_, err := w.Append(record(map[string]*structure.Node{"a": structure.LeafOf(int64(1))}))
	require.NoError(t, err)

	err = w.CreateItem("replay", 1.0, record(map[string]*structure.Node{
		"bad": structure.LeafOf("not a column"),
	}))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestCreateItemRejectsExpiredRefs(t *testing.T) {
	store, err := chunkstore.NewInMemory(&chunkstore.Config{
		MaxChunkLength:   16,
		NumKeepAliveRefs: 1,
		TableCapacity:    16,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	w := New(store, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = w.Close() })

	_, err = w.Append(record(map[string]*structure.Node{"a": structure.LeafOf(int64(1))}))
	require.NoError(t, err)
	_, err = w.Append(record(map[string]*structure.Node{"a": structure.LeafOf(int64(2))}))
	require.NoError(t, err)

	history, err := w.HistoryColumn(fieldPath("a"))
	require.NoError(t, err)
	all, err := history.SliceAll()
	require.NoError(t, err)

	err = w.CreateItem("replay", 1.0, record(map[string]*structure.Node{
		"a": structure.LeafOf(all),
	}))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExpiredReference))
}

func TestConfigureAppliedBeforeFirstValue(t *testing.T) {
	w, _ := newTestWriter(t)

	// Configure a path that has never been observed: the keep-alive override
	// must land before the column's first value.
	require.NoError(t, w.Configure(fieldPath("a"), 16, 1))

	refs1, err := w.Append(record(map[string]*structure.Node{"a": structure.LeafOf(int64(1))}))
	require.NoError(t, err)
	_, err = w.Append(record(map[string]*structure.Node{"a": structure.LeafOf(int64(2))}))
	require.NoError(t, err)

	leaf, ok := refs1.At(fieldPath("a"))
	require.True(t, ok)
	assert.True(t, leaf.Value().(chunkstore.Ref).Expired())
}

func TestConfigureValidation(t *testing.T) {
	w, _ := newTestWriter(t)

	require.Error(t, w.Configure(fieldPath("a"), 0, 8))
	require.Error(t, w.Configure(fieldPath("a"), 8, 0))
}

func TestFlushValidation(t *testing.T) {
	w, _ := newTestWriter(t)

	err := w.Flush(context.Background(), -1)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestEndEpisodeClearsHistoriesKeepsSchema(t *testing.T) {
	w, _ := newTestWriter(t)

	_, err := w.Append(record(map[string]*structure.Node{
		"a": structure.LeafOf(int64(1)),
		"b": structure.LeafOf(int64(2)),
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, w.NumColumns())

	episode, err := w.EndEpisode(context.Background(), true)
	require.NoError(t, err)
	assert.NotEmpty(t, episode)

	history, err := w.HistoryColumn(fieldPath("a"))
	require.NoError(t, err)
	assert.Equal(t, 0, history.Len())

	// Column assignments survive the boundary.
	assert.Equal(t, 2, w.NumColumns())

	_, err = w.Append(record(map[string]*structure.Node{"a": structure.LeafOf(int64(3))}))
	require.NoError(t, err)
	assert.Equal(t, 1, history.Len())
}

func TestEndEpisodeKeepBuffersRetainsHistories(t *testing.T) {
	w, _ := newTestWriter(t)

	_, err := w.Append(record(map[string]*structure.Node{"a": structure.LeafOf(int64(1))}))
	require.NoError(t, err)

	_, err = w.EndEpisode(context.Background(), false)
	require.NoError(t, err)

	history, err := w.HistoryColumn(fieldPath("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, history.Len())
}

func TestHistoryTreeMirrorsStructure(t *testing.T) {
	w, _ := newTestWriter(t)

	_, err := w.History()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIllegalState))

	_, err = w.Append(record(map[string]*structure.Node{
		"observation": record(map[string]*structure.Node{"pixels": structure.LeafOf([]float64{1})}),
		"reward":      structure.LeafOf(1.0),
	}))
	require.NoError(t, err)

	tree, err := w.History()
	require.NoError(t, err)

	leaf, ok := tree.At(fieldPath("observation", "pixels"))
	require.True(t, ok)
	history, ok := leaf.Value().(*column.History)
	require.True(t, ok)
	assert.Equal(t, 1, history.Len())
	assert.Equal(t, "observation.pixels", history.Path().String())
}

func TestHistoryColumnUnknownPath(t *testing.T) {
	w, _ := newTestWriter(t)

	_, err := w.HistoryColumn(fieldPath("never"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestCloseIsTerminal(t *testing.T) {
	store, err := chunkstore.NewInMemory(nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	w := New(store, zaptest.NewLogger(t))

	require.NoError(t, w.Close())

	err = w.Close()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIllegalState))

	_, err = w.Append(record(map[string]*structure.Node{"a": structure.LeafOf(int64(1))}))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIllegalState))

	err = w.CreateItem("replay", 1.0, record(nil))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIllegalState))

	err = w.Flush(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIllegalState))

	_, err = w.EndEpisode(context.Background(), true)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIllegalState))

	_, err = w.History()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIllegalState))
}

func TestWithClosesOnEveryPath(t *testing.T) {
	store, err := chunkstore.NewInMemory(nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = With(store, zaptest.NewLogger(t), func(w *Writer) error {
		_, err := w.Append(record(map[string]*structure.Node{"a": structure.LeafOf(int64(1))}))
		return err
	})
	require.NoError(t, err)

	// The scoped run closed the store on exit.
	err = store.Close()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIllegalState))
}

func TestWithPropagatesCallbackError(t *testing.T) {
	store, err := chunkstore.NewInMemory(nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	wantErr := errors.New(errors.ErrorTypeValidation, "boom")
	err = With(store, zaptest.NewLogger(t), func(w *Writer) error {
		return wantErr
	})
	assert.Equal(t, wantErr, err)

	err = store.Close()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIllegalState))
}
