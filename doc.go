// Package pulsar provides a client-side trajectory writer for prioritized
// experience-replay stores.
//
// A writer ingests a stream of semi-structured "steps" (nested records of
// named fields such as observation/action/reward) and multiplexes their
// leaves into stable, index-aligned columns. References to appended values
// are later sliced into immutable trajectory columns and submitted as
// prioritized items to a capacity-bounded chunk store.
//
// # Architecture
//
// The repository is organized around five cooperating pieces:
//
// 1. Structure reconciliation (pkg/structure): pure data-structure algebra
// over a closed tagged record tree (map/sequence/leaf). Records with new
// fields grow the canonical structure through a recursive union; records
// covering a subset of known fields are expanded with absent leaves.
//
// 2. Schema mapping (pkg/schema): the monotonic path-to-column assignment.
// A leaf path is bound to an integer column the first time it is observed
// and keeps that identity for the writer's whole life.
//
// 3. Column histories and trajectory columns (pkg/column): per-column
// append-only reference sequences, padded so that position i in every
// column refers to step i, and the immutable validated slices taken out of
// them.
//
// 4. The chunk store (pkg/chunkstore): owns value storage, chunk
// finalization and compression, keep-alive retention windows, and the
// background delivery of enqueued prioritized items.
//
// 5. The writer (pkg/writer): the stateful façade tying it all together
// with append/create-item/flush/end-episode/close semantics.
//
// # Example
//
//	store, _ := chunkstore.NewInMemory(nil, logger.Get())
//	err := writer.With(store, logger.Get(), func(w *writer.Writer) error {
//	    for step := range steps {
//	        if _, err := w.Append(step); err != nil {
//	            return err
//	        }
//	    }
//	    obs, _ := w.HistoryColumn(structure.Path{structure.Field("observation")})
//	    all, _ := obs.SliceAll()
//	    trajectory := structure.MapOf(map[string]*structure.Node{
//	        "observations": structure.LeafOf(all),
//	    })
//	    return w.CreateItem("replay", 1.0, trajectory)
//	})
package pulsar
