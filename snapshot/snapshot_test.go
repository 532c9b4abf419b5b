package snapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaigraph/cas"
	"kaigraph/graph"
	"kaigraph/layerdb"
	"kaigraph/store"
	"kaigraph/vclock"
)

const testVC vclock.ID = "ws/head"

func newTestStore(t *testing.T) (*Store, *store.DB) {
	t.Helper()
	sdb, err := store.OpenDir(t.TempDir())
	require.NoError(t, err)
	db, err := layerdb.Open(layerdb.Config{Store: sdb})
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
		sdb.Close()
	})
	return NewStore(db), sdb
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func addContent(t *testing.T, g *graph.Graph, vcid vclock.ID, name string) graph.ID {
	t.Helper()
	w := graph.NewNodeWeight(vcid, graph.ContentPayload{
		ContentKind: graph.ContentComponent,
		Hash:        cas.Hash([]byte(name)),
	})
	idx := g.AddNode(w)
	_, err := g.AddEdge(g.Root(), graph.NewEdgeWeight(vcid, graph.EdgeUse), idx)
	require.NoError(t, err)
	return w.ID
}

func TestFirstMutationClones(t *testing.T) {
	st, _ := newTestStore(t)
	original := graph.New(testVC)
	snap := New(st, original)

	require.NoError(t, snap.View(func(g *graph.Graph) error {
		assert.Same(t, original, g)
		return nil
	}))
	assert.False(t, snap.Dirty())

	var id graph.ID
	require.NoError(t, snap.Mutate(func(g *graph.Graph) error {
		assert.NotSame(t, original, g)
		id = addContent(t, g, testVC, "server")
		return nil
	}))
	assert.True(t, snap.Dirty())
	assert.False(t, original.HasNode(id), "read-only graph must not change")

	require.NoError(t, snap.View(func(g *graph.Graph) error {
		assert.True(t, g.HasNode(id))
		return nil
	}))
}

func TestWriteAndLoad(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := testCtx(t)

	snap := New(st, graph.New(testVC))
	var id graph.ID
	require.NoError(t, snap.Mutate(func(g *graph.Graph) error {
		id = addContent(t, g, testVC, "server")
		return nil
	}))

	addr, err := snap.Write(ctx, testVC)
	require.NoError(t, err)
	assert.Equal(t, addr, snap.Address())

	loaded, err := Load(ctx, st, addr)
	require.NoError(t, err)
	assert.Equal(t, addr, loaded.Address())
	require.NoError(t, loaded.View(func(g *graph.Graph) error {
		assert.True(t, g.HasNode(id))
		seen, ok := g.RootSeenBy(testVC)
		assert.True(t, ok)
		assert.NotZero(t, seen)
		return nil
	}))

	_, err = Load(ctx, st, cas.Hash([]byte("nope")))
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestStoreWriteIsContentAddressed(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := testCtx(t)

	g := graph.New(testVC)
	addContent(t, g, testVC, "server")

	a1, s1, err := st.Write(ctx, g)
	require.NoError(t, err)
	require.NoError(t, s1.Wait(ctx))
	a2, s2, err := st.Write(ctx, g.Clone())
	require.NoError(t, err)
	require.NoError(t, s2.Wait(ctx))
	assert.Equal(t, a1, a2)

	back, err := st.Read(ctx, a1)
	require.NoError(t, err)
	want, err := g.Serialize()
	require.NoError(t, err)
	got, err := back.Serialize()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWriteFailureKeepsAddress(t *testing.T) {
	st, sdb := newTestStore(t)
	ctx := testCtx(t)

	snap := New(st, graph.New(testVC))
	first, err := snap.Write(ctx, testVC)
	require.NoError(t, err)

	var id graph.ID
	require.NoError(t, snap.Mutate(func(g *graph.Graph) error {
		id = addContent(t, g, testVC, "server")
		return nil
	}))
	require.NoError(t, sdb.Close())

	const otherVC vclock.ID = "ws/other"
	_, err = snap.Write(ctx, otherVC)
	var perr *layerdb.PersistError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, first, snap.Address())
	require.NoError(t, snap.View(func(g *graph.Graph) error {
		_, seen := g.RootSeenBy(otherVC)
		assert.False(t, seen, "failed write must not stamp the working copy")
		assert.True(t, g.HasNode(id))
		return nil
	}))
}

func TestRemoveNodeByIDDetachesEdges(t *testing.T) {
	st, _ := newTestStore(t)
	snap := New(st, graph.New(testVC))

	var id graph.ID
	require.NoError(t, snap.Mutate(func(g *graph.Graph) error {
		id = addContent(t, g, testVC, "server")
		return nil
	}))
	require.NoError(t, snap.RemoveNodeByID(id))
	require.NoError(t, snap.View(func(g *graph.Graph) error {
		assert.False(t, g.HasNode(id))
		assert.Zero(t, g.EdgeCount())
		return nil
	}))
}

func TestRebaseThroughSnapshots(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := testCtx(t)

	head := New(st, graph.New(testVC))
	_, err := head.Write(ctx, testVC)
	require.NoError(t, err)

	const csVC vclock.ID = "ws/cs1"
	cs := head.Clone()
	_, err = cs.Write(ctx, csVC)
	require.NoError(t, err)

	var id graph.ID
	require.NoError(t, cs.Mutate(func(g *graph.Graph) error {
		id = addContent(t, g, csVC, "server")
		return nil
	}))
	_, err = cs.Write(ctx, csVC)
	require.NoError(t, err)

	changes := cs.DetectChanges(head)
	require.Len(t, changes, 1)
	assert.Equal(t, id, changes[0].ID)

	result := head.DetectConflictsAndUpdates(ctx, testVC, cs, csVC)
	require.False(t, result.HasConflicts())
	require.NotEmpty(t, result.Updates)
	require.NoError(t, head.PerformUpdates(ctx, cs, result.Updates))

	require.NoError(t, head.View(func(g *graph.Graph) error {
		assert.True(t, g.HasNode(id))
		return nil
	}))

	assert.Error(t, head.PerformUpdates(ctx, head, nil))
}

func TestConcurrentReaders(t *testing.T) {
	st, _ := newTestStore(t)
	snap := New(st, graph.New(testVC))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = snap.View(func(g *graph.Graph) error {
				_ = g.NodeCount()
				return nil
			})
		}()
	}
	require.NoError(t, snap.Mutate(func(g *graph.Graph) error {
		addContent(t, g, testVC, "server")
		return nil
	}))
	wg.Wait()
}
