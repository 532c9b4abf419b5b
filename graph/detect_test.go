package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaigraph/vclock"
)

// base builds a committed HEAD graph with one component holding values a
// and b.
func base(t *testing.T) (head *Graph, comp, a, b ID) {
	t.Helper()
	w := newTestGraph(t)
	comp = addComponent(t, w.g, headVC, "server")
	a = addValue(t, w.g, headVC, comp, "a", "a0")
	b = addValue(t, w.g, headVC, comp, "b", "b0")
	commit(w.g, headVC)
	return w.g, comp, a, b
}

func TestDetectAgainstSelfIsEmpty(t *testing.T) {
	head, comp, a, _ := base(t)
	require.NoError(t, head.UpdateContent(headVC, a, content("a1")))
	addValue(t, head, headVC, comp, "c", "c0")

	res := head.DetectConflictsAndUpdates(headVC, head, headVC)
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, res.Updates)

	res = head.DetectConflictsAndUpdates(headVC, fork(head, cs1VC), cs1VC)
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, res.Updates)
}

func TestRebaseConvergesOnDisjointEdits(t *testing.T) {
	head, comp, a, b := base(t)

	c1 := fork(head, cs1VC)
	require.NoError(t, c1.UpdateContent(cs1VC, a, content("a1")))
	added := addValue(t, c1, cs1VC, comp, "c", "c1")
	commit(c1, cs1VC)

	c2 := fork(head, cs2VC)
	require.NoError(t, c2.UpdateContent(cs2VC, b, content("b2")))
	commit(c2, cs2VC)

	t.Run("c2 onto c1", func(t *testing.T) {
		g := c2.Clone()
		apply(t, g, cs2VC, c1, cs1VC)

		assert.Equal(t, content("a1"), valueOf(t, g, a))
		assert.Equal(t, content("b2"), valueOf(t, g, b))
		assert.Equal(t, content("c1"), valueOf(t, g, added))
		assert.Equal(t, []ID{a, b, added}, childIDs(t, g, comp))
	})

	t.Run("c1 onto c2", func(t *testing.T) {
		g := c1.Clone()
		apply(t, g, cs1VC, c2, cs2VC)

		assert.Equal(t, content("a1"), valueOf(t, g, a))
		assert.Equal(t, content("b2"), valueOf(t, g, b))
		assert.Equal(t, content("c1"), valueOf(t, g, added))
	})

	t.Run("sequential applies to head", func(t *testing.T) {
		g := head.Clone()
		apply(t, g, headVC, c1, cs1VC)
		apply(t, g, headVC, c2, cs2VC)

		assert.Equal(t, content("a1"), valueOf(t, g, a))
		assert.Equal(t, content("b2"), valueOf(t, g, b))
		assert.Equal(t, content("c1"), valueOf(t, g, added))

		// Re-detecting against an applied change set finds nothing to do.
		res := g.DetectConflictsAndUpdates(headVC, c1, cs1VC)
		assert.Empty(t, res.Conflicts)
		assert.Empty(t, res.Updates)
	})
}

func TestRebaseSameNodeConflicts(t *testing.T) {
	head, _, a, _ := base(t)

	c1 := fork(head, cs1VC)
	require.NoError(t, c1.UpdateContent(cs1VC, a, content("A")))
	commit(c1, cs1VC)

	c2 := fork(head, cs2VC)
	require.NoError(t, c2.UpdateContent(cs2VC, a, content("C")))
	commit(c2, cs2VC)

	res := c2.DetectConflictsAndUpdates(cs2VC, c1, cs1VC)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, ConflictNodeContent, res.Conflicts[0].Kind)
	assert.Equal(t, a, res.Conflicts[0].NodeID())
	assert.Equal(t, content("C"), valueOf(t, c2, a), "detection must not mutate")
}

func TestRebaseOntoNewerWriteReplaces(t *testing.T) {
	head, _, a, _ := base(t)
	c1 := fork(head, cs1VC)
	require.NoError(t, c1.UpdateContent(cs1VC, a, content("a1")))
	commit(c1, cs1VC)

	res := head.DetectConflictsAndUpdates(headVC, c1, cs1VC)
	require.Empty(t, res.Conflicts)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, UpdateReplaceNode, res.Updates[0].Kind)
	assert.Equal(t, a, res.Updates[0].Destination.ID)

	// The other direction: head's value is older, nothing to replay.
	res = c1.DetectConflictsAndUpdates(cs1VC, head, headVC)
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, res.Updates)
}

func TestRebaseRemoval(t *testing.T) {
	head, comp, a, b := base(t)
	compIdx, _ := head.NodeIndexByID(comp)

	c1 := fork(head, cs1VC)
	aIdx, _ := c1.NodeIndexByID(a)
	require.NoError(t, c1.RemoveEdge(compIdx, aIdx, EdgeContain, "a"))
	commit(c1, cs1VC)

	res := head.DetectConflictsAndUpdates(headVC, c1, cs1VC)
	require.Empty(t, res.Conflicts)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, UpdateRemoveEdge, res.Updates[0].Kind)

	require.NoError(t, head.PerformUpdates(c1, res.Updates))
	assert.False(t, head.HasNode(a))
	assert.Equal(t, []ID{b}, childIDs(t, head, comp))
}

func TestRebaseKeepsItemsAddedAfterFork(t *testing.T) {
	head, comp, _, _ := base(t)
	stale := fork(head, cs1VC)

	c2 := fork(head, cs2VC)
	added := addValue(t, c2, cs2VC, comp, "c", "c2")
	commit(c2, cs2VC)
	apply(t, head, headVC, c2, cs2VC)

	// stale never saw the new value; its absence there is not a removal.
	res := head.DetectConflictsAndUpdates(headVC, stale, cs1VC)
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, res.Updates)
	assert.True(t, head.HasNode(added))
}

func TestRemoveModifiedItemConflicts(t *testing.T) {
	head, comp, a, _ := base(t)
	compIdx, _ := head.NodeIndexByID(comp)

	remover := fork(head, cs1VC)
	aIdx, _ := remover.NodeIndexByID(a)
	require.NoError(t, remover.RemoveEdge(compIdx, aIdx, EdgeContain, "a"))
	commit(remover, cs1VC)

	editor := fork(head, cs2VC)
	require.NoError(t, editor.UpdateContent(cs2VC, a, content("a2")))
	commit(editor, cs2VC)
	apply(t, head, headVC, editor, cs2VC)

	res := head.DetectConflictsAndUpdates(headVC, remover, cs1VC)
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, ConflictRemoveModifiedItem, c.Kind)
	assert.Equal(t, a, c.NodeID())
	require.NotNil(t, c.Container)
	assert.Equal(t, comp, c.Container.ID)
}

func TestModifyRemovedItemConflicts(t *testing.T) {
	head, comp, a, _ := base(t)
	compIdx, _ := head.NodeIndexByID(comp)

	editor := fork(head, cs1VC)
	require.NoError(t, editor.UpdateContent(cs1VC, a, content("a1")))
	commit(editor, cs1VC)

	remover := fork(head, cs2VC)
	aIdx, _ := remover.NodeIndexByID(a)
	require.NoError(t, remover.RemoveEdge(compIdx, aIdx, EdgeContain, "a"))
	commit(remover, cs2VC)
	apply(t, head, headVC, remover, cs2VC)
	require.False(t, head.HasNode(a))

	res := head.DetectConflictsAndUpdates(headVC, editor, cs1VC)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, ConflictModifyRemovedItem, res.Conflicts[0].Kind)
	assert.Equal(t, a, res.Conflicts[0].NodeID())
}

func TestRemovedOnOneSideUntouchedOnOtherIsNotAConflict(t *testing.T) {
	head, comp, a, b := base(t)
	compIdx, _ := head.NodeIndexByID(comp)

	editor := fork(head, cs1VC)
	require.NoError(t, editor.UpdateContent(cs1VC, b, content("b1")))
	commit(editor, cs1VC)

	remover := fork(head, cs2VC)
	aIdx, _ := remover.NodeIndexByID(a)
	require.NoError(t, remover.RemoveEdge(compIdx, aIdx, EdgeContain, "a"))
	commit(remover, cs2VC)
	apply(t, head, headVC, remover, cs2VC)

	apply(t, head, headVC, editor, cs1VC)
	assert.False(t, head.HasNode(a))
	assert.Equal(t, content("b1"), valueOf(t, head, b))
}

func TestReorderChildren(t *testing.T) {
	head, comp, a, b := base(t)
	compIdx, _ := head.NodeIndexByID(comp)

	c1 := fork(head, cs1VC)
	require.NoError(t, c1.Reorder(cs1VC, compIdx, []ID{b, a}))
	commit(c1, cs1VC)

	res := head.DetectConflictsAndUpdates(headVC, c1, cs1VC)
	require.Empty(t, res.Conflicts)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, UpdateReorderChildren, res.Updates[0].Kind)
	assert.Equal(t, comp, res.Updates[0].Source.ID)

	require.NoError(t, head.PerformUpdates(c1, res.Updates))
	assert.Equal(t, []ID{b, a}, childIDs(t, head, comp))
	assert.Equal(t, c1.RootMerkleHash(), head.RootMerkleHash())
}

func TestConcurrentReorderConflicts(t *testing.T) {
	head, comp, a, b := base(t)
	c := addValue(t, head, headVC, comp, "c", "c0")
	commit(head, headVC)
	compIdx, _ := head.NodeIndexByID(comp)

	c1 := fork(head, cs1VC)
	require.NoError(t, c1.Reorder(cs1VC, compIdx, []ID{c, a, b}))
	commit(c1, cs1VC)

	c2 := fork(head, cs2VC)
	require.NoError(t, c2.Reorder(cs2VC, compIdx, []ID{b, c, a}))
	commit(c2, cs2VC)

	res := c2.DetectConflictsAndUpdates(cs2VC, c1, cs1VC)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, ConflictChildOrder, res.Conflicts[0].Kind)
	assert.Equal(t, comp, res.Conflicts[0].ToRebase.ID)
}

func TestConcurrentInsertsIntoOrderedContainer(t *testing.T) {
	head, comp, a, b := base(t)

	c1 := fork(head, cs1VC)
	x := addValue(t, c1, cs1VC, comp, "x", "x1")
	compIdx, _ := c1.NodeIndexByID(comp)
	require.NoError(t, c1.Reorder(cs1VC, compIdx, []ID{a, x, b}))
	commit(c1, cs1VC)

	c2 := fork(head, cs2VC)
	y := addValue(t, c2, cs2VC, comp, "y", "y2")
	commit(c2, cs2VC)

	g := c2.Clone()
	apply(t, g, cs2VC, c1, cs1VC)
	assert.Equal(t, []ID{a, x, b, y}, childIDs(t, g, comp))
}

func TestExclusiveEdgeMismatch(t *testing.T) {
	head, _, a, _ := base(t)
	aIdx, _ := head.NodeIndexByID(a)
	proto := head.AddNode(NewNodeWeight(headVC, ContentPayload{ContentKind: ContentAttributePrototype, Hash: content("p0")}))
	_, err := head.AddEdge(aIdx, NewEdgeWeight(headVC, EdgePrototype), proto)
	require.NoError(t, err)
	commit(head, headVC)

	setPrototype := func(g *Graph, vc vclock.ID, name string) {
		t.Helper()
		ai, _ := g.NodeIndexByID(a)
		old := g.OutgoingTargets(ai, EdgePrototype)
		require.Len(t, old, 1)
		require.NoError(t, g.RemoveEdge(ai, old[0], EdgePrototype, ""))
		p := g.AddNode(NewNodeWeight(vc, ContentPayload{ContentKind: ContentAttributePrototype, Hash: content(name)}))
		_, err := g.AddEdge(ai, NewEdgeWeight(vc, EdgePrototype), p)
		require.NoError(t, err)
		commit(g, vc)
	}

	c1 := fork(head, cs1VC)
	setPrototype(c1, cs1VC, "p1")
	c2 := fork(head, cs2VC)
	setPrototype(c2, cs2VC, "p2")

	res := c2.DetectConflictsAndUpdates(cs2VC, c1, cs1VC)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, ConflictExclusiveEdgeMismatch, res.Conflicts[0].Kind)
	assert.Equal(t, EdgePrototype, res.Conflicts[0].EdgeKind)
	assert.Equal(t, a, res.Conflicts[0].NodeID())

	// Applied in sequence to head the second change set sees the first's
	// edge as something it never saw, which is the same mismatch.
	g := head.Clone()
	apply(t, g, headVC, c1, cs1VC)
	res = g.DetectConflictsAndUpdates(headVC, c2, cs2VC)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, ConflictExclusiveEdgeMismatch, res.Conflicts[0].Kind)
}

func TestDetectIsDeterministic(t *testing.T) {
	head, comp, a, b := base(t)
	c1 := fork(head, cs1VC)
	require.NoError(t, c1.UpdateContent(cs1VC, a, content("a1")))
	require.NoError(t, c1.UpdateContent(cs1VC, b, content("b1")))
	for _, k := range []string{"c", "d", "e"} {
		addValue(t, c1, cs1VC, comp, k, k)
	}
	commit(c1, cs1VC)

	first := head.DetectConflictsAndUpdates(headVC, c1, cs1VC)
	for i := 0; i < 5; i++ {
		again := head.DetectConflictsAndUpdates(headVC, c1, cs1VC)
		assert.Equal(t, first, again)
	}
}

// addPrototype attaches a prototype content node to the value av.
func addPrototype(t *testing.T, g *Graph, vc vclock.ID, av ID, fn string) ID {
	t.Helper()
	avIdx, err := g.NodeIndexByID(av)
	require.NoError(t, err)
	w := NewNodeWeight(vc, ContentPayload{ContentKind: ContentAttributePrototype, Hash: content(fn)})
	idx := g.AddNode(w)
	_, err = g.AddEdge(avIdx, NewEdgeWeight(vc, EdgePrototype), idx)
	require.NoError(t, err)
	return w.ID
}

func TestValueConflictAbsorbsPrototypeConflict(t *testing.T) {
	head, _, a, _ := base(t)
	proto := addPrototype(t, head, headVC, a, "set:a0")
	commit(head, headVC)

	c1 := fork(head, cs1VC)
	require.NoError(t, c1.UpdateContent(cs1VC, a, content("A")))
	require.NoError(t, c1.UpdateContent(cs1VC, proto, content("set:A")))
	commit(c1, cs1VC)

	c2 := fork(head, cs2VC)
	require.NoError(t, c2.UpdateContent(cs2VC, a, content("C")))
	require.NoError(t, c2.UpdateContent(cs2VC, proto, content("set:C")))
	commit(c2, cs2VC)

	res := c2.DetectConflictsAndUpdates(cs2VC, c1, cs1VC)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, ConflictNodeContent, res.Conflicts[0].Kind)
	assert.Equal(t, a, res.Conflicts[0].NodeID())
}

func TestPrototypeConflictWithoutValueConflictIsKept(t *testing.T) {
	head, _, a, _ := base(t)
	proto := addPrototype(t, head, headVC, a, "set:a0")
	commit(head, headVC)

	c1 := fork(head, cs1VC)
	require.NoError(t, c1.UpdateContent(cs1VC, proto, content("identity")))
	commit(c1, cs1VC)

	c2 := fork(head, cs2VC)
	require.NoError(t, c2.UpdateContent(cs2VC, proto, content("unset")))
	commit(c2, cs2VC)

	res := c2.DetectConflictsAndUpdates(cs2VC, c1, cs1VC)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, proto, res.Conflicts[0].NodeID())
}
