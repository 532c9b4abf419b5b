package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGraphHasRoot(t *testing.T) {
	g := New(headVC)

	assert.Equal(t, 1, g.NodeCount())
	assert.Equal(t, KindRoot, g.RootWeight().Kind())
	assert.False(t, g.RootMerkleHash().IsZero())
	assert.Equal(t, g.RootWeight().ID, g.RootWeight().LineageID)
}

func TestAddEdgeRejectsContainmentCycle(t *testing.T) {
	w := newTestGraph(t)
	comp := addComponent(t, w.g, headVC, "c1")
	compIdx, err := w.g.NodeIndexByID(comp)
	require.NoError(t, err)

	_, err = w.g.AddEdge(compIdx, NewEdgeWeight(headVC, EdgeUse), w.category)
	assert.ErrorIs(t, err, ErrContainmentCycle)

	// Reference edges may point back up.
	_, err = w.g.AddEdge(compIdx, NewEdgeWeight(headVC, EdgeRepresents), w.category)
	assert.NoError(t, err)
}

func TestAddEdgeTwiceMergesStamps(t *testing.T) {
	w := newTestGraph(t)
	comp := addComponent(t, w.g, headVC, "c1")
	compIdx, _ := w.g.NodeIndexByID(comp)
	before := w.g.EdgeCount()

	ei, err := w.g.AddEdge(w.category, NewEdgeWeight(cs1VC, EdgeUse), compIdx)
	require.NoError(t, err)

	assert.Equal(t, before, w.g.EdgeCount())
	_, ok := w.g.edges[ei].weight.Write.Entry(cs1VC)
	assert.True(t, ok)
}

func TestMerkleHashChangesUpTheChain(t *testing.T) {
	w := newTestGraph(t)
	comp := addComponent(t, w.g, headVC, "c1")
	val := addValue(t, w.g, headVC, comp, "name", "foo")

	compW, _ := w.g.NodeWeightByID(comp)
	rootBefore := w.g.RootMerkleHash()
	compBefore := compW.MerkleTreeHash

	require.NoError(t, w.g.UpdateContent(cs1VC, val, content("bar")))

	assert.NotEqual(t, rootBefore, w.g.RootMerkleHash())
	assert.NotEqual(t, compBefore, compW.MerkleTreeHash)

	require.NoError(t, w.g.UpdateContent(cs1VC, val, content("foo")))
	assert.Equal(t, rootBefore, w.g.RootMerkleHash(), "merkle hash must not depend on clocks")
}

func TestIncrementalMerkleMatchesFullRecalculation(t *testing.T) {
	w := newTestGraph(t)
	comp := addComponent(t, w.g, headVC, "c1")
	addValue(t, w.g, headVC, comp, "a", "1")
	v := addValue(t, w.g, headVC, comp, "b", "2")
	require.NoError(t, w.g.UpdateContent(headVC, v, content("3")))

	incremental := w.g.RootMerkleHash()
	w.g.RecalculateMerkleHashes()
	assert.Equal(t, incremental, w.g.RootMerkleHash())
}

func TestUpdateContentKindMismatch(t *testing.T) {
	w := newTestGraph(t)
	catW, _ := w.g.NodeWeight(w.category)

	err := w.g.UpdateContent(headVC, catW.ID, content("x"))
	var km *KindMismatchError
	require.True(t, errors.As(err, &km))
	assert.Equal(t, KindCategory, km.Got)
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestUpdateContentZeroHashUnsets(t *testing.T) {
	w := newTestGraph(t)
	comp := addComponent(t, w.g, headVC, "c1")
	val := addValue(t, w.g, headVC, comp, "name", "foo")

	require.NoError(t, w.g.UpdateContent(headVC, val, [32]byte{}))

	vw, _ := w.g.NodeWeightByID(val)
	assert.Nil(t, vw.Payload.(*AttributeValuePayload).Value)
}

func TestRemoveEdgeNotFound(t *testing.T) {
	w := newTestGraph(t)
	err := w.g.RemoveEdge(w.g.Root(), w.category, EdgeContain, "nope")

	var nf *EdgeNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.ErrorIs(t, err, ErrEdgeNotFound)
}

func TestRemoveNodeWithEdgesFails(t *testing.T) {
	w := newTestGraph(t)
	assert.ErrorIs(t, w.g.RemoveNode(w.category), ErrNodeHasEdges)
}

func TestNodeNotFound(t *testing.T) {
	g := New(headVC)
	_, err := g.NodeWeightByID(NewID())
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = g.NodeWeight(42)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestOrderedChildrenFollowInsertion(t *testing.T) {
	w := newTestGraph(t)
	comp := addComponent(t, w.g, headVC, "c1")
	a := addValue(t, w.g, headVC, comp, "a", "1")
	b := addValue(t, w.g, headVC, comp, "b", "2")
	c := addValue(t, w.g, headVC, comp, "c", "3")

	assert.Equal(t, []ID{a, b, c}, childIDs(t, w.g, comp))

	compIdx, _ := w.g.NodeIndexByID(comp)
	require.NoError(t, w.g.Reorder(headVC, compIdx, []ID{c, a}))
	assert.Equal(t, []ID{c, a, b}, childIDs(t, w.g, comp))

	bIdx, _ := w.g.NodeIndexByID(b)
	require.NoError(t, w.g.RemoveEdge(compIdx, bIdx, EdgeContain, "b"))
	assert.Equal(t, []ID{c, a}, childIDs(t, w.g, comp))
}

func TestAddOrderedEdgeRequiresOrdering(t *testing.T) {
	w := newTestGraph(t)
	leaf := w.g.AddNode(NewNodeWeight(headVC, ContentPayload{ContentKind: ContentProp}))

	_, err := w.g.AddOrderedEdge(w.category, NewEdgeWeight(headVC, EdgeUse), leaf)
	assert.ErrorIs(t, err, ErrNoOrdering)
}

func TestMergeOrder(t *testing.T) {
	a, b, c, d := NewID(), NewID(), NewID(), NewID()

	tests := []struct {
		name    string
		current []ID
		desired []ID
		want    []ID
	}{
		{"identity", []ID{a, b, c}, []ID{a, b, c}, []ID{a, b, c}},
		{"reverse", []ID{a, b, c}, []ID{c, b, a}, []ID{c, b, a}},
		{"unknown skipped", []ID{a, b}, []ID{d, b, a}, []ID{b, a}},
		{"missing kept after predecessor", []ID{a, b, c}, []ID{c, a}, []ID{c, a, b}},
		{"missing first stays first", []ID{d, a, b}, []ID{b, a}, []ID{d, b, a}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeOrder(tt.current, tt.desired))
		})
	}
}

func TestReplaceReferencesMovesEdges(t *testing.T) {
	w := newTestGraph(t)
	comp := addComponent(t, w.g, headVC, "c1")
	val := addValue(t, w.g, headVC, comp, "name", "foo")
	nodes, edges := w.g.NodeCount(), w.g.EdgeCount()

	compIdx, _ := w.g.NodeIndexByID(comp)
	old := w.g.mustWeight(compIdx)
	next := old.Clone()
	next.Payload = ContentPayload{ContentKind: ContentComponent, Hash: content("renamed")}

	newIdx, err := w.g.ReplaceNode(next)
	require.NoError(t, err)

	assert.NotEqual(t, compIdx, newIdx)
	assert.Equal(t, nodes, w.g.NodeCount())
	assert.Equal(t, edges, w.g.EdgeCount())
	_, err = w.g.NodeWeight(compIdx)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	got, ok := w.g.FindEquivalentNode(comp, comp)
	require.True(t, ok)
	assert.Equal(t, newIdx, got)
	assert.Equal(t, []NodeIndex{newIdx}, w.g.OutgoingTargets(w.category, EdgeUse))
	assert.Len(t, childIDs(t, w.g, comp), 1)
	assert.Equal(t, content("foo"), valueOf(t, w.g, val))
}

func TestFindEquivalentNodePrefersLineage(t *testing.T) {
	g := New(headVC)
	w := NewNodeWeight(headVC, ContentPayload{ContentKind: ContentFunc})
	rev := w.Clone()
	rev.ID = NewID()
	idx := g.AddNode(rev)

	got, ok := g.FindEquivalentNode(w.ID, w.LineageID)
	require.True(t, ok)
	assert.Equal(t, idx, got)

	_, ok = g.FindEquivalentNode(NewID(), NewID())
	assert.False(t, ok)
}

func TestCleanupRemovesUnreachable(t *testing.T) {
	w := newTestGraph(t)
	comp := addComponent(t, w.g, headVC, "c1")
	addValue(t, w.g, headVC, comp, "name", "foo")
	compIdx, _ := w.g.NodeIndexByID(comp)

	require.NoError(t, w.g.RemoveEdge(w.category, compIdx, EdgeUse, ""))
	removed := w.g.Cleanup()

	// component, its ordering node and its value
	assert.Equal(t, 3, removed)
	assert.False(t, w.g.HasNode(comp))
	assert.Equal(t, 2, w.g.NodeCount())
	assert.Equal(t, 1, w.g.EdgeCount())
}

func TestMarkGraphSeen(t *testing.T) {
	w := newTestGraph(t)
	comp := addComponent(t, w.g, headVC, "c1")

	stamp := w.g.MarkGraphSeen(cs1VC)

	got, ok := w.g.RootSeenBy(cs1VC)
	require.True(t, ok)
	assert.Equal(t, stamp, got)

	cw, _ := w.g.NodeWeightByID(comp)
	first, ok := cw.FirstSeen.Entry(cs1VC)
	require.True(t, ok)
	assert.Equal(t, stamp, first)

	w.g.MarkGraphSeen(cs1VC)
	first2, _ := cw.FirstSeen.Entry(cs1VC)
	assert.Equal(t, first, first2, "first seen is only recorded once")
}

func TestCloneIsIndependent(t *testing.T) {
	w := newTestGraph(t)
	comp := addComponent(t, w.g, headVC, "c1")
	val := addValue(t, w.g, headVC, comp, "name", "foo")

	c := w.g.Clone()
	require.NoError(t, c.UpdateContent(cs1VC, val, content("bar")))

	assert.Equal(t, content("foo"), valueOf(t, w.g, val))
	assert.Equal(t, content("bar"), valueOf(t, c, val))
	assert.NotEqual(t, w.g.RootMerkleHash(), c.RootMerkleHash())
}

func TestImportSubgraph(t *testing.T) {
	src := newTestGraph(t)
	comp := addComponent(t, src.g, headVC, "c1")
	a := addValue(t, src.g, headVC, comp, "a", "1")
	b := addValue(t, src.g, headVC, comp, "b", "2")
	compIdx, _ := src.g.NodeIndexByID(comp)

	dst := New(headVC)
	idx, err := dst.ImportSubgraph(src.g, compIdx)
	require.NoError(t, err)

	got, _ := dst.NodeWeight(idx)
	assert.Equal(t, comp, got.ID)
	assert.Equal(t, []ID{a, b}, childIDs(t, dst, comp))
	assert.Equal(t, src.g.mustWeight(compIdx).MerkleTreeHash, got.MerkleTreeHash)

	// Importing again reuses the existing nodes.
	nodes := dst.NodeCount()
	_, err = dst.ImportSubgraph(src.g, compIdx)
	require.NoError(t, err)
	assert.Equal(t, nodes, dst.NodeCount())
}
