package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kaigraph/cas"
	"kaigraph/vclock"
)

const (
	headVC vclock.ID = "ws/head"
	cs1VC  vclock.ID = "ws/cs1"
	cs2VC  vclock.ID = "ws/cs2"
)

// testWorld is a small graph: root -> Component category -> named
// components, each holding keyed attribute values.
type testWorld struct {
	g        *Graph
	category NodeIndex
}

func newTestGraph(t *testing.T) *testWorld {
	t.Helper()
	g := New(headVC)
	cat := g.AddNode(NewNodeWeight(headVC, CategoryPayload{Category: CategoryComponent}))
	_, err := g.AddEdge(g.Root(), NewEdgeWeight(headVC, EdgeUse), cat)
	require.NoError(t, err)
	return &testWorld{g: g, category: cat}
}

func content(s string) cas.ContentHash {
	return cas.Hash([]byte(s))
}

// addComponent adds an ordered component under the category.
func addComponent(t *testing.T, g *Graph, vc vclock.ID, name string) ID {
	t.Helper()
	cat, err := g.Category(CategoryComponent)
	require.NoError(t, err)
	w := NewNodeWeight(vc, ContentPayload{ContentKind: ContentComponent, Hash: content(name)})
	idx, err := g.AddOrderedNode(vc, w)
	require.NoError(t, err)
	_, err = g.AddEdge(cat, NewEdgeWeight(vc, EdgeUse), idx)
	require.NoError(t, err)
	return w.ID
}

// addValue adds an attribute value under parent with the given key.
func addValue(t *testing.T, g *Graph, vc vclock.ID, parent ID, key, value string) ID {
	t.Helper()
	pidx, err := g.NodeIndexByID(parent)
	require.NoError(t, err)
	h := content(value)
	w := NewNodeWeight(vc, &AttributeValuePayload{Value: &h})
	idx := g.AddNode(w)
	_, err = g.AddEdge(pidx, NewKeyedEdgeWeight(vc, EdgeContain, key), idx)
	require.NoError(t, err)
	return w.ID
}

func valueOf(t *testing.T, g *Graph, id ID) cas.ContentHash {
	t.Helper()
	w, err := g.NodeWeightByID(id)
	require.NoError(t, err)
	p, ok := w.Payload.(*AttributeValuePayload)
	require.True(t, ok)
	require.NotNil(t, p.Value)
	return *p.Value
}

func childIDs(t *testing.T, g *Graph, container ID) []ID {
	t.Helper()
	idx, err := g.NodeIndexByID(container)
	require.NoError(t, err)
	children, err := g.OrderedChildren(idx)
	require.NoError(t, err)
	ids := make([]ID, 0, len(children))
	for _, c := range children {
		w, err := g.NodeWeight(c)
		require.NoError(t, err)
		ids = append(ids, w.ID)
	}
	return ids
}

// commit marks the graph seen the way a snapshot write does.
func commit(g *Graph, vc vclock.ID) {
	g.Cleanup()
	g.MarkGraphSeen(vc)
}

// fork copies a committed graph into a new change set.
func fork(g *Graph, vc vclock.ID) *Graph {
	c := g.Clone()
	c.MarkGraphSeen(vc)
	return c
}

// apply rebases to-rebase onto onto and fails the test on conflicts.
func apply(t *testing.T, toRebase *Graph, toRebaseVC vclock.ID, onto *Graph, ontoVC vclock.ID) {
	t.Helper()
	res := toRebase.DetectConflictsAndUpdates(toRebaseVC, onto, ontoVC)
	require.Empty(t, res.Conflicts)
	require.NoError(t, toRebase.PerformUpdates(onto, res.Updates))
	commit(toRebase, toRebaseVC)
}
