package graph

import (
	"fmt"
)

// ImportSubgraph deep-copies the subgraph of other rooted at otherRoot into
// g and returns the index of the copied root. Nodes that already have an
// equivalent in g are reused and not descended into; only edges leaving
// newly copied nodes are copied.
func (g *Graph) ImportSubgraph(other *Graph, otherRoot NodeIndex) (NodeIndex, error) {
	if _, err := other.slot(otherRoot); err != nil {
		return NoIndex, fmt.Errorf("importing subgraph: %w", err)
	}

	mapping := make(map[NodeIndex]NodeIndex)
	fresh := make(map[NodeIndex]bool)
	var order []NodeIndex

	stack := []NodeIndex{otherRoot}
	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, done := mapping[o]; done {
			continue
		}
		w := other.mustWeight(o)
		if existing, ok := g.FindEquivalentNode(w.ID, w.LineageID); ok {
			mapping[o] = existing
			continue
		}
		mapping[o] = g.AddNode(w.Clone())
		fresh[o] = true
		order = append(order, o)

		edges := other.Edges(o, Outgoing)
		for i := len(edges) - 1; i >= 0; i-- {
			if _, done := mapping[edges[i].Target]; !done {
				stack = append(stack, edges[i].Target)
			}
		}
	}

	for _, o := range order {
		for _, e := range other.Edges(o, Outgoing) {
			target, ok := mapping[e.Target]
			if !ok {
				return NoIndex, fmt.Errorf("importing subgraph: unmapped target %d", e.Target)
			}
			if _, err := g.addEdge(mapping[o], e.Weight.Clone(), target); err != nil {
				return NoIndex, fmt.Errorf("importing subgraph edge: %w", err)
			}
		}
	}

	return mapping[otherRoot], nil
}

// ReplaceReferences moves every edge of the node at original onto the most
// recent node of the same lineage (or, failing that, the same ID), then
// removes original. It is the second half of replacing a node: AddNode the
// new revision, then call ReplaceReferences with the old index.
func (g *Graph) ReplaceReferences(original NodeIndex) error {
	s, err := g.slot(original)
	if err != nil {
		return err
	}
	latest, ok := g.byLineage[s.weight.LineageID]
	if !ok || latest == original {
		latest, ok = g.byID[s.weight.ID]
	}
	if !ok || latest == original {
		return nil
	}
	dst := g.nodes[latest]

	for _, ei := range append([]EdgeIndex(nil), s.incoming...) {
		e := g.edges[ei]
		if _, dup := g.FindEdge(e.source, latest, e.weight.Kind, e.weight.Key); dup {
			g.detachEdge(ei)
			continue
		}
		e.target = latest
		dst.incoming = append(dst.incoming, ei)
	}
	for _, ei := range append([]EdgeIndex(nil), s.outgoing...) {
		e := g.edges[ei]
		if _, dup := g.FindEdge(latest, e.target, e.weight.Kind, e.weight.Key); dup {
			g.detachEdge(ei)
			continue
		}
		e.source = latest
		dst.outgoing = append(dst.outgoing, ei)
	}
	s.incoming = nil
	s.outgoing = nil

	if err := g.RemoveNode(original); err != nil {
		return err
	}
	if g.root == original {
		g.root = latest
	}
	g.rehash(latest)
	return nil
}

// ReplaceNode installs a new revision of an existing logical entity and
// moves the old revision's edges onto it.
func (g *Graph) ReplaceNode(w *NodeWeight) (NodeIndex, error) {
	old, ok := g.FindEquivalentNode(w.ID, w.LineageID)
	if !ok {
		return NoIndex, notFoundID(w.ID)
	}
	idx := g.AddNode(w)
	if err := g.ReplaceReferences(old); err != nil {
		return NoIndex, err
	}
	return idx, nil
}
