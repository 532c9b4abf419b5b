package graph

// Cleanup removes every node and edge that is not reachable from root. It
// returns the number of nodes removed.
func (g *Graph) Cleanup() int {
	reachable := g.Reachable()
	removed := 0
	for i, s := range g.nodes {
		idx := NodeIndex(i)
		if s == nil || reachable[idx] {
			continue
		}
		for _, ei := range append(append([]EdgeIndex(nil), s.incoming...), s.outgoing...) {
			g.detachEdge(ei)
		}
		if g.byID[s.weight.ID] == idx {
			delete(g.byID, s.weight.ID)
		}
		if g.byLineage[s.weight.LineageID] == idx {
			delete(g.byLineage, s.weight.LineageID)
		}
		g.nodes[i] = nil
		removed++
	}
	return removed
}

// detachEdge unlinks an edge without touching orderings or hashes.
func (g *Graph) detachEdge(ei EdgeIndex) {
	e := g.edges[ei]
	if e == nil {
		return
	}
	if src := g.nodes[e.source]; src != nil {
		src.outgoing = removeEdgeIdx(src.outgoing, ei)
	}
	if dst := g.nodes[e.target]; dst != nil {
		dst.incoming = removeEdgeIdx(dst.incoming, ei)
	}
	g.edges[ei] = nil
}
