package graph

import (
	"kaigraph/vclock"
)

// MarkGraphSeen stamps every node and edge reachable from root as seen by
// vcid at a single logical time, recording first-seen stamps where none
// exist yet. It returns the stamp used.
func (g *Graph) MarkGraphSeen(vcid vclock.ID) vclock.LamportClock {
	t := vclock.Now()
	for idx := range g.Reachable() {
		s := g.nodes[idx]
		s.weight.Seen.Set(vcid, t)
		s.weight.FirstSeen.SetIfAbsent(vcid, t)
		for _, ei := range s.outgoing {
			g.edges[ei].weight.FirstSeen.SetIfAbsent(vcid, t)
		}
	}
	return t
}

// MergeRootSeen records that this graph has incorporated everything the
// other graph's root had seen.
func (g *Graph) MergeRootSeen(other *Graph) {
	g.RootWeight().Seen.Merge(other.RootWeight().Seen)
}

// RootSeenBy returns the root's seen stamp for vcid.
func (g *Graph) RootSeenBy(vcid vclock.ID) (vclock.LamportClock, bool) {
	return g.RootWeight().Seen.Entry(vcid)
}
