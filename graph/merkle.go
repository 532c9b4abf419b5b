package graph

import (
	"kaigraph/cas"
)

// rehash recomputes the merkle hash of idx and of every node that reaches
// it through containment edges. Children outside that ancestor set keep
// their stored hashes.
func (g *Graph) rehash(idx NodeIndex) {
	dirty := map[NodeIndex]bool{idx: true}
	queue := []NodeIndex{idx}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, ei := range g.nodes[n].incoming {
			e := g.edges[ei]
			if e.weight.Kind.Containment() && !dirty[e.source] {
				dirty[e.source] = true
				queue = append(queue, e.source)
			}
		}
	}

	done := make(map[NodeIndex]bool, len(dirty))
	var compute func(n NodeIndex)
	compute = func(n NodeIndex) {
		if done[n] {
			return
		}
		done[n] = true
		for _, ei := range g.nodes[n].outgoing {
			e := g.edges[ei]
			if e.weight.Kind.Containment() && dirty[e.target] {
				compute(e.target)
			}
		}
		g.nodes[n].weight.MerkleTreeHash = g.merkleHash(n)
	}
	for n := range dirty {
		compute(n)
	}
}

// merkleHash hashes a node's payload together with its outgoing edges in a
// canonical order. Containment children contribute their merkle hash;
// reference targets contribute only their ID.
func (g *Graph) merkleHash(idx NodeIndex) cas.ContentHash {
	h := cas.NewHasher()
	h.WriteHash(g.nodes[idx].weight.NodeHash())
	for _, e := range g.Edges(idx, Outgoing) {
		h.WriteString(string(e.Weight.Kind))
		h.WriteString(e.Weight.Key)
		target := g.nodes[e.Target].weight
		if e.Weight.Kind.Containment() {
			h.WriteHash(target.MerkleTreeHash)
		} else {
			h.Write(target.ID[:])
		}
	}
	return h.Sum()
}

// RecalculateMerkleHashes recomputes every merkle hash from the leaves up.
func (g *Graph) RecalculateMerkleHashes() {
	done := make(map[NodeIndex]bool, len(g.nodes))
	var compute func(n NodeIndex)
	compute = func(n NodeIndex) {
		if done[n] {
			return
		}
		done[n] = true
		for _, ei := range g.nodes[n].outgoing {
			if e := g.edges[ei]; e.weight.Kind.Containment() {
				compute(e.target)
			}
		}
		g.nodes[n].weight.MerkleTreeHash = g.merkleHash(n)
	}
	for i, s := range g.nodes {
		if s != nil {
			compute(NodeIndex(i))
		}
	}
}
