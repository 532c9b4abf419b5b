package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"kaigraph/vclock"
)

const serializationVersion = 1

type serializedGraph struct {
	Version int              `json:"version"`
	Root    ID               `json:"root"`
	Nodes   []*NodeWeight    `json:"nodes"`
	Edges   []serializedEdge `json:"edges"`
}

type serializedEdge struct {
	Source ID         `json:"source"`
	Target ID         `json:"target"`
	Weight EdgeWeight `json:"weight"`
}

// Serialize encodes the graph deterministically: nodes sorted by ID, edges by
// source, kind, key and target. Equal graphs produce equal bytes, so the
// bytes can be content-addressed.
func (g *Graph) Serialize() ([]byte, error) {
	sg := serializedGraph{
		Version: serializationVersion,
		Root:    g.RootWeight().ID,
		Nodes:   []*NodeWeight{},
		Edges:   []serializedEdge{},
	}
	for _, idx := range g.NodeIndices() {
		sg.Nodes = append(sg.Nodes, g.mustWeight(idx))
	}
	for _, e := range g.edges {
		if e == nil {
			continue
		}
		sg.Edges = append(sg.Edges, serializedEdge{
			Source: g.mustWeight(e.source).ID,
			Target: g.mustWeight(e.target).ID,
			Weight: e.weight,
		})
	}
	sort.Slice(sg.Edges, func(i, j int) bool {
		a, b := sg.Edges[i], sg.Edges[j]
		if a.Source != b.Source {
			return lessID(a.Source, b.Source)
		}
		if a.Weight.Kind != b.Weight.Kind {
			return a.Weight.Kind < b.Weight.Kind
		}
		if a.Weight.Key != b.Weight.Key {
			return a.Weight.Key < b.Weight.Key
		}
		return lessID(a.Target, b.Target)
	})

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sg); err != nil {
		return nil, fmt.Errorf("encoding graph: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes bytes produced by Serialize. Merkle hashes are
// recomputed, and the process clock is advanced past every stamp in the
// graph.
func Deserialize(data []byte) (*Graph, error) {
	var sg serializedGraph
	if err := json.Unmarshal(data, &sg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}
	if sg.Version != serializationVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidGraph, sg.Version)
	}

	g := newEmpty()
	var maxStamp vclock.LamportClock
	observe := func(vc vclock.VectorClock) {
		if m := vc.Max(); m > maxStamp {
			maxStamp = m
		}
	}

	for _, w := range sg.Nodes {
		if _, dup := g.byID[w.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %s", ErrInvalidGraph, w.ID)
		}
		idx := NodeIndex(len(g.nodes))
		g.nodes = append(g.nodes, &nodeSlot{weight: w})
		g.byID[w.ID] = idx
		g.byLineage[w.LineageID] = idx
		observe(w.FirstSeen)
		observe(w.Seen)
		observe(w.Write)
	}

	root, ok := g.byID[sg.Root]
	if !ok {
		return nil, fmt.Errorf("%w: root %s missing", ErrInvalidGraph, sg.Root)
	}
	if g.mustWeight(root).Kind() != KindRoot {
		return nil, fmt.Errorf("%w: root %s is a %s node", ErrInvalidGraph, sg.Root, g.mustWeight(root).Kind())
	}
	g.root = root

	for _, e := range sg.Edges {
		src, ok := g.byID[e.Source]
		if !ok {
			return nil, fmt.Errorf("%w: edge source %s missing", ErrInvalidGraph, e.Source)
		}
		dst, ok := g.byID[e.Target]
		if !ok {
			return nil, fmt.Errorf("%w: edge target %s missing", ErrInvalidGraph, e.Target)
		}
		w := e.Weight
		w.FirstSeen = nonNil(w.FirstSeen)
		w.Write = nonNil(w.Write)
		observe(w.FirstSeen)
		observe(w.Write)

		ei := EdgeIndex(len(g.edges))
		g.edges = append(g.edges, &edgeSlot{source: src, target: dst, weight: w})
		g.nodes[src].outgoing = append(g.nodes[src].outgoing, ei)
		g.nodes[dst].incoming = append(g.nodes[dst].incoming, ei)
	}

	g.RecalculateMerkleHashes()
	vclock.Observe(maxStamp)
	return g, nil
}
