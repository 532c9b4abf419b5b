package graph

import (
	"kaigraph/vclock"
)

// EdgeWeight is the kind, optional key and causality stamps of an edge.
type EdgeWeight struct {
	Kind      EdgeKind           `json:"kind"`
	Key       string             `json:"key,omitempty"`
	FirstSeen vclock.VectorClock `json:"first_seen"`
	Write     vclock.VectorClock `json:"write"`
}

// NewEdgeWeight creates an edge weight written by the given change set clock.
func NewEdgeWeight(vcid vclock.ID, kind EdgeKind) EdgeWeight {
	return NewKeyedEdgeWeight(vcid, kind, "")
}

// NewKeyedEdgeWeight creates a keyed edge weight.
func NewKeyedEdgeWeight(vcid vclock.ID, kind EdgeKind, key string) EdgeWeight {
	w := EdgeWeight{
		Kind:      kind,
		Key:       key,
		FirstSeen: vclock.New(),
		Write:     vclock.New(),
	}
	t := w.Write.Inc(vcid)
	w.FirstSeen.Set(vcid, t)
	return w
}

// Clone returns a deep copy.
func (w EdgeWeight) Clone() EdgeWeight {
	return EdgeWeight{
		Kind:      w.Kind,
		Key:       w.Key,
		FirstSeen: w.FirstSeen.Copy(),
		Write:     w.Write.Copy(),
	}
}

// EdgeRef is a resolved edge in one graph.
type EdgeRef struct {
	Index  EdgeIndex
	Source NodeIndex
	Target NodeIndex
	Weight EdgeWeight
}

// Direction selects incoming or outgoing edges.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)
