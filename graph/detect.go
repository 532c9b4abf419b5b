package graph

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"kaigraph/vclock"
)

// DetectResult is the outcome of comparing two graphs. A non-empty
// Conflicts blocks replay of Updates.
type DetectResult struct {
	Conflicts []Conflict `json:"conflicts"`
	Updates   []Update   `json:"updates"`
}

// HasConflicts reports whether the result blocks replay.
func (r DetectResult) HasConflicts() bool {
	return len(r.Conflicts) > 0
}

// DetectConflictsAndUpdates computes what must be replayed from onto into g
// (the to-rebase graph) and what cannot be replayed unambiguously.
//
// The walk starts at onto's root and pairs each onto node with its
// equivalent in g, skipping subtrees whose merkle hashes agree. Whether a
// side "saw" an item is decided from the item's first-seen stamps against
// the other side's root seen clock; a graph has always seen its own writes,
// so each side's own clock ID counts as fully observed.
//
// The result is a pure function of the two graphs' reachable content.
func (g *Graph) DetectConflictsAndUpdates(toRebaseVC vclock.ID, onto *Graph, ontoVC vclock.ID) DetectResult {
	d := &detector{
		toRebase:  g,
		onto:      onto,
		trSeen:    observer(g, toRebaseVC),
		ontoSeen:  observer(onto, ontoVC),
		visited:   make(map[NodeIndex]bool),
		imported:  make(map[ID]bool),
		conflicts: []Conflict{},
		updates:   []Update{},
	}

	trRoot, ok := g.FindEquivalentNode(onto.RootWeight().ID, onto.RootWeight().LineageID)
	if !ok {
		trRoot = g.root
	}
	d.visit(onto.root, trRoot)

	d.conflicts = foldPrototypeConflicts(g, d.conflicts)
	d.updates = correctTransforms(g, onto, d.updates)
	return DetectResult{Conflicts: d.conflicts, Updates: d.updates}
}

func observer(g *Graph, self vclock.ID) vclock.VectorClock {
	seen := g.RootWeight().Seen.Copy()
	seen[self] = math.MaxInt64
	return seen
}

type detector struct {
	toRebase *Graph
	onto     *Graph
	// trSeen is what to-rebase has incorporated; ontoSeen likewise.
	trSeen   vclock.VectorClock
	ontoSeen vclock.VectorClock

	visited   map[NodeIndex]bool
	imported  map[ID]bool
	conflicts []Conflict
	updates   []Update
}

func (d *detector) visit(o, r NodeIndex) {
	if d.visited[o] {
		return
	}
	d.visited[o] = true

	ow := d.onto.mustWeight(o)
	rw := d.toRebase.mustWeight(r)
	if ow.MerkleTreeHash == rw.MerkleTreeHash {
		return
	}

	if ow.NodeHash() != rw.NodeHash() {
		if ow.Kind() == KindOrdering {
			d.compareOrdering(o, r)
		} else {
			d.compareContent(o, r)
		}
	}

	d.compareEdges(o, r)

	for _, e := range d.onto.Edges(o, Outgoing) {
		tw := d.onto.mustWeight(e.Target)
		if tr, ok := d.toRebase.FindEquivalentNode(tw.ID, tw.LineageID); ok {
			d.visit(e.Target, tr)
		}
	}
}

func (d *detector) compareContent(o, r NodeIndex) {
	ow := d.onto.mustWeight(o)
	rw := d.toRebase.mustWeight(r)

	switch ow.Write.Compare(rw.Write) {
	case vclock.After:
		d.updates = append(d.updates, Update{
			Kind:        UpdateReplaceNode,
			Destination: rw.Information(r),
			Weight:      ow.Clone(),
		})
	case vclock.Before:
	default:
		d.conflicts = append(d.conflicts, Conflict{
			Kind:         ConflictNodeContent,
			ToRebase:     rw.Information(r),
			Onto:         ow.Information(o),
			ToRebaseHash: rw.NodeHash(),
			OntoHash:     ow.NodeHash(),
			Message:      fmt.Sprintf("%s %s was changed on both sides", ow.Kind(), ow.ID),
		})
	}
}

// foldPrototypeConflicts drops content conflicts on prototypes and prototype
// arguments whose attribute value already has a content conflict: setting a
// value rewrites its prototype too, and the value is what a user resolves.
func foldPrototypeConflicts(g *Graph, conflicts []Conflict) []Conflict {
	valueConflicts := make(map[ID]bool)
	for _, c := range conflicts {
		if c.Kind == ConflictNodeContent && c.ToRebase.Kind == KindAttributeValue {
			valueConflicts[c.ToRebase.ID] = true
		}
	}
	if len(valueConflicts) == 0 {
		return conflicts
	}
	out := conflicts[:0]
	for _, c := range conflicts {
		if c.Kind == ConflictNodeContent {
			if av, ok := g.prototypeOwner(c.ToRebase.Index); ok && valueConflicts[av] {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// prototypeOwner returns the attribute value whose prototype is, or holds
// the argument at, idx.
func (g *Graph) prototypeOwner(idx NodeIndex) (ID, bool) {
	for range 2 {
		s, err := g.slot(idx)
		if err != nil {
			return ID{}, false
		}
		switch contentKind(s.weight) {
		case ContentAttributePrototype, ContentPrototypeArgument:
		default:
			return ID{}, false
		}
		next := NoIndex
		for _, ei := range s.incoming {
			e := g.edges[ei]
			switch e.weight.Kind {
			case EdgePrototype:
				return g.mustWeight(e.source).ID, true
			case EdgePrototypeArgument:
				next = e.source
			}
		}
		if next == NoIndex {
			return ID{}, false
		}
		idx = next
	}
	return ID{}, false
}

func (d *detector) compareOrdering(o, r NodeIndex) {
	ow := d.onto.mustWeight(o)
	rw := d.toRebase.mustWeight(r)
	op := d.onto.orderingPayload(o)
	rp := d.toRebase.orderingPayload(r)
	if op == nil || rp == nil {
		return
	}

	inOnto := make(map[ID]bool, len(op.Order))
	for _, id := range op.Order {
		inOnto[id] = true
	}
	common := make(map[ID]bool)
	for _, id := range rp.Order {
		if inOnto[id] {
			common[id] = true
		}
	}
	if sameOrder(relativeOrder(op.Order, common), relativeOrder(rp.Order, common)) {
		return
	}

	container, ok := d.toRebase.orderingOwner(r)
	if !ok {
		return
	}
	ontoContainer, ok := d.onto.orderingOwner(o)
	if !ok {
		return
	}
	ontoReordered := ow.Write.NewerThan(d.trSeen)
	trReordered := rw.Write.NewerThan(d.ontoSeen)
	switch {
	case ontoReordered && trReordered:
		d.conflicts = append(d.conflicts, Conflict{
			Kind:         ConflictChildOrder,
			ToRebase:     d.toRebase.mustWeight(container).Information(container),
			Onto:         d.onto.mustWeight(ontoContainer).Information(ontoContainer),
			ToRebaseHash: rw.NodeHash(),
			OntoHash:     ow.NodeHash(),
			Message:      fmt.Sprintf("children of %s were reordered on both sides", d.toRebase.mustWeight(container).ID),
		})
	case ontoReordered:
		d.updates = append(d.updates, Update{
			Kind:   UpdateReorderChildren,
			Source: d.toRebase.mustWeight(container).Information(container),
			Order:  append([]ID(nil), op.Order...),
			Weight: ow.Clone(),
		})
	}
}

// orderingOwner returns the container that owns the ordering node at idx.
func (g *Graph) orderingOwner(idx NodeIndex) (NodeIndex, bool) {
	for _, ei := range g.nodes[idx].incoming {
		if e := g.edges[ei]; e.weight.Kind == EdgeOrdering {
			return e.source, true
		}
	}
	return NoIndex, false
}

func (d *detector) compareEdges(o, r NodeIndex) {
	ow := d.onto.mustWeight(o)
	rw := d.toRebase.mustWeight(r)

	var ontoOnly []EdgeRef
	for _, e := range d.onto.Edges(o, Outgoing) {
		tw := d.onto.mustWeight(e.Target)
		if tr, ok := d.toRebase.FindEquivalentNode(tw.ID, tw.LineageID); ok {
			if _, ok := d.toRebase.FindEdge(r, tr, e.Weight.Kind, e.Weight.Key); ok {
				continue
			}
		}
		ontoOnly = append(ontoOnly, e)
	}

	var trOnly []EdgeRef
	trAdded := make(map[EdgeKind]bool)
	for _, e := range d.toRebase.Edges(r, Outgoing) {
		tw := d.toRebase.mustWeight(e.Target)
		if ot, ok := d.onto.FindEquivalentNode(tw.ID, tw.LineageID); ok {
			if _, ok := d.onto.FindEdge(o, ot, e.Weight.Kind, e.Weight.Key); ok {
				continue
			}
		}
		trOnly = append(trOnly, e)
		if !e.Weight.FirstSeen.ObservedBy(d.ontoSeen) {
			trAdded[e.Weight.Kind] = true
		}
	}

	for _, e := range trOnly {
		if !e.Weight.FirstSeen.ObservedBy(d.ontoSeen) {
			// Added by to-rebase; nothing to replay.
			continue
		}
		tw := d.toRebase.mustWeight(e.Target)
		if e.Weight.Kind.Containment() && d.toRebase.subtreeNewerThan(e.Target, d.ontoSeen) {
			container := rw.Information(r)
			d.conflicts = append(d.conflicts, Conflict{
				Kind:         ConflictRemoveModifiedItem,
				ToRebase:     tw.Information(e.Target),
				Container:    &container,
				EdgeKind:     e.Weight.Kind,
				ToRebaseHash: tw.MerkleTreeHash,
				Message:      fmt.Sprintf("%s %s was removed from %s but changed in the other change set", tw.Kind(), tw.ID, rw.ID),
			})
			continue
		}
		d.updates = append(d.updates, Update{
			Kind:        UpdateRemoveEdge,
			Source:      rw.Information(r),
			Destination: tw.Information(e.Target),
			EdgeWeight:  e.Weight.Clone(),
		})
	}

	ontoOnly = d.inOntoOrder(o, ontoOnly)
	exclusive := ow.Payload.ExclusiveOutgoingEdges()
	for _, e := range ontoOnly {
		tw := d.onto.mustWeight(e.Target)
		if e.Weight.FirstSeen.ObservedBy(d.trSeen) {
			if e.Weight.Kind.Containment() && d.onto.subtreeNewerThan(e.Target, d.trSeen) {
				container := ow.Information(o)
				d.conflicts = append(d.conflicts, Conflict{
					Kind:      ConflictModifyRemovedItem,
					Onto:      tw.Information(e.Target),
					Container: &container,
					EdgeKind:  e.Weight.Kind,
					OntoHash:  tw.MerkleTreeHash,
					Message:   fmt.Sprintf("%s %s was changed but removed from %s in the other change set", tw.Kind(), tw.ID, ow.ID),
				})
			}
			continue
		}

		if slices.Contains(exclusive, e.Weight.Kind) && trAdded[e.Weight.Kind] {
			d.conflicts = append(d.conflicts, Conflict{
				Kind:         ConflictExclusiveEdgeMismatch,
				ToRebase:     rw.Information(r),
				Onto:         ow.Information(o),
				EdgeKind:     e.Weight.Kind,
				ToRebaseHash: rw.MerkleTreeHash,
				OntoHash:     ow.MerkleTreeHash,
				Message:      fmt.Sprintf("%s of %s was set to different targets on both sides", e.Weight.Kind, ow.ID),
			})
			continue
		}

		if _, ok := d.toRebase.FindEquivalentNode(tw.ID, tw.LineageID); !ok && !d.imported[tw.ID] {
			d.imported[tw.ID] = true
			d.updates = append(d.updates, Update{
				Kind:   UpdateNewSubgraph,
				Source: tw.Information(e.Target),
			})
		}
		d.updates = append(d.updates, Update{
			Kind:        UpdateNewEdge,
			Source:      rw.Information(r),
			Destination: tw.Information(e.Target),
			EdgeWeight:  e.Weight.Clone(),
			Position:    d.position(o, e),
		})
	}
}

// inOntoOrder sorts ordered edges by their place in onto's ordering node so
// that each insert can be positioned after an already present sibling.
func (d *detector) inOntoOrder(o NodeIndex, edges []EdgeRef) []EdgeRef {
	ordIdx, ok := d.onto.OrderingNodeFor(o)
	if !ok {
		return edges
	}
	order := d.onto.orderingPayload(ordIdx)
	rank := func(e EdgeRef) int {
		if !e.Weight.Kind.Ordered() {
			return -1
		}
		return order.IndexOf(d.onto.mustWeight(e.Target).ID)
	}
	sort.SliceStable(edges, func(i, j int) bool { return rank(edges[i]) < rank(edges[j]) })
	return edges
}

// position finds the nearest preceding sibling in onto's order that will
// exist in to-rebase when the insert is replayed.
func (d *detector) position(o NodeIndex, e EdgeRef) *Position {
	if !e.Weight.Kind.Ordered() {
		return nil
	}
	ordIdx, ok := d.onto.OrderingNodeFor(o)
	if !ok {
		return nil
	}
	order := d.onto.orderingPayload(ordIdx).Order
	at := slices.Index(order, d.onto.mustWeight(e.Target).ID)
	for i := at - 1; i >= 0; i-- {
		if d.toRebase.HasNode(order[i]) || d.imported[order[i]] {
			after := order[i]
			return &Position{After: &after}
		}
	}
	return &Position{}
}

// subtreeNewerThan reports whether any node or edge in the containment
// subtree at idx carries a write the observer has not seen.
func (g *Graph) subtreeNewerThan(idx NodeIndex, seen vclock.VectorClock) bool {
	visited := map[NodeIndex]bool{idx: true}
	stack := []NodeIndex{idx}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if g.nodes[n].weight.Write.NewerThan(seen) {
			return true
		}
		for _, ei := range g.nodes[n].outgoing {
			e := g.edges[ei]
			if !e.weight.Kind.Containment() {
				continue
			}
			if e.weight.Write.NewerThan(seen) {
				return true
			}
			if !visited[e.target] {
				visited[e.target] = true
				stack = append(stack, e.target)
			}
		}
	}
	return false
}
