package graph

import (
	"fmt"

	"kaigraph/vclock"
)

// PerformUpdates replays updates produced by DetectConflictsAndUpdates onto
// g, in order, then records that g has incorporated everything onto had
// seen. On error g may be partially updated and must be discarded.
func (g *Graph) PerformUpdates(onto *Graph, updates []Update) error {
	for i, u := range updates {
		if err := g.performUpdate(onto, u); err != nil {
			return fmt.Errorf("update %d (%s): %w", i, u.Kind, err)
		}
	}
	g.MergeRootSeen(onto)
	g.Cleanup()
	return nil
}

func (g *Graph) performUpdate(onto *Graph, u Update) error {
	switch u.Kind {
	case UpdateNewSubgraph:
		idx, err := onto.NodeIndexByID(u.Source.ID)
		if err != nil {
			return err
		}
		_, err = g.ImportSubgraph(onto, idx)
		return err

	case UpdateNewEdge:
		src, dst, err := g.resolvePair(u)
		if err != nil {
			return err
		}
		if _, err := g.addEdge(src, u.EdgeWeight.Clone(), dst); err != nil {
			return err
		}
		if u.EdgeWeight.Kind.Ordered() {
			if ordIdx, ok := g.OrderingNodeFor(src); ok {
				g.insertOrdered(ordIdx, g.mustWeight(dst).ID, u.Position)
			}
		}
		return nil

	case UpdateRemoveEdge:
		src, dst, err := g.resolvePair(u)
		if err != nil {
			return err
		}
		ei, ok := g.FindEdge(src, dst, u.EdgeWeight.Kind, u.EdgeWeight.Key)
		if !ok {
			return nil
		}
		return g.removeEdgeIndex(ei)

	case UpdateReplaceNode:
		if u.Weight == nil {
			return fmt.Errorf("replace node %s: missing weight", u.Destination.ID)
		}
		old, ok := g.FindEquivalentNode(u.Destination.ID, u.Destination.LineageID)
		if !ok {
			return notFoundID(u.Destination.ID)
		}
		oldW := g.mustWeight(old)
		w := u.Weight.Clone()
		w.FirstSeen = earliest(oldW.FirstSeen, w.FirstSeen)
		w.Seen.Merge(oldW.Seen)
		_, err := g.ReplaceNode(w)
		return err

	case UpdateReorderChildren:
		container, ok := g.FindEquivalentNode(u.Source.ID, u.Source.LineageID)
		if !ok {
			return notFoundID(u.Source.ID)
		}
		ordIdx, ok := g.OrderingNodeFor(container)
		if !ok {
			return fmt.Errorf("reorder %s: %w", u.Source.ID, ErrNoOrdering)
		}
		p := g.orderingPayload(ordIdx)
		p.Order = mergeOrder(p.Order, u.Order)
		if u.Weight != nil {
			g.mustWeight(ordIdx).Write.Merge(u.Weight.Write)
		}
		g.rehash(ordIdx)
		return nil

	default:
		return fmt.Errorf("unknown update kind %q", u.Kind)
	}
}

func (g *Graph) resolvePair(u Update) (NodeIndex, NodeIndex, error) {
	src, ok := g.FindEquivalentNode(u.Source.ID, u.Source.LineageID)
	if !ok {
		return NoIndex, NoIndex, notFoundID(u.Source.ID)
	}
	dst, ok := g.FindEquivalentNode(u.Destination.ID, u.Destination.LineageID)
	if !ok {
		return NoIndex, NoIndex, notFoundID(u.Destination.ID)
	}
	return src, dst, nil
}

// earliest keeps the smaller stamp per entry.
func earliest(a, b vclock.VectorClock) vclock.VectorClock {
	out := a.Copy()
	for id, t := range b {
		if cur, ok := out[id]; !ok || t < cur {
			out[id] = t
		}
	}
	return out
}
