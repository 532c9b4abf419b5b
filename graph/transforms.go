package graph

// TransformContext is handed to a payload's CorrectTransforms hook.
type TransformContext struct {
	ToRebase *Graph
	Onto     *Graph
	// Node is the node whose hook is running.
	Node ID
}

// correctTransforms gives every node referenced by updates a chance to
// rewrite the list. Hooks run once per distinct node in ID order so the
// result does not depend on map iteration.
func correctTransforms(toRebase, onto *Graph, updates []Update) []Update {
	seen := make(map[ID]bool)
	var ids []ID
	for _, u := range updates {
		for _, id := range u.Nodes() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sortIDs(ids)

	for _, id := range ids {
		w, err := onto.NodeWeightByID(id)
		if err != nil {
			if w, err = toRebase.NodeWeightByID(id); err != nil {
				continue
			}
		}
		updates = w.Payload.CorrectTransforms(TransformContext{ToRebase: toRebase, Onto: onto, Node: id}, updates)
	}
	return updates
}

// pruneDetachedSubtree drops edge removals inside the subtree of tc.Node when
// the updates already detach tc.Node from every containment parent: removing
// the container takes its children with it at cleanup.
func pruneDetachedSubtree(tc TransformContext, updates []Update) []Update {
	idx, ok := tc.ToRebase.byID[tc.Node]
	if !ok {
		return updates
	}

	removed := make(map[EdgeIndex]bool)
	for _, u := range updates {
		switch u.Kind {
		case UpdateRemoveEdge:
			if u.Destination.ID != tc.Node || !u.EdgeWeight.Kind.Containment() {
				continue
			}
			src, ok := tc.ToRebase.byID[u.Source.ID]
			if !ok {
				continue
			}
			if ei, ok := tc.ToRebase.FindEdge(src, idx, u.EdgeWeight.Kind, u.EdgeWeight.Key); ok {
				removed[ei] = true
			}
		case UpdateNewEdge:
			if u.Destination.ID == tc.Node && u.EdgeWeight.Kind.Containment() {
				return updates
			}
		}
	}
	if len(removed) == 0 {
		return updates
	}
	for _, ei := range tc.ToRebase.nodes[idx].incoming {
		if tc.ToRebase.edges[ei].weight.Kind.Containment() && !removed[ei] {
			return updates
		}
	}

	subtree := make(map[ID]bool)
	stack := []NodeIndex{idx}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		id := tc.ToRebase.mustWeight(n).ID
		if subtree[id] {
			continue
		}
		subtree[id] = true
		for _, ei := range tc.ToRebase.nodes[n].outgoing {
			if e := tc.ToRebase.edges[ei]; e.weight.Kind.Containment() {
				stack = append(stack, e.target)
			}
		}
	}

	out := updates[:0:0]
	for _, u := range updates {
		if u.Kind == UpdateRemoveEdge && subtree[u.Source.ID] {
			continue
		}
		out = append(out, u)
	}
	return out
}

// dedupeDependentValueRoots drops a dependent value root arriving from onto
// when to-rebase already queues the same value with equal or stronger
// intent: an unfinished root covers everything, a finished root covers
// another finished root.
func dedupeDependentValueRoots(tc TransformContext, p DependentValueRootPayload, updates []Update) []Update {
	if tc.ToRebase.HasNode(tc.Node) {
		return updates
	}
	covered := false
	for _, existing := range tc.ToRebase.DependentValueRoots() {
		if existing.ValueID == p.ValueID && (!existing.Finished || p.Finished) {
			covered = true
			break
		}
	}
	if !covered {
		return updates
	}

	out := updates[:0:0]
	for _, u := range updates {
		switch {
		case u.Kind == UpdateNewSubgraph && u.Source.ID == tc.Node:
		case u.Kind == UpdateNewEdge && u.Destination.ID == tc.Node:
		default:
			out = append(out, u)
		}
	}
	return out
}

// DependentValueRoots returns the payloads of the queued dependent value
// roots.
func (g *Graph) DependentValueRoots() []DependentValueRootPayload {
	cat, err := g.Category(CategoryDependentValueRoot)
	if err != nil {
		return nil
	}
	var out []DependentValueRootPayload
	for _, t := range g.OutgoingTargets(cat, EdgeUse) {
		if p, ok := g.mustWeight(t).Payload.(DependentValueRootPayload); ok {
			out = append(out, p)
		}
	}
	return out
}
