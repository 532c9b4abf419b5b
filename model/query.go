package model

import (
	"context"
	"fmt"
	"sort"

	"kaigraph/cas"
	"kaigraph/graph"
)

func valueWeight(g *graph.Graph, id graph.ID) (graph.NodeIndex, *graph.AttributeValuePayload, error) {
	idx, err := g.NodeIndexByID(id)
	if err != nil {
		return graph.NoIndex, nil, err
	}
	w, err := g.NodeWeight(idx)
	if err != nil {
		return graph.NoIndex, nil, err
	}
	p, ok := w.Payload.(*graph.AttributeValuePayload)
	if !ok {
		return graph.NoIndex, nil, &graph.KindMismatchError{ID: id, Want: graph.KindAttributeValue, Got: w.Kind()}
	}
	return idx, p, nil
}

// Value returns the content hash of an attribute value, nil when unset.
func Value(g *graph.Graph, av graph.ID) (*cas.ContentHash, error) {
	_, p, err := valueWeight(g, av)
	if err != nil {
		return nil, err
	}
	if p.Value == nil {
		return nil, nil
	}
	h := *p.Value
	return &h, nil
}

// ValueJSON returns the JSON stored for an attribute value, nil when unset.
func ValueJSON(ctx context.Context, c CAS, g *graph.Graph, av graph.ID) ([]byte, error) {
	h, err := Value(g, av)
	if err != nil || h == nil {
		return nil, err
	}
	data, err := c.Read(ctx, *h)
	if err != nil {
		return nil, fmt.Errorf("reading value %s: %w", av, err)
	}
	return data, nil
}

// Attribute returns the attribute value stored under key on a component.
func Attribute(g *graph.Graph, component graph.ID, key string) (graph.ID, error) {
	cidx, err := g.NodeIndexByID(component)
	if err != nil {
		return graph.ID{}, err
	}
	for _, e := range g.EdgesOfKind(cidx, graph.Outgoing, graph.EdgeContain) {
		if e.Weight.Key == key {
			w, err := g.NodeWeight(e.Target)
			if err != nil {
				return graph.ID{}, err
			}
			return w.ID, nil
		}
	}
	return graph.ID{}, &graph.EdgeNotFoundError{Source: component, Kind: graph.EdgeContain, Key: key}
}

// Attributes returns a component's attribute values by key.
func Attributes(g *graph.Graph, component graph.ID) (map[string]graph.ID, error) {
	cidx, err := g.NodeIndexByID(component)
	if err != nil {
		return nil, err
	}
	out := make(map[string]graph.ID)
	for _, e := range g.EdgesOfKind(cidx, graph.Outgoing, graph.EdgeContain) {
		w, err := g.NodeWeight(e.Target)
		if err != nil {
			return nil, err
		}
		out[e.Weight.Key] = w.ID
	}
	return out, nil
}

// ComponentInfo names a component.
type ComponentInfo struct {
	ID   graph.ID
	Name string
}

// Components lists components in their category order.
func Components(ctx context.Context, c CAS, g *graph.Graph) ([]ComponentInfo, error) {
	cat, err := g.Category(graph.CategoryComponent)
	if err != nil {
		return nil, err
	}
	children, err := g.OrderedChildren(cat)
	if err != nil {
		return nil, err
	}
	out := make([]ComponentInfo, 0, len(children))
	for _, idx := range children {
		w, err := g.NodeWeight(idx)
		if err != nil {
			return nil, err
		}
		p, ok := w.Payload.(graph.ContentPayload)
		if !ok || p.ContentKind != graph.ContentComponent {
			continue
		}
		var comp Component
		if err := getJSON(ctx, c, p.Hash, &comp); err != nil {
			return nil, err
		}
		out = append(out, ComponentInfo{ID: w.ID, Name: comp.Name})
	}
	return out, nil
}

// FindComponent returns the first component with the given name.
func FindComponent(ctx context.Context, c CAS, g *graph.Graph, name string) (graph.ID, bool, error) {
	comps, err := Components(ctx, c, g)
	if err != nil {
		return graph.ID{}, false, err
	}
	for _, comp := range comps {
		if comp.Name == name {
			return comp.ID, true, nil
		}
	}
	return graph.ID{}, false, nil
}

// Owner returns the component that contains av, if any.
func Owner(g *graph.Graph, av graph.ID) (graph.ID, bool) {
	idx, err := g.NodeIndexByID(av)
	if err != nil {
		return graph.ID{}, false
	}
	seen := map[graph.NodeIndex]bool{}
	for !seen[idx] {
		seen[idx] = true
		var parent graph.NodeIndex = graph.NoIndex
		for _, e := range g.Edges(idx, graph.Incoming) {
			if e.Weight.Kind == graph.EdgeContain || e.Weight.Kind == graph.EdgeUse {
				parent = e.Source
				break
			}
		}
		if parent == graph.NoIndex {
			return graph.ID{}, false
		}
		w, err := g.NodeWeight(parent)
		if err != nil {
			return graph.ID{}, false
		}
		if p, ok := w.Payload.(graph.ContentPayload); ok && p.ContentKind == graph.ContentComponent {
			return w.ID, true
		}
		idx = parent
	}
	return graph.ID{}, false
}

// Inputs returns the values av's prototype reads, sorted by ID.
func Inputs(g *graph.Graph, av graph.ID) []graph.ID {
	idx, err := g.NodeIndexByID(av)
	if err != nil {
		return nil
	}
	var out []graph.ID
	for _, proto := range g.OutgoingTargets(idx, graph.EdgePrototype) {
		for _, arg := range g.OutgoingTargets(proto, graph.EdgePrototypeArgument) {
			for _, src := range g.OutgoingTargets(arg, graph.EdgePrototypeArgumentValue) {
				if w, err := g.NodeWeight(src); err == nil {
					out = append(out, w.ID)
				}
			}
		}
	}
	return sortedUnique(out)
}

// Dependents returns the values whose prototypes read av, sorted by ID.
func Dependents(g *graph.Graph, av graph.ID) []graph.ID {
	idx, err := g.NodeIndexByID(av)
	if err != nil {
		return nil
	}
	var out []graph.ID
	for _, arg := range g.IncomingSources(idx, graph.EdgePrototypeArgumentValue) {
		for _, proto := range g.IncomingSources(arg, graph.EdgePrototypeArgument) {
			for _, dep := range g.IncomingSources(proto, graph.EdgePrototype) {
				if w, err := g.NodeWeight(dep); err == nil {
					out = append(out, w.ID)
				}
			}
		}
	}
	return sortedUnique(out)
}

// dependsOn reports whether value a transitively reads value b.
func dependsOn(g *graph.Graph, a, b graph.ID) bool {
	seen := map[graph.ID]bool{a: true}
	stack := []graph.ID{a}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, in := range Inputs(g, n) {
			if in == b {
				return true
			}
			if !seen[in] {
				seen[in] = true
				stack = append(stack, in)
			}
		}
	}
	return false
}

// PrototypeOf returns the prototype payload and the argument sources of av.
func PrototypeOf(ctx context.Context, c CAS, g *graph.Graph, av graph.ID) (Prototype, map[string]graph.ID, error) {
	idx, _, err := valueWeight(g, av)
	if err != nil {
		return Prototype{}, nil, err
	}
	protos := g.OutgoingTargets(idx, graph.EdgePrototype)
	if len(protos) == 0 {
		return Prototype{}, nil, &graph.EdgeNotFoundError{Source: av, Kind: graph.EdgePrototype}
	}
	w, err := g.NodeWeight(protos[0])
	if err != nil {
		return Prototype{}, nil, err
	}
	cp, ok := w.Payload.(graph.ContentPayload)
	if !ok {
		return Prototype{}, nil, &graph.KindMismatchError{ID: w.ID, Want: graph.KindContent, Got: w.Kind()}
	}
	var p Prototype
	if err := getJSON(ctx, c, cp.Hash, &p); err != nil {
		return Prototype{}, nil, err
	}

	args := make(map[string]graph.ID)
	for _, e := range g.EdgesOfKind(protos[0], graph.Outgoing, graph.EdgePrototypeArgument) {
		for _, src := range g.OutgoingTargets(e.Target, graph.EdgePrototypeArgumentValue) {
			sw, err := g.NodeWeight(src)
			if err != nil {
				return Prototype{}, nil, err
			}
			args[e.Weight.Key] = sw.ID
		}
	}
	return p, args, nil
}

func sortedUnique(ids []graph.ID) []graph.ID {
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
