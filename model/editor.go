package model

import (
	"context"
	"fmt"
	"sort"

	"kaigraph/cas"
	"kaigraph/graph"
	"kaigraph/vclock"
)

// Editor mutates a graph on behalf of one change set. It is meant to be used
// inside snapshot.WorkspaceSnapshot.Mutate.
type Editor struct {
	cas CAS
	vc  vclock.ID
	g   *graph.Graph
}

// NewEditor returns an editor writing to g as vc.
func NewEditor(c CAS, vc vclock.ID, g *graph.Graph) *Editor {
	return &Editor{cas: c, vc: vc, g: g}
}

func (e *Editor) addContent(ctx context.Context, kind graph.ContentKind, v any) (*graph.NodeWeight, error) {
	h, err := putJSON(ctx, e.cas, v)
	if err != nil {
		return nil, err
	}
	return graph.NewNodeWeight(e.vc, graph.ContentPayload{ContentKind: kind, Hash: h}), nil
}

func (e *Editor) attach(parent graph.NodeIndex, kind graph.EdgeKind, key string, child graph.NodeIndex) error {
	_, err := e.g.AddEdge(parent, graph.NewKeyedEdgeWeight(e.vc, kind, key), child)
	return err
}

// CreateFunc adds a func under the Func category.
func (e *Editor) CreateFunc(ctx context.Context, f Func) (graph.ID, error) {
	cat, err := e.g.Category(graph.CategoryFunc)
	if err != nil {
		return graph.ID{}, err
	}
	w, err := e.addContent(ctx, graph.ContentFunc, f)
	if err != nil {
		return graph.ID{}, err
	}
	if err := e.attach(cat, graph.EdgeUse, "", e.g.AddNode(w)); err != nil {
		return graph.ID{}, fmt.Errorf("creating func %s: %w", f.Name, err)
	}
	return w.ID, nil
}

// CreateProp adds a prop under the Schema category.
func (e *Editor) CreateProp(ctx context.Context, p Prop) (graph.ID, error) {
	cat, err := e.g.Category(graph.CategorySchema)
	if err != nil {
		return graph.ID{}, err
	}
	w, err := e.addContent(ctx, graph.ContentProp, p)
	if err != nil {
		return graph.ID{}, err
	}
	if err := e.attach(cat, graph.EdgeUse, "", e.g.AddNode(w)); err != nil {
		return graph.ID{}, fmt.Errorf("creating prop %s: %w", p.Name, err)
	}
	return w.ID, nil
}

// CreateComponent adds an ordered component under the Component category.
func (e *Editor) CreateComponent(ctx context.Context, name string) (graph.ID, error) {
	cat, err := e.g.Category(graph.CategoryComponent)
	if err != nil {
		return graph.ID{}, err
	}
	w, err := e.addContent(ctx, graph.ContentComponent, Component{Name: name})
	if err != nil {
		return graph.ID{}, err
	}
	idx, err := e.g.AddOrderedNode(e.vc, w)
	if err != nil {
		return graph.ID{}, err
	}
	if err := e.attach(cat, graph.EdgeUse, "", idx); err != nil {
		return graph.ID{}, fmt.Errorf("creating component %s: %w", name, err)
	}
	return w.ID, nil
}

// RemoveComponent detaches a component from its category. Its subtree is
// dropped when the snapshot is next written.
func (e *Editor) RemoveComponent(id graph.ID) error {
	cat, err := e.g.Category(graph.CategoryComponent)
	if err != nil {
		return err
	}
	idx, err := e.g.NodeIndexByID(id)
	if err != nil {
		return err
	}
	return e.g.RemoveEdge(cat, idx, graph.EdgeUse, "")
}

// AddAttribute creates an unset attribute value for prop under component at
// key.
func (e *Editor) AddAttribute(ctx context.Context, component, prop graph.ID, key string) (graph.ID, error) {
	cidx, err := e.g.NodeIndexByID(component)
	if err != nil {
		return graph.ID{}, err
	}
	pidx, err := e.g.NodeIndexByID(prop)
	if err != nil {
		return graph.ID{}, err
	}
	for _, edge := range e.g.EdgesOfKind(cidx, graph.Outgoing, graph.EdgeContain) {
		if edge.Weight.Key == key {
			return graph.ID{}, fmt.Errorf("%s: %w", key, ErrDuplicateKey)
		}
	}

	w := graph.NewNodeWeight(e.vc, &graph.AttributeValuePayload{})
	idx := e.g.AddNode(w)
	if err := e.attach(cidx, graph.EdgeContain, key, idx); err != nil {
		return graph.ID{}, err
	}
	if err := e.attach(idx, graph.EdgeProp, "", pidx); err != nil {
		return graph.ID{}, err
	}
	if err := e.setPrototype(ctx, idx, Prototype{Func: FuncUnset}, nil); err != nil {
		return graph.ID{}, err
	}
	return w.ID, nil
}

// SetValue stores a static value on an attribute value and queues its
// dependents for recomputation.
func (e *Editor) SetValue(ctx context.Context, av graph.ID, value any) error {
	idx, err := e.valueIndex(av)
	if err != nil {
		return err
	}
	h, err := putJSON(ctx, e.cas, value)
	if err != nil {
		return err
	}
	if err := e.setPrototype(ctx, idx, Prototype{Func: FuncSet, Value: &h}, nil); err != nil {
		return err
	}
	if err := e.g.UpdateContent(e.vc, av, h); err != nil {
		return err
	}
	return e.EnqueueDependentValueRoot(av, true)
}

// Unset clears an attribute value and queues its dependents.
func (e *Editor) Unset(ctx context.Context, av graph.ID) error {
	idx, err := e.valueIndex(av)
	if err != nil {
		return err
	}
	if err := e.setPrototype(ctx, idx, Prototype{Func: FuncUnset}, nil); err != nil {
		return err
	}
	if err := e.g.UpdateContent(e.vc, av, cas.ContentHash{}); err != nil {
		return err
	}
	return e.EnqueueDependentValueRoot(av, true)
}

// Connect makes target a copy of source through si:identity and queues
// target for computation.
func (e *Editor) Connect(ctx context.Context, target, source graph.ID) error {
	tidx, err := e.valueIndex(target)
	if err != nil {
		return err
	}
	sidx, err := e.valueIndex(source)
	if err != nil {
		return err
	}
	if target == source || dependsOn(e.g, source, target) {
		return fmt.Errorf("%s -> %s: %w", source, target, ErrDependencyCycle)
	}
	if err := e.setPrototype(ctx, tidx, Prototype{Func: FuncIdentity}, map[string]graph.NodeIndex{"identity": sidx}); err != nil {
		return err
	}
	return e.EnqueueDependentValueRoot(target, false)
}

// SetComputed records a value produced by a function without touching the
// prototype.
func (e *Editor) SetComputed(av graph.ID, value *cas.ContentHash) error {
	if _, err := e.valueIndex(av); err != nil {
		return err
	}
	var h cas.ContentHash
	if value != nil {
		h = *value
	}
	return e.g.UpdateContent(e.vc, av, h)
}

func (e *Editor) valueIndex(id graph.ID) (graph.NodeIndex, error) {
	idx, err := e.g.NodeIndexByID(id)
	if err != nil {
		return graph.NoIndex, err
	}
	if w, _ := e.g.NodeWeight(idx); w.Kind() != graph.KindAttributeValue {
		return graph.NoIndex, &graph.KindMismatchError{ID: id, Want: graph.KindAttributeValue, Got: w.Kind()}
	}
	return idx, nil
}

// setPrototype points av at a prototype with the given func and arguments,
// reusing the existing prototype node so that its identity is stable.
func (e *Editor) setPrototype(ctx context.Context, av graph.NodeIndex, p Prototype, args map[string]graph.NodeIndex) error {
	h, err := putJSON(ctx, e.cas, p)
	if err != nil {
		return err
	}

	var proto graph.NodeIndex = graph.NoIndex
	if existing := e.g.OutgoingTargets(av, graph.EdgePrototype); len(existing) > 0 {
		proto = existing[0]
		w, _ := e.g.NodeWeight(proto)
		if err := e.g.UpdateContent(e.vc, w.ID, h); err != nil {
			return err
		}
		for _, edge := range e.g.EdgesOfKind(proto, graph.Outgoing, graph.EdgePrototypeArgument) {
			arg, err := e.g.NodeWeight(edge.Target)
			if err != nil {
				return err
			}
			if err := e.g.RemoveNodeByID(arg.ID); err != nil {
				return err
			}
		}
	} else {
		proto = e.g.AddNode(graph.NewNodeWeight(e.vc, graph.ContentPayload{ContentKind: graph.ContentAttributePrototype, Hash: h}))
		if err := e.attach(av, graph.EdgePrototype, "", proto); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := e.addContent(ctx, graph.ContentPrototypeArgument, Argument{Name: name})
		if err != nil {
			return err
		}
		arg := e.g.AddNode(w)
		if err := e.attach(proto, graph.EdgePrototypeArgument, name, arg); err != nil {
			return err
		}
		if err := e.attach(arg, graph.EdgePrototypeArgumentValue, "", args[name]); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueDependentValueRoot queues valueID for the next dependent values
// update. A finished root means the value itself is current and only its
// dependents need work. Roots already covered by a queued root are skipped.
func (e *Editor) EnqueueDependentValueRoot(valueID graph.ID, finished bool) error {
	for _, existing := range e.g.DependentValueRoots() {
		if existing.ValueID == valueID && (!existing.Finished || finished) {
			return nil
		}
	}
	cat, err := e.g.Category(graph.CategoryDependentValueRoot)
	if err != nil {
		return err
	}
	idx := e.g.AddNode(graph.NewNodeWeight(e.vc, graph.DependentValueRootPayload{ValueID: valueID, Finished: finished}))
	return e.attach(cat, graph.EdgeUse, "", idx)
}

// TakeDependentValueRoots removes every queued root from the graph and
// returns them.
func (e *Editor) TakeDependentValueRoots() ([]graph.DependentValueRootPayload, error) {
	cat, err := e.g.Category(graph.CategoryDependentValueRoot)
	if err != nil {
		return nil, err
	}
	var out []graph.DependentValueRootPayload
	for _, idx := range e.g.OutgoingTargets(cat, graph.EdgeUse) {
		w, err := e.g.NodeWeight(idx)
		if err != nil {
			return nil, err
		}
		p, ok := w.Payload.(graph.DependentValueRootPayload)
		if !ok {
			continue
		}
		out = append(out, p)
		if err := e.g.RemoveNodeByID(w.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}
