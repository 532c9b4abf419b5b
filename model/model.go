// Package model provides typed helpers over the snapshot graph for the
// entities the core needs: categories, components, props, attribute values,
// prototypes and their arguments, and the dependent value root queue.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"kaigraph/cas"
	"kaigraph/graph"
	"kaigraph/layerdb"
	"kaigraph/vclock"
)

var (
	ErrDuplicateKey    = errors.New("attribute key already exists")
	ErrDependencyCycle = errors.New("connection would create a dependency cycle")
	ErrNotAValue       = errors.New("node is not an attribute value")
)

// Intrinsic function names.
const (
	FuncIdentity = "si:identity"
	FuncSet      = "si:set"
	FuncUnset    = "si:unset"
)

// CAS is the content store that entity payloads live in. *layerdb.Table
// implements it.
type CAS interface {
	Write(ctx context.Context, value []byte) (cas.ContentHash, *layerdb.PersistStatus, error)
	Read(ctx context.Context, key cas.ContentHash) ([]byte, error)
}

// Component is the CAS payload of a component node.
type Component struct {
	Name string `json:"name"`
}

// Prop is the CAS payload of a prop node.
type Prop struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Prototype is the CAS payload of an attribute prototype node. Value is the
// static value for si:set.
type Prototype struct {
	Func  string           `json:"func"`
	Value *cas.ContentHash `json:"value,omitempty"`
}

// Argument is the CAS payload of a prototype argument node.
type Argument struct {
	Name string `json:"name"`
}

// Func is the CAS payload of a func node.
type Func struct {
	Name      string `json:"name"`
	Intrinsic bool   `json:"intrinsic"`
}

var categories = []graph.CategoryKind{
	graph.CategoryComponent,
	graph.CategoryFunc,
	graph.CategorySchema,
	graph.CategorySecret,
	graph.CategoryDependentValueRoot,
}

// InitialGraph builds the graph of a new workspace: the root, one node per
// category and the intrinsic funcs.
func InitialGraph(ctx context.Context, c CAS, vc vclock.ID) (*graph.Graph, error) {
	g := graph.New(vc)
	for _, kind := range categories {
		w := graph.NewNodeWeight(vc, graph.CategoryPayload{Category: kind})
		var idx graph.NodeIndex
		if kind == graph.CategoryComponent {
			var err error
			if idx, err = g.AddOrderedNode(vc, w); err != nil {
				return nil, err
			}
		} else {
			idx = g.AddNode(w)
		}
		if _, err := g.AddEdge(g.Root(), graph.NewEdgeWeight(vc, graph.EdgeUse), idx); err != nil {
			return nil, fmt.Errorf("attaching %s category: %w", kind, err)
		}
	}

	e := NewEditor(c, vc, g)
	for _, name := range []string{FuncIdentity, FuncSet, FuncUnset} {
		if _, err := e.CreateFunc(ctx, Func{Name: name, Intrinsic: true}); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func putJSON(ctx context.Context, c CAS, v any) (cas.ContentHash, error) {
	data, err := cas.CanonicalJSON(v)
	if err != nil {
		return cas.ContentHash{}, fmt.Errorf("encoding content: %w", err)
	}
	h, status, err := c.Write(ctx, data)
	if err != nil {
		return cas.ContentHash{}, fmt.Errorf("writing content: %w", err)
	}
	if err := status.Wait(ctx); err != nil {
		return cas.ContentHash{}, err
	}
	return h, nil
}

func getJSON(ctx context.Context, c CAS, h cas.ContentHash, out any) error {
	data, err := c.Read(ctx, h)
	if err != nil {
		return fmt.Errorf("reading content %s: %w", h.Short(), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding content %s: %w", h.Short(), err)
	}
	return nil
}
