package graph

import (
	"errors"
	"fmt"
)

var (
	ErrNodeNotFound     = errors.New("node not found")
	ErrEdgeNotFound     = errors.New("edge not found")
	ErrKindMismatch     = errors.New("unexpected node kind")
	ErrNodeHasEdges     = errors.New("node still has edges")
	ErrContainmentCycle = errors.New("edge would create a containment cycle")
	ErrNoOrdering       = errors.New("node has no ordering node")
	ErrInvalidGraph     = errors.New("invalid serialized graph")
)

// NodeNotFoundError reports a missing node by ID or index.
type NodeNotFoundError struct {
	ID    ID
	Index NodeIndex
}

func (e *NodeNotFoundError) Error() string {
	if e.Index != NoIndex {
		return fmt.Sprintf("node not found at index %d", e.Index)
	}
	return fmt.Sprintf("node not found: %s", e.ID)
}

func (e *NodeNotFoundError) Unwrap() error { return ErrNodeNotFound }

// EdgeNotFoundError reports a missing edge between two nodes.
type EdgeNotFoundError struct {
	Source ID
	Target ID
	Kind   EdgeKind
	Key    string
}

func (e *EdgeNotFoundError) Error() string {
	return fmt.Sprintf("edge %s(%s) not found from %s to %s", e.Kind, e.Key, e.Source, e.Target)
}

func (e *EdgeNotFoundError) Unwrap() error { return ErrEdgeNotFound }

// KindMismatchError reports a node whose payload is not the expected kind.
type KindMismatchError struct {
	ID   ID
	Want NodeKind
	Got  NodeKind
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("node %s: expected %s, got %s", e.ID, e.Want, e.Got)
}

func (e *KindMismatchError) Unwrap() error { return ErrKindMismatch }

func notFoundID(id ID) error {
	return &NodeNotFoundError{ID: id, Index: NoIndex}
}

func notFoundIndex(idx NodeIndex) error {
	return &NodeNotFoundError{Index: idx}
}
