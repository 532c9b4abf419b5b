package graph

import (
	"fmt"

	"kaigraph/cas"
)

// ConflictKind classifies why an unambiguous replay was impossible.
type ConflictKind string

const (
	// ConflictNodeContent: both sides changed the same node's content.
	ConflictNodeContent ConflictKind = "NODE_CONTENT"
	// ConflictModifyRemovedItem: onto changed something to-rebase removed.
	ConflictModifyRemovedItem ConflictKind = "MODIFY_REMOVED_ITEM"
	// ConflictRemoveModifiedItem: onto removed something to-rebase changed.
	ConflictRemoveModifiedItem ConflictKind = "REMOVE_MODIFIED_ITEM"
	// ConflictChildOrder: both sides reordered the same container.
	ConflictChildOrder ConflictKind = "CHILD_ORDER"
	// ConflictExclusiveEdgeMismatch: both sides set a single-valued edge to
	// different targets.
	ConflictExclusiveEdgeMismatch ConflictKind = "EXCLUSIVE_EDGE_MISMATCH"
)

// Conflict describes concurrent divergent edits to one entity, with what each
// side holds so a caller can render both. For removal conflicts only the side
// that still has the item is set, and Container names the node whose edge
// was removed.
type Conflict struct {
	Kind     ConflictKind    `json:"kind"`
	ToRebase NodeInformation `json:"to_rebase"`
	Onto     NodeInformation `json:"onto"`
	// Container is set for edge-level conflicts: the node whose outgoing
	// edge was removed on one side.
	Container    *NodeInformation `json:"container,omitempty"`
	EdgeKind     EdgeKind         `json:"edge_kind,omitempty"`
	ToRebaseHash cas.ContentHash  `json:"to_rebase_hash"`
	OntoHash     cas.ContentHash  `json:"onto_hash"`
	Message      string           `json:"message"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s: %s", c.Kind, c.Message)
}

// NodeID returns the ID of the entity the conflict is about.
func (c Conflict) NodeID() ID {
	if c.Onto.ID != (ID{}) {
		return c.Onto.ID
	}
	return c.ToRebase.ID
}
