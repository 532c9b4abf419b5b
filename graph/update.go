package graph

import (
	"fmt"
)

// NodeInformation identifies a node in updates and conflicts. Index is only
// valid in the graph the information was taken from; replay resolves nodes
// by ID and lineage instead.
type NodeInformation struct {
	Index     NodeIndex `json:"index"`
	ID        ID        `json:"id"`
	LineageID ID        `json:"lineage_id"`
	Kind      NodeKind  `json:"kind"`
}

func (n NodeInformation) String() string {
	return fmt.Sprintf("%s %s", n.Kind, n.ID)
}

// UpdateKind names a structural delta to replay onto a graph.
type UpdateKind string

const (
	// UpdateNewSubgraph copies a subgraph from onto whose root has no
	// equivalent in to-rebase.
	UpdateNewSubgraph UpdateKind = "new_subgraph"
	// UpdateNewEdge adds an edge between two nodes that exist after the
	// preceding updates.
	UpdateNewEdge UpdateKind = "new_edge"
	// UpdateRemoveEdge removes an edge from to-rebase.
	UpdateRemoveEdge UpdateKind = "remove_edge"
	// UpdateReplaceNode installs onto's revision of a node.
	UpdateReplaceNode UpdateKind = "replace_node"
	// UpdateReorderChildren applies onto's child order to a container.
	UpdateReorderChildren UpdateKind = "reorder_children"
)

// Update is one step of a rebase. Which fields are set depends on Kind:
//
//	NewSubgraph      Source (node in onto)
//	NewEdge          Source, Destination, EdgeWeight, Position for ordered sources
//	RemoveEdge       Source, Destination, EdgeWeight (kind and key)
//	ReplaceNode      Destination, Weight
//	ReorderChildren  Source (container), Order
type Update struct {
	Kind        UpdateKind      `json:"kind"`
	Source      NodeInformation `json:"source"`
	Destination NodeInformation `json:"destination"`
	EdgeWeight  EdgeWeight      `json:"edge_weight"`
	Position    *Position       `json:"position,omitempty"`
	Order       []ID            `json:"order,omitempty"`
	Weight      *NodeWeight     `json:"weight,omitempty"`
}

// Nodes returns the node IDs an update touches.
func (u Update) Nodes() []ID {
	switch u.Kind {
	case UpdateNewSubgraph, UpdateReorderChildren:
		return []ID{u.Source.ID}
	case UpdateReplaceNode:
		return []ID{u.Destination.ID}
	default:
		return []ID{u.Source.ID, u.Destination.ID}
	}
}

func (u Update) String() string {
	switch u.Kind {
	case UpdateNewEdge, UpdateRemoveEdge:
		return fmt.Sprintf("%s %s -%s(%s)-> %s", u.Kind, u.Source, u.EdgeWeight.Kind, u.EdgeWeight.Key, u.Destination)
	case UpdateReplaceNode:
		return fmt.Sprintf("%s %s", u.Kind, u.Destination)
	default:
		return fmt.Sprintf("%s %s", u.Kind, u.Source)
	}
}
