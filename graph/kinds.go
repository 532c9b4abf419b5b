// Package graph implements the workspace snapshot graph: a versioned,
// content-addressed directed graph of typed nodes and edges, together with
// the conflict detection and update replay used to rebase one change set's
// graph onto another.
package graph

// NodeKind represents the type of a node.
type NodeKind string

const (
	KindRoot               NodeKind = "Root"
	KindCategory           NodeKind = "Category"
	KindOrdering           NodeKind = "Ordering"
	KindContent            NodeKind = "Content"
	KindAttributeValue     NodeKind = "AttributeValue"
	KindDependentValueRoot NodeKind = "DependentValueRoot"
)

// CategoryKind names the grouping roots that hang off the graph root.
type CategoryKind string

const (
	CategoryComponent          CategoryKind = "Component"
	CategoryFunc               CategoryKind = "Func"
	CategorySchema             CategoryKind = "Schema"
	CategorySecret             CategoryKind = "Secret"
	CategoryDependentValueRoot CategoryKind = "DependentValueRoot"
)

// ContentKind is the domain type of a Content node's payload.
type ContentKind string

const (
	ContentComponent          ContentKind = "Component"
	ContentProp               ContentKind = "Prop"
	ContentAttributePrototype ContentKind = "AttributePrototype"
	ContentPrototypeArgument  ContentKind = "AttributePrototypeArgument"
	ContentFunc               ContentKind = "Func"
	ContentSchema             ContentKind = "Schema"
	ContentSecret             ContentKind = "Secret"
)

// EdgeKind represents the type of relationship between nodes.
type EdgeKind string

const (
	EdgeUse                    EdgeKind = "USE"                      // containment
	EdgeContain                EdgeKind = "CONTAIN"                  // keyed containment
	EdgeOrdering               EdgeKind = "ORDERING"                 // container -> its ordering node
	EdgePrototype              EdgeKind = "PROTOTYPE"                // value -> prototype
	EdgePrototypeArgument      EdgeKind = "PROTOTYPE_ARGUMENT"       // prototype -> argument
	EdgePrototypeArgumentValue EdgeKind = "PROTOTYPE_ARGUMENT_VALUE" // argument -> source value
	EdgeProp                   EdgeKind = "PROP"                     // value -> prop
	EdgeRepresents             EdgeKind = "REPRESENTS"
)

// Containment reports whether edges of this kind own their target. Only
// containment edges feed child merkle hashes and they must never form a
// cycle.
func (k EdgeKind) Containment() bool {
	switch k {
	case EdgeUse, EdgeContain, EdgeOrdering, EdgePrototype, EdgePrototypeArgument:
		return true
	default:
		return false
	}
}

// Ordered reports whether targets of this edge kind are tracked by the
// source's ordering node, when it has one.
func (k EdgeKind) Ordered() bool {
	return k == EdgeUse || k == EdgeContain
}
