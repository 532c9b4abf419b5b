package graph

import (
	"encoding/json"
	"fmt"

	"kaigraph/cas"
	"kaigraph/vclock"
)

// Payload is the kind-specific part of a node. The set of payload types is
// closed: RootPayload, CategoryPayload, OrderingPayload, ContentPayload,
// AttributeValuePayload and DependentValueRootPayload.
type Payload interface {
	// Kind returns the node kind this payload belongs to.
	Kind() NodeKind
	// NodeHash hashes the payload alone, without edges or clocks.
	NodeHash() cas.ContentHash
	// ExclusiveOutgoingEdges lists edge kinds of which a node may have at
	// most one outgoing edge.
	ExclusiveOutgoingEdges() []EdgeKind
	// CorrectTransforms may prune or rewrite the updates proposed for a
	// rebase once the full update list is known.
	CorrectTransforms(tc TransformContext, updates []Update) []Update

	clone() Payload
}

// NodeWeight is the identity, causality stamps and payload of a node.
type NodeWeight struct {
	ID             ID
	LineageID      ID
	MerkleTreeHash cas.ContentHash
	FirstSeen      vclock.VectorClock
	Seen           vclock.VectorClock
	Write          vclock.VectorClock
	Payload        Payload
}

// NewNodeWeight creates a weight for a brand new logical entity written by
// the given change set clock.
func NewNodeWeight(vcid vclock.ID, payload Payload) *NodeWeight {
	id := NewID()
	w := &NodeWeight{
		ID:        id,
		LineageID: id,
		FirstSeen: vclock.New(),
		Seen:      vclock.New(),
		Write:     vclock.New(),
		Payload:   payload,
	}
	t := w.Write.Inc(vcid)
	w.FirstSeen.Set(vcid, t)
	w.Seen.Set(vcid, t)
	return w
}

// Kind returns the payload's node kind.
func (w *NodeWeight) Kind() NodeKind {
	return w.Payload.Kind()
}

// NodeHash returns the hash of the payload.
func (w *NodeWeight) NodeHash() cas.ContentHash {
	return w.Payload.NodeHash()
}

// Clone returns a deep copy of the weight.
func (w *NodeWeight) Clone() *NodeWeight {
	return &NodeWeight{
		ID:             w.ID,
		LineageID:      w.LineageID,
		MerkleTreeHash: w.MerkleTreeHash,
		FirstSeen:      w.FirstSeen.Copy(),
		Seen:           w.Seen.Copy(),
		Write:          w.Write.Copy(),
		Payload:        w.Payload.clone(),
	}
}

// Information returns the descriptor used in updates and conflicts.
func (w *NodeWeight) Information(idx NodeIndex) NodeInformation {
	return NodeInformation{Index: idx, ID: w.ID, LineageID: w.LineageID, Kind: w.Kind()}
}

// RootPayload marks the single root of the graph.
type RootPayload struct{}

func (RootPayload) Kind() NodeKind { return KindRoot }

func (RootPayload) NodeHash() cas.ContentHash { return cas.Hash([]byte(KindRoot)) }

func (RootPayload) ExclusiveOutgoingEdges() []EdgeKind { return nil }

func (RootPayload) CorrectTransforms(_ TransformContext, updates []Update) []Update { return updates }

func (p RootPayload) clone() Payload { return p }

// CategoryPayload is a grouping root for one kind of entity.
type CategoryPayload struct {
	Category CategoryKind `json:"category"`
}

func (CategoryPayload) Kind() NodeKind { return KindCategory }

func (p CategoryPayload) NodeHash() cas.ContentHash {
	h := cas.NewHasher()
	h.WriteString(string(KindCategory))
	h.WriteString(string(p.Category))
	return h.Sum()
}

func (CategoryPayload) ExclusiveOutgoingEdges() []EdgeKind { return nil }

func (CategoryPayload) CorrectTransforms(_ TransformContext, updates []Update) []Update {
	return updates
}

func (p CategoryPayload) clone() Payload { return p }

// OrderingPayload holds the explicit child order of the container that owns
// it.
type OrderingPayload struct {
	Order []ID `json:"order"`
}

func (*OrderingPayload) Kind() NodeKind { return KindOrdering }

func (p *OrderingPayload) NodeHash() cas.ContentHash {
	h := cas.NewHasher()
	h.WriteString(string(KindOrdering))
	for _, id := range p.Order {
		h.Write(id[:])
	}
	return h.Sum()
}

func (*OrderingPayload) ExclusiveOutgoingEdges() []EdgeKind { return nil }

func (*OrderingPayload) CorrectTransforms(_ TransformContext, updates []Update) []Update {
	return updates
}

func (p *OrderingPayload) clone() Payload {
	return &OrderingPayload{Order: append([]ID(nil), p.Order...)}
}

// IndexOf returns the position of id in the order, or -1.
func (p *OrderingPayload) IndexOf(id ID) int {
	for i, o := range p.Order {
		if o == id {
			return i
		}
	}
	return -1
}

// ContentPayload points at a domain payload stored in the CAS.
type ContentPayload struct {
	ContentKind ContentKind     `json:"content_kind"`
	Hash        cas.ContentHash `json:"hash"`
}

func (ContentPayload) Kind() NodeKind { return KindContent }

func (p ContentPayload) NodeHash() cas.ContentHash {
	h := cas.NewHasher()
	h.WriteString(string(KindContent))
	h.WriteString(string(p.ContentKind))
	h.WriteHash(p.Hash)
	return h.Sum()
}

func (ContentPayload) ExclusiveOutgoingEdges() []EdgeKind { return nil }

func (p ContentPayload) CorrectTransforms(tc TransformContext, updates []Update) []Update {
	if p.ContentKind == ContentComponent {
		return pruneDetachedSubtree(tc, updates)
	}
	return updates
}

func (p ContentPayload) clone() Payload { return p }

// AttributeValuePayload is a (possibly unset) attribute value.
type AttributeValuePayload struct {
	Value *cas.ContentHash `json:"value,omitempty"`
}

func (*AttributeValuePayload) Kind() NodeKind { return KindAttributeValue }

func (p *AttributeValuePayload) NodeHash() cas.ContentHash {
	h := cas.NewHasher()
	h.WriteString(string(KindAttributeValue))
	if p.Value == nil {
		h.WriteString("unset")
	} else {
		h.WriteHash(*p.Value)
	}
	return h.Sum()
}

func (*AttributeValuePayload) ExclusiveOutgoingEdges() []EdgeKind {
	return []EdgeKind{EdgePrototype, EdgeProp}
}

func (*AttributeValuePayload) CorrectTransforms(tc TransformContext, updates []Update) []Update {
	return pruneDetachedSubtree(tc, updates)
}

func (p *AttributeValuePayload) clone() Payload {
	if p.Value == nil {
		return &AttributeValuePayload{}
	}
	v := *p.Value
	return &AttributeValuePayload{Value: &v}
}

// DependentValueRootPayload queues an attribute value whose dependents must
// be recomputed. Finished roots were already executed; only their dependents
// are pending.
type DependentValueRootPayload struct {
	ValueID  ID   `json:"value_id"`
	Finished bool `json:"finished"`
}

func (DependentValueRootPayload) Kind() NodeKind { return KindDependentValueRoot }

func (p DependentValueRootPayload) NodeHash() cas.ContentHash {
	h := cas.NewHasher()
	h.WriteString(string(KindDependentValueRoot))
	h.Write(p.ValueID[:])
	if p.Finished {
		h.WriteString("finished")
	}
	return h.Sum()
}

func (DependentValueRootPayload) ExclusiveOutgoingEdges() []EdgeKind { return nil }

func (p DependentValueRootPayload) CorrectTransforms(tc TransformContext, updates []Update) []Update {
	return dedupeDependentValueRoots(tc, p, updates)
}

func (p DependentValueRootPayload) clone() Payload { return p }

type nodeWeightJSON struct {
	ID             ID                 `json:"id"`
	LineageID      ID                 `json:"lineage_id"`
	Kind           NodeKind           `json:"kind"`
	MerkleTreeHash cas.ContentHash    `json:"merkle_tree_hash"`
	FirstSeen      vclock.VectorClock `json:"first_seen"`
	Seen           vclock.VectorClock `json:"seen"`
	Write          vclock.VectorClock `json:"write"`
	Payload        json.RawMessage    `json:"payload"`
}

// MarshalJSON encodes the weight with its payload tagged by kind.
func (w *NodeWeight) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(w.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", w.Kind(), err)
	}
	return json.Marshal(nodeWeightJSON{
		ID:             w.ID,
		LineageID:      w.LineageID,
		Kind:           w.Kind(),
		MerkleTreeHash: w.MerkleTreeHash,
		FirstSeen:      w.FirstSeen,
		Seen:           w.Seen,
		Write:          w.Write,
		Payload:        payload,
	})
}

// UnmarshalJSON decodes a weight produced by MarshalJSON.
func (w *NodeWeight) UnmarshalJSON(data []byte) error {
	var raw nodeWeightJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var payload Payload
	switch raw.Kind {
	case KindRoot:
		payload = RootPayload{}
	case KindCategory:
		var p CategoryPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return err
		}
		payload = p
	case KindOrdering:
		p := &OrderingPayload{}
		if err := json.Unmarshal(raw.Payload, p); err != nil {
			return err
		}
		payload = p
	case KindContent:
		var p ContentPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return err
		}
		payload = p
	case KindAttributeValue:
		p := &AttributeValuePayload{}
		if err := json.Unmarshal(raw.Payload, p); err != nil {
			return err
		}
		payload = p
	case KindDependentValueRoot:
		var p DependentValueRootPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return err
		}
		payload = p
	default:
		return fmt.Errorf("%w: unknown node kind %q", ErrInvalidGraph, raw.Kind)
	}

	*w = NodeWeight{
		ID:             raw.ID,
		LineageID:      raw.LineageID,
		MerkleTreeHash: raw.MerkleTreeHash,
		FirstSeen:      nonNil(raw.FirstSeen),
		Seen:           nonNil(raw.Seen),
		Write:          nonNil(raw.Write),
		Payload:        payload,
	}
	return nil
}

func nonNil(vc vclock.VectorClock) vclock.VectorClock {
	if vc == nil {
		return vclock.New()
	}
	return vc
}
