package graph

import (
	"fmt"
	"sort"

	"kaigraph/cas"
	"kaigraph/vclock"
)

type nodeSlot struct {
	weight   *NodeWeight
	outgoing []EdgeIndex
	incoming []EdgeIndex
}

type edgeSlot struct {
	source NodeIndex
	target NodeIndex
	weight EdgeWeight
}

// Graph is one revision of the workspace entity graph. Nodes and edges live
// in dense slices addressed by index, with lookup maps from ID and lineage ID
// to the most recent index. Removed slots are left empty so that other
// indices stay valid; Serialize compacts them away.
//
// A Graph is not safe for concurrent mutation; snapshot.WorkspaceSnapshot
// guards it.
type Graph struct {
	nodes     []*nodeSlot
	edges     []*edgeSlot
	byID      map[ID]NodeIndex
	byLineage map[ID]NodeIndex
	root      NodeIndex
}

func newEmpty() *Graph {
	return &Graph{
		byID:      make(map[ID]NodeIndex),
		byLineage: make(map[ID]NodeIndex),
		root:      NoIndex,
	}
}

// New creates a graph containing only a root node written by vcid.
func New(vcid vclock.ID) *Graph {
	g := newEmpty()
	g.root = g.AddNode(NewNodeWeight(vcid, RootPayload{}))
	return g
}

// Clone returns a deep copy that shares nothing with g. Indices are
// preserved.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		nodes:     make([]*nodeSlot, len(g.nodes)),
		edges:     make([]*edgeSlot, len(g.edges)),
		byID:      make(map[ID]NodeIndex, len(g.byID)),
		byLineage: make(map[ID]NodeIndex, len(g.byLineage)),
		root:      g.root,
	}
	for i, n := range g.nodes {
		if n == nil {
			continue
		}
		c.nodes[i] = &nodeSlot{
			weight:   n.weight.Clone(),
			outgoing: append([]EdgeIndex(nil), n.outgoing...),
			incoming: append([]EdgeIndex(nil), n.incoming...),
		}
	}
	for i, e := range g.edges {
		if e == nil {
			continue
		}
		c.edges[i] = &edgeSlot{source: e.source, target: e.target, weight: e.weight.Clone()}
	}
	for k, v := range g.byID {
		c.byID[k] = v
	}
	for k, v := range g.byLineage {
		c.byLineage[k] = v
	}
	return c
}

// Root returns the index of the root node.
func (g *Graph) Root() NodeIndex {
	return g.root
}

// RootWeight returns the root node's weight.
func (g *Graph) RootWeight() *NodeWeight {
	return g.nodes[g.root].weight
}

// RootMerkleHash returns the merkle hash of the whole graph.
func (g *Graph) RootMerkleHash() cas.ContentHash {
	return g.RootWeight().MerkleTreeHash
}

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int {
	n := 0
	for _, s := range g.nodes {
		if s != nil {
			n++
		}
	}
	return n
}

// EdgeCount returns the number of live edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, e := range g.edges {
		if e != nil {
			n++
		}
	}
	return n
}

// AddNode inserts a node and returns its index. If a node with the same ID
// already exists, lookups by ID and lineage resolve to the new index from now
// on; use ReplaceReferences on the old index to move its edges across.
func (g *Graph) AddNode(w *NodeWeight) NodeIndex {
	idx := NodeIndex(len(g.nodes))
	g.nodes = append(g.nodes, &nodeSlot{weight: w})
	g.byID[w.ID] = idx
	g.byLineage[w.LineageID] = idx
	g.rehash(idx)
	return idx
}

func (g *Graph) slot(idx NodeIndex) (*nodeSlot, error) {
	if idx < 0 || int(idx) >= len(g.nodes) || g.nodes[idx] == nil {
		return nil, notFoundIndex(idx)
	}
	return g.nodes[idx], nil
}

// NodeWeight returns the weight at idx.
func (g *Graph) NodeWeight(idx NodeIndex) (*NodeWeight, error) {
	s, err := g.slot(idx)
	if err != nil {
		return nil, err
	}
	return s.weight, nil
}

func (g *Graph) mustWeight(idx NodeIndex) *NodeWeight {
	return g.nodes[idx].weight
}

// NodeIndexByID returns the current index of the node with the given ID.
func (g *Graph) NodeIndexByID(id ID) (NodeIndex, error) {
	idx, ok := g.byID[id]
	if !ok {
		return NoIndex, notFoundID(id)
	}
	return idx, nil
}

// NodeWeightByID returns the weight of the node with the given ID.
func (g *Graph) NodeWeightByID(id ID) (*NodeWeight, error) {
	idx, err := g.NodeIndexByID(id)
	if err != nil {
		return nil, err
	}
	return g.NodeWeight(idx)
}

// HasNode reports whether a node with the given ID exists.
func (g *Graph) HasNode(id ID) bool {
	_, ok := g.byID[id]
	return ok
}

// FindEquivalentNode locates the node in this graph that represents the same
// logical entity as a node from another copy of the graph: by lineage first,
// then by ID.
func (g *Graph) FindEquivalentNode(id, lineageID ID) (NodeIndex, bool) {
	if idx, ok := g.byLineage[lineageID]; ok {
		return idx, true
	}
	if idx, ok := g.byID[id]; ok {
		return idx, true
	}
	return NoIndex, false
}

// RemoveNode deletes a node that has no remaining edges.
func (g *Graph) RemoveNode(idx NodeIndex) error {
	s, err := g.slot(idx)
	if err != nil {
		return err
	}
	if len(s.outgoing) > 0 || len(s.incoming) > 0 {
		return fmt.Errorf("removing node %s: %w", s.weight.ID, ErrNodeHasEdges)
	}
	if g.byID[s.weight.ID] == idx {
		delete(g.byID, s.weight.ID)
	}
	if g.byLineage[s.weight.LineageID] == idx {
		delete(g.byLineage, s.weight.LineageID)
	}
	g.nodes[idx] = nil
	return nil
}

// RemoveAllEdges detaches every edge touching idx.
func (g *Graph) RemoveAllEdges(idx NodeIndex) error {
	s, err := g.slot(idx)
	if err != nil {
		return err
	}
	for _, ei := range append([]EdgeIndex(nil), s.incoming...) {
		if err := g.removeEdgeIndex(ei); err != nil {
			return err
		}
	}
	for _, ei := range append([]EdgeIndex(nil), s.outgoing...) {
		if err := g.removeEdgeIndex(ei); err != nil {
			return err
		}
	}
	return nil
}

// RemoveNodeByID detaches and deletes the node with the given ID.
func (g *Graph) RemoveNodeByID(id ID) error {
	idx, err := g.NodeIndexByID(id)
	if err != nil {
		return err
	}
	if err := g.RemoveAllEdges(idx); err != nil {
		return err
	}
	return g.RemoveNode(idx)
}

// AddEdge inserts a typed edge. Adding an edge that already exists (same
// source, target, kind and key) merges the write stamps and returns the
// existing index. When the edge kind is ordered and the source owns an
// ordering node, the target is appended to the order.
func (g *Graph) AddEdge(source NodeIndex, weight EdgeWeight, target NodeIndex) (EdgeIndex, error) {
	ei, err := g.addEdge(source, weight, target)
	if err != nil {
		return ei, err
	}
	if weight.Kind.Ordered() {
		if ordIdx, ok := g.OrderingNodeFor(source); ok {
			g.insertOrdered(ordIdx, g.mustWeight(target).ID, nil)
		}
	}
	return ei, nil
}

func (g *Graph) addEdge(source NodeIndex, weight EdgeWeight, target NodeIndex) (EdgeIndex, error) {
	src, err := g.slot(source)
	if err != nil {
		return -1, err
	}
	if _, err := g.slot(target); err != nil {
		return -1, err
	}

	if ei, ok := g.FindEdge(source, target, weight.Kind, weight.Key); ok {
		g.edges[ei].weight.Write.Merge(weight.Write)
		g.edges[ei].weight.FirstSeen.Merge(weight.FirstSeen)
		return ei, nil
	}

	if weight.Kind.Containment() && (source == target || g.reaches(target, source)) {
		return -1, fmt.Errorf("adding %s edge from %s: %w", weight.Kind, src.weight.ID, ErrContainmentCycle)
	}
	if weight.FirstSeen == nil {
		weight.FirstSeen = vclock.New()
	}
	if weight.Write == nil {
		weight.Write = vclock.New()
	}

	ei := EdgeIndex(len(g.edges))
	g.edges = append(g.edges, &edgeSlot{source: source, target: target, weight: weight})
	src.outgoing = append(src.outgoing, ei)
	g.nodes[target].incoming = append(g.nodes[target].incoming, ei)
	g.rehash(source)
	return ei, nil
}

// reaches reports whether to is reachable from from via containment edges.
func (g *Graph) reaches(from, to NodeIndex) bool {
	seen := map[NodeIndex]bool{from: true}
	stack := []NodeIndex{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		for _, ei := range g.nodes[n].outgoing {
			e := g.edges[ei]
			if e.weight.Kind.Containment() && !seen[e.target] {
				seen[e.target] = true
				stack = append(stack, e.target)
			}
		}
	}
	return false
}

// FindEdge returns the edge matching source, target, kind and key.
func (g *Graph) FindEdge(source, target NodeIndex, kind EdgeKind, key string) (EdgeIndex, bool) {
	s, err := g.slot(source)
	if err != nil {
		return -1, false
	}
	for _, ei := range s.outgoing {
		e := g.edges[ei]
		if e.target == target && e.weight.Kind == kind && e.weight.Key == key {
			return ei, true
		}
	}
	return -1, false
}

// RemoveEdge deletes the edge matching source, target, kind and key. If the
// source owns an ordering node the target is removed from the order.
func (g *Graph) RemoveEdge(source, target NodeIndex, kind EdgeKind, key string) error {
	ei, ok := g.FindEdge(source, target, kind, key)
	if !ok {
		var srcID, dstID ID
		if w, err := g.NodeWeight(source); err == nil {
			srcID = w.ID
		}
		if w, err := g.NodeWeight(target); err == nil {
			dstID = w.ID
		}
		return &EdgeNotFoundError{Source: srcID, Target: dstID, Kind: kind, Key: key}
	}
	return g.removeEdgeIndex(ei)
}

func (g *Graph) removeEdgeIndex(ei EdgeIndex) error {
	e := g.edges[ei]
	if e == nil {
		return fmt.Errorf("edge index %d: %w", ei, ErrEdgeNotFound)
	}
	src := g.nodes[e.source]
	src.outgoing = removeEdgeIdx(src.outgoing, ei)
	dst := g.nodes[e.target]
	dst.incoming = removeEdgeIdx(dst.incoming, ei)
	g.edges[ei] = nil

	if e.weight.Kind.Ordered() {
		if ordIdx, ok := g.OrderingNodeFor(e.source); ok {
			g.removeOrdered(ordIdx, dst.weight.ID)
		}
	}
	g.rehash(e.source)
	return nil
}

func removeEdgeIdx(list []EdgeIndex, ei EdgeIndex) []EdgeIndex {
	out := list[:0]
	for _, x := range list {
		if x != ei {
			out = append(out, x)
		}
	}
	return out
}

// Edges returns the edges touching idx in the given direction, sorted by
// kind, key and the other endpoint's ID.
func (g *Graph) Edges(idx NodeIndex, dir Direction) []EdgeRef {
	s, err := g.slot(idx)
	if err != nil {
		return nil
	}
	list := s.outgoing
	if dir == Incoming {
		list = s.incoming
	}
	refs := make([]EdgeRef, 0, len(list))
	for _, ei := range list {
		e := g.edges[ei]
		refs = append(refs, EdgeRef{Index: ei, Source: e.source, Target: e.target, Weight: e.weight})
	}
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Weight.Kind != b.Weight.Kind {
			return a.Weight.Kind < b.Weight.Kind
		}
		if a.Weight.Key != b.Weight.Key {
			return a.Weight.Key < b.Weight.Key
		}
		ao, bo := a.Target, b.Target
		if dir == Incoming {
			ao, bo = a.Source, b.Source
		}
		return lessID(g.mustWeight(ao).ID, g.mustWeight(bo).ID)
	})
	return refs
}

// EdgesOfKind filters Edges by kind.
func (g *Graph) EdgesOfKind(idx NodeIndex, dir Direction, kind EdgeKind) []EdgeRef {
	var out []EdgeRef
	for _, e := range g.Edges(idx, dir) {
		if e.Weight.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// OutgoingTargets returns the targets of outgoing edges of the given kind.
func (g *Graph) OutgoingTargets(idx NodeIndex, kind EdgeKind) []NodeIndex {
	var out []NodeIndex
	for _, e := range g.EdgesOfKind(idx, Outgoing, kind) {
		out = append(out, e.Target)
	}
	return out
}

// IncomingSources returns the sources of incoming edges of the given kind.
func (g *Graph) IncomingSources(idx NodeIndex, kind EdgeKind) []NodeIndex {
	var out []NodeIndex
	for _, e := range g.EdgesOfKind(idx, Incoming, kind) {
		out = append(out, e.Source)
	}
	return out
}

// UpdateContent points a Content node at new CAS content, or sets an
// AttributeValue node's value (the zero hash unsets it). Edges are
// untouched; merkle hashes are recomputed up the ancestor chain.
func (g *Graph) UpdateContent(vcid vclock.ID, id ID, hash cas.ContentHash) error {
	idx, err := g.NodeIndexByID(id)
	if err != nil {
		return err
	}
	w := g.mustWeight(idx)
	switch p := w.Payload.(type) {
	case ContentPayload:
		p.Hash = hash
		w.Payload = p
	case *AttributeValuePayload:
		if hash.IsZero() {
			p.Value = nil
		} else {
			h := hash
			p.Value = &h
		}
	default:
		return &KindMismatchError{ID: id, Want: KindContent, Got: w.Kind()}
	}
	w.Write.Inc(vcid)
	g.rehash(idx)
	return nil
}

// ReplacePayload swaps the payload of a node in place, keeping its kind.
func (g *Graph) ReplacePayload(vcid vclock.ID, idx NodeIndex, payload Payload) error {
	w, err := g.NodeWeight(idx)
	if err != nil {
		return err
	}
	if w.Kind() != payload.Kind() {
		return &KindMismatchError{ID: w.ID, Want: w.Kind(), Got: payload.Kind()}
	}
	w.Payload = payload
	w.Write.Inc(vcid)
	g.rehash(idx)
	return nil
}

// NodeIndices returns the live node indices sorted by node ID.
func (g *Graph) NodeIndices() []NodeIndex {
	out := make([]NodeIndex, 0, len(g.nodes))
	for i, s := range g.nodes {
		if s != nil {
			out = append(out, NodeIndex(i))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := g.mustWeight(out[i]), g.mustWeight(out[j])
		if a.ID != b.ID {
			return lessID(a.ID, b.ID)
		}
		return out[i] < out[j]
	})
	return out
}

// Reachable returns the set of node indices reachable from root along any
// edge.
func (g *Graph) Reachable() map[NodeIndex]bool {
	seen := map[NodeIndex]bool{g.root: true}
	stack := []NodeIndex{g.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, ei := range g.nodes[n].outgoing {
			t := g.edges[ei].target
			if !seen[t] {
				seen[t] = true
				stack = append(stack, t)
			}
		}
	}
	return seen
}

// Category returns the index of the category node of the given kind.
func (g *Graph) Category(kind CategoryKind) (NodeIndex, error) {
	for _, t := range g.OutgoingTargets(g.root, EdgeUse) {
		if p, ok := g.mustWeight(t).Payload.(CategoryPayload); ok && p.Category == kind {
			return t, nil
		}
	}
	return NoIndex, fmt.Errorf("category %s: %w", kind, ErrNodeNotFound)
}
