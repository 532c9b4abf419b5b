package graph

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"kaigraph/cas"
)

// Action is how a node differs between two graphs.
type Action string

const (
	ActionAdded    Action = "added"
	ActionModified Action = "modified"
	ActionRemoved  Action = "removed"
)

// Change is one user-visible difference between two graphs.
type Change struct {
	ID          ID               `json:"id"`
	Kind        NodeKind         `json:"kind"`
	ContentKind ContentKind      `json:"content_kind,omitempty"`
	Action      Action           `json:"action"`
	Path        string           `json:"path"`
	Before      *cas.ContentHash `json:"before,omitempty"`
	After       *cas.ContentHash `json:"after,omitempty"`
}

// DetectChanges reports content and attribute value nodes that were added,
// modified or removed going from base to updated. Structural bookkeeping
// (root, categories, ordering nodes, dependent value roots, prototypes) is
// not reported.
// Results are sorted by node ID, removals last.
func DetectChanges(base, updated *Graph) []Change {
	changes := []Change{}
	baseReach := base.Reachable()
	updReach := updated.Reachable()

	for _, idx := range updated.NodeIndices() {
		if !updReach[idx] {
			continue
		}
		w := updated.mustWeight(idx)
		if !reportable(w) {
			continue
		}
		bidx, ok := base.FindEquivalentNode(w.ID, w.LineageID)
		if !ok || !baseReach[bidx] {
			changes = append(changes, Change{
				ID:          w.ID,
				Kind:        w.Kind(),
				ContentKind: contentKind(w),
				Action:      ActionAdded,
				Path:        updated.Path(idx),
				After:       valueHash(w),
			})
			continue
		}
		bw := base.mustWeight(bidx)
		if bw.NodeHash() != w.NodeHash() {
			changes = append(changes, Change{
				ID:          w.ID,
				Kind:        w.Kind(),
				ContentKind: contentKind(w),
				Action:      ActionModified,
				Path:        updated.Path(idx),
				Before:      valueHash(bw),
				After:       valueHash(w),
			})
		}
	}

	for _, idx := range base.NodeIndices() {
		if !baseReach[idx] {
			continue
		}
		w := base.mustWeight(idx)
		if !reportable(w) {
			continue
		}
		if uidx, ok := updated.FindEquivalentNode(w.ID, w.LineageID); ok && updReach[uidx] {
			continue
		}
		changes = append(changes, Change{
			ID:          w.ID,
			Kind:        w.Kind(),
			ContentKind: contentKind(w),
			Action:      ActionRemoved,
			Path:        base.Path(idx),
			Before:      valueHash(w),
		})
	}
	return changes
}

// FilterChanges keeps changes whose path matches any of the doublestar
// patterns. With no patterns every change is kept.
func FilterChanges(changes []Change, patterns ...string) ([]Change, error) {
	if len(patterns) == 0 {
		return changes, nil
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, doublestar.ErrBadPattern
		}
	}
	var out []Change
	for _, c := range changes {
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, strings.TrimPrefix(c.Path, "/")); ok {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

// Path renders the keys of the containment edges leading to idx, up to and
// including the nearest component, as a slash separated path such as
// "/<component id>/root/domain/name".
func (g *Graph) Path(idx NodeIndex) string {
	var segs []string
	seen := map[NodeIndex]bool{}
	n := idx
	for !seen[n] {
		seen[n] = true
		w := g.mustWeight(n)
		if p, ok := w.Payload.(ContentPayload); ok && p.ContentKind == ContentComponent {
			segs = append(segs, w.ID.String())
			break
		}
		parent, key, ok := g.containmentParent(n)
		if !ok {
			break
		}
		if key != "" {
			segs = append(segs, key)
		}
		n = parent
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return "/" + strings.Join(segs, "/")
}

func (g *Graph) containmentParent(idx NodeIndex) (NodeIndex, string, bool) {
	for _, e := range g.Edges(idx, Incoming) {
		if e.Weight.Kind.Containment() {
			return e.Source, e.Weight.Key, true
		}
	}
	return NoIndex, "", false
}

// reportable excludes structural nodes and the prototype machinery behind
// attribute values, whose effect shows up as a value change.
func reportable(w *NodeWeight) bool {
	switch w.Kind() {
	case KindAttributeValue:
		return true
	case KindContent:
		switch contentKind(w) {
		case ContentAttributePrototype, ContentPrototypeArgument:
			return false
		}
		return true
	default:
		return false
	}
}

func contentKind(w *NodeWeight) ContentKind {
	if p, ok := w.Payload.(ContentPayload); ok {
		return p.ContentKind
	}
	return ""
}

func valueHash(w *NodeWeight) *cas.ContentHash {
	switch p := w.Payload.(type) {
	case ContentPayload:
		h := p.Hash
		return &h
	case *AttributeValuePayload:
		if p.Value == nil {
			return nil
		}
		h := *p.Value
		return &h
	}
	return nil
}
