// Package snapshot wraps one graph revision with copy-on-write access and
// persists revisions by content address.
package snapshot

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kaigraph/cas"
	"kaigraph/graph"
	"kaigraph/vclock"
)

var tracer = otel.Tracer("kaigraph.snapshot")

// WorkspaceSnapshot is the handle to one graph revision. Readers share the
// read-only graph until the first mutation, which clones it into a working
// copy owned by this snapshot for the rest of its life. The read-only graph
// is never mutated.
type WorkspaceSnapshot struct {
	store *Store

	mu       sync.RWMutex
	address  cas.ContentHash
	readOnly *graph.Graph
	working  *graph.Graph
}

// New wraps an in-memory graph that has not been persisted yet. The snapshot
// takes ownership of g.
func New(store *Store, g *graph.Graph) *WorkspaceSnapshot {
	return &WorkspaceSnapshot{store: store, readOnly: g}
}

// Load reads the snapshot stored at addr.
func Load(ctx context.Context, store *Store, addr cas.ContentHash) (*WorkspaceSnapshot, error) {
	g, err := store.Read(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &WorkspaceSnapshot{store: store, address: addr, readOnly: g}, nil
}

// Address returns the content address of the last persisted revision, or
// the zero hash if the snapshot was never written.
func (s *WorkspaceSnapshot) Address() cas.ContentHash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// Dirty reports whether a working copy has been materialized.
func (s *WorkspaceSnapshot) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.working != nil
}

func (s *WorkspaceSnapshot) current() *graph.Graph {
	if s.working != nil {
		return s.working
	}
	return s.readOnly
}

// materialize must be called with the write lock held.
func (s *WorkspaceSnapshot) materialize() *graph.Graph {
	if s.working == nil {
		s.working = s.readOnly.Clone()
	}
	return s.working
}

// View runs fn against the current graph under the read lock. fn must not
// mutate the graph or retain it.
func (s *WorkspaceSnapshot) View(fn func(g *graph.Graph) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.current())
}

// Mutate runs fn against the working copy under the write lock, cloning the
// read-only graph first if this is the first mutation.
func (s *WorkspaceSnapshot) Mutate(fn func(g *graph.Graph) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.materialize())
}

// Write marks a copy of the current graph as seen by vcid, drops unreachable
// nodes, persists it and returns the new address. Once persisted the copy
// becomes the working copy. On a persistence failure the address and the
// working copy are left unchanged and the write may be retried.
func (s *WorkspaceSnapshot) Write(ctx context.Context, vcid vclock.ID) (cas.ContentHash, error) {
	ctx, span := tracer.Start(ctx, "snapshot.Write",
		trace.WithAttributes(attribute.String("vclock.id", string(vcid))),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stamp a copy so that a failed persist leaves the working copy as it was.
	g := s.current().Clone()
	removed := g.Cleanup()
	g.MarkGraphSeen(vcid)

	addr, status, err := s.store.Write(ctx, g)
	if err == nil {
		err = status.Wait(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return cas.ContentHash{}, fmt.Errorf("writing snapshot: %w", err)
	}

	s.address = addr
	s.working = g
	span.SetAttributes(
		attribute.String("snapshot.address", addr.String()),
		attribute.Int("snapshot.nodes", g.NodeCount()),
		attribute.Int("snapshot.cleaned", removed),
	)
	return addr, nil
}

// Clone returns an independent snapshot with its own copy of the current
// graph and the same address.
func (s *WorkspaceSnapshot) Clone() *WorkspaceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &WorkspaceSnapshot{store: s.store, address: s.address, readOnly: s.current().Clone()}
}

// RemoveNodeByID detaches every edge touching the node and then removes it.
func (s *WorkspaceSnapshot) RemoveNodeByID(id graph.ID) error {
	return s.Mutate(func(g *graph.Graph) error {
		idx, err := g.NodeIndexByID(id)
		if err != nil {
			return err
		}
		if err := g.RemoveAllEdges(idx); err != nil {
			return err
		}
		return g.RemoveNodeByID(id)
	})
}

// DetectConflictsAndUpdates diffs onto against this snapshot.
func (s *WorkspaceSnapshot) DetectConflictsAndUpdates(ctx context.Context, vcid vclock.ID, onto *WorkspaceSnapshot, ontoVC vclock.ID) graph.DetectResult {
	_, span := tracer.Start(ctx, "snapshot.DetectConflictsAndUpdates")
	defer span.End()

	var result graph.DetectResult
	if onto == s {
		return result
	}
	_ = onto.View(func(og *graph.Graph) error {
		return s.View(func(g *graph.Graph) error {
			result = g.DetectConflictsAndUpdates(vcid, og, ontoVC)
			return nil
		})
	})
	span.SetAttributes(
		attribute.Int("rebase.conflicts", len(result.Conflicts)),
		attribute.Int("rebase.updates", len(result.Updates)),
	)
	return result
}

// PerformUpdates replays updates taken from onto into the working copy. If
// it fails the working copy may be partially updated and the snapshot must
// be discarded.
func (s *WorkspaceSnapshot) PerformUpdates(ctx context.Context, onto *WorkspaceSnapshot, updates []graph.Update) error {
	_, span := tracer.Start(ctx, "snapshot.PerformUpdates",
		trace.WithAttributes(attribute.Int("rebase.updates", len(updates))),
	)
	defer span.End()

	if onto == s {
		return fmt.Errorf("performing updates: snapshot cannot be rebased onto itself")
	}
	err := onto.View(func(og *graph.Graph) error {
		return s.Mutate(func(g *graph.Graph) error {
			return g.PerformUpdates(og, updates)
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// DetectChanges reports content changes from base to this snapshot.
func (s *WorkspaceSnapshot) DetectChanges(base *WorkspaceSnapshot) []graph.Change {
	var changes []graph.Change
	if base == s {
		return nil
	}
	_ = base.View(func(bg *graph.Graph) error {
		return s.View(func(g *graph.Graph) error {
			changes = graph.DetectChanges(bg, g)
			return nil
		})
	})
	return changes
}
