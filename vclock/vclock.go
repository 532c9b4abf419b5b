// Package vclock provides the causality stamps attached to graph nodes and
// edges.
//
// Every change set has its own vector clock ID. When a change set writes a
// node it records a Lamport timestamp under its ID; when it persists a graph
// it records "seen" stamps. Comparing two vector clocks tells whether one
// write happened after the other or whether they were made independently:
//
//	{head:5}          vs {head:5, cs1:9}  -> Before (cs1 built on head)
//	{head:7}          vs {head:5, cs1:9}  -> Concurrent (real conflict)
//	{head:5, cs1:9}   vs {head:5, cs1:9}  -> Equal
package vclock

import (
	"fmt"
	"maps"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ID identifies one change set's line of causality.
type ID string

// NewID derives the vector clock ID for a change set within a workspace.
func NewID(workspaceID, changeSetID uuid.UUID) ID {
	return ID(fmt.Sprintf("%s/%s", workspaceID, changeSetID))
}

// LamportClock is a hybrid logical timestamp: wall-clock nanoseconds, bumped
// so that every value handed out by Now is strictly greater than the last.
type LamportClock int64

var last atomic.Int64

// Now returns a timestamp strictly greater than any previously returned.
func Now() LamportClock {
	for {
		prev := last.Load()
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if last.CompareAndSwap(prev, next) {
			return LamportClock(next)
		}
	}
}

// Observe advances the process clock so later Now calls exceed t. Call it
// after loading stamps produced elsewhere.
func Observe(t LamportClock) {
	for {
		prev := last.Load()
		if int64(t) <= prev || last.CompareAndSwap(prev, int64(t)) {
			return
		}
	}
}

// Relation describes how two vector clocks relate.
type Relation int

const (
	Equal      Relation = iota // identical entries
	Before                     // receiver happened before the argument
	After                      // receiver happened after the argument
	Concurrent                 // neither descends from the other
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("Relation(%d)", int(r))
	}
}

// VectorClock maps change set clock IDs to the latest stamp recorded for
// them.
type VectorClock map[ID]LamportClock

// New returns an empty vector clock.
func New() VectorClock {
	return make(VectorClock)
}

// Inc records a new stamp for id and returns it.
func (vc VectorClock) Inc(id ID) LamportClock {
	now := Now()
	vc[id] = now
	return now
}

// Set records t for id if it is newer than the current entry.
func (vc VectorClock) Set(id ID, t LamportClock) {
	if cur, ok := vc[id]; !ok || t > cur {
		vc[id] = t
	}
}

// SetIfAbsent records t for id only when id has no entry yet.
func (vc VectorClock) SetIfAbsent(id ID, t LamportClock) {
	if _, ok := vc[id]; !ok {
		vc[id] = t
	}
}

// Entry returns the stamp recorded for id.
func (vc VectorClock) Entry(id ID) (LamportClock, bool) {
	t, ok := vc[id]
	return t, ok
}

// Merge takes the per-entry maximum of vc and other into vc.
func (vc VectorClock) Merge(other VectorClock) {
	for id, t := range other {
		vc.Set(id, t)
	}
}

// Copy returns an independent copy.
func (vc VectorClock) Copy() VectorClock {
	if vc == nil {
		return New()
	}
	return maps.Clone(vc)
}

// Compare reports how vc relates to other.
func (vc VectorClock) Compare(other VectorClock) Relation {
	var greater, less bool

	for id, t := range vc {
		o, ok := other[id]
		switch {
		case !ok || t > o:
			greater = true
		case t < o:
			less = true
		}
	}
	for id := range other {
		if _, ok := vc[id]; !ok {
			less = true
		}
	}

	switch {
	case greater && less:
		return Concurrent
	case greater:
		return After
	case less:
		return Before
	default:
		return Equal
	}
}

// Descends reports whether vc has seen every stamp in other.
func (vc VectorClock) Descends(other VectorClock) bool {
	r := vc.Compare(other)
	return r == After || r == Equal
}

// Max returns the largest stamp in the clock.
func (vc VectorClock) Max() LamportClock {
	var m LamportClock
	for _, t := range vc {
		if t > m {
			m = t
		}
	}
	return m
}

// IDs returns the clock's IDs in sorted order.
func (vc VectorClock) IDs() []ID {
	ids := make([]ID, 0, len(vc))
	for id := range vc {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ObservedBy reports whether some entry of vc is covered by the matching
// entry of seen, meaning the owner of seen had already incorporated the
// write or sighting that vc records.
func (vc VectorClock) ObservedBy(seen VectorClock) bool {
	for id, t := range vc {
		if s, ok := seen[id]; ok && t <= s {
			return true
		}
	}
	return false
}

// NewerThan reports whether vc holds any stamp that seen does not cover.
func (vc VectorClock) NewerThan(seen VectorClock) bool {
	for id, t := range vc {
		if s, ok := seen[id]; !ok || t > s {
			return true
		}
	}
	return false
}
