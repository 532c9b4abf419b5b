package graph

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// ID is the identity of a node. IDs are time-ordered UUIDs so that sorting by
// ID is stable and roughly follows creation order.
type ID = uuid.UUID

// NewID returns a fresh node ID.
func NewID() ID {
	return uuid.Must(uuid.NewV7())
}

// NodeIndex addresses a node slot in one graph instance. Indices are only
// meaningful for the graph that produced them.
type NodeIndex int

// EdgeIndex addresses an edge slot in one graph instance.
type EdgeIndex int

// NoIndex is returned when a lookup fails.
const NoIndex NodeIndex = -1

func lessID(a, b ID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
}
