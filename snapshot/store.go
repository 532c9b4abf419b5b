package snapshot

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kaigraph/cas"
	"kaigraph/graph"
	"kaigraph/layerdb"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// Store persists serialized graphs by content address.
type Store struct {
	table *layerdb.Table
}

// NewStore returns a store over the layer db's snapshot table.
func NewStore(db *layerdb.DB) *Store {
	return &Store{table: db.Snapshots()}
}

// Write serializes g and stores it. The address is the BLAKE3 hash of the
// serialized bytes, so equal graphs share an address. The status must be
// awaited before the write is treated as durable.
func (s *Store) Write(ctx context.Context, g *graph.Graph) (cas.ContentHash, *layerdb.PersistStatus, error) {
	data, err := g.Serialize()
	if err != nil {
		return cas.ContentHash{}, nil, fmt.Errorf("serializing snapshot: %w", err)
	}
	addr, status, err := s.table.Write(ctx, data)
	if err != nil {
		return cas.ContentHash{}, nil, fmt.Errorf("writing snapshot: %w", err)
	}
	return addr, status, nil
}

// Read loads the graph stored at addr.
func (s *Store) Read(ctx context.Context, addr cas.ContentHash) (*graph.Graph, error) {
	ctx, span := tracer.Start(ctx, "snapshot.Read",
		trace.WithAttributes(attribute.String("snapshot.address", addr.String())),
	)
	defer span.End()

	data, err := s.table.Read(ctx, addr)
	if errors.Is(err, layerdb.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", addr.Short(), ErrSnapshotNotFound)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reading snapshot %s: %w", addr.Short(), err)
	}
	g, err := graph.Deserialize(data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decoding snapshot %s: %w", addr.Short(), err)
	}
	span.SetAttributes(attribute.Int("snapshot.nodes", g.NodeCount()))
	return g, nil
}
