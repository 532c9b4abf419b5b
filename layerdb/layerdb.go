// Package layerdb is the layered content-addressed storage behind the CAS and
// the workspace snapshot store. Reads go memory, then disk, then durable,
// backfilling the faster layers on the way out. Writes land in memory and on
// disk immediately and are persisted to the durable layer in the background;
// callers learn the outcome through a PersistStatus.
package layerdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"kaigraph/cas"
	"kaigraph/store"
)

// Table names.
const (
	TableCAS       = "cas"
	TableSnapshots = "workspace_snapshots"
)

var (
	ErrNotFound = errors.New("not found")
	ErrCorrupt  = errors.New("stored value does not match its address")
	ErrClosed   = errors.New("layer db closed")
)

// PersistError reports a failed durable write.
type PersistError struct {
	Table string
	Key   cas.ContentHash
	Err   error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persisting %s/%s: %v", e.Table, e.Key.Short(), e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Config configures a DB.
type Config struct {
	// Store is the durable layer. Required.
	Store *store.DB
	// Badger enables the disk layer when non-nil. The DB does not take
	// ownership of a caller-provided badger handle.
	Badger *badger.DB
	// BadgerConfig opens a disk layer owned by the DB when Badger is nil and
	// BadgerConfig is non-nil.
	BadgerConfig *BadgerConfig
	// MemoryBytes bounds the memory layer. Zero means 64 MiB.
	MemoryBytes int64
	// PersistTimeout bounds each background durable write. Zero means 30s.
	PersistTimeout time.Duration
	Logger         *slog.Logger
}

// DB is a layered key/value store keyed by content hash.
type DB struct {
	mem       *memoryLayer
	disk      *diskLayer
	ownsDisk  bool
	durable   *durableLayer
	codec     *codec
	logger    *slog.Logger
	group     singleflight.Group
	timeout   time.Duration
	persisted sync.WaitGroup

	mu      sync.RWMutex
	pending map[string][]byte
	closed  bool
}

// Open builds the layers described by cfg.
func Open(cfg Config) (*DB, error) {
	if cfg.Store == nil {
		return nil, errors.New("layerdb: durable store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mem, err := newMemoryLayer(cfg.MemoryBytes)
	if err != nil {
		return nil, fmt.Errorf("creating memory layer: %w", err)
	}
	c, err := newCodec()
	if err != nil {
		mem.close()
		return nil, err
	}

	db := &DB{
		mem:     mem,
		durable: &durableLayer{db: cfg.Store},
		codec:   c,
		logger:  logger,
		timeout: cfg.PersistTimeout,
		pending: make(map[string][]byte),
	}
	if db.timeout <= 0 {
		db.timeout = 30 * time.Second
	}

	switch {
	case cfg.Badger != nil:
		db.disk = &diskLayer{db: cfg.Badger}
	case cfg.BadgerConfig != nil:
		bdb, err := OpenBadger(*cfg.BadgerConfig)
		if err != nil {
			mem.close()
			c.close()
			return nil, err
		}
		db.disk = &diskLayer{db: bdb}
		db.ownsDisk = true
	}

	return db, nil
}

// Close waits for background persistence and releases the layers.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	db.persisted.Wait()
	db.mem.close()
	db.codec.close()
	if db.ownsDisk {
		return db.disk.db.Close()
	}
	return nil
}

// Flush blocks until every background persist started so far has finished.
func (db *DB) Flush() {
	db.persisted.Wait()
}

// CAS returns the content-addressed payload table.
func (db *DB) CAS() *Table {
	return &Table{db: db, name: TableCAS}
}

// Snapshots returns the serialized workspace snapshot table.
func (db *DB) Snapshots() *Table {
	return &Table{db: db, name: TableSnapshots}
}

// Table is one named keyspace of a DB.
type Table struct {
	db   *DB
	name string
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Write stores value under its BLAKE3 hash. The returned status reports when
// the durable copy is safe.
func (t *Table) Write(ctx context.Context, value []byte) (cas.ContentHash, *PersistStatus, error) {
	key := cas.Hash(value)
	status, err := t.db.write(ctx, t.name, key, value)
	return key, status, err
}

// Read returns the value stored under key, or ErrNotFound.
func (t *Table) Read(ctx context.Context, key cas.ContentHash) ([]byte, error) {
	return t.db.read(ctx, t.name, key)
}

// ReadMany returns the values found for keys. Missing keys are absent from
// the result.
func (t *Table) ReadMany(ctx context.Context, keys []cas.ContentHash) (map[cas.ContentHash][]byte, error) {
	var mu sync.Mutex
	out := make(map[cas.ContentHash][]byte, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, key := range keys {
		g.Go(func() error {
			v, err := t.db.read(gctx, t.name, key)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			out[key] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) write(ctx context.Context, table string, key cas.ContentHash, value []byte) (*PersistStatus, error) {
	k := key.String()
	lk := layerKey(table, k)

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrClosed
	}
	db.pending[lk] = value
	db.persisted.Add(1)
	db.mu.Unlock()

	writesTotal.WithLabelValues(table).Inc()
	db.mem.put(table, k, value)
	encoded := db.codec.encode(value)

	if db.disk != nil {
		if err := db.disk.put(table, k, encoded); err != nil {
			db.logger.Warn("disk layer write failed", "table", table, "key", k, "error", err)
		}
	}

	status := newPersistStatus()
	go func() {
		defer db.persisted.Done()
		start := time.Now()

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), db.timeout)
		defer cancel()
		err := db.durable.put(pctx, table, k, encoded)
		persistDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())

		db.mu.Lock()
		delete(db.pending, lk)
		db.mu.Unlock()

		if err != nil {
			persistTotal.WithLabelValues(table, "error").Inc()
			db.logger.Error("durable persist failed", "table", table, "key", k, "error", err)
			db.evict(table, k)
			status.finish(&PersistError{Table: table, Key: key, Err: err})
			return
		}
		persistTotal.WithLabelValues(table, "ok").Inc()
		status.finish(nil)
	}()
	return status, nil
}

// evict drops a value whose durable persist failed from the faster layers,
// so that reads never serve a payload that is not durable.
func (db *DB) evict(table, k string) {
	db.mem.del(table, k)
	if db.disk != nil {
		if err := db.disk.del(table, k); err != nil {
			db.logger.Warn("disk layer evict failed", "table", table, "key", k, "error", err)
		}
	}
}

func (db *DB) read(ctx context.Context, table string, key cas.ContentHash) ([]byte, error) {
	k := key.String()
	if v, ok := db.mem.get(table, k); ok {
		readsTotal.WithLabelValues(table, layerMemory, "hit").Inc()
		return v, nil
	}

	db.mu.RLock()
	v, ok := db.pending[layerKey(table, k)]
	db.mu.RUnlock()
	if ok {
		readsTotal.WithLabelValues(table, layerPending, "hit").Inc()
		return v, nil
	}

	res, err, _ := db.group.Do(layerKey(table, k), func() (any, error) {
		if v, ok := db.mem.get(table, k); ok {
			return v, nil
		}
		return db.readThrough(ctx, table, key)
	})
	if err != nil {
		return nil, err
	}
	value, ok := res.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected type from read group: got %T", res)
	}
	return value, nil
}

func (db *DB) readThrough(ctx context.Context, table string, key cas.ContentHash) ([]byte, error) {
	k := key.String()

	if db.disk != nil {
		encoded, ok, err := db.disk.get(table, k)
		if err != nil {
			db.logger.Warn("disk layer read failed", "table", table, "key", k, "error", err)
		} else if ok {
			value, err := db.verify(table, key, encoded)
			if err != nil {
				return nil, err
			}
			readsTotal.WithLabelValues(table, layerDisk, "hit").Inc()
			db.mem.put(table, k, value)
			return value, nil
		}
		readsTotal.WithLabelValues(table, layerDisk, "miss").Inc()
	}

	encoded, ok, err := db.durable.get(ctx, table, k)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", table, key.Short(), err)
	}
	if !ok {
		readsTotal.WithLabelValues(table, layerDurable, "miss").Inc()
		return nil, fmt.Errorf("%s/%s: %w", table, key.Short(), ErrNotFound)
	}
	value, err := db.verify(table, key, encoded)
	if err != nil {
		return nil, err
	}
	readsTotal.WithLabelValues(table, layerDurable, "hit").Inc()

	if db.disk != nil {
		if err := db.disk.put(table, k, encoded); err != nil {
			db.logger.Warn("disk layer backfill failed", "table", table, "key", k, "error", err)
		}
	}
	db.mem.put(table, k, value)
	return value, nil
}

func (db *DB) verify(table string, key cas.ContentHash, encoded []byte) ([]byte, error) {
	value, err := db.codec.decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", table, key.Short(), err)
	}
	if cas.Hash(value) != key {
		return nil, fmt.Errorf("%s/%s: %w", table, key.Short(), ErrCorrupt)
	}
	return value, nil
}
