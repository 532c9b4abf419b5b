package layerdb

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto/v2"

	"kaigraph/store"
)

// Layer names used in metrics labels.
const (
	layerMemory  = "memory"
	layerPending = "pending"
	layerDisk    = "disk"
	layerDurable = "durable"
)

func layerKey(table, key string) string {
	return table + "/" + key
}

// memoryLayer is a bounded in-process cache of decoded values.
type memoryLayer struct {
	cache *ristretto.Cache[string, []byte]
}

func newMemoryLayer(maxBytes int64) (*memoryLayer, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	counters := maxBytes / 100
	if counters < 1000 {
		counters = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &memoryLayer{cache: cache}, nil
}

func (m *memoryLayer) get(table, key string) ([]byte, bool) {
	return m.cache.Get(layerKey(table, key))
}

func (m *memoryLayer) put(table, key string, value []byte) {
	m.cache.Set(layerKey(table, key), value, int64(len(value)))
	m.cache.Wait()
}

func (m *memoryLayer) del(table, key string) {
	m.cache.Del(layerKey(table, key))
	m.cache.Wait()
}

func (m *memoryLayer) close() {
	m.cache.Close()
}

// diskLayer stores compressed values in badger.
type diskLayer struct {
	db *badger.DB
}

func (d *diskLayer) get(table, key string) ([]byte, bool, error) {
	var out []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(layerKey(table, key)))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (d *diskLayer) put(table, key string, encoded []byte) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(layerKey(table, key)), encoded)
	})
}

func (d *diskLayer) del(table, key string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(layerKey(table, key)))
	})
}

// durableLayer stores compressed values in the metadata database.
type durableLayer struct {
	db *store.DB
}

func (d *durableLayer) get(ctx context.Context, table, key string) ([]byte, bool, error) {
	v, err := d.db.KVGet(ctx, table, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (d *durableLayer) put(ctx context.Context, table, key string, encoded []byte) error {
	return d.db.KVPut(ctx, table, key, encoded)
}
