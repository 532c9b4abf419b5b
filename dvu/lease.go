package dvu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

var (
	// ErrLeaseHeld is returned when another holder owns the lease.
	ErrLeaseHeld = errors.New("lease held by another holder")
	// ErrLeaseLost is returned when renewing a lease that expired or was
	// taken over.
	ErrLeaseLost = errors.New("lease lost")
)

// Lease elects a single debouncer per change set.
type Lease interface {
	Acquire(ctx context.Context, key, holder string) error
	Renew(ctx context.Context, key, holder string) error
	Release(ctx context.Context, key, holder string) error
}

// MemoryLease is an in-process Lease with expiry.
type MemoryLease struct {
	TTL time.Duration
	now func() time.Time

	mu      sync.Mutex
	holders map[string]memoryHold
}

type memoryHold struct {
	holder  string
	expires time.Time
}

// NewMemoryLease returns a lease table whose holds expire after ttl.
func NewMemoryLease(ttl time.Duration) *MemoryLease {
	return &MemoryLease{TTL: ttl, now: time.Now, holders: make(map[string]memoryHold)}
}

func (l *MemoryLease) live(key string) (memoryHold, bool) {
	h, ok := l.holders[key]
	if !ok || !l.now().Before(h.expires) {
		return memoryHold{}, false
	}
	return h, true
}

func (l *MemoryLease) Acquire(_ context.Context, key, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.live(key); ok && h.holder != holder {
		return ErrLeaseHeld
	}
	l.holders[key] = memoryHold{holder: holder, expires: l.now().Add(l.TTL)}
	return nil
}

func (l *MemoryLease) Renew(_ context.Context, key, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.live(key); !ok || h.holder != holder {
		return ErrLeaseLost
	}
	l.holders[key] = memoryHold{holder: holder, expires: l.now().Add(l.TTL)}
	return nil
}

func (l *MemoryLease) Release(_ context.Context, key, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.live(key); ok && h.holder == holder {
		delete(l.holders, key)
	}
	return nil
}

// NATSLease keeps leases in a JetStream key-value bucket. Entries expire
// with the bucket's max age, so a crashed holder loses its lease after one
// TTL.
type NATSLease struct {
	kv jetstream.KeyValue
}

// NewNATSLease creates or updates the bucket and returns a lease over it.
func NewNATSLease(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NATSLease, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "dependent values update leases",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("lease bucket %s: %w", bucket, err)
	}
	return &NATSLease{kv: kv}, nil
}

// NewNATSLeaseFromKV wraps an existing bucket.
func NewNATSLeaseFromKV(kv jetstream.KeyValue) *NATSLease {
	return &NATSLease{kv: kv}
}

func (l *NATSLease) Acquire(ctx context.Context, key, holder string) error {
	_, err := l.kv.Create(ctx, key, []byte(holder))
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("acquiring lease %s: %w", key, err)
	}
	// The key exists: it may already be ours.
	if err := l.Renew(ctx, key, holder); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			return ErrLeaseHeld
		}
		return err
	}
	return nil
}

func (l *NATSLease) Renew(ctx context.Context, key, holder string) error {
	entry, err := l.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("reading lease %s: %w", key, err)
	}
	if !bytes.Equal(entry.Value(), []byte(holder)) {
		return ErrLeaseLost
	}
	if _, err := l.kv.Update(ctx, key, []byte(holder), entry.Revision()); err != nil {
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	return nil
}

func (l *NATSLease) Release(ctx context.Context, key, holder string) error {
	entry, err := l.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading lease %s: %w", key, err)
	}
	if !bytes.Equal(entry.Value(), []byte(holder)) {
		return nil
	}
	if err := l.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision())); err != nil {
		return fmt.Errorf("releasing lease %s: %w", key, err)
	}
	return nil
}
