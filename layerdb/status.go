package layerdb

import (
	"context"
	"sync"
)

// PersistStatus reports the outcome of a background durable write.
type PersistStatus struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newPersistStatus() *PersistStatus {
	return &PersistStatus{done: make(chan struct{})}
}

func (s *PersistStatus) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Done is closed once the durable write has finished.
func (s *PersistStatus) Done() <-chan struct{} {
	return s.done
}

// Err returns the persist error after Done is closed, nil before.
func (s *PersistStatus) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the write is durable or ctx ends.
func (s *PersistStatus) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
