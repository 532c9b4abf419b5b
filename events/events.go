// Package events publishes change set and dependent value notifications.
// Delivery is best effort: publish failures are logged by callers through
// Publish and never fail the operation that produced the event.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies an event type.
type Kind string

const (
	KindStatusUpdate       Kind = "StatusUpdate"
	KindValueUpdated       Kind = "ValueUpdated"
	KindChangeSetStatus    Kind = "ChangeSetStatusChanged"
	KindChangeSetWritten   Kind = "ChangeSetWritten"
	KindChangeSetApplied   Kind = "ChangeSetApplied"
	KindChangeSetVote      Kind = "ChangeSetVote"
	KindRebaseFinished     Kind = "RebaseFinished"
	KindDependentValuesRun Kind = "DependentValuesRun"
)

// Status values carried by StatusUpdate events.
const (
	StatusStarted  = "started"
	StatusFinished = "finished"
)

// Event is one notification.
type Event struct {
	Kind        Kind              `json:"kind"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	ChangeSetID string            `json:"change_set_id,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Status      string            `json:"status,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	Time        time.Time         `json:"time"`
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Publish sends ev to sink, stamping the time when unset. Failures are
// logged at warn level. A nil sink drops the event.
func Publish(ctx context.Context, sink Sink, logger *slog.Logger, ev Event) {
	if sink == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := sink.Publish(ctx, ev); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("event publish failed",
			"kind", ev.Kind,
			"change_set_id", ev.ChangeSetID,
			"subject", ev.Subject,
			"error", err,
		)
	}
}

// LogSink writes events to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(_ context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("event",
		"kind", ev.Kind,
		"workspace_id", ev.WorkspaceID,
		"change_set_id", ev.ChangeSetID,
		"subject", ev.Subject,
		"status", ev.Status,
	)
	return nil
}

// MemorySink records events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of the recorded events, optionally filtered by kind.
func (s *MemorySink) Events(kinds ...Kind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if len(kinds) == 0 || containsKind(kinds, ev.Kind) {
			out = append(out, ev)
		}
	}
	return out
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
