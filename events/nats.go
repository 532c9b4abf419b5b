package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Publisher is the subset of *nats.Conn the NATS sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON to
// "<prefix>.<workspace>.<change set>.<kind>".
type NATSSink struct {
	conn   Publisher
	prefix string
}

// NewNATSSink returns a sink publishing on conn. A nil conn drops events.
func NewNATSSink(conn Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "kaigraph.events"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Subject returns the subject ev is published on.
func (s *NATSSink) Subject(ev Event) string {
	return strings.Join([]string{
		s.prefix,
		token(ev.WorkspaceID),
		token(ev.ChangeSetID),
		string(ev.Kind),
	}, ".")
}

func (s *NATSSink) Publish(_ context.Context, ev Event) error {
	if s.conn == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
