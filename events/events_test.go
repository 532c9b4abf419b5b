package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *recordingConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestNATSSink(t *testing.T) {
	conn := &recordingConn{}
	sink := NewNATSSink(conn, "")

	ev := Event{Kind: KindStatusUpdate, WorkspaceID: "ws1", ChangeSetID: "cs.1", Subject: "comp", Status: StatusStarted}
	require.NoError(t, sink.Publish(context.Background(), ev))

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "kaigraph.events.ws1.cs_1.StatusUpdate", conn.subjects[0])

	var got Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, ev.Subject, got.Subject)
	assert.Equal(t, StatusStarted, got.Status)

	assert.Equal(t, "p._._.ValueUpdated", NewNATSSink(nil, "p").Subject(Event{Kind: KindValueUpdated}))
	assert.NoError(t, NewNATSSink(nil, "p").Publish(context.Background(), ev))
}

func TestPublishLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	sink := NewNATSSink(&recordingConn{err: errors.New("no responders")}, "x")
	Publish(context.Background(), sink, logger, Event{Kind: KindValueUpdated, ChangeSetID: "cs1"})

	assert.Contains(t, buf.String(), "event publish failed")
	assert.Contains(t, buf.String(), "no responders")

	Publish(context.Background(), nil, logger, Event{Kind: KindValueUpdated})
}

func TestMultiAndMemorySink(t *testing.T) {
	mem := &MemorySink{}
	failing := NewNATSSink(&recordingConn{err: errors.New("down")}, "")
	multi := Multi{mem, nil, failing}

	err := multi.Publish(context.Background(), Event{Kind: KindChangeSetApplied})
	assert.Error(t, err)
	require.NoError(t, multi[0].Publish(context.Background(), Event{Kind: KindValueUpdated}))

	assert.Len(t, mem.Events(), 2)
	applied := mem.Events(KindChangeSetApplied)
	require.Len(t, applied, 1)
	assert.Equal(t, KindChangeSetApplied, applied[0].Kind)
}

func TestPublishStampsTime(t *testing.T) {
	mem := &MemorySink{}
	Publish(context.Background(), mem, nil, Event{Kind: KindRebaseFinished})
	evs := mem.Events()
	require.Len(t, evs, 1)
	assert.False(t, evs[0].Time.IsZero())
}
