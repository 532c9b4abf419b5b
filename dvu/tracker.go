package dvu

import (
	"context"
	"log/slog"

	"kaigraph/events"
	"kaigraph/graph"
)

// statusTracker coalesces per-component status events: a component is
// reported started when its first value starts and finished once every
// value queued for it has reached a terminal state.
type statusTracker struct {
	remaining map[graph.ID]int
	started   map[graph.ID]bool
	base      events.Event
	sink      events.Sink
	logger    *slog.Logger
}

func newStatusTracker(d *DependentValueGraph, base events.Event, sink events.Sink, logger *slog.Logger) *statusTracker {
	t := &statusTracker{
		remaining: make(map[graph.ID]int),
		started:   make(map[graph.ID]bool),
		base:      base,
		sink:      sink,
		logger:    logger,
	}
	for _, id := range d.order {
		if n := d.nodes[id]; n.execute && n.hasOwner {
			t.remaining[n.owner]++
		}
	}
	return t
}

func (t *statusTracker) publish(ctx context.Context, owner graph.ID, status string) {
	ev := t.base
	ev.Kind = events.KindStatusUpdate
	ev.Subject = owner.String()
	ev.Status = status
	events.Publish(ctx, t.sink, t.logger, ev)
}

func (t *statusTracker) start(ctx context.Context, n *valueNode) {
	if !n.hasOwner || t.started[n.owner] {
		return
	}
	t.started[n.owner] = true
	t.publish(ctx, n.owner, events.StatusStarted)
}

func (t *statusTracker) done(ctx context.Context, n *valueNode) {
	if !n.hasOwner {
		return
	}
	t.remaining[n.owner]--
	if t.remaining[n.owner] == 0 && t.started[n.owner] {
		t.publish(ctx, n.owner, events.StatusFinished)
	}
}

// flush reports finished for components that started but still have
// values left, so observers are not left waiting after an interrupted run.
func (t *statusTracker) flush(ctx context.Context) {
	for owner, left := range t.remaining {
		if left > 0 && t.started[owner] {
			t.publish(ctx, owner, events.StatusFinished)
		}
	}
}
