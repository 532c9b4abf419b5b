// Package rebaser drains the rebase request queue in the background.
package rebaser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"kaigraph/cas"
	"kaigraph/events"
	"kaigraph/rebase"
	"kaigraph/store"
	"kaigraph/vclock"
)

// Actor is recorded in change set history for pointer moves made by the
// worker.
const Actor = "rebaser"

// Worker claims rebase requests one at a time and runs them.
type Worker struct {
	db       *store.DB
	engine   *rebase.Engine
	sink     events.Sink
	logger   *slog.Logger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewWorker creates a worker polling every interval (default one second).
func NewWorker(db *store.DB, engine *rebase.Engine, sink events.Sink, logger *slog.Logger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		db:       db,
		engine:   engine,
		sink:     sink,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background processing loop.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the current request.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain processes requests until the queue is empty or ctx is done, and
// returns how many it processed.
func (w *Worker) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		ok, err := w.ProcessOne(ctx)
		if err != nil {
			w.logger.Error("claiming rebase request", slog.String("error", err.Error()))
			return n
		}
		if !ok {
			return n
		}
		n++
	}
	return n
}

// ProcessOne claims and runs one request. It reports false when the queue
// was empty. Rebase failures are recorded on the request, not returned.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	req, err := w.db.ClaimRebaseRequest()
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}

	logger := w.logger.With(
		slog.Int64("request_id", req.ID),
		slog.String("change_set_id", req.ChangeSetID),
	)
	logger.Info("processing rebase request", slog.String("onto", req.OntoAddress.Short()))

	status, errMsg := store.RequestDone, ""
	res, err := w.engine.Rebase(ctx, rebase.Request{
		ChangeSetID: req.ChangeSetID,
		OntoAddress: req.OntoAddress,
		OntoVClock:  vclock.ID(req.OntoVClock),
		Actor:       Actor,
	})
	switch {
	case err != nil:
		status, errMsg = store.RequestFailed, err.Error()
	case res.HasConflicts():
		status, errMsg = store.RequestConflicted, fmt.Sprintf("%d conflicts", len(res.Conflicts))
	}

	var result *cas.ContentHash
	ev := events.Event{
		Kind:        events.KindRebaseFinished,
		WorkspaceID: req.WorkspaceID,
		ChangeSetID: req.ChangeSetID,
		Status:      status,
		Data:        map[string]string{"request_id": fmt.Sprint(req.ID)},
	}
	if res != nil && status == store.RequestDone {
		addr := res.Address
		result = &addr
		ev.Subject = addr.String()
	}
	if errMsg != "" {
		ev.Data["error"] = errMsg
	}

	// Record the outcome even when ctx was cancelled mid-rebase.
	if err := w.db.CompleteRebaseRequest(req.ID, status, result, errMsg); err != nil {
		logger.Error("completing rebase request", slog.String("error", err.Error()))
	}
	events.Publish(ctx, w.sink, logger, ev)
	logger.Info("rebase request finished", slog.String("status", status))
	return true, nil
}
