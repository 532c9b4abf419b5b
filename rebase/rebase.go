// Package rebase transplants the edits of one snapshot onto a change set:
// it loads both graphs, detects conflicts and updates, replays the updates,
// writes the result and fast-forwards the change set's pointer.
package rebase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kaigraph/cas"
	"kaigraph/graph"
	"kaigraph/snapshot"
	"kaigraph/store"
	"kaigraph/vclock"
)

var tracer = otel.Tracer("kaigraph.rebase")

// ClockID returns the vector clock ID of a stored change set.
func ClockID(workspaceID, changeSetID string) (vclock.ID, error) {
	ws, err := uuid.Parse(workspaceID)
	if err != nil {
		return "", fmt.Errorf("workspace id %q: %w", workspaceID, err)
	}
	cs, err := uuid.Parse(changeSetID)
	if err != nil {
		return "", fmt.Errorf("change set id %q: %w", changeSetID, err)
	}
	return vclock.NewID(ws, cs), nil
}

// Request asks for ChangeSetID's snapshot to incorporate OntoAddress.
type Request struct {
	ChangeSetID string
	OntoAddress cas.ContentHash
	OntoVClock  vclock.ID
	Actor       string
	// Finalize, when set, runs in the transaction that moves the pointer,
	// so callers can commit related state atomically with the rebase.
	Finalize func(tx *sql.Tx) error
}

// Result is the outcome of a rebase. A non-empty Conflicts means nothing
// was replayed and the change set was left untouched.
type Result struct {
	Outcome   string
	Conflicts []graph.Conflict
	Updates   []graph.Update
	Previous  cas.ContentHash
	Address   cas.ContentHash
}

// HasConflicts reports whether the rebase was blocked.
func (r *Result) HasConflicts() bool {
	return len(r.Conflicts) > 0
}

// Engine performs rebases against the metadata and snapshot stores.
type Engine struct {
	db        *store.DB
	snapshots *snapshot.Store
	logger    *slog.Logger
}

// NewEngine returns a rebase engine.
func NewEngine(db *store.DB, snapshots *snapshot.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, snapshots: snapshots, logger: logger}
}

// Rebase runs req. Conflicts are reported in the Result, not as an error.
// Errors are storage or structural failures; the change set pointer is
// unchanged when one is returned.
func (e *Engine) Rebase(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "rebase.Rebase",
		trace.WithAttributes(
			attribute.String("change_set_id", req.ChangeSetID),
			attribute.String("onto.address", req.OntoAddress.String()),
		),
	)
	defer span.End()
	start := time.Now()

	res, err := e.rebase(ctx, req)
	outcome := OutcomeFailed
	if err == nil {
		outcome = res.Outcome
	}
	rebasesTotal.WithLabelValues(outcome).Inc()
	rebaseDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("rebase.outcome", outcome))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("rebase failed",
			slog.String("change_set_id", req.ChangeSetID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	e.logger.Info("rebase finished",
		slog.String("change_set_id", req.ChangeSetID),
		slog.String("outcome", res.Outcome),
		slog.Int("conflicts", len(res.Conflicts)),
		slog.Int("updates", len(res.Updates)),
		slog.String("snapshot_address", res.Address.Short()),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (e *Engine) rebase(ctx context.Context, req Request) (*Result, error) {
	cs, err := e.db.GetChangeSet(req.ChangeSetID)
	if err != nil {
		return nil, fmt.Errorf("loading change set %s: %w", req.ChangeSetID, err)
	}
	vc, err := ClockID(cs.WorkspaceID, cs.ID)
	if err != nil {
		return nil, err
	}

	toRebase, err := snapshot.Load(ctx, e.snapshots, cs.SnapshotAddress)
	if err != nil {
		return nil, fmt.Errorf("loading change set snapshot: %w", err)
	}
	onto, err := snapshot.Load(ctx, e.snapshots, req.OntoAddress)
	if err != nil {
		return nil, fmt.Errorf("loading onto snapshot: %w", err)
	}

	detected := toRebase.DetectConflictsAndUpdates(ctx, vc, onto, req.OntoVClock)
	res := &Result{
		Conflicts: detected.Conflicts,
		Updates:   detected.Updates,
		Previous:  cs.SnapshotAddress,
		Address:   cs.SnapshotAddress,
	}
	if detected.HasConflicts() {
		res.Outcome = OutcomeConflicted
		return res, nil
	}
	rebaseUpdates.Observe(float64(len(detected.Updates)))
	if len(detected.Updates) == 0 && alreadySeen(toRebase, onto) {
		res.Outcome = OutcomeUnchanged
		if err := e.advance(cs.ID, cs.SnapshotAddress, cs.SnapshotAddress, req); err != nil {
			return nil, err
		}
		return res, nil
	}

	if err := toRebase.PerformUpdates(ctx, onto, detected.Updates); err != nil {
		return nil, fmt.Errorf("replaying updates: %w", err)
	}
	addr, err := toRebase.Write(ctx, vc)
	if err != nil {
		return nil, err
	}
	res.Address = addr
	res.Outcome = OutcomeApplied

	if err := e.advance(cs.ID, cs.SnapshotAddress, addr, req); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) advance(id string, old, addr cas.ContentHash, req Request) error {
	if old == addr && req.Finalize == nil {
		return nil
	}
	tx, err := e.db.BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if old != addr {
		if err := e.db.SetPointerFF(tx, id, old, addr, req.Actor); err != nil {
			if errors.Is(err, store.ErrPointerMismatch) {
				return fmt.Errorf("change set %s moved during rebase: %w", id, err)
			}
			return err
		}
	}
	if req.Finalize != nil {
		if err := req.Finalize(tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rebase: %w", err)
	}
	return nil
}

// alreadySeen reports whether toRebase has incorporated everything onto's
// root has seen, in which case a rebase with no updates has nothing to
// record.
func alreadySeen(toRebase, onto *snapshot.WorkspaceSnapshot) bool {
	if toRebase == onto {
		return true
	}
	seen := false
	_ = onto.View(func(og *graph.Graph) error {
		return toRebase.View(func(g *graph.Graph) error {
			seen = g.RootWeight().Seen.Descends(og.RootWeight().Seen)
			return nil
		})
	})
	return seen
}
