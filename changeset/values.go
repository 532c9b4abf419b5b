package changeset

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"kaigraph/dvu"
	"kaigraph/graph"
)

// PendingDependentValues reports whether the change set has queued
// dependent value roots.
func (s *Service) PendingDependentValues(ctx context.Context, id string) (bool, error) {
	cs, err := s.db.GetChangeSet(id)
	if err != nil {
		return false, err
	}
	snap, err := s.Snapshot(ctx, cs)
	if err != nil {
		return false, err
	}
	pending := false
	_ = snap.View(func(g *graph.Graph) error {
		pending = len(g.DependentValueRoots()) > 0
		return nil
	})
	return pending, nil
}

// UpdateDependentValues runs the engine over the change set and commits the
// computed values together with any roots left for a later run.
func (s *Service) UpdateDependentValues(ctx context.Context, engine *dvu.Engine, id, actor string) (*dvu.Report, error) {
	cs, err := s.db.GetChangeSet(id)
	if err != nil {
		return nil, err
	}
	if cs.Status != StatusOpen {
		return nil, fmt.Errorf("change set %s is %s: %w", id, cs.Status, ErrNotEditable)
	}
	vc, err := s.ClockID(cs)
	if err != nil {
		return nil, err
	}
	snap, err := s.Snapshot(ctx, cs)
	if err != nil {
		return nil, err
	}

	report, err := engine.Run(ctx, snap, dvu.RunInfo{WorkspaceID: cs.WorkspaceID, ChangeSetID: cs.ID, VC: vc})
	if err != nil {
		return nil, err
	}
	if !snap.Dirty() {
		return report, nil
	}
	// A cancelled run still commits what it computed.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := s.commit(commitCtx, cs, snap, vc, actor); err != nil {
		return nil, fmt.Errorf("committing dependent values: %w", err)
	}
	return report, nil
}

// NewDebouncer returns a debouncer that runs the engine over the change set
// whenever it has queued roots and this process holds the lease.
func (s *Service) NewDebouncer(engine *dvu.Engine, lease dvu.Lease, id, holder string, interval time.Duration) (*dvu.Debouncer, error) {
	return dvu.NewDebouncer(dvu.DebouncerConfig{
		Key:      id,
		Holder:   holder,
		Interval: interval,
		Lease:    lease,
		Pending: func(ctx context.Context) (bool, error) {
			return s.PendingDependentValues(ctx, id)
		},
		Run: func(ctx context.Context) error {
			report, err := s.UpdateDependentValues(ctx, engine, id, holder)
			if err != nil {
				return err
			}
			if len(report.Failed) > 0 {
				s.logger.Warn("dependent values update had failures",
					slog.String("change_set_id", id),
					slog.Int("failed", len(report.Failed)),
					slog.Int("blocked", len(report.Blocked)),
				)
			}
			return nil
		},
		Logger: s.logger,
	})
}
