// Package dvu runs dependent value updates: after attribute values change,
// it recomputes every value that transitively reads them, in dependency
// order, with bounded concurrency per component.
package dvu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"kaigraph/cas"
	"kaigraph/events"
	"kaigraph/graph"
	"kaigraph/model"
	"kaigraph/snapshot"
	"kaigraph/vclock"
)

var (
	tracer = otel.Tracer("kaigraph.dvu")
	meter  = otel.Meter("kaigraph.dvu")
)

// Executor computes one attribute value. It returns nil for unset.
type Executor interface {
	Execute(ctx context.Context, req model.FuncRequest) (*cas.ContentHash, error)
}

// Config configures an Engine.
type Config struct {
	Executor Executor
	CAS      model.CAS
	// PerOwnerLimit caps concurrently computing values per component.
	// Values without a component are not limited. Default 4.
	PerOwnerLimit int
	// MaxActiveOwners caps how many components compute at once. Zero means
	// no cap.
	MaxActiveOwners int
	Sink            events.Sink
	Logger          *slog.Logger
}

// Engine runs dependent value updates against workspace snapshots.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	metricsOnce    sync.Once
	valuesExecuted metric.Int64Counter
	valuesFailed   metric.Int64Counter
	runDuration    metric.Float64Histogram
}

// NewEngine validates cfg and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Executor == nil {
		return nil, errors.New("dvu: executor is required")
	}
	if cfg.CAS == nil {
		return nil, errors.New("dvu: content store is required")
	}
	if cfg.PerOwnerLimit <= 0 {
		cfg.PerOwnerLimit = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}, nil
}

func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.valuesExecuted, err = meter.Int64Counter("dvu_values_executed_total",
			metric.WithDescription("Number of attribute values computed"),
		)
		if err != nil {
			initErrors = append(initErrors, "values_executed: "+err.Error())
		}

		e.valuesFailed, err = meter.Int64Counter("dvu_values_failed_total",
			metric.WithDescription("Number of attribute value computations that failed"),
		)
		if err != nil {
			initErrors = append(initErrors, "values_failed: "+err.Error())
		}

		e.runDuration, err = meter.Float64Histogram("dvu_run_duration_seconds",
			metric.WithDescription("Dependent values update run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_duration: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some DVU metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// RunInfo identifies the change set a run works for.
type RunInfo struct {
	WorkspaceID string
	ChangeSetID string
	VC          vclock.ID
}

// Report summarizes a run.
type Report struct {
	// Executed lists computed values in completion order.
	Executed []graph.ID
	// Failed maps values whose function failed to the error.
	Failed map[graph.ID]error
	// Blocked lists values skipped because an input failed.
	Blocked []graph.ID
	// Requeued counts roots written back for a later run.
	Requeued int
}

type outcome struct {
	id    graph.ID
	value *cas.ContentHash
	err   error
}

// Run drains the snapshot's dependent value roots and computes every
// affected value. Function failures are isolated to the failing value and
// its dependents and reported in the Report. Only graph and storage errors
// are returned. On context cancellation running values are awaited and
// unfinished work is queued back as roots. The caller writes the snapshot.
func (e *Engine) Run(ctx context.Context, snap *snapshot.WorkspaceSnapshot, info RunInfo) (*Report, error) {
	e.initMetrics()

	ctx, span := tracer.Start(ctx, "dvu.Run",
		trace.WithAttributes(
			attribute.String("change_set_id", info.ChangeSetID),
			attribute.String("vclock.id", string(info.VC)),
		),
	)
	defer span.End()
	start := time.Now()

	var roots []graph.DependentValueRootPayload
	err := snap.Mutate(func(g *graph.Graph) error {
		var err error
		roots, err = model.NewEditor(e.cfg.CAS, info.VC, g).TakeDependentValueRoots()
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("taking dependent value roots: %w", err)
	}

	report := &Report{Failed: make(map[graph.ID]error)}
	if len(roots) == 0 {
		return report, nil
	}

	var d *DependentValueGraph
	_ = snap.View(func(g *graph.Graph) error {
		d = BuildDependentValueGraph(g, roots)
		return nil
	})
	span.SetAttributes(attribute.Int("dvu.roots", len(roots)), attribute.Int("dvu.values", d.Len()))
	e.logger.Info("dependent values update started",
		slog.String("change_set_id", info.ChangeSetID),
		slog.Int("roots", len(roots)),
		slog.Int("values", d.Len()),
	)

	base := events.Event{WorkspaceID: info.WorkspaceID, ChangeSetID: info.ChangeSetID}
	tracker := newStatusTracker(d, base, e.cfg.Sink, e.logger)
	if err := e.drain(ctx, snap, info, d, tracker, report); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	tracker.flush(ctx)

	leftovers := d.leftovers()
	if len(leftovers) > 0 {
		err := snap.Mutate(func(g *graph.Graph) error {
			ed := model.NewEditor(e.cfg.CAS, info.VC, g)
			for _, r := range leftovers {
				if err := ed.EnqueueDependentValueRoot(r.ValueID, r.Finished); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("requeueing dependent value roots: %w", err)
		}
		report.Requeued = len(leftovers)
	}

	elapsed := time.Since(start)
	e.runDuration.Record(ctx, elapsed.Seconds())
	span.SetAttributes(
		attribute.Int("dvu.executed", len(report.Executed)),
		attribute.Int("dvu.failed", len(report.Failed)),
		attribute.Int("dvu.blocked", len(report.Blocked)),
		attribute.Int("dvu.requeued", report.Requeued),
	)
	e.logger.Info("dependent values update finished",
		slog.String("change_set_id", info.ChangeSetID),
		slog.Int("executed", len(report.Executed)),
		slog.Int("failed", len(report.Failed)),
		slog.Int("blocked", len(report.Blocked)),
		slog.Int("requeued", report.Requeued),
		slog.Duration("duration", elapsed),
	)
	events.Publish(ctx, e.cfg.Sink, e.logger, events.Event{
		Kind:        events.KindDependentValuesRun,
		WorkspaceID: info.WorkspaceID,
		ChangeSetID: info.ChangeSetID,
		Status:      events.StatusFinished,
		Data: map[string]string{
			"executed": fmt.Sprint(len(report.Executed)),
			"failed":   fmt.Sprint(len(report.Failed)),
		},
	})
	return report, nil
}

// drain is the scheduling loop. It starts every ready value whose component
// has a free slot, then waits for one outcome and repeats until nothing is
// running and nothing more can start.
func (e *Engine) drain(ctx context.Context, snap *snapshot.WorkspaceSnapshot, info RunInfo, d *DependentValueGraph, tracker *statusTracker, report *Report) error {
	results := make(chan outcome, len(d.order))
	running := make(map[graph.ID]int)
	inflight := 0
	var eg errgroup.Group
	defer func() { _ = eg.Wait() }()

	for {
		if ctx.Err() == nil {
			for _, id := range d.order {
				n := d.nodes[id]
				if !d.ready(n) || !e.hasSlot(n, running) {
					continue
				}
				req, err := e.request(ctx, snap, id)
				if err != nil {
					return err
				}
				n.state = StateRunning
				if n.hasOwner {
					running[n.owner]++
				}
				inflight++
				tracker.start(ctx, n)
				eg.Go(func() error {
					results <- e.execute(ctx, req)
					return nil
				})
			}
		}
		if inflight == 0 {
			return nil
		}

		out := <-results
		inflight--
		n := d.nodes[out.id]
		if n.hasOwner {
			running[n.owner]--
			if running[n.owner] == 0 {
				delete(running, n.owner)
			}
		}

		switch {
		case out.err == nil:
			err := snap.Mutate(func(g *graph.Graph) error {
				return model.NewEditor(e.cfg.CAS, info.VC, g).SetComputed(out.id, out.value)
			})
			if err != nil {
				return fmt.Errorf("storing value %s: %w", out.id, err)
			}
			n.state = StateSucceeded
			report.Executed = append(report.Executed, out.id)
			e.valuesExecuted.Add(ctx, 1)
			tracker.done(ctx, n)
			events.Publish(ctx, e.cfg.Sink, e.logger, events.Event{
				Kind:        events.KindValueUpdated,
				WorkspaceID: info.WorkspaceID,
				ChangeSetID: info.ChangeSetID,
				Subject:     out.id.String(),
			})

		case ctx.Err() != nil && errors.Is(out.err, ctx.Err()):
			n.state = StatePending

		default:
			n.state = StateFailed
			report.Failed[out.id] = out.err
			e.valuesFailed.Add(ctx, 1)
			tracker.done(ctx, n)
			e.logger.Warn("attribute value function failed",
				slog.String("change_set_id", info.ChangeSetID),
				slog.String("value_id", out.id.String()),
				slog.String("error", out.err.Error()),
			)
			for _, blocked := range d.block(out.id) {
				report.Blocked = append(report.Blocked, blocked)
				tracker.done(ctx, d.nodes[blocked])
			}
		}
	}
}

func (e *Engine) hasSlot(n *valueNode, running map[graph.ID]int) bool {
	if !n.hasOwner {
		return true
	}
	active := running[n.owner]
	if active >= e.cfg.PerOwnerLimit {
		return false
	}
	if active == 0 && e.cfg.MaxActiveOwners > 0 && len(running) >= e.cfg.MaxActiveOwners {
		return false
	}
	return true
}

func (e *Engine) request(ctx context.Context, snap *snapshot.WorkspaceSnapshot, id graph.ID) (model.FuncRequest, error) {
	var req model.FuncRequest
	err := snap.View(func(g *graph.Graph) error {
		var err error
		req, err = model.BuildRequest(ctx, e.cfg.CAS, g, id)
		return err
	})
	if err != nil {
		return req, fmt.Errorf("building request for %s: %w", id, err)
	}
	return req, nil
}

func (e *Engine) execute(ctx context.Context, req model.FuncRequest) outcome {
	ctx, span := tracer.Start(ctx, "dvu.Execute",
		trace.WithAttributes(
			attribute.String("value_id", req.ValueID.String()),
			attribute.String("func", req.Func),
		),
	)
	defer span.End()

	v, err := e.cfg.Executor.Execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome{id: req.ValueID, value: v, err: err}
}
