package dvu

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DebouncerConfig configures a Debouncer.
type DebouncerConfig struct {
	// Key names the lease, normally the change set ID.
	Key    string
	Holder string
	// Interval between checks. Default one second.
	Interval time.Duration
	Lease    Lease
	// Pending reports whether the change set has queued roots.
	Pending func(ctx context.Context) (bool, error)
	// Run performs one dependent values update and persists the result.
	Run    func(ctx context.Context) error
	Logger *slog.Logger
}

// Debouncer coalesces bursts of edits into periodic update runs. Only the
// lease holder runs; the lease is dropped once nothing is pending so another
// process can take over.
type Debouncer struct {
	cfg    DebouncerConfig
	logger *slog.Logger

	mu     sync.Mutex
	leader bool
	stop   chan struct{}
	done   chan struct{}
}

// NewDebouncer returns a debouncer. Call Start to begin ticking.
func NewDebouncer(cfg DebouncerConfig) (*Debouncer, error) {
	if cfg.Lease == nil || cfg.Pending == nil || cfg.Run == nil {
		return nil, errors.New("dvu: debouncer needs a lease, a pending check and a run function")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Debouncer{
		cfg:    cfg,
		logger: logger.With(slog.String("lease", cfg.Key), slog.String("holder", cfg.Holder)),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start begins the background loop.
func (d *Debouncer) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop ends the loop, waits for it to exit and releases the lease.
func (d *Debouncer) Stop(ctx context.Context) {
	close(d.stop)
	<-d.done
	d.release(ctx)
}

// IsLeader reports whether this debouncer held the lease at the last tick.
func (d *Debouncer) IsLeader() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leader
}

func (d *Debouncer) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Warn("dependent values update tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick performs one check: release when idle, otherwise take or keep the
// lease and run once.
func (d *Debouncer) Tick(ctx context.Context) error {
	pending, err := d.cfg.Pending(ctx)
	if err != nil {
		return err
	}
	if !pending {
		d.release(ctx)
		return nil
	}

	d.mu.Lock()
	leader := d.leader
	d.mu.Unlock()

	if leader {
		err = d.cfg.Lease.Renew(ctx, d.cfg.Key, d.cfg.Holder)
	} else {
		err = d.cfg.Lease.Acquire(ctx, d.cfg.Key, d.cfg.Holder)
	}
	if errors.Is(err, ErrLeaseHeld) || errors.Is(err, ErrLeaseLost) {
		d.setLeader(false)
		return nil
	}
	if err != nil {
		d.setLeader(false)
		return err
	}
	if !leader {
		d.logger.Debug("acquired dependent values update lease")
	}
	d.setLeader(true)
	return d.cfg.Run(ctx)
}

func (d *Debouncer) setLeader(v bool) {
	d.mu.Lock()
	d.leader = v
	d.mu.Unlock()
}

func (d *Debouncer) release(ctx context.Context) {
	d.mu.Lock()
	leader := d.leader
	d.leader = false
	d.mu.Unlock()
	if !leader {
		return
	}
	if err := d.cfg.Lease.Release(ctx, d.cfg.Key, d.cfg.Holder); err != nil {
		d.logger.Warn("releasing lease", slog.String("error", err.Error()))
	}
}
