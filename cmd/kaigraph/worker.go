package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"kaigraph/dvu"
	"kaigraph/rebaser"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued rebases and keep dependent values current",
	Long: `Worker runs until interrupted. It claims queued rebase requests, watches
every open change set for queued dependent value roots and serves Prometheus
metrics on the configured metrics address.`,
	RunE: runWorker,
}

var (
	workerOnceFlag bool
	workerNoDVU    bool
)

func init() {
	workerCmd.Flags().BoolVar(&workerOnceFlag, "once", false, "Drain the rebase queue and exit")
	workerCmd.Flags().BoolVar(&workerNoDVU, "no-dvu", false, "Do not run dependent value updates")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg := current.cfg
	logger := current.logger
	w := rebaser.NewWorker(current.db, current.svc.Rebaser(), current.sink, logger, cfg.RebasePoll)

	if workerOnceFlag {
		n := w.Drain(commandContext(cmd.Context()))
		fmt.Fprintf(cmd.OutOrStdout(), "Processed %d rebase requests\n", n)
		return nil
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd.Context()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	w.Start(ctx)
	var watchers *debouncers
	if !workerNoDVU {
		var err error
		if watchers, err = newDebouncers(ctx); err != nil {
			w.Stop()
			return err
		}
		go watchers.run(ctx, cfg.DebounceInterval*5)
	}

	logger.Info("worker started", slog.Duration("rebase_poll", cfg.RebasePoll))
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	w.Stop()
	if watchers != nil {
		watchers.stopAll(shutdownCtx)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
	}
	return nil
}

// debouncers keeps one dvu.Debouncer per open change set.
type debouncers struct {
	engine *dvu.Engine
	lease  dvu.Lease
	holder string
	active map[string]*dvu.Debouncer
	done   chan struct{}
}

func newDebouncers(ctx context.Context) (*debouncers, error) {
	engine, err := current.dvuEngine()
	if err != nil {
		return nil, err
	}
	lease, err := newLease(ctx)
	if err != nil {
		return nil, err
	}
	return &debouncers{engine: engine, lease: lease, holder: holderName(), active: make(map[string]*dvu.Debouncer), done: make(chan struct{})}, nil
}

func (d *debouncers) run(ctx context.Context, refresh time.Duration) {
	defer close(d.done)
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		if err := d.sync(ctx); err != nil {
			current.logger.Warn("refreshing change sets", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sync starts debouncers for newly open change sets and stops those whose
// change set left the open states.
func (d *debouncers) sync(ctx context.Context) error {
	all, err := current.db.ListWorkspaces()
	if err != nil {
		return err
	}
	open := make(map[string]bool)
	for _, ws := range all {
		sets, err := current.svc.ListOpen(ws.ID)
		if err != nil {
			return err
		}
		for _, cs := range sets {
			open[cs.ID] = true
			if _, ok := d.active[cs.ID]; ok {
				continue
			}
			deb, err := current.svc.NewDebouncer(d.engine, d.lease, cs.ID, d.holder, current.cfg.DebounceInterval)
			if err != nil {
				return err
			}
			deb.Start(ctx)
			d.active[cs.ID] = deb
		}
	}
	for id, deb := range d.active {
		if !open[id] {
			deb.Stop(ctx)
			delete(d.active, id)
		}
	}
	return nil
}

// stopAll waits for run to return, then stops every debouncer.
func (d *debouncers) stopAll(ctx context.Context) {
	<-d.done
	for id, deb := range d.active {
		deb.Stop(ctx)
		delete(d.active, id)
	}
}
