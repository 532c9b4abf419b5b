package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"kaigraph/dvu"
)

var dvuCmd = &cobra.Command{
	Use:   "dvu",
	Short: "Compute dependent attribute values",
}

var dvuRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Compute every queued dependent value of a change set once",
	RunE:  runDVURun,
}

var dvuWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep a change set's dependent values current until interrupted",
	Long: `Watch polls the change set for queued dependent value roots and runs the
engine whenever it holds the change set's lease. With --nats the lease lives in
a JetStream key-value bucket so that only one watcher per change set computes.`,
	RunE: runDVUWatch,
}

func init() {
	dvuCmd.PersistentFlags().StringVar(&wsFlag, "ws", "", "Workspace ID (default: the only workspace)")
	dvuCmd.PersistentFlags().StringVar(&csFlag, "cs", "", "Change set ID (default: HEAD)")
	dvuCmd.AddCommand(dvuRunCmd, dvuWatchCmd)
}

func runDVURun(cmd *cobra.Command, args []string) error {
	id, err := targetChangeSet()
	if err != nil {
		return err
	}
	engine, err := current.dvuEngine()
	if err != nil {
		return err
	}
	report, err := current.svc.UpdateDependentValues(cmd.Context(), engine, id, current.cfg.Actor)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Executed: %d\n", len(report.Executed))
	for avID, ferr := range report.Failed {
		fmt.Fprintf(out, "Failed:   %s: %v\n", avID, ferr)
	}
	if len(report.Blocked) > 0 {
		fmt.Fprintf(out, "Blocked:  %d\n", len(report.Blocked))
	}
	if report.Requeued > 0 {
		fmt.Fprintf(out, "Requeued: %d\n", report.Requeued)
	}
	return nil
}

// newLease returns a JetStream lease when NATS is configured and an
// in-process one otherwise.
func newLease(ctx context.Context) (dvu.Lease, error) {
	if current.nc == nil {
		return dvu.NewMemoryLease(current.cfg.LeaseTTL), nil
	}
	js, err := jetstream.New(current.nc)
	if err != nil {
		return nil, fmt.Errorf("opening JetStream: %w", err)
	}
	return dvu.NewNATSLease(ctx, js, current.cfg.LeaseBucket, current.cfg.LeaseTTL)
}

func holderName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "kaigraph"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func runDVUWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd.Context()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := targetChangeSet()
	if err != nil {
		return err
	}
	engine, err := current.dvuEngine()
	if err != nil {
		return err
	}
	lease, err := newLease(ctx)
	if err != nil {
		return err
	}
	d, err := current.svc.NewDebouncer(engine, lease, id, holderName(), current.cfg.DebounceInterval)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (Ctrl-C to stop)\n", id)
	d.Start(ctx)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.Stop(stopCtx)
	return nil
}
