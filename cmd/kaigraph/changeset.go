package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"kaigraph/changeset"
	"kaigraph/graph"
	"kaigraph/store"
)

var initCmd = &cobra.Command{
	Use:   "init <name>",
	Short: "Create a workspace with an empty HEAD change set",
	Args:  cobra.ExactArgs(1),
	RunE:  runInit,
}

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Inspect workspaces",
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE:  runWorkspaceList,
}

var changesetCmd = &cobra.Command{
	Use:     "changeset",
	Aliases: []string{"cs"},
	Short:   "Fork, review, apply and rebase change sets",
}

var changesetForkCmd = &cobra.Command{
	Use:   "fork <name>",
	Short: "Fork HEAD into a new change set",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesetFork,
}

var changesetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open change sets",
	RunE:  runChangesetList,
}

var changesetShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a change set",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesetShow,
}

var changesetHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the pointer and status history of a change set",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesetHistory,
}

var changesetStatusCmds = []*cobra.Command{
	{Use: "request-approval <id>", Short: "Ask for approval to apply", Args: cobra.ExactArgs(1)},
	{Use: "cancel-approval <id>", Short: "Withdraw an approval request", Args: cobra.ExactArgs(1)},
	{Use: "request-abandon <id>", Short: "Ask for approval to abandon", Args: cobra.ExactArgs(1)},
	{Use: "cancel-abandon <id>", Short: "Withdraw an abandon request", Args: cobra.ExactArgs(1)},
	{Use: "abandon <id>", Short: "Abandon a change set", Args: cobra.ExactArgs(1)},
}

var changesetApplyCmd = &cobra.Command{
	Use:   "apply <id>",
	Short: "Apply a change set to HEAD",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesetApply,
}

var changesetRebaseCmd = &cobra.Command{
	Use:   "rebase <id>",
	Short: "Rebase a change set onto its base",
	Long: `Rebase a change set onto the current snapshot of its base change set.

With --queue the request is recorded for 'kaigraph worker' instead of being
processed in this process.`,
	Args: cobra.ExactArgs(1),
	RunE: runChangesetRebase,
}

var changesetDiffCmd = &cobra.Command{
	Use:   "diff <id>",
	Short: "Show what a change set changed relative to its base",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesetDiff,
}

var changesetVoteCmd = &cobra.Command{
	Use:   "vote <id> <approve|reject>",
	Short: "Vote on a change set's approval or abandon request",
	Args:  cobra.ExactArgs(2),
	RunE:  runChangesetVote,
}

var (
	wsFlag          string
	rebaseQueueFlag bool
	diffPathFlag    string
	diffJSONFlag    bool
	voteSubjectFlag string
	historyAfter    int64
	historyLimit    int
)

func init() {
	workspaceCmd.AddCommand(workspaceListCmd)

	changesetCmd.PersistentFlags().StringVar(&wsFlag, "ws", "", "Workspace ID (default: the only workspace)")
	changesetRebaseCmd.Flags().BoolVar(&rebaseQueueFlag, "queue", false, "Enqueue the rebase for the worker")
	changesetDiffCmd.Flags().StringVar(&diffPathFlag, "path", "", "Comma-separated path globs to filter changes")
	changesetDiffCmd.Flags().BoolVar(&diffJSONFlag, "json", false, "Output changes as JSON")
	changesetVoteCmd.Flags().StringVar(&voteSubjectFlag, "subject", changeset.VoteSubjectMerge, "Vote subject: merge or abandon")
	changesetHistoryCmd.Flags().Int64Var(&historyAfter, "after", 0, "Only entries after this sequence number")
	changesetHistoryCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of entries")

	for _, c := range changesetStatusCmds {
		c.RunE = runChangesetStatus
	}

	changesetCmd.AddCommand(changesetForkCmd, changesetListCmd, changesetShowCmd, changesetHistoryCmd,
		changesetApplyCmd, changesetRebaseCmd, changesetDiffCmd, changesetVoteCmd)
	changesetCmd.AddCommand(changesetStatusCmds...)
}

func runInit(cmd *cobra.Command, args []string) error {
	ws, head, err := current.svc.CreateWorkspace(cmd.Context(), args[0], current.cfg.Actor)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created workspace %s (%s)\n", ws.Name, ws.ID)
	fmt.Fprintf(out, "HEAD: %s @ %s\n", head.ID, head.SnapshotAddress.Short())
	return nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	all, err := current.db.ListWorkspaces()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tHEAD")
	for _, ws := range all {
		fmt.Fprintf(w, "%s\t%s\t%s\n", ws.ID, ws.Name, shortID(ws.HeadChangeSetID))
	}
	return w.Flush()
}

func runChangesetFork(cmd *cobra.Command, args []string) error {
	wsID, err := current.workspaceID(wsFlag)
	if err != nil {
		return err
	}
	cs, err := current.svc.Fork(cmd.Context(), wsID, args[0], current.cfg.Actor)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created change set %s (%s)\n", cs.Name, cs.ID)
	return nil
}

func runChangesetList(cmd *cobra.Command, args []string) error {
	wsID, err := current.workspaceID(wsFlag)
	if err != nil {
		return err
	}
	open, err := current.svc.ListOpen(wsID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSNAPSHOT")
	for _, cs := range open {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cs.ID, cs.Name, cs.Status, cs.SnapshotAddress.Short())
	}
	return w.Flush()
}

func runChangesetShow(cmd *cobra.Command, args []string) error {
	cs, err := current.svc.Get(args[0])
	if err != nil {
		return err
	}
	printChangeSet(cmd, cs)
	return nil
}

func printChangeSet(cmd *cobra.Command, cs *store.ChangeSet) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:        %s\n", cs.ID)
	fmt.Fprintf(out, "Name:      %s\n", cs.Name)
	fmt.Fprintf(out, "Workspace: %s\n", cs.WorkspaceID)
	fmt.Fprintf(out, "Status:    %s\n", cs.Status)
	if cs.BaseChangeSetID != "" {
		fmt.Fprintf(out, "Base:      %s\n", cs.BaseChangeSetID)
	}
	fmt.Fprintf(out, "Snapshot:  %s\n", cs.SnapshotAddress)
	fmt.Fprintf(out, "Actor:     %s\n", cs.Actor)
}

func runChangesetHistory(cmd *cobra.Command, args []string) error {
	entries, err := current.svc.History(args[0], historyAfter, historyLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tKIND\tACTOR\tOLD\tNEW")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.Seq, e.Kind, e.Actor, shortID(e.Old), shortID(e.New))
	}
	return w.Flush()
}

func runChangesetStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, actor := args[0], current.cfg.Actor
	var (
		cs  *store.ChangeSet
		err error
	)
	switch cmd.Name() {
	case "request-approval":
		cs, err = current.svc.RequestApproval(ctx, id, actor)
	case "cancel-approval":
		cs, err = current.svc.CancelApprovalRequest(ctx, id, actor)
	case "request-abandon":
		cs, err = current.svc.RequestAbandonApproval(ctx, id, actor)
	case "cancel-abandon":
		cs, err = current.svc.CancelAbandonApprovalRequest(ctx, id, actor)
	case "abandon":
		cs, err = current.svc.Abandon(ctx, id, actor)
	default:
		return fmt.Errorf("unknown status command %q", cmd.Name())
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Change set %s is now %s\n", cs.ID, cs.Status)
	return nil
}

func runChangesetApply(cmd *cobra.Command, args []string) error {
	res, err := current.svc.Apply(cmd.Context(), args[0], current.cfg.Actor)
	var conflicts *changeset.ConflictsError
	if errors.As(err, &conflicts) {
		printConflicts(cmd, conflicts)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Applied %s to HEAD (%d updates, %s)\n", args[0], len(res.Updates), res.Outcome)
	return nil
}

func runChangesetRebase(cmd *cobra.Command, args []string) error {
	if rebaseQueueFlag {
		reqID, err := current.svc.EnqueueRebaseFromBase(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued rebase request %d\n", reqID)
		return nil
	}
	res, err := current.svc.RebaseFromBase(cmd.Context(), args[0], current.cfg.Actor)
	var conflicts *changeset.ConflictsError
	if errors.As(err, &conflicts) {
		printConflicts(cmd, conflicts)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rebased %s: %s (%d updates)\n", args[0], res.Outcome, len(res.Updates))
	return nil
}

func printConflicts(cmd *cobra.Command, ce *changeset.ConflictsError) {
	out := cmd.ErrOrStderr()
	for _, c := range ce.Conflicts {
		fmt.Fprintf(out, "  conflict: %s\n", c)
	}
}

func runChangesetDiff(cmd *cobra.Command, args []string) error {
	var patterns []string
	if diffPathFlag != "" {
		for _, p := range strings.Split(diffPathFlag, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
	}
	changes, err := current.svc.DetectChanges(cmd.Context(), args[0], patterns...)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if diffJSONFlag {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(changes)
	}
	if len(changes) == 0 {
		fmt.Fprintln(out, "No changes.")
		return nil
	}
	for _, c := range changes {
		var sign string
		switch c.Action {
		case graph.ActionAdded:
			sign = "+"
		case graph.ActionRemoved:
			sign = "-"
		default:
			sign = "~"
		}
		fmt.Fprintf(out, "%s %s (%s)", sign, c.Path, c.Kind)
		if c.BeforeValue != nil || c.AfterValue != nil {
			fmt.Fprintf(out, ": %s -> %s", rawOrNone(c.BeforeValue), rawOrNone(c.AfterValue))
		}
		fmt.Fprintln(out)
	}
	return nil
}

func rawOrNone(raw json.RawMessage) string {
	if raw == nil {
		return "(none)"
	}
	return string(raw)
}

func runChangesetVote(cmd *cobra.Command, args []string) error {
	if err := current.svc.Vote(cmd.Context(), args[0], current.cfg.Actor, voteSubjectFlag, args[1]); err != nil {
		return err
	}
	votes, err := current.svc.Votes(args[0], voteSubjectFlag)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s vote on %s (%d votes)\n", args[1], voteSubjectFlag, len(votes))
	return nil
}
