package main

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"kaigraph/graph"
	"kaigraph/model"
)

var componentCmd = &cobra.Command{
	Use:   "component",
	Short: "Create and list components",
}

var componentCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a component",
	Args:  cobra.ExactArgs(1),
	RunE:  runComponentCreate,
}

var componentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List components and their attribute values",
	RunE:  runComponentList,
}

var valueCmd = &cobra.Command{
	Use:   "value",
	Short: "Add, set, read and connect attribute values",
	Long: `Attribute values are addressed as <component>.<key>.

Setting or connecting a value queues it for dependent value computation;
run 'kaigraph dvu run' to compute the values that depend on it.`,
}

var valueAddCmd = &cobra.Command{
	Use:   "add <component>.<key>",
	Short: "Add an attribute value to a component",
	Args:  cobra.ExactArgs(1),
	RunE:  runValueAdd,
}

var valueSetCmd = &cobra.Command{
	Use:   "set <component>.<key> <json>",
	Short: "Set a static value; text that is not JSON is stored as a string",
	Args:  cobra.ExactArgs(2),
	RunE:  runValueSet,
}

var valueUnsetCmd = &cobra.Command{
	Use:   "unset <component>.<key>",
	Short: "Clear a value",
	Args:  cobra.ExactArgs(1),
	RunE:  runValueUnset,
}

var valueGetCmd = &cobra.Command{
	Use:   "get <component>.<key>",
	Short: "Print a value as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runValueGet,
}

var valueConnectCmd = &cobra.Command{
	Use:   "connect <target> <source>",
	Short: "Make target a copy of source",
	Args:  cobra.ExactArgs(2),
	RunE:  runValueConnect,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect a change set's snapshot",
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show snapshot address and size",
	RunE:  runSnapshotShow,
}

var snapshotDotCmd = &cobra.Command{
	Use:   "dot",
	Short: "Write the snapshot graph in Graphviz DOT format",
	RunE:  runSnapshotDot,
}

var (
	csFlag       string
	propKindFlag string
)

func init() {
	for _, c := range []*cobra.Command{componentCmd, valueCmd, snapshotCmd} {
		c.PersistentFlags().StringVar(&wsFlag, "ws", "", "Workspace ID (default: the only workspace)")
		c.PersistentFlags().StringVar(&csFlag, "cs", "", "Change set ID (default: HEAD)")
	}
	valueAddCmd.Flags().StringVar(&propKindFlag, "kind", "string", "Prop kind")

	componentCmd.AddCommand(componentCreateCmd, componentListCmd)
	valueCmd.AddCommand(valueAddCmd, valueSetCmd, valueUnsetCmd, valueGetCmd, valueConnectCmd)
	snapshotCmd.AddCommand(snapshotShowCmd, snapshotDotCmd)
}

func targetChangeSet() (string, error) {
	return current.changeSetID(wsFlag, csFlag)
}

// view runs fn over the target change set's graph.
func view(ctx context.Context, fn func(g *graph.Graph) error) error {
	id, err := targetChangeSet()
	if err != nil {
		return err
	}
	cs, err := current.svc.Get(id)
	if err != nil {
		return err
	}
	snap, err := current.svc.Snapshot(ctx, cs)
	if err != nil {
		return err
	}
	return snap.View(fn)
}

// edit commits fn as one edit of the target change set.
func edit(ctx context.Context, fn func(e *model.Editor) error) error {
	id, err := targetChangeSet()
	if err != nil {
		return err
	}
	_, err = current.svc.Edit(ctx, id, current.cfg.Actor, fn)
	return err
}

func splitRef(ref string) (component, key string, err error) {
	i := strings.LastIndex(ref, ".")
	if i <= 0 || i == len(ref)-1 {
		return "", "", fmt.Errorf("invalid value reference %q (want <component>.<key>)", ref)
	}
	return ref[:i], ref[i+1:], nil
}

func findComponent(ctx context.Context, g *graph.Graph, name string) (graph.ID, error) {
	id, ok, err := model.FindComponent(ctx, current.svc.CAS(), g, name)
	if err != nil {
		return graph.ID{}, err
	}
	if !ok {
		return graph.ID{}, fmt.Errorf("component %q not found", name)
	}
	return id, nil
}

// resolveValues looks up each <component>.<key> reference.
func resolveValues(ctx context.Context, refs ...string) ([]graph.ID, error) {
	out := make([]graph.ID, len(refs))
	err := view(ctx, func(g *graph.Graph) error {
		for i, ref := range refs {
			name, key, err := splitRef(ref)
			if err != nil {
				return err
			}
			comp, err := findComponent(ctx, g, name)
			if err != nil {
				return err
			}
			if out[i], err = model.Attribute(g, comp, key); err != nil {
				return fmt.Errorf("%s: %w", ref, err)
			}
		}
		return nil
	})
	return out, err
}

func runComponentCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var id graph.ID
	err := edit(ctx, func(e *model.Editor) error {
		var err error
		id, err = e.CreateComponent(ctx, args[0])
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created component %s (%s)\n", args[0], id)
	return nil
}

func runComponentList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tKEY\tVALUE")
	err := view(ctx, func(g *graph.Graph) error {
		comps, err := model.Components(ctx, current.svc.CAS(), g)
		if err != nil {
			return err
		}
		for _, c := range comps {
			attrs, err := model.Attributes(g, c.ID)
			if err != nil {
				return err
			}
			if len(attrs) == 0 {
				fmt.Fprintf(w, "%s\t\t\n", c.Name)
				continue
			}
			for _, key := range slices.Sorted(maps.Keys(attrs)) {
				data, err := model.ValueJSON(ctx, current.svc.CAS(), g, attrs[key])
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, key, rawOrNone(data))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return w.Flush()
}

func runValueAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name, key, err := splitRef(args[0])
	if err != nil {
		return err
	}
	var comp graph.ID
	if err := view(ctx, func(g *graph.Graph) error {
		comp, err = findComponent(ctx, g, name)
		return err
	}); err != nil {
		return err
	}
	var av graph.ID
	err = edit(ctx, func(e *model.Editor) error {
		prop, err := e.CreateProp(ctx, model.Prop{Name: key, Kind: propKindFlag})
		if err != nil {
			return err
		}
		av, err = e.AddAttribute(ctx, comp, prop, key)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", args[0], av)
	return nil
}

// parseValue decodes JSON, falling back to the raw text as a string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func runValueSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ids, err := resolveValues(ctx, args[0])
	if err != nil {
		return err
	}
	if err := edit(ctx, func(e *model.Editor) error {
		return e.SetValue(ctx, ids[0], parseValue(args[1]))
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", args[0])
	return nil
}

func runValueUnset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ids, err := resolveValues(ctx, args[0])
	if err != nil {
		return err
	}
	if err := edit(ctx, func(e *model.Editor) error {
		return e.Unset(ctx, ids[0])
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unset %s\n", args[0])
	return nil
}

func runValueGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ids, err := resolveValues(ctx, args[0])
	if err != nil {
		return err
	}
	return view(ctx, func(g *graph.Graph) error {
		data, err := model.ValueJSON(ctx, current.svc.CAS(), g, ids[0])
		if err != nil {
			return err
		}
		if data == nil {
			data = []byte("null")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	})
}

func runValueConnect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ids, err := resolveValues(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if err := edit(ctx, func(e *model.Editor) error {
		return e.Connect(ctx, ids[0], ids[1])
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Connected %s <- %s\n", args[0], args[1])
	return nil
}

func runSnapshotShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := targetChangeSet()
	if err != nil {
		return err
	}
	cs, err := current.svc.Get(id)
	if err != nil {
		return err
	}
	pending, err := current.svc.PendingDependentValues(ctx, id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	return view(ctx, func(g *graph.Graph) error {
		fmt.Fprintf(out, "Change set: %s (%s)\n", cs.Name, cs.ID)
		fmt.Fprintf(out, "Address:    %s\n", cs.SnapshotAddress)
		fmt.Fprintf(out, "Root hash:  %s\n", g.RootMerkleHash())
		fmt.Fprintf(out, "Nodes:      %d\n", g.NodeCount())
		fmt.Fprintf(out, "Edges:      %d\n", g.EdgeCount())
		fmt.Fprintf(out, "DVU queued: %v\n", pending)
		return nil
	})
}

func runSnapshotDot(cmd *cobra.Command, args []string) error {
	return view(cmd.Context(), func(g *graph.Graph) error {
		return g.WriteDot(cmd.OutOrStdout())
	})
}
