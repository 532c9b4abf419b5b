// Package main provides the kaigraph CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the current kaigraph version.
var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "kaigraph",
	Short:   "kaigraph - versioned workspace graphs with change sets",
	Long:    `kaigraph stores a workspace's entity graph as content-addressed snapshots, lets change sets edit it in isolation, rebases them onto HEAD with conflict detection and recomputes dependent attribute values.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !needsApp(cmd) {
			return nil
		}
		return openApp()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeApp()
	},
	SilenceUsage: true,
}

// Command groups for organized help output
const (
	groupChangeSets = "changesets"
	groupGraph      = "graph"
	groupServe      = "serve"
)

const annotationNoApp = "kaigraph/no-app"

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print the kaigraph version",
	Annotations: map[string]string{annotationNoApp: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kaigraph %s\n", Version)
	},
}

// needsApp reports whether cmd works on the data directory.
func needsApp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
			return false
		}
	}
	return cmd.Annotations[annotationNoApp] != "true"
}

// Global flags
var (
	configFile   string
	dataDirFlag  string
	logLevelFlag string
	logJSONFlag  bool
	natsURLFlag  string
	actorFlag    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides KAIGRAPH_* environment)")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data", "", "Data directory (default: ./data)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSONFlag, "log-json", false, "Log as JSON")
	rootCmd.PersistentFlags().StringVar(&natsURLFlag, "nats", "", "NATS URL for events and leases")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "", "Actor recorded in change set history")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupChangeSets, Title: "Workspaces and change sets:"},
		&cobra.Group{ID: groupGraph, Title: "Graph contents:"},
		&cobra.Group{ID: groupServe, Title: "Background processing:"},
	)

	initCmd.GroupID = groupChangeSets
	workspaceCmd.GroupID = groupChangeSets
	changesetCmd.GroupID = groupChangeSets
	componentCmd.GroupID = groupGraph
	valueCmd.GroupID = groupGraph
	snapshotCmd.GroupID = groupGraph
	dvuCmd.GroupID = groupServe
	workerCmd.GroupID = groupServe

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd, workspaceCmd, changesetCmd, componentCmd, valueCmd, snapshotCmd, dvuCmd, workerCmd)
}

func main() {
	err := rootCmd.Execute()
	if cerr := closeApp(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// shortID safely truncates an ID string to 12 characters.
func shortID(s string) string {
	if len(s) >= 12 {
		return s[:12]
	}
	return s
}
