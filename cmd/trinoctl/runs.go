// runs.go implements `trinoctl runs`: list and inspect the durable run
// history the orchestrator records for every provisioning attempt.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/trinoctl/internal/provision"
	"github.com/example/trinoctl/internal/ui"
)

func newRunsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "runs",
		Short:         "Inspect past provisioning runs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsList(cmd, 0)
		},
	}
	cmd.AddCommand(newRunsListCommand(), newRunsShowCommand())
	decorateCommandHelp(cmd, "Runs Flags")
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List recent provisioning runs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsList(cmd, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	return cmd
}

func runRunsList(cmd *cobra.Command, limit int) error {
	store, err := openRunStore()
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
			return nil
		}
		return err
	}
	defer store.Close()

	entries, err := store.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No runs recorded yet.")
		return nil
	}
	table := ui.NewTable("Run", "Environment", "Status", "Ready", "Started")
	for _, entry := range entries {
		ready := ""
		if entry.HasSummary {
			ready = fmt.Sprintf("%d/%d", entry.Totals.Ready, entry.Totals.Planned)
		}
		table.AddRow(entry.RunID, entry.Project, entry.Status, ready, entry.StartedAt)
	}
	width, _ := ui.TerminalWidth(out)
	table.Render(out, width)
	return nil
}

type runsShowOptions struct {
	events bool
	output string
}

func newRunsShowCommand() *cobra.Command {
	opts := &runsShowOptions{output: "table"}
	cmd := &cobra.Command{
		Use:           "show [RUN_ID]",
		Short:         "Show one run's per-service outcomes (default: the most recent run)",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) > 0 {
				runID = args[0]
			}
			return runRunsShow(cmd, runID, opts)
		},
	}
	fs := cmd.Flags()
	fs.BoolVar(&opts.events, "events", false, "Include the run's durable event log")
	fs.Var(newEnumStringValue(&opts.output, "table", "json"), "output", "Output format: table or json")
	return cmd
}

func runRunsShow(cmd *cobra.Command, runID string, opts *runsShowOptions) error {
	ctx := cmd.Context()
	store, err := openRunStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if runID == "" {
		runID, err = store.MostRecentRunID(ctx)
		if err != nil {
			return fmt.Errorf("no runs recorded yet")
		}
	}
	summary, err := store.GetRunSummary(ctx, runID)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	var events []provision.Event
	if opts.events {
		events, _, err = store.ListEvents(ctx, runID, 0)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if opts.output == "json" {
		doc := struct {
			Summary *provision.RunSummary `json:"summary"`
			Events  []provision.Event     `json:"events,omitempty"`
		}{Summary: summary, Events: events}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	printRunSummary(out, summary)
	if opts.events {
		fmt.Fprintln(out)
		printRunEvents(out, events)
	}
	return nil
}

func printRunSummary(w io.Writer, summary *provision.RunSummary) {
	t := summary.Totals
	fmt.Fprintf(w, "Run %s (%s) %s\n", summary.RunID, summary.Project, summary.Status)
	fmt.Fprintf(w, "Started %s, updated %s\n", summary.StartedAt, summary.UpdatedAt)
	fmt.Fprintf(w, "Services: %d planned, %d ready, %d failed, %d blocked\n\n", t.Planned, t.Ready, t.Failed, t.Blocked)

	names := summary.Order
	if len(names) == 0 {
		for name := range summary.Services {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	table := ui.NewTable("Service", "Module", "Status", "State", "Hooks", "Error")
	for _, name := range names {
		svc, ok := summary.Services[name]
		if !ok {
			continue
		}
		hooks := ""
		if n := len(svc.Hooks); n > 0 {
			succeeded := 0
			for _, h := range svc.Hooks {
				if h.ExitCode == 0 && h.Error == "" {
					succeeded++
				}
			}
			hooks = fmt.Sprintf("%d/%d", succeeded, n)
		}
		errCol := svc.Error
		if svc.ErrorClass != "" {
			errCol = svc.ErrorClass + ": " + svc.Error
		}
		table.AddRow(name, svc.Module, svc.Status, svc.State, hooks, errCol)
	}
	width, _ := ui.TerminalWidth(w)
	table.Render(w, width)

	for _, warn := range summary.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warn)
	}
}

func printRunEvents(w io.Writer, events []provision.Event) {
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-18s %s", ev.TS, ev.Type, ev.Service)
		if ev.Message != "" {
			line += "  " + ev.Message
		}
		if ev.Error != nil {
			line += "  [" + ev.Error.Class + "] " + ev.Error.Message
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

func openRunStore() (*provision.Store, error) {
	home, err := stateHome()
	if err != nil {
		return nil, err
	}
	return provision.OpenStore(home, true)
}
