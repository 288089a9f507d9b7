// down.go implements `trinoctl down`: stop and remove the label-matched
// pieces of an environment, optionally including its named volumes.
package main

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/example/trinoctl/internal/resources"
	"github.com/example/trinoctl/internal/runtime"
	"github.com/example/trinoctl/internal/ui"
)

type downOptions struct {
	modules []string
	volumes bool
	sigKill bool
	dryRun  bool
}

func newDownCommand(root *rootOptions) *cobra.Command {
	opts := &downOptions{}
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop and remove the environment's containers and networks",
		Long: "Down tears an environment down by label provenance: it stops and\n" +
			"removes every container and network carrying this tool's labels for\n" +
			"the environment, and with --volumes its named volumes too. Resources\n" +
			"that merely share a name but lack the labels are never touched.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDown(cmd, root, opts)
		},
	}
	fs := cmd.Flags()
	fs.VarP(&validatedCSVListValue{dest: &opts.modules, validator: validateModuleName, name: "module"}, "module", "m", "Limit teardown to resources owned by these modules")
	fs.BoolVar(&opts.volumes, "volumes", false, "Also remove the environment's named volumes")
	fs.BoolVar(&opts.sigKill, "sig-kill", false, "Kill containers immediately instead of a graceful stop")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Report what would be removed without removing it")
	decorateCommandHelp(cmd, "Down Flags")
	return cmd
}

func runDown(cmd *cobra.Command, root *rootOptions, opts *downOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	env, err := resolveEnvironment(ctx, root, nil)
	if err != nil {
		return err
	}
	log, err := buildLogger(cmd, root, env)
	if err != nil {
		return err
	}
	rt := runtime.New(log, runtime.Options{Parallel: int64(env.RuntimeParallel)})

	selector := resources.Selector{Env: env.ProjectName, Modules: opts.modules}
	if !opts.dryRun {
		if err := stopContainers(ctx, rt, log, selector, opts.sigKill); err != nil {
			return err
		}
	}

	report, err := resources.Reconcile(ctx, rt, log, resources.ReconcileOptions{
		Selector:       selector,
		IncludeVolumes: opts.volumes,
		DryRun:         opts.dryRun,
	})
	if report != nil {
		printRemovalReport(out, report, opts.dryRun)
	}
	return err
}

// stopContainers halts the selector's containers before removal so
// their processes exit under their configured stop signal rather than
// the force-removal default.
func stopContainers(ctx context.Context, rt *runtime.Client, log logr.Logger, selector resources.Selector, kill bool) error {
	containers, err := rt.ListContainers(ctx, selector.Filters())
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, res := range containers {
		if !resources.Managed(res.Labels) {
			continue
		}
		var stopErr error
		if kill {
			stopErr = rt.KillContainer(ctx, res.ID)
		} else {
			stopErr = rt.StopContainer(ctx, res.ID)
		}
		if stopErr != nil {
			log.Error(stopErr, "container stop failed", "name", res.Name)
		}
	}
	return nil
}

func printRemovalReport(w io.Writer, report *resources.Report, dryRun bool) {
	verb := "Removed"
	if dryRun {
		verb = "Would remove"
	}
	if len(report.Removed) == 0 && len(report.Skipped) == 0 && len(report.Failed) == 0 {
		fmt.Fprintln(w, "Nothing matched the selector.")
		return
	}
	table := ui.NewTable("Kind", "Name", "Modules", "Outcome")
	for _, res := range report.Removed {
		table.AddRow(string(res.Kind), res.Name, joinModules(res.Labels), verb)
	}
	for _, res := range report.Skipped {
		table.AddRow(string(res.Kind), res.Name, "", "Skipped (unmanaged)")
	}
	for _, f := range report.Failed {
		table.AddRow(string(f.Resource.Kind), f.Resource.Name, joinModules(f.Resource.Labels), "Failed: "+f.Err.Error())
	}
	width, _ := ui.TerminalWidth(w)
	table.Render(w, width)
	fmt.Fprintf(w, "\n%s %d resource(s)", verb, len(report.Removed))
	if n := len(report.Skipped); n > 0 {
		fmt.Fprintf(w, ", skipped %d unmanaged", n)
	}
	if n := len(report.Failed); n > 0 {
		fmt.Fprintf(w, ", %d failed", n)
	}
	fmt.Fprintln(w)
}

func joinModules(labels map[string]string) string {
	names := resources.ModulesOf(labels)
	if len(names) == 0 {
		return ""
	}
	out := names[0]
	for _, n := range names[1:] {
		out += ", " + n
	}
	return out
}
