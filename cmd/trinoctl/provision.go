// provision.go implements `trinoctl provision`: resolve the requested
// modules, merge and render their fragments, gate the result, and bring
// the environment up in dependency order.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"
	sigyaml "sigs.k8s.io/yaml"

	"github.com/example/trinoctl/internal/eventcast"
	"github.com/example/trinoctl/internal/fragment"
	"github.com/example/trinoctl/internal/library"
	"github.com/example/trinoctl/internal/policy"
	"github.com/example/trinoctl/internal/provision"
	"github.com/example/trinoctl/internal/runtime"
	"github.com/example/trinoctl/internal/ui"
)

type provisionOptions struct {
	modules         []string
	envVars         []string
	imageOverrides  []string
	platform        string
	workers         int
	runtimeParallel int
	planOnly        bool
	output          string
	diff            bool
	policyDir       string
	policyMode      string
	wsListen        string
}

func newProvisionCommand(root *rootOptions) *cobra.Command {
	opts := &provisionOptions{output: "table", policyMode: "enforce"}
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision an environment from the selected modules",
		Long: "Provision resolves the requested modules against the library, merges\n" +
			"their fragments into one compose description, and starts the services\n" +
			"in dependency order with lifecycle hooks in between. Failures stay\n" +
			"scoped: independent services keep running and nothing is torn down.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd, root, opts)
		},
	}
	fs := cmd.Flags()
	fs.VarP(&validatedCSVListValue{dest: &opts.modules, validator: validateModuleName, name: "module"}, "module", "m", "Module to include (repeat or pass comma-separated names)")
	fs.Var(&validatedStringArrayValue{dest: &opts.envVars, validator: validateEnvAssignment, name: "env"}, "env", "Variable override as KEY=VAL (repeatable)")
	fs.Var(&validatedStringArrayValue{dest: &opts.imageOverrides, validator: validateImageOverride, name: "image-override"}, "image-override", "Image override as SERVICE=REF (repeatable)")
	fs.Var(&validatedStringValue{dest: &opts.platform, validator: validatePlatform}, "platform", "Force one platform (os/arch) on every service")
	fs.IntVar(&opts.workers, "workers", 0, "Service start concurrency (default: workers from the config file, else 4)")
	fs.IntVar(&opts.runtimeParallel, "runtime-parallel", 0, "Cap concurrent container runtime CLI calls (0 = uncapped)")
	fs.BoolVar(&opts.planOnly, "plan-only", false, "Render and validate without starting anything")
	fs.Var(newEnumStringValue(&opts.output, "table", "json", "yaml"), "output", "Plan output format: table, json, or yaml")
	fs.BoolVar(&opts.diff, "diff", false, "Show a unified diff against the environment's previous render")
	fs.StringVar(&opts.policyDir, "policy", "", "Directory of rego policies to evaluate against the rendered description")
	fs.Var(newEnumStringValue(&opts.policyMode, "warn", "enforce"), "policy-mode", "Whether policy denials abort (enforce) or only report (warn)")
	fs.Var(&validatedStringValue{dest: &opts.wsListen, validator: validateWSListenAddr}, "ws-listen", "Broadcast run events over websocket on this address")
	decorateCommandHelp(cmd, "Provision Flags")
	return cmd
}

func runProvision(cmd *cobra.Command, root *rootOptions, opts *provisionOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	env, err := resolveEnvironment(ctx, root, opts.envVars)
	if err != nil {
		return err
	}
	log, err := buildLogger(cmd, root, env)
	if err != nil {
		return err
	}
	if audit := env.SecretAudit(); !audit.Empty() {
		log.V(1).Info("resolved secret references", "count", len(audit.Entries))
	}

	catalog, err := library.Load(env.Library)
	if err != nil {
		return err
	}
	res, err := library.Resolve(catalog, opts.modules)
	if err != nil {
		return err
	}

	merger := fragment.NewMerger(env.Vars, 0)
	for _, mod := range res.Order {
		if err := merger.Add(mod); err != nil {
			return err
		}
	}
	for _, ov := range opts.imageOverrides {
		service, ref, _ := strings.Cut(ov, "=")
		if err := merger.SetServiceField(strings.TrimSpace(service), "image", strings.TrimSpace(ref)); err != nil {
			return err
		}
	}
	if opts.platform != "" {
		for _, svc := range merger.Services() {
			if err := merger.SetServiceField(svc, "platform", opts.platform); err != nil {
				return err
			}
		}
	}
	art, err := merger.Render(env.ProjectName)
	if err != nil {
		return err
	}

	dir, err := renderDir(env.ProjectName)
	if err != nil {
		return err
	}
	var previous []byte
	if opts.diff {
		previous, _ = os.ReadFile(filepath.Join(dir, renderFileName))
	}
	file, err := art.Write(dir)
	if err != nil {
		return err
	}
	log.V(1).Info("rendered environment", "project", env.ProjectName, "file", file, "digest", art.Digest)
	if opts.diff {
		if err := writeRenderDiff(out, previous, art.Bytes); err != nil {
			return err
		}
	}

	if opts.policyDir != "" {
		if err := gateOnPolicy(cmd, out, art, res, dir, opts); err != nil {
			return err
		}
	}

	plan, err := provision.BuildPlan(art, res, file)
	if err != nil {
		return err
	}
	if opts.planOnly {
		return writePlan(out, plan, opts.output)
	}

	workers := opts.workers
	if workers <= 0 {
		workers = env.Workers
	}
	parallel := opts.runtimeParallel
	if parallel <= 0 {
		parallel = env.RuntimeParallel
	}

	home, err := stateHome()
	if err != nil {
		return err
	}
	store, err := provision.OpenStore(home, false)
	if err != nil {
		return err
	}
	defer store.Close()

	console := ui.NewRunConsole(out, plan, ui.RunConsoleOptions{
		Enabled: ui.IsTerminal(out),
		Verbose: root.logLevel == "debug",
	})
	observers := []provision.EventObserver{console}
	if opts.wsListen != "" {
		cast := eventcast.New(opts.wsListen, log)
		go func() {
			if err := cast.Run(ctx); err != nil {
				log.Error(err, "event broadcaster stopped", "addr", opts.wsListen)
			}
		}()
		observers = append(observers, cast)
	}

	rt := runtime.New(log, runtime.Options{Parallel: int64(parallel)})
	prov := provision.New(rt, log, provision.Options{
		Workers:   workers,
		Env:       env.Vars,
		Store:     store,
		Observers: observers,
	})
	result, runErr := prov.Provision(ctx, plan)
	console.Done()
	if result != nil {
		printRunOutcome(out, result)
	}
	return runErr
}

// gateOnPolicy evaluates the policy bundle against the rendered
// description. Enforce mode turns denials into a failed command before
// anything starts; warn mode only reports them.
func gateOnPolicy(cmd *cobra.Command, out io.Writer, art *fragment.Artifact, res *library.Resolution, dir string, opts *provisionOptions) error {
	mode, err := policy.ParseMode(opts.policyMode)
	if err != nil {
		return err
	}
	bundle, err := policy.LoadBundle(opts.policyDir)
	if err != nil {
		return err
	}
	report, err := policy.Evaluate(cmd.Context(), bundle, policy.BuildEnvInput(art, res))
	if err != nil {
		return err
	}
	report.Mode = mode
	report.PolicyRef = opts.policyDir
	reportPath := policy.DefaultReportPath(dir)
	if err := policy.WriteReport(reportPath, report); err != nil {
		return fmt.Errorf("write policy report: %w", err)
	}
	fmt.Fprintln(out, report.Summarize())
	if mode == policy.ModeEnforce && !report.Passed {
		return fmt.Errorf("policy denied the environment (%d violation(s)); see %s", report.DenyCount, reportPath)
	}
	return nil
}

// writeRenderDiff prints a unified diff of the previous render against
// the new one. A first render diffs against empty.
func writeRenderDiff(w io.Writer, previous, current []byte) error {
	if bytes.Equal(previous, current) {
		fmt.Fprintln(w, "No changes against the previous render.")
		return nil
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(previous)),
		B:        difflib.SplitLines(string(current)),
		FromFile: "previous render",
		ToFile:   "current render",
		Context:  3,
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, text)
	return err
}

// planDoc is the machine-readable form of a provisioning plan.
type planDoc struct {
	Project  string           `json:"project"`
	Digest   string           `json:"digest"`
	File     string           `json:"file"`
	Modules  []string         `json:"modules"`
	Services []planServiceDoc `json:"services"`
	Warnings []string         `json:"warnings,omitempty"`
}

type planServiceDoc struct {
	Name      string   `json:"name"`
	Module    string   `json:"module,omitempty"`
	Category  string   `json:"category,omitempty"`
	Needs     []string `json:"needs,omitempty"`
	PreStart  int      `json:"preStartHooks,omitempty"`
	PostStart int      `json:"postStartHooks,omitempty"`
}

func writePlan(w io.Writer, plan *provision.Plan, format string) error {
	doc := planDoc{
		Project: plan.Project,
		Digest:  plan.Digest,
		File:    plan.File,
		Modules: plan.Modules,
	}
	for _, node := range plan.Services {
		doc.Services = append(doc.Services, planServiceDoc{
			Name:      node.Name,
			Module:    node.Module,
			Category:  node.Category,
			Needs:     node.Needs,
			PreStart:  len(node.PreStart),
			PostStart: len(node.PostStart),
		})
	}
	for _, warn := range plan.Warnings {
		doc.Warnings = append(doc.Warnings, warn.String())
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "yaml":
		raw, err := sigyaml.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = w.Write(raw)
		return err
	}

	fmt.Fprintf(w, "Environment %s (digest %s)\n", doc.Project, doc.Digest)
	fmt.Fprintf(w, "Rendered to %s\n\n", doc.File)
	table := ui.NewTable("Service", "Module", "Category", "Needs", "Hooks")
	for _, svc := range doc.Services {
		table.AddRow(svc.Name, svc.Module, svc.Category, strings.Join(svc.Needs, ", "),
			fmt.Sprintf("%d pre / %d post", svc.PreStart, svc.PostStart))
	}
	width, _ := ui.TerminalWidth(w)
	table.Render(w, width)
	if len(doc.Warnings) > 0 {
		fmt.Fprintln(w)
		for _, warn := range doc.Warnings {
			fmt.Fprintf(w, "Warning: %s\n", warn)
		}
	}
	return nil
}

// printRunOutcome writes the post-run summary. Partial outcomes are
// first-class: a failed run still reports what became ready.
func printRunOutcome(w io.Writer, result *provision.Result) {
	t := result.Summary.Totals
	fmt.Fprintf(w, "\nRun %s %s: %d/%d ready", result.RunID, result.Summary.Status, t.Ready, t.Planned)
	if t.Failed > 0 {
		fmt.Fprintf(w, ", %d failed", t.Failed)
	}
	if t.Blocked > 0 {
		fmt.Fprintf(w, ", %d blocked", t.Blocked)
	}
	fmt.Fprintf(w, " (digest %s)\n", result.Digest)
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warn.String())
	}
	fmt.Fprintf(w, "Inspect with 'trinoctl runs show %s --events'.\n", result.RunID)
}
