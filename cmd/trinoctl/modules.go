// modules.go implements `trinoctl modules`: list the library, describe
// one module, and verify that every module still resolves and renders.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/example/trinoctl/internal/fragment"
	"github.com/example/trinoctl/internal/library"
	"github.com/example/trinoctl/internal/policy"
	"github.com/example/trinoctl/internal/ui"
)

func newModulesCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "modules",
		Short:         "Inspect the module library",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModulesList(cmd, root)
		},
	}
	cmd.AddCommand(
		newModulesListCommand(root),
		newModulesDescribeCommand(root),
		newModulesVerifyCommand(root),
	)
	decorateCommandHelp(cmd, "Modules Flags")
	return cmd
}

func newModulesListCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List every module the library provides",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModulesList(cmd, root)
		},
	}
	return cmd
}

func runModulesList(cmd *cobra.Command, root *rootOptions) error {
	env, err := resolveEnvironment(cmd.Context(), root, nil)
	if err != nil {
		return err
	}
	catalog, err := library.Load(env.Library)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	table := ui.NewTable("Name", "Category", "Depends On", "Edition", "Description")
	for _, mod := range catalog.Modules() {
		edition := ""
		if mod.Enterprise {
			edition = "enterprise"
		}
		table.AddRow(mod.Name, mod.Category, strings.Join(mod.DependsOn, ", "), edition, mod.Description)
	}
	width, _ := ui.TerminalWidth(out)
	table.Render(out, width)
	return nil
}

func newModulesDescribeCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "describe NAME",
		Short:         "Show one module's descriptor, hooks, and readme",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModulesDescribe(cmd, root, args[0])
		},
	}
	return cmd
}

func runModulesDescribe(cmd *cobra.Command, root *rootOptions, name string) error {
	env, err := resolveEnvironment(cmd.Context(), root, nil)
	if err != nil {
		return err
	}
	catalog, err := library.Load(env.Library)
	if err != nil {
		return err
	}
	mod, err := catalog.Lookup(name)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", mod.Name, mod.Category)
	if mod.Description != "" {
		fmt.Fprintf(out, "  %s\n", mod.Description)
	}
	if mod.Enterprise {
		fmt.Fprintln(out, "  Requires a licensed Starburst image.")
	}
	if len(mod.DependsOn) > 0 {
		fmt.Fprintf(out, "  Depends on: %s\n", strings.Join(mod.DependsOn, ", "))
	}
	if len(mod.IncompatibleWith) > 0 {
		fmt.Fprintf(out, "  Incompatible with: %s\n", strings.Join(mod.IncompatibleWith, ", "))
	}
	for _, fragPath := range mod.FragmentPaths {
		fmt.Fprintf(out, "  Fragment: %s\n", filepath.Base(fragPath))
	}
	for _, hook := range mod.Hooks {
		fmt.Fprintf(out, "  Hook: %s %s -> %s (timeout %s)\n", hook.Service, hook.Phase, hook.Run, hook.Timeout)
	}

	readme, err := moduleReadme(mod.Dir)
	if err != nil {
		return err
	}
	if readme == "" {
		return nil
	}
	fmt.Fprintln(out)
	return renderMarkdown(out, readme)
}

// moduleReadme returns the module's readme content, empty when the
// module ships none.
func moduleReadme(dir string) (string, error) {
	for _, name := range []string{"readme.md", "README.md"} {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return string(raw), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
	}
	return "", nil
}

func renderMarkdown(w io.Writer, markdown string) error {
	if !ui.IsTerminal(w) {
		_, err := io.WriteString(w, markdown)
		return err
	}
	width, _ := ui.TerminalWidth(w)
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return err
	}
	rendered, err := renderer.Render(markdown)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, rendered)
	return err
}

type modulesVerifyOptions struct {
	policyDir string
}

func newModulesVerifyCommand(root *rootOptions) *cobra.Command {
	opts := &modulesVerifyOptions{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that every module resolves, merges, and renders",
		Long: "Verify walks the whole library: each module's dependency closure is\n" +
			"resolved and its fragments merged and rendered exactly as provision\n" +
			"would, so broken descriptors, cycles, and unresolvable placeholders\n" +
			"surface before anyone requests the module.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModulesVerify(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.policyDir, "policy", "", "Directory of rego policies to evaluate against each module's render")
	return cmd
}

func runModulesVerify(cmd *cobra.Command, root *rootOptions, opts *modulesVerifyOptions) error {
	ctx := cmd.Context()
	env, err := resolveEnvironment(ctx, root, nil)
	if err != nil {
		return err
	}
	catalog, err := library.Load(env.Library)
	if err != nil {
		return err
	}
	var bundle *policy.Bundle
	if opts.policyDir != "" {
		bundle, err = policy.LoadBundle(opts.policyDir)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	table := ui.NewTable("Module", "Services", "Outcome")
	failures := 0
	for _, mod := range catalog.Modules() {
		servicesCol, outcome := verifyOneModule(cmd, env.Vars, catalog, bundle, mod.Name)
		if outcome != "ok" {
			failures++
		}
		table.AddRow(mod.Name, servicesCol, outcome)
	}
	width, _ := ui.TerminalWidth(out)
	table.Render(out, width)
	if failures > 0 {
		return fmt.Errorf("%d of %d module(s) failed verification", failures, len(catalog.Modules()))
	}
	fmt.Fprintf(out, "\nAll %d module(s) verified.\n", len(catalog.Modules()))
	return nil
}

func verifyOneModule(cmd *cobra.Command, vars map[string]string, catalog *library.Catalog, bundle *policy.Bundle, name string) (services, outcome string) {
	res, err := library.Resolve(catalog, []string{name})
	if err != nil {
		return "", err.Error()
	}
	merger := fragment.NewMerger(vars, 0)
	for _, mod := range res.Order {
		if err := merger.Add(mod); err != nil {
			return "", err.Error()
		}
	}
	art, err := merger.Render("verify-" + name)
	if err != nil {
		return "", err.Error()
	}
	services = fmt.Sprintf("%d", len(art.Services))
	if bundle == nil {
		return services, "ok"
	}
	report, err := policy.Evaluate(cmd.Context(), bundle, policy.BuildEnvInput(art, res))
	if err != nil {
		return services, err.Error()
	}
	if !report.Passed {
		return services, fmt.Sprintf("%d policy violation(s)", report.DenyCount)
	}
	return services, "ok"
}
