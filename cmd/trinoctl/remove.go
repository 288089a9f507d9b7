// remove.go implements `trinoctl remove`: deeper artifact removal than
// down — label-checked images and volumes left behind by an environment.
package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/trinoctl/internal/images"
	"github.com/example/trinoctl/internal/resources"
	"github.com/example/trinoctl/internal/runtime"
)

type removeOptions struct {
	modules []string
	images  bool
	volumes bool
	force   bool
}

func newRemoveCommand(root *rootOptions) *cobra.Command {
	opts := &removeOptions{}
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove the environment's remaining artifacts (volumes, images)",
		Long: "Remove deletes the persistent artifacts an environment leaves behind\n" +
			"after down: named volumes selected by label, and with --images the\n" +
			"container images the rendered description pulled in. Images are only\n" +
			"removed when their own labels mark them as managed, or with --force.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd, root, opts)
		},
	}
	fs := cmd.Flags()
	fs.VarP(&validatedCSVListValue{dest: &opts.modules, validator: validateModuleName, name: "module"}, "module", "m", "Limit removal to artifacts owned by these modules")
	fs.BoolVar(&opts.images, "images", false, "Also remove the environment's container images")
	fs.BoolVar(&opts.volumes, "volumes", true, "Remove the environment's named volumes")
	fs.BoolVar(&opts.force, "force", false, "Skip the confirmation prompt and remove unlabeled images too")
	decorateCommandHelp(cmd, "Remove Flags")
	return cmd
}

func runRemove(cmd *cobra.Command, root *rootOptions, opts *removeOptions) error {
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

	if !opts.force {
		ok, err := confirm(cmd, fmt.Sprintf("Remove persistent artifacts of environment %q?", env.ProjectName))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	rt := runtime.New(log, runtime.Options{Parallel: int64(env.RuntimeParallel)})
	selector := resources.Selector{Env: env.ProjectName, Modules: opts.modules}

	report, err := resources.Reconcile(ctx, rt, log, resources.ReconcileOptions{
		Selector:       selector,
		IncludeVolumes: opts.volumes,
	})
	if report != nil {
		printRemovalReport(out, report, false)
	}
	if err != nil {
		return err
	}

	if !opts.images {
		return nil
	}
	proj, _, _, err := loadRendered(env.ProjectName)
	if err != nil {
		return err
	}
	refs, err := images.FromProject(proj)
	if err != nil {
		return err
	}
	removed := 0
	for _, ref := range refs {
		labels, found, err := rt.ImageLabels(ctx, ref)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		// A pulled vendor image carries no trinoctl labels; --force is
		// the operator's statement that it is safe to drop anyway.
		if !resources.Managed(labels) && !opts.force {
			fmt.Fprintf(out, "Keeping image %s (not managed by trinoctl; use --force)\n", ref)
			continue
		}
		if err := rt.RemoveImage(ctx, ref, opts.force); err != nil {
			log.Error(err, "image removal failed", "ref", ref)
			continue
		}
		fmt.Fprintf(out, "Removed image %s\n", ref)
		removed++
	}
	fmt.Fprintf(out, "Removed %d image(s).\n", removed)
	return nil
}

// confirm asks a y/N question on the command's input stream.
func confirm(cmd *cobra.Command, question string) (bool, error) {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N]: ", question)
	reader := bufio.NewReader(cmd.InOrStdin())
	answer, err := reader.ReadString('\n')
	if err != nil && answer == "" {
		return false, nil
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
