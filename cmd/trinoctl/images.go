// images.go implements `trinoctl images`: enumerate the environment's
// image references, preflight them, and bundle them for air-gapped use.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/trinoctl/internal/images"
	"github.com/example/trinoctl/internal/ui"
)

type imagesOptions struct {
	check    bool
	save     string
	parallel int
}

func newImagesCommand(root *rootOptions) *cobra.Command {
	opts := &imagesOptions{}
	cmd := &cobra.Command{
		Use:   "images",
		Short: "List, preflight, or bundle the environment's container images",
		Long: "Images enumerates every image reference the rendered description\n" +
			"pulls in. --check resolves each manifest against its registry without\n" +
			"downloading layers, and --save writes one docker-archive bundle that\n" +
			"`docker load` can restore on a host without registry access.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImages(cmd, root, opts)
		},
	}
	fs := cmd.Flags()
	fs.BoolVar(&opts.check, "check", false, "Resolve each image's manifest against its registry")
	fs.StringVar(&opts.save, "save", "", "Write all images into one docker-archive at this path")
	fs.IntVar(&opts.parallel, "parallel", 0, "Cap concurrent registry operations (default 4)")
	decorateCommandHelp(cmd, "Images Flags")
	return cmd
}

func runImages(cmd *cobra.Command, root *rootOptions, opts *imagesOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	env, err := resolveEnvironment(ctx, root, nil)
	if err != nil {
		return err
	}
	proj, _, _, err := loadRendered(env.ProjectName)
	if err != nil {
		return err
	}
	refs, err := images.FromProject(proj)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		fmt.Fprintln(out, "The rendered description references no images.")
		return nil
	}

	saver := images.NewSaver(images.SaverOptions{Parallel: opts.parallel})

	if opts.check {
		results := saver.Check(ctx, refs)
		table := ui.NewTable("Image", "Digest", "Status")
		failed := 0
		for _, res := range results {
			if res.OK() {
				table.AddRow(res.Ref, shortDigest(res.Digest), "ok")
				continue
			}
			failed++
			table.AddRow(res.Ref, "", res.Error)
		}
		width, _ := ui.TerminalWidth(out)
		table.Render(out, width)
		if failed > 0 {
			return fmt.Errorf("%d of %d image(s) failed the registry preflight", failed, len(refs))
		}
	} else {
		for _, ref := range refs {
			fmt.Fprintln(out, ref)
		}
	}

	if opts.save == "" {
		return nil
	}
	if err := saver.Save(ctx, refs, opts.save); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved %d image(s) to %s. Restore with 'docker load -i %s'.\n", len(refs), opts.save, opts.save)
	return nil
}

func shortDigest(d string) string {
	const prefix = "sha256:"
	if len(d) >= len(prefix)+12 && d[:len(prefix)] == prefix {
		return d[:len(prefix)+12]
	}
	return d
}
