// snapshot.go implements `trinoctl snapshot`: archive the state an
// environment was provisioned from, and diff two such archives.
package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/trinoctl/internal/library"
	"github.com/example/trinoctl/internal/snapshot"
	"github.com/example/trinoctl/internal/version"
)

func newSnapshotCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "snapshot",
		Short:         "Capture or compare environment snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newSnapshotSaveCommand(root),
		newSnapshotDiffCommand(),
	)
	decorateCommandHelp(cmd, "Snapshot Flags")
	return cmd
}

type snapshotSaveOptions struct {
	out      string
	excludes []string
}

func newSnapshotSaveCommand(root *rootOptions) *cobra.Command {
	opts := &snapshotSaveOptions{}
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Archive the environment's rendered description and module sources",
		Long: "Save captures everything the current render was produced from — the\n" +
			"rendered description, the resolved configuration, and the descriptor,\n" +
			"fragments, and hook listings of every contributing module — into one\n" +
			"tar.gz archive suitable for attaching to a bug report.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotSave(cmd, root, opts)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.out, "out", "", "Archive path (default <project>-snapshot-<timestamp>.tar.gz)")
	fs.StringArrayVar(&opts.excludes, "exclude", nil, "Entry pattern to leave out of the archive (repeatable)")
	return cmd
}

func runSnapshotSave(cmd *cobra.Command, root *rootOptions, opts *snapshotSaveOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	env, err := resolveEnvironment(ctx, root, nil)
	if err != nil {
		return err
	}
	proj, rendered, _, err := loadRendered(env.ProjectName)
	if err != nil {
		return err
	}
	catalog, err := library.Load(env.Library)
	if err != nil {
		return err
	}
	var mods []*library.Module
	for _, name := range renderedModules(proj) {
		mod, err := catalog.Lookup(name)
		if err != nil {
			// The render names a module the library no longer carries;
			// the archive still captures everything that remains.
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s (module sources not captured)\n", err)
			continue
		}
		mods = append(mods, mod)
	}

	outPath := opts.out
	if outPath == "" {
		outPath = fmt.Sprintf("%s-snapshot-%s.tar.gz", env.ProjectName, time.Now().UTC().Format("20060102-150405"))
	}
	meta, err := snapshot.Save(ctx, snapshot.Source{
		Project:   env.ProjectName,
		Digest:    renderedDigest(proj),
		Rendered:  rendered,
		Variables: env.Vars,
		Modules:   mods,
		Version:   version.Get().Version,
	}, outPath, opts.excludes)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Snapshot of %s written to %s (%d file(s)", meta.Project, filepath.Clean(outPath), meta.Files)
	if len(meta.Modules) > 0 {
		fmt.Fprintf(out, ", modules %s", strings.Join(meta.Modules, ", "))
	}
	fmt.Fprintln(out, ")")
	return nil
}

func newSnapshotDiffCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "diff A B",
		Short:         "Show what changed between two snapshots",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotDiff(cmd.OutOrStdout(), args[0], args[1])
		},
	}
	return cmd
}

func runSnapshotDiff(w io.Writer, aPath, bPath string) error {
	text, err := snapshot.DiffArchives(aPath, bPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		fmt.Fprintln(w, "Snapshots are identical.")
		return nil
	}
	_, err = io.WriteString(w, text)
	return err
}
