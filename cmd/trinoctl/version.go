// version.go implements `trinoctl version`.
package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/trinoctl/internal/version"
)

func newVersionCommand() *cobra.Command {
	output := "text"
	cmd := &cobra.Command{
		Use:           "version",
		Short:         "Print the trinoctl build identity",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			out := cmd.OutOrStdout()
			if output == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintln(out, info.String())
			fmt.Fprintf(out, "  go:    %s\n", info.GoVersion)
			fmt.Fprintf(out, "  built: %s\n", info.BuildDate)
			return nil
		},
	}
	cmd.Flags().Var(newEnumStringValue(&output, "text", "json"), "output", "Output format: text or json")
	return cmd
}
