// main.go bootstraps trinoctl: it builds the root Cobra command, wires
// flag/env/config precedence, and executes with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/trinoctl/internal/envconfig"
	"github.com/example/trinoctl/internal/library"
	"github.com/example/trinoctl/internal/runtime"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stopProfile := setupProfiling()
	defer stopProfile()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(err)
	if err != nil {
		os.Exit(1)
	}
}

// rootOptions are the persistent flags every subcommand inherits.
type rootOptions struct {
	library    string
	cluster    string
	logLevel   string
	noColor    bool
	configPath string
}

func newRootCommand() *cobra.Command {
	root := &rootOptions{logLevel: "info"}
	cmd := &cobra.Command{
		Use:   "trinoctl",
		Short: "Modular Trino and Starburst test environments on Docker Compose",
		Long: "trinoctl assembles disposable Trino and Starburst environments from a\n" +
			"library of catalog, security, and admin modules, renders them into one\n" +
			"compose description, and drives the Docker Compose CLI to bring them up.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if root.noColor {
				color.NoColor = true
			}
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&root.library, "library", "", "Path to the module library (default: library from the config file, else ./lib)")
	pf.StringVarP(&root.cluster, "cluster-name", "n", "", "Environment name used for the compose project and resource labels")
	pf.StringVar(&root.logLevel, "log-level", root.logLevel, "Log level for trinoctl output (debug, info, warn, error)")
	pf.BoolVar(&root.noColor, "no-color", false, "Disable colored output")
	pf.StringVar(&root.configPath, "config", "", "Path to the trinoctl config file (default ~/.trinoctl/config.yaml)")

	cmd.AddCommand(
		newProvisionCommand(root),
		newDownCommand(root),
		newRemoveCommand(root),
		newModulesCommand(root),
		newSnapshotCommand(root),
		newImagesCommand(root),
		newRegistryCommand(),
		newRunsCommand(root),
		newVersionCommand(),
	)
	cmd.Example = `  # Bring up a Hive catalog with its metastore and backing Postgres
  trinoctl provision -m hive

  # Same environment plus LDAP auth, rendered but not started
  trinoctl provision -m hive,ldap --plan-only --output yaml

  # Tear the environment down, keeping named volumes
  trinoctl down`
	decorateCommandHelp(cmd, "Global Flags")
	bindViper(collectCommands(cmd)...)
	return cmd
}

// collectCommands flattens the command tree so nested subcommands get
// the same env and config-file backfill as top-level ones.
func collectCommands(cmd *cobra.Command) []*cobra.Command {
	out := []*cobra.Command{cmd}
	for _, child := range cmd.Commands() {
		out = append(out, collectCommands(child)...)
	}
	return out
}

func bindViper(commands ...*cobra.Command) {
	if len(commands) == 0 {
		return
	}
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("TRINOCTL")
	v.AutomaticEnv()
	configFile := os.Getenv("TRINOCTL_CONFIG")
	configureConfigFile(v, configFile)

	cobra.OnInitialize(func() {
		for _, cmd := range commands {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				cobra.CheckErr(err)
			}
			if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
				cobra.CheckErr(err)
			}
		}
		if err := readConfigFile(v, configFile != ""); err != nil {
			cobra.CheckErr(err)
		}
		for _, cmd := range commands {
			flagSets := []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()}
			for _, fs := range flagSets {
				fs.VisitAll(func(f *pflag.Flag) {
					if f.Changed {
						return
					}
					if !v.IsSet(f.Name) {
						return
					}
					val := fmt.Sprintf("%v", v.Get(f.Name))
					if val != "" {
						_ = f.Value.Set(val)
					}
				})
			}
		}
	})
}

func handleError(err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	message := err.Error()
	var unknown *library.UnknownModuleError
	var cycle *library.CircularDependencyError
	var unresolved *envconfig.UnresolvedVariableError
	switch {
	case errors.As(err, &unknown):
		message = fmt.Sprintf("%s\nHint: run 'trinoctl modules' to list what the library provides.", err)
	case errors.As(err, &cycle):
		message = fmt.Sprintf("%s\nHint: break the cycle by dropping one dependsOn edge between the modules listed.", err)
	case errors.As(err, &unresolved):
		message = fmt.Sprintf("%s\nHint: pass --env %s=... or set the variable in the config file.", err, placeholderName(unresolved.Placeholder))
	case runtime.IsDaemonUnavailable(err):
		message = fmt.Sprintf("%s\nHint: the container runtime is not reachable. Start Docker and retry.", err)
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}

func placeholderName(placeholder string) string {
	name := strings.TrimPrefix(placeholder, "${")
	return strings.TrimSuffix(name, "}")
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	for _, dir := range configSearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func configSearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "trinoctl"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "trinoctl"))
		add(filepath.Join(home, ".trinoctl"))
	}
	return dirs
}
