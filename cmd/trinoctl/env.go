// env.go resolves the layered environment configuration and the state
// paths shared by the environment-facing commands.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-logr/logr"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	composetypes "github.com/compose-spec/compose-go/v2/types"

	"github.com/example/trinoctl/internal/envconfig"
	"github.com/example/trinoctl/internal/fragment"
	"github.com/example/trinoctl/internal/logging"
	"github.com/example/trinoctl/internal/resources"
)

const renderFileName = "docker-compose.yaml"

// resolveEnvironment layers the config file, TRINOCTL_VAR_* process
// variables, and flags into one resolved environment.
func resolveEnvironment(ctx context.Context, root *rootOptions, flagVars []string) (*envconfig.Environment, error) {
	return envconfig.Resolve(ctx, envconfig.Options{
		ConfigPath: root.configPath,
		Library:    root.library,
		Cluster:    root.cluster,
		FlagVars:   flagVars,
	})
}

// buildLogger picks the effective level: an explicit --log-level always
// wins, then a logLevel from the config file, then info.
func buildLogger(cmd *cobra.Command, root *rootOptions, env *envconfig.Environment) (logr.Logger, error) {
	level := root.logLevel
	if env != nil && env.LogLevel != "" && !cmd.Flags().Changed("log-level") {
		level = env.LogLevel
	}
	return logging.New(level)
}

// stateHome is the directory the run store and render trees live under.
func stateHome() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("determine home directory: %w", err)
	}
	if strings.TrimSpace(home) == "" {
		return "", fmt.Errorf("home directory is empty")
	}
	return home, nil
}

// renderDir returns where one environment's rendered description lives.
func renderDir(project string) (string, error) {
	home, err := stateHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".trinoctl", "render", project), nil
}

// loadRendered reads the environment's current rendered description
// back in. Commands that operate on an existing render fail here with
// a pointer at provision when there is none.
func loadRendered(project string) (*composetypes.Project, []byte, string, error) {
	dir, err := renderDir(project)
	if err != nil {
		return nil, nil, "", err
	}
	path := filepath.Join(dir, renderFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, "", fmt.Errorf("no rendered description for environment %q; run 'trinoctl provision --plan-only' first", project)
		}
		return nil, nil, "", err
	}
	proj, err := fragment.ParseRendered(raw, project)
	if err != nil {
		return nil, nil, "", fmt.Errorf("parse %s: %w", path, err)
	}
	return proj, raw, path, nil
}

// renderedDigest recovers the configuration digest stamped into a
// loaded render. Every service carries the same value.
func renderedDigest(proj *composetypes.Project) string {
	for _, svc := range proj.Services {
		if d := svc.Labels[resources.LabelDigest]; d != "" {
			return d
		}
	}
	return ""
}

// renderedModules recovers the module names stamped into a loaded
// render, across all services, sorted.
func renderedModules(proj *composetypes.Project) []string {
	seen := map[string]bool{}
	var out []string
	for _, svc := range proj.Services {
		for _, name := range resources.ModulesOf(svc.Labels) {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}
