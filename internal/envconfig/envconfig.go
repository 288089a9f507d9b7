package envconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/example/trinoctl/internal/secretstore"
)

// Built-in variable names every environment carries.
const (
	VarStarburstVer = "STARBURST_VER"
	VarLibPath      = "LIB_PATH"
	VarClusterName  = "CLUSTER_NAME"
	VarProjectName  = "COMPOSE_PROJECT_NAME"
)

const (
	defaultCluster      = "trinoctl"
	defaultLibraryDir   = "lib"
	defaultStarburstVer = "latest"

	// Process-environment overrides: TRINOCTL_VAR_FOO=x sets FOO=x.
	envVarPrefix = "TRINOCTL_VAR_"
)

var varName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// File is the on-disk configuration document (~/.trinoctl/config.yaml).
type File struct {
	Library         string             `yaml:"library,omitempty"`
	Cluster         string             `yaml:"cluster,omitempty"`
	LogLevel        string             `yaml:"logLevel,omitempty"`
	Workers         int                `yaml:"workers,omitempty"`
	RuntimeParallel int                `yaml:"runtimeParallel,omitempty"`
	Environment     map[string]string  `yaml:"environment,omitempty"`
	Secrets         secretstore.Config `yaml:"secrets,omitempty"`
}

// Options selects the layers feeding Resolve. Flag values win over the
// process environment, which wins over the config file, which wins
// over built-in defaults.
type Options struct {
	ConfigPath string   // empty: ~/.trinoctl/config.yaml
	Library    string   // --library
	Cluster    string   // --cluster
	FlagVars   []string // --env KEY=VAL, in flag order
	MaxPasses  int      // substitution bound, 0 = DefaultMaxPasses
}

// Environment is the fully resolved configuration: every variable
// expanded to a fixed point and every secret reference replaced by its
// value. Fragment substitution and hook environments read Vars as-is.
type Environment struct {
	ConfigPath      string
	Library         string
	Cluster         string
	ProjectName     string
	LogLevel        string
	Workers         int
	RuntimeParallel int
	Vars            map[string]string

	secrets *secretstore.Resolver
}

// Var returns one resolved variable, empty when unset.
func (e *Environment) Var(name string) string { return e.Vars[name] }

// SecretAudit reports which secret references were resolved, masked.
func (e *Environment) SecretAudit() secretstore.AuditReport {
	if e.secrets == nil {
		return secretstore.AuditReport{}
	}
	return e.secrets.Audit()
}

// DefaultConfigPath returns ~/.trinoctl/config.yaml, empty when the
// home directory cannot be determined.
func DefaultConfigPath() string {
	home, err := homedir.Dir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ""
	}
	return filepath.Join(home, ".trinoctl", "config.yaml")
}

// Resolve layers defaults, the config file, TRINOCTL_VAR_* process
// variables, and --env flags, then expands the merged map and resolves
// secret references.
func Resolve(ctx context.Context, opts Options) (*Environment, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}
	file, err := loadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	library, err := libraryPath(firstNonEmpty(file.Library, defaultLibraryDir))
	if err != nil {
		return nil, err
	}

	vars := map[string]string{
		VarStarburstVer: defaultStarburstVer,
		VarLibPath:      library,
		VarClusterName:  firstNonEmpty(file.Cluster, defaultCluster),
		// Derived through substitution so any later layer can still
		// override either name independently.
		VarProjectName: "${" + VarClusterName + "}",
	}
	for name, value := range file.Environment {
		if !varName.MatchString(name) {
			return nil, fmt.Errorf("config %s: invalid variable name %q", path, name)
		}
		vars[name] = value
	}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envVarPrefix) {
			continue
		}
		name = strings.TrimPrefix(name, envVarPrefix)
		if varName.MatchString(name) {
			vars[name] = value
		}
	}
	for _, kv := range opts.FlagVars {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !varName.MatchString(name) {
			return nil, fmt.Errorf("invalid --env value %q (expected KEY=VAL)", kv)
		}
		vars[name] = value
	}
	// --cluster and --library are flag-level settings: they outrank
	// every layer, including a CLUSTER_NAME set in the config file.
	if c := strings.TrimSpace(opts.Cluster); c != "" {
		vars[VarClusterName] = c
	}
	if l := strings.TrimSpace(opts.Library); l != "" {
		if vars[VarLibPath], err = libraryPath(l); err != nil {
			return nil, err
		}
	}

	vars, err = ExpandAll(vars, opts.MaxPasses)
	if err != nil {
		return nil, err
	}
	vars[VarProjectName] = sanitizeProjectName(vars[VarProjectName])

	env := &Environment{
		ConfigPath:      path,
		Library:         vars[VarLibPath],
		Cluster:         vars[VarClusterName],
		ProjectName:     vars[VarProjectName],
		LogLevel:        file.LogLevel,
		Workers:         file.Workers,
		RuntimeParallel: file.RuntimeParallel,
		Vars:            vars,
	}

	if err := env.resolveSecrets(ctx, file.Secrets, filepath.Dir(path)); err != nil {
		return nil, err
	}
	return env, nil
}

func (e *Environment) resolveSecrets(ctx context.Context, cfg secretstore.Config, baseDir string) error {
	hasRef := false
	for _, value := range e.Vars {
		if secretstore.IsRef(value) {
			hasRef = true
			break
		}
	}
	if !hasRef {
		return nil
	}
	resolver, err := secretstore.NewResolver(cfg, secretstore.ResolverOptions{BaseDir: baseDir})
	if err != nil {
		return fmt.Errorf("configure secret providers: %w", err)
	}
	e.secrets = resolver

	names := make([]string, 0, len(e.Vars))
	for name := range e.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		resolved, _, err := resolver.ResolveString(ctx, e.Vars[name])
		if err != nil {
			return fmt.Errorf("resolve secret for %s: %w", name, err)
		}
		e.Vars[name] = resolved
	}
	return nil
}

func loadFile(path string) (File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return File{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, nil
		}
		return File{}, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return File{}, nil
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return File{}, err
	}
	return f, nil
}

func libraryPath(raw string) (string, error) {
	expanded, err := homedir.Expand(raw)
	if err != nil {
		return "", fmt.Errorf("expand library path: %w", err)
	}
	return filepath.Abs(expanded)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// sanitizeProjectName maps an arbitrary cluster name onto the compose
// project-name alphabet ([a-z0-9_-], leading alphanumeric).
func sanitizeProjectName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-_")
	if out == "" {
		return defaultCluster
	}
	return out
}
