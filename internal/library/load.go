// File: internal/library/load.go
// Brief: Read-only filesystem scan building the module catalog.

package library

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

// Load scans libraryRoot/modules and builds the catalog. Any malformed
// descriptor fails the whole load; no partial catalog is ever returned.
func Load(libraryRoot string) (*Catalog, error) {
	absRoot, err := filepath.Abs(libraryRoot)
	if err != nil {
		return nil, err
	}
	modulesDir := filepath.Join(absRoot, "modules")
	if fi, err := os.Stat(modulesDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("no modules directory found at library root %s", absRoot)
	}

	c := &Catalog{
		Root:   absRoot,
		byName: map[string]*Module{},
	}

	categories, err := sortedSubdirs(modulesDir)
	if err != nil {
		return nil, err
	}
	for _, category := range categories {
		if !slices.Contains(Categories, category) {
			return nil, &MalformedDescriptorError{
				Path:   filepath.Join(modulesDir, category),
				Reason: fmt.Sprintf("unknown module category %q (expected one of %s)", category, strings.Join(Categories, ", ")),
			}
		}
		moduleDirs, err := sortedSubdirs(filepath.Join(modulesDir, category))
		if err != nil {
			return nil, err
		}
		for _, name := range moduleDirs {
			dir := filepath.Join(modulesDir, category, name)
			mod, err := readModule(dir, category)
			if err != nil {
				return nil, err
			}
			if prev, ok := c.byName[mod.Name]; ok {
				return nil, &MalformedDescriptorError{
					Path:   filepath.Join(dir, descriptorFileName),
					Reason: fmt.Sprintf("module name %q already registered by %s", mod.Name, prev.Dir),
				}
			}
			mod.ScanIndex = len(c.inOrder)
			c.byName[mod.Name] = mod
			c.inOrder = append(c.inOrder, mod)
		}
	}
	return c, nil
}

func sortedSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	// os.ReadDir sorts by name; the slice is already in lexical order.
	return out, nil
}

func readModule(dir, category string) (*Module, error) {
	path := filepath.Join(dir, descriptorFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &MalformedDescriptorError{Path: dir, Reason: "missing " + descriptorFileName}
		}
		return nil, err
	}
	var d Descriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, &MalformedDescriptorError{Path: path, Reason: err.Error()}
	}

	fail := func(format string, args ...any) error {
		return &MalformedDescriptorError{Path: path, Reason: fmt.Sprintf(format, args...)}
	}

	if d.APIVersion != "" && d.APIVersion != descriptorAPI {
		return nil, fail("apiVersion must be %s (got %q)", descriptorAPI, d.APIVersion)
	}
	if d.Kind != "" && d.Kind != descriptorKind {
		return nil, fail("kind must be %s (got %q)", descriptorKind, d.Kind)
	}
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return nil, fail("name is required")
	}
	if name != filepath.Base(dir) {
		return nil, fail("name %q must match module directory %q", name, filepath.Base(dir))
	}
	if cat := strings.TrimSpace(d.Category); cat != "" && cat != category {
		return nil, fail("category %q does not match directory %s/", cat, category)
	}
	if len(d.Fragments) == 0 {
		return nil, fail("at least one fragment is required")
	}

	mod := &Module{
		Name:             name,
		Category:         category,
		Description:      strings.TrimSpace(d.Description),
		Enterprise:       d.Enterprise,
		Dir:              dir,
		DependsOn:        cleanNames(d.DependsOn),
		IncompatibleWith: cleanNames(d.IncompatibleWith),
		Labels:           d.Labels,
	}
	for _, dep := range mod.DependsOn {
		if dep == name {
			return nil, fail("module cannot depend on itself")
		}
	}

	for _, frag := range d.Fragments {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			return nil, fail("fragment path cannot be empty")
		}
		fragPath := filepath.Join(dir, frag)
		if _, err := os.Stat(fragPath); err != nil {
			return nil, fail("fragment %s not found", frag)
		}
		mod.FragmentPaths = append(mod.FragmentPaths, fragPath)
	}

	for i, h := range d.Hooks {
		ref, err := resolveHook(dir, h)
		if err != nil {
			return nil, fail("hooks[%d]: %v", i, err)
		}
		mod.Hooks = append(mod.Hooks, ref)
	}
	return mod, nil
}

func resolveHook(dir string, h DescriptorHook) (HookRef, error) {
	if strings.TrimSpace(h.Service) == "" {
		return HookRef{}, fmt.Errorf("service is required")
	}
	switch h.Phase {
	case PhasePreStart, PhasePostStart:
	case "":
		return HookRef{}, fmt.Errorf("phase is required (%s|%s)", PhasePreStart, PhasePostStart)
	default:
		return HookRef{}, fmt.Errorf("unknown phase %q (expected %s|%s)", h.Phase, PhasePreStart, PhasePostStart)
	}
	run := strings.TrimSpace(h.Run)
	if run == "" {
		return HookRef{}, fmt.Errorf("run is required")
	}
	args, err := shellwords.Parse(run)
	if err != nil {
		return HookRef{}, fmt.Errorf("parse run %q: %v", run, err)
	}
	if len(args) == 0 {
		return HookRef{}, fmt.Errorf("run %q resolves to an empty command", run)
	}
	program := args[0]
	if !filepath.IsAbs(program) {
		program = filepath.Join(dir, program)
	}
	if _, err := os.Stat(program); err != nil {
		return HookRef{}, fmt.Errorf("hook program %s not found", args[0])
	}
	args[0] = program

	var timeout time.Duration
	if raw := strings.TrimSpace(h.Timeout); raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil {
			return HookRef{}, fmt.Errorf("invalid timeout %q (expected duration like 30s, 5m, 1h)", raw)
		}
		if timeout <= 0 {
			return HookRef{}, fmt.Errorf("timeout must be > 0 (got %s)", timeout)
		}
	}

	return HookRef{
		Service: strings.TrimSpace(h.Service),
		Phase:   h.Phase,
		Run:     run,
		Args:    args,
		Timeout: timeout,
	}, nil
}

func cleanNames(in []string) []string {
	var out []string
	for _, name := range in {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
