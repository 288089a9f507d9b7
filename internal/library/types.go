// File: internal/library/types.go
// Brief: Module descriptor schema and resolved catalog types.

package library

import (
	"time"
)

const (
	descriptorFileName = "module.yaml"
	descriptorAPI      = "trinoctl.dev/v1"
	descriptorKind     = "Module"
)

// Hook phases a module may attach programs to.
const (
	PhasePreStart  = "pre_start"
	PhasePostStart = "post_start"
)

// Categories are the module kinds the library may contain, matching the
// directory names under modules/.
var Categories = []string{"admin", "catalog", "security"}

// Descriptor is the raw module.yaml document.
type Descriptor struct {
	APIVersion       string            `yaml:"apiVersion"`
	Kind             string            `yaml:"kind"`
	Name             string            `yaml:"name"`
	Category         string            `yaml:"category"`
	Description      string            `yaml:"description,omitempty"`
	Enterprise       bool              `yaml:"enterprise,omitempty"`
	DependsOn        []string          `yaml:"dependsOn,omitempty"`
	IncompatibleWith []string          `yaml:"incompatibleWith,omitempty"`
	Fragments        []string          `yaml:"fragments"`
	Hooks            []DescriptorHook  `yaml:"hooks,omitempty"`
	Labels           map[string]string `yaml:"labels,omitempty"`
}

// DescriptorHook names an opaque program attached to one service
// lifecycle phase. Run may be a bare path or a full command line.
type DescriptorHook struct {
	Service string `yaml:"service"`
	Phase   string `yaml:"phase"`
	Run     string `yaml:"run"`
	Timeout string `yaml:"timeout,omitempty"`
}

// HookRef is a validated hook reference with the command split into an
// argv whose first element is the program path, absolute.
type HookRef struct {
	Service string
	Phase   string
	Run     string
	Args    []string
	Timeout time.Duration
}

// Module is an immutable, validated catalog entry.
type Module struct {
	Name             string
	Category         string
	Description      string
	Enterprise       bool
	Dir              string
	DependsOn        []string
	IncompatibleWith []string
	FragmentPaths    []string
	Hooks            []HookRef
	Labels           map[string]string

	// ScanIndex is the module's position in registry scan order
	// (categories lexical, module directories lexical within each).
	// The resolver uses it to break ordering ties deterministically.
	ScanIndex int
}

// HooksFor returns the module's hooks for one service and phase, in
// descriptor order.
func (m *Module) HooksFor(service, phase string) []HookRef {
	var out []HookRef
	for _, h := range m.Hooks {
		if h.Service == service && h.Phase == phase {
			out = append(out, h)
		}
	}
	return out
}

// Catalog is the loaded module registry.
type Catalog struct {
	Root    string
	byName  map[string]*Module
	inOrder []*Module
}

// Lookup returns the named module or an UnknownModuleError.
func (c *Catalog) Lookup(name string) (*Module, error) {
	if m, ok := c.byName[name]; ok {
		return m, nil
	}
	return nil, &UnknownModuleError{Name: name}
}

// Modules returns every module in registry scan order.
func (c *Catalog) Modules() []*Module {
	out := make([]*Module, len(c.inOrder))
	copy(out, c.inOrder)
	return out
}

// Len reports the number of registered modules.
func (c *Catalog) Len() int { return len(c.inOrder) }
