// File: internal/resources/labels.go
// Brief: Label scheme shared by the merge engine, the runtime, and teardown.

package resources

import (
	"sort"
	"strings"
)

// Every resource this tool creates carries LabelRoot=LabelRootValue.
// Teardown refuses to touch anything that does not, no matter how the
// resource is named.
const (
	LabelRoot      = "com.starburst.tests"
	LabelRootValue = "trinoctl"

	LabelEnv          = "com.starburst.tests.env"
	LabelModulePrefix = "com.starburst.tests.module."
	LabelDigest       = "com.starburst.tests.config-digest"
)

// ModuleLabel returns the attribution label key for one module.
func ModuleLabel(module string) string {
	return LabelModulePrefix + module
}

// Managed reports whether a label set carries the root marker.
func Managed(labels map[string]string) bool {
	return labels[LabelRoot] == LabelRootValue
}

// ModulesOf extracts the contributing module names from a label set,
// sorted for stable reporting.
func ModulesOf(labels map[string]string) []string {
	var out []string
	for key := range labels {
		if name := strings.TrimPrefix(key, LabelModulePrefix); name != key && name != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Selector is a label filter in docker --filter syntax, one entry per
// label=value pair.
type Selector struct {
	Env     string
	Modules []string
}

// Filters renders the selector as docker label filter arguments. The
// root marker is always included.
func (s Selector) Filters() []string {
	out := []string{"label=" + LabelRoot + "=" + LabelRootValue}
	if s.Env != "" {
		out = append(out, "label="+LabelEnv+"="+s.Env)
	}
	for _, m := range s.Modules {
		if m != "" {
			out = append(out, "label="+ModuleLabel(m))
		}
	}
	return out
}
