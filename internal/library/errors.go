// File: internal/library/errors.go
// Brief: Typed errors for registry and resolver failures.

package library

import (
	"fmt"
	"strings"
)

// UnknownModuleError reports a requested or depended-upon module name
// absent from the registry.
type UnknownModuleError struct {
	Name string

	// RequiredBy is set when the name was reached through another
	// module's dependsOn list.
	RequiredBy string
}

func (e *UnknownModuleError) Error() string {
	if e.RequiredBy != "" {
		return fmt.Sprintf("unknown module %q (required by %q)", e.Name, e.RequiredBy)
	}
	return fmt.Sprintf("unknown module %q", e.Name)
}

// CircularDependencyError names the full dependency cycle, first module
// repeated at the end.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return "circular module dependency detected: " + strings.Join(e.Cycle, " -> ")
}

// MalformedDescriptorError fails the whole catalog load; a corrupt
// module could silently omit dependency edges elsewhere in the graph.
type MalformedDescriptorError struct {
	Path   string
	Reason string
}

func (e *MalformedDescriptorError) Error() string {
	return fmt.Sprintf("malformed module descriptor %s: %s", e.Path, e.Reason)
}

// IncompatibleModulesError reports two modules that declare each other
// (or one declares the other) unusable in the same environment.
type IncompatibleModulesError struct {
	Module       string
	Incompatible string
}

func (e *IncompatibleModulesError) Error() string {
	return fmt.Sprintf("module %q is incompatible with module %q", e.Module, e.Incompatible)
}
