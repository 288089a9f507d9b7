package envconfig

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultMaxPasses bounds fixed-point substitution. Ten levels of
// nested variable references is far beyond any sane module library;
// hitting the bound means the value set references itself.
const DefaultMaxPasses = 10

// token matches either an escape ($$) or a braced placeholder. The
// escape alternative comes first so $${X} survives as a literal ${X}.
var token = regexp.MustCompile(`\$\$|\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// UnresolvedVariableError is fatal: a placeholder survived every
// substitution pass with no variable to satisfy it.
type UnresolvedVariableError struct {
	Placeholder string
	Module      string
}

func (e *UnresolvedVariableError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("unresolved variable %s in module %q", e.Placeholder, e.Module)
	}
	return fmt.Sprintf("unresolved variable %s in configuration", e.Placeholder)
}

// Expand substitutes ${NAME} placeholders in text from vars, repeating
// until the text stops changing. Substituted values may themselves
// contain placeholders; $$ escapes a literal dollar and collapses once
// at the end. Self-referential variable sets fail the pass bound.
func Expand(text string, vars map[string]string, maxPasses int) (string, error) {
	if maxPasses <= 0 {
		maxPasses = DefaultMaxPasses
	}
	converged := false
	for pass := 0; pass < maxPasses; pass++ {
		next := token.ReplaceAllStringFunc(text, func(m string) string {
			if m == "$$" {
				return m
			}
			name := m[2 : len(m)-1]
			if v, ok := vars[name]; ok {
				return v
			}
			return m
		})
		if next == text {
			converged = true
			break
		}
		text = next
	}

	// A placeholder still present for a KNOWN variable means each pass
	// re-substitutes it into itself: the set can never settle.
	for _, m := range token.FindAllStringSubmatch(text, -1) {
		if m[0] == "$$" {
			continue
		}
		if _, ok := vars[m[1]]; ok {
			converged = false
			break
		}
	}
	if !converged {
		return "", fmt.Errorf("variable substitution did not converge after %d passes (self-referential values)", maxPasses)
	}

	for _, m := range token.FindAllStringSubmatch(text, -1) {
		if m[0] == "$$" {
			continue
		}
		return "", &UnresolvedVariableError{Placeholder: m[0]}
	}
	return strings.ReplaceAll(text, "$$", "$"), nil
}

// ExpandAll expands every value of vars against the whole map and
// returns a new map; keys resolve independently but see each other.
// Keys resolve in sorted order so a broken set always reports the
// same first failure.
func ExpandAll(vars map[string]string, maxPasses int) (map[string]string, error) {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]string, len(vars))
	for _, name := range names {
		resolved, err := Expand(vars[name], vars, maxPasses)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
		out[name] = resolved
	}
	return out, nil
}
