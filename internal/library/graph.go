// File: internal/library/graph.go
// Brief: Transitive closure, cycle detection, and deterministic topo order.

package library

import (
	"fmt"
	"sort"
	"strings"
)

// Resolution is the resolver output: the requested names (cleaned, in
// request order) and the full closure in deterministic topological order.
type Resolution struct {
	Requested []string
	Order     []*Module
}

// Names returns the ordered module names.
func (r *Resolution) Names() []string {
	out := make([]string, len(r.Order))
	for i, m := range r.Order {
		out[i] = m.Name
	}
	return out
}

// Module returns a resolved module by name, nil when outside the closure.
func (r *Resolution) Module(name string) *Module {
	for _, m := range r.Order {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Resolve computes the transitive dependency closure of the requested
// modules and orders it topologically. Ties between modules with no
// dependency relationship break first-requested-then-registry-scan, so
// identical input always yields identical order. Unknown names and
// cycles abort resolution entirely; no partial graph is returned.
func Resolve(c *Catalog, requested []string) (*Resolution, error) {
	cleaned := cleanNames(requested)
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("at least one module must be requested")
	}
	var reqOrder []string
	seenReq := map[string]bool{}
	for _, name := range cleaned {
		if !seenReq[name] {
			seenReq[name] = true
			reqOrder = append(reqOrder, name)
		}
	}

	visited := map[string]bool{}
	onStack := map[string]bool{}
	var stack []string

	var visit func(name, requiredBy string) error
	visit = func(name, requiredBy string) error {
		if onStack[name] {
			return &CircularDependencyError{Cycle: cycleFrom(stack, name)}
		}
		if visited[name] {
			return nil
		}
		mod, ok := c.byName[name]
		if !ok {
			return &UnknownModuleError{Name: name, RequiredBy: requiredBy}
		}
		onStack[name] = true
		stack = append(stack, name)
		for _, dep := range mod.DependsOn {
			if err := visit(dep, name); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		onStack[name] = false
		visited[name] = true
		return nil
	}
	for _, name := range reqOrder {
		if err := visit(name, ""); err != nil {
			return nil, err
		}
	}

	closure := make([]*Module, 0, len(visited))
	for name := range visited {
		closure = append(closure, c.byName[name])
	}
	sort.Slice(closure, func(i, j int) bool { return closure[i].ScanIndex < closure[j].ScanIndex })
	if err := checkCompatibility(closure); err != nil {
		return nil, err
	}

	// Tie-break priority: requested modules in request order, then the
	// rest of the closure in registry scan order.
	priority := map[string]int{}
	for i, name := range reqOrder {
		priority[name] = i
	}
	for _, m := range closure {
		if _, ok := priority[m.Name]; !ok {
			priority[m.Name] = len(priority)
		}
	}

	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for _, m := range closure {
		inDegree[m.Name] += 0
		for _, dep := range m.DependsOn {
			inDegree[m.Name]++
			dependents[dep] = append(dependents[dep], m.Name)
		}
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]*Module, 0, len(closure))
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			if priority[ready[i]] < priority[ready[best]] {
				best = i
			}
		}
		name := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, c.byName[name])
		for _, dependent := range dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(order) != len(closure) {
		// The DFS above names any cycle; reaching here means a bug in
		// the in-degree bookkeeping rather than user input.
		var stuck []string
		for name, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency graph not fully schedulable: %s", strings.Join(stuck, ", "))
	}

	return &Resolution{Requested: reqOrder, Order: order}, nil
}

func cycleFrom(stack []string, repeat string) []string {
	idx := 0
	for i, name := range stack {
		if name == repeat {
			idx = i
			break
		}
	}
	cycle := append([]string{}, stack[idx:]...)
	return append(cycle, repeat)
}

func checkCompatibility(closure []*Module) error {
	inSet := map[string]*Module{}
	for _, m := range closure {
		inSet[m.Name] = m
	}
	for _, m := range closure {
		for _, other := range m.IncompatibleWith {
			if _, ok := inSet[other]; ok {
				return &IncompatibleModulesError{Module: m.Name, Incompatible: other}
			}
		}
	}
	return nil
}
