// File: internal/provision/plan.go
// Brief: Service-level start plan derived from the rendered description.

package provision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/example/trinoctl/internal/fragment"
	"github.com/example/trinoctl/internal/library"
)

// BoundHook ties one hook reference to the module that contributed it.
// Any module in the closure may hook any service, not only its own.
type BoundHook struct {
	Module *library.Module
	Hook   library.HookRef
}

// ServiceNode is one service in the start plan. Needs lists every service
// that must reach ready before this one may enter pre_start_running:
// the union of compose depends_on edges and the owning module's
// dependency closure projected onto the services those modules own.
type ServiceNode struct {
	Name     string
	Module   string
	Category string
	Needs    []string

	PreStart  []BoundHook
	PostStart []BoundHook
}

// Plan is the read-only input shared by every worker during a run.
type Plan struct {
	Project string
	File    string
	Digest  string

	Services []*ServiceNode
	ByName   map[string]*ServiceNode

	Modules  []string
	Warnings []fragment.ConflictWarning
}

// BuildPlan projects the resolved module order and the rendered
// description into a per-service start plan. file is the path the
// rendered description was written to; workers hand it to the runtime
// verbatim.
func BuildPlan(art *fragment.Artifact, res *library.Resolution, file string) (*Plan, error) {
	if art == nil || art.Compose == nil {
		return nil, fmt.Errorf("rendered description is required")
	}
	if res == nil || len(res.Order) == 0 {
		return nil, fmt.Errorf("module resolution is required")
	}

	owned := map[string][]string{}
	for svc, mod := range art.Owners {
		owned[mod] = append(owned[mod], svc)
	}
	for mod := range owned {
		sort.Strings(owned[mod])
	}
	closure := moduleClosure(res)

	plan := &Plan{
		Project:  art.Project,
		File:     file,
		Digest:   art.Digest,
		ByName:   map[string]*ServiceNode{},
		Modules:  res.Names(),
		Warnings: append([]fragment.ConflictWarning(nil), art.Warnings...),
	}

	names := append([]string(nil), art.Services...)
	sort.Strings(names)
	for _, name := range names {
		svc, err := art.Compose.GetService(name)
		if err != nil {
			return nil, fmt.Errorf("service %s missing from rendered description: %w", name, err)
		}

		needs := map[string]bool{}
		for dep := range svc.DependsOn {
			if dep != name {
				needs[dep] = true
			}
		}
		owner := art.Owners[name]
		for _, depMod := range closure[owner] {
			for _, depSvc := range owned[depMod] {
				if depSvc != name {
					needs[depSvc] = true
				}
			}
		}

		node := &ServiceNode{
			Name:     name,
			Module:   owner,
			Category: moduleCategory(res, owner),
			Needs:    sortedSet(needs),
		}
		for _, m := range res.Order {
			for _, h := range m.HooksFor(name, library.PhasePreStart) {
				node.PreStart = append(node.PreStart, BoundHook{Module: m, Hook: h})
			}
			for _, h := range m.HooksFor(name, library.PhasePostStart) {
				node.PostStart = append(node.PostStart, BoundHook{Module: m, Hook: h})
			}
		}
		plan.Services = append(plan.Services, node)
		plan.ByName[name] = node
	}

	for _, node := range plan.Services {
		for _, dep := range node.Needs {
			if plan.ByName[dep] == nil {
				return nil, fmt.Errorf("service %s depends on undeclared service %s", node.Name, dep)
			}
		}
	}
	if cycle := findServiceCycle(plan); len(cycle) > 0 {
		return nil, fmt.Errorf("service start order contains a cycle: %s", strings.Join(cycle, " -> "))
	}
	return plan, nil
}

// moduleClosure maps each module to its transitive dependency set, so a
// service's wait list covers ancestors whose direct dependency owns no
// services of its own.
func moduleClosure(res *library.Resolution) map[string][]string {
	direct := map[string][]string{}
	for _, m := range res.Order {
		direct[m.Name] = m.DependsOn
	}
	out := map[string][]string{}
	for _, m := range res.Order {
		seen := map[string]bool{}
		var walk func(name string)
		walk = func(name string) {
			for _, dep := range direct[name] {
				if !seen[dep] {
					seen[dep] = true
					walk(dep)
				}
			}
		}
		walk(m.Name)
		out[m.Name] = sortedSet(seen)
	}
	return out
}

func moduleCategory(res *library.Resolution, name string) string {
	if m := res.Module(name); m != nil {
		return m.Category
	}
	return ""
}

// findServiceCycle reports one dependency cycle among services, or nil.
// The module resolver already rejects module-level cycles; a cycle here
// comes from depends_on edges the fragments introduced.
func findServiceCycle(plan *Plan) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range plan.ByName[name].Needs {
			switch state[dep] {
			case visiting:
				idx := 0
				for i, s := range stack {
					if s == dep {
						idx = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[idx:]...), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, node := range plan.Services {
		if state[node.Name] == unvisited && visit(node.Name) {
			return cycle
		}
	}
	return nil
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
