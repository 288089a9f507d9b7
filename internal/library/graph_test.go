package library

import (
	"errors"
	"strings"
	"testing"
)

func catalogOf(t *testing.T, mods ...*Module) *Catalog {
	t.Helper()
	c := &Catalog{byName: map[string]*Module{}}
	for i, m := range mods {
		m.ScanIndex = i
		if _, ok := c.byName[m.Name]; ok {
			t.Fatalf("duplicate module %q in fixture", m.Name)
		}
		c.byName[m.Name] = m
		c.inOrder = append(c.inOrder, m)
	}
	return c
}

func orderOf(t *testing.T, c *Catalog, requested ...string) string {
	t.Helper()
	res, err := Resolve(c, requested)
	if err != nil {
		t.Fatalf("resolve %v: %v", requested, err)
	}
	return strings.Join(res.Names(), ",")
}

func TestResolve_DependenciesBeforeDependents(t *testing.T) {
	c := catalogOf(t,
		&Module{Name: "postgres"},
		&Module{Name: "hive", DependsOn: []string{"postgres"}},
		&Module{Name: "ranger", DependsOn: []string{"postgres", "ldap"}},
		&Module{Name: "ldap"},
	)
	got := orderOf(t, c, "ranger", "hive")
	if got != "postgres,hive,ldap,ranger" {
		t.Fatalf("order=%s", got)
	}
}

func TestResolve_OrderIsDeterministic(t *testing.T) {
	c := catalogOf(t,
		&Module{Name: "a"},
		&Module{Name: "b"},
		&Module{Name: "c"},
		&Module{Name: "d", DependsOn: []string{"a", "b", "c"}},
	)
	first := orderOf(t, c, "d")
	for i := 0; i < 20; i++ {
		if got := orderOf(t, c, "d"); got != first {
			t.Fatalf("iteration %d: order=%s first=%s", i, got, first)
		}
	}
	// Unrequested dependencies order by registry scan, not map walk.
	if first != "a,b,c,d" {
		t.Fatalf("order=%s", first)
	}
}

func TestResolve_RequestedOrderBreaksTies(t *testing.T) {
	c := catalogOf(t,
		&Module{Name: "alpha"},
		&Module{Name: "beta"},
		&Module{Name: "gamma"},
	)
	if got := orderOf(t, c, "gamma", "alpha"); got != "gamma,alpha" {
		t.Fatalf("order=%s", got)
	}
	if got := orderOf(t, c, "alpha", "gamma"); got != "alpha,gamma" {
		t.Fatalf("order=%s", got)
	}
}

func TestResolve_SharedDependencyAppearsOnce(t *testing.T) {
	c := catalogOf(t,
		&Module{Name: "postgres"},
		&Module{Name: "hive", DependsOn: []string{"postgres"}},
		&Module{Name: "ranger", DependsOn: []string{"postgres"}},
	)
	res, err := Resolve(c, []string{"hive", "ranger", "hive"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Order) != 3 {
		t.Fatalf("order=%v", res.Names())
	}
	if len(res.Requested) != 2 {
		t.Fatalf("requested=%v", res.Requested)
	}
	if res.Order[0].Name != "postgres" {
		t.Fatalf("order=%v", res.Names())
	}
}

func TestResolve_UnknownRequestAborts(t *testing.T) {
	c := catalogOf(t, &Module{Name: "hive"})
	_, err := Resolve(c, []string{"hive", "nope"})
	var unknown *UnknownModuleError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected unknown module error, got %v", err)
	}
	if unknown.Name != "nope" || unknown.RequiredBy != "" {
		t.Fatalf("unknown=%+v", unknown)
	}
}

func TestResolve_UnknownDependencyNamesRequirer(t *testing.T) {
	c := catalogOf(t, &Module{Name: "hive", DependsOn: []string{"metastore-db"}})
	_, err := Resolve(c, []string{"hive"})
	var unknown *UnknownModuleError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected unknown module error, got %v", err)
	}
	if unknown.Name != "metastore-db" || unknown.RequiredBy != "hive" {
		t.Fatalf("unknown=%+v", unknown)
	}
}

func TestResolve_CycleNamesFullCycle(t *testing.T) {
	c := catalogOf(t,
		&Module{Name: "a", DependsOn: []string{"b"}},
		&Module{Name: "b", DependsOn: []string{"c"}},
		&Module{Name: "c", DependsOn: []string{"a"}},
	)
	for _, entry := range []string{"a", "b", "c"} {
		_, err := Resolve(c, []string{entry})
		var cycle *CircularDependencyError
		if !errors.As(err, &cycle) {
			t.Fatalf("entry %s: expected cycle error, got %v", entry, err)
		}
		if len(cycle.Cycle) != 4 {
			t.Fatalf("entry %s: cycle=%v", entry, cycle.Cycle)
		}
		if cycle.Cycle[0] != cycle.Cycle[len(cycle.Cycle)-1] {
			t.Fatalf("entry %s: cycle does not close: %v", entry, cycle.Cycle)
		}
		for _, name := range []string{"a", "b", "c"} {
			if !strings.Contains(err.Error(), name) {
				t.Fatalf("entry %s: cycle error %q omits %s", entry, err, name)
			}
		}
	}
}

func TestResolve_SelfCycleThroughPair(t *testing.T) {
	c := catalogOf(t,
		&Module{Name: "x", DependsOn: []string{"y"}},
		&Module{Name: "y", DependsOn: []string{"x"}},
	)
	_, err := Resolve(c, []string{"x"})
	var cycle *CircularDependencyError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "x -> y -> x") && !strings.Contains(got, "y -> x -> y") {
		t.Fatalf("cycle error=%q", got)
	}
}

func TestResolve_DiamondIsNotACycle(t *testing.T) {
	c := catalogOf(t,
		&Module{Name: "base"},
		&Module{Name: "left", DependsOn: []string{"base"}},
		&Module{Name: "right", DependsOn: []string{"base"}},
		&Module{Name: "top", DependsOn: []string{"left", "right"}},
	)
	if got := orderOf(t, c, "top"); got != "base,left,right,top" {
		t.Fatalf("order=%s", got)
	}
}

func TestResolve_IncompatibleModules(t *testing.T) {
	c := catalogOf(t,
		&Module{Name: "ldap", IncompatibleWith: []string{"oauth2"}},
		&Module{Name: "oauth2"},
		&Module{Name: "portal", DependsOn: []string{"oauth2"}},
	)
	_, err := Resolve(c, []string{"ldap", "portal"})
	var incompatible *IncompatibleModulesError
	if !errors.As(err, &incompatible) {
		t.Fatalf("expected incompatibility error, got %v", err)
	}
	if incompatible.Module != "ldap" || incompatible.Incompatible != "oauth2" {
		t.Fatalf("incompatible=%+v", incompatible)
	}
}

func TestResolve_EmptyRequest(t *testing.T) {
	c := catalogOf(t, &Module{Name: "hive"})
	if _, err := Resolve(c, nil); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Resolve(c, []string{"  ", ""}); err == nil {
		t.Fatalf("expected error")
	}
}
