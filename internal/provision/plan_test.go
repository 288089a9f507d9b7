package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/trinoctl/internal/fragment"
	"github.com/example/trinoctl/internal/library"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func modWith(t *testing.T, name, category string, fragments ...string) *library.Module {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	mod := &library.Module{Name: name, Category: category, Dir: dir}
	for i, doc := range fragments {
		path := filepath.Join(dir, fmt.Sprintf("fragment%d.yaml", i))
		writeFile(t, path, doc)
		mod.FragmentPaths = append(mod.FragmentPaths, path)
	}
	return mod
}

func renderArtifact(t *testing.T, mods ...*library.Module) *fragment.Artifact {
	t.Helper()
	m := fragment.NewMerger(nil, 0)
	for _, mod := range mods {
		if err := m.Add(mod); err != nil {
			t.Fatalf("add %s: %v", mod.Name, err)
		}
	}
	art, err := m.Render("smoke")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	return art
}

func resolutionOf(requested []string, mods ...*library.Module) *library.Resolution {
	return &library.Resolution{Requested: requested, Order: mods}
}

func TestBuildPlanProjectsModuleDependenciesOntoServices(t *testing.T) {
	postgres := modWith(t, "postgres", "admin", `
services:
  postgres:
    image: postgres:16
`)
	hive := modWith(t, "hive", "catalog", `
services:
  hive:
    image: apache/hive:3.1.3
    depends_on:
      - postgres
`)
	hive.DependsOn = []string{"postgres"}

	art := renderArtifact(t, postgres, hive)
	plan, err := BuildPlan(art, resolutionOf([]string{"hive"}, postgres, hive), "dc.yaml")
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}

	if plan.Project != "smoke" || plan.File != "dc.yaml" || plan.Digest == "" {
		t.Fatalf("plan metadata = %+v", plan)
	}
	// The compose edge and the module edge collapse into one wait entry.
	node := plan.ByName["hive"]
	if node == nil || len(node.Needs) != 1 || node.Needs[0] != "postgres" {
		t.Fatalf("hive needs = %+v", node)
	}
	if node.Module != "hive" || node.Category != "catalog" {
		t.Fatalf("hive node = %+v", node)
	}
	if pg := plan.ByName["postgres"]; pg == nil || len(pg.Needs) != 0 {
		t.Fatalf("postgres needs = %+v", pg)
	}
}

func TestBuildPlanBridgesModulesWithoutServices(t *testing.T) {
	storage := modWith(t, "storage", "admin", `
services:
  storage:
    image: minio/minio:latest
`)
	// tuning contributes configuration only; it owns no service.
	tuning := modWith(t, "tuning", "admin", `
services:
  storage:
    environment:
      MINIO_CACHE: "on"
`)
	tuning.DependsOn = []string{"storage"}
	api := modWith(t, "api", "catalog", `
services:
  api:
    image: example/api:1
`)
	api.DependsOn = []string{"tuning"}

	art := renderArtifact(t, storage, tuning, api)
	plan, err := BuildPlan(art, resolutionOf([]string{"api"}, storage, tuning, api), "dc.yaml")
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	node := plan.ByName["api"]
	if node == nil || len(node.Needs) != 1 || node.Needs[0] != "storage" {
		t.Fatalf("api must wait on storage through the service-less module: %+v", node)
	}
}

func TestBuildPlanBindsHooksInResolutionOrder(t *testing.T) {
	base := modWith(t, "base", "admin", `
services:
  trino:
    image: trinodb/trino:460
`)
	base.Hooks = []library.HookRef{{
		Service: "trino", Phase: library.PhasePreStart,
		Run: "init.sh", Args: []string{"/bin/sh", "init.sh"},
	}}
	ranger := modWith(t, "ranger", "security", `
services:
  trino:
    environment:
      ACCESS_CONTROL: ranger
`)
	ranger.DependsOn = []string{"base"}
	ranger.Hooks = []library.HookRef{
		{Service: "trino", Phase: library.PhasePreStart, Run: "policy.sh", Args: []string{"/bin/sh", "policy.sh"}},
		{Service: "trino", Phase: library.PhasePostStart, Run: "verify.sh", Args: []string{"/bin/sh", "verify.sh"}},
	}

	art := renderArtifact(t, base, ranger)
	plan, err := BuildPlan(art, resolutionOf([]string{"ranger"}, base, ranger), "dc.yaml")
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	node := plan.ByName["trino"]
	if len(node.PreStart) != 2 || node.PreStart[0].Module.Name != "base" || node.PreStart[1].Module.Name != "ranger" {
		t.Fatalf("pre_start binding order = %+v", node.PreStart)
	}
	if len(node.PostStart) != 1 || node.PostStart[0].Module.Name != "ranger" {
		t.Fatalf("post_start binding = %+v", node.PostStart)
	}
}

func TestBuildPlanRejectsCyclesAcrossEdgeKinds(t *testing.T) {
	// s1 -> s2 comes from the fragment; s2 -> s1 from the module graph.
	// Neither layer alone is cyclic.
	m1 := modWith(t, "m1", "admin", `
services:
  s1:
    image: example/one:1
    depends_on:
      - s2
`)
	m2 := modWith(t, "m2", "admin", `
services:
  s2:
    image: example/two:1
`)
	m2.DependsOn = []string{"m1"}

	art := renderArtifact(t, m1, m2)
	_, err := BuildPlan(art, resolutionOf([]string{"m2"}, m1, m2), "dc.yaml")
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("err = %v, want cycle error", err)
	}
	for _, svc := range []string{"s1", "s2"} {
		if !strings.Contains(err.Error(), svc) {
			t.Fatalf("cycle error must name %s: %v", svc, err)
		}
	}
}
