package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/trinoctl/internal/fragment"
	"github.com/example/trinoctl/internal/library"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(`
package trinoctl.env

deny[msg] {
  svc := input.services[name]
  svc.privileged
  msg := {"code":"PRIVILEGED","message":"privileged containers are not allowed","subject": name}
}

warn[msg] {
  mod := input.modules[_]
  mod.enterprise
  not input.data.licensed
  msg := sprintf("module %s requires a licensed image", [mod.name])
}
`), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}
	b := &Bundle{Dir: dir, Data: map[string]any{"licensed": false}}

	rep, err := Evaluate(context.Background(), b, EnvInput{
		WhenUTC: time.Now().UTC(),
		Project: "smoke",
		Modules: []ModuleInput{{Name: "ranger", Category: "security", Enterprise: true}},
		Services: map[string]ServiceInput{
			"trino": {Image: "trinodb/trino:460", Privileged: true},
		},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if rep.DenyCount != 1 || rep.Passed {
		t.Fatalf("expected 1 deny, got %+v", rep)
	}
	if rep.Deny[0].Code != "PRIVILEGED" || rep.Deny[0].Subject != "trino" {
		t.Fatalf("unexpected deny %+v", rep.Deny[0])
	}
	if rep.WarnCount != 1 || !strings.Contains(rep.Warn[0].Message, "ranger") {
		t.Fatalf("unexpected warn %+v", rep.Warn)
	}
}

func TestEvaluateCleanEnvironmentPasses(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(`
package trinoctl.env

deny[msg] {
  svc := input.services[name]
  svc.privileged
  msg := sprintf("service %s is privileged", [name])
}
`), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}

	rep, err := Evaluate(context.Background(), &Bundle{Dir: dir}, EnvInput{
		Project:  "smoke",
		Services: map[string]ServiceInput{"trino": {Image: "trinodb/trino:460"}},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !rep.Passed || rep.DenyCount != 0 {
		t.Fatalf("expected pass, got %+v", rep)
	}
}

func TestBuildEnvInput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "trino")
	doc := `
services:
  trino:
    image: trinodb/trino:460
    privileged: true
    user: "1000"
    ports:
      - "8080:8080"
    cap_add:
      - SYS_PTRACE
    environment:
      CATALOG_MANAGEMENT: dynamic
    volumes:
      - ./etc:/etc/trino
      - catalogs:/var/lib/catalogs
volumes:
  catalogs: {}
`
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "fragment0.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	mod := &library.Module{Name: "trino", Category: "admin", Dir: dir, FragmentPaths: []string{path}}

	m := fragment.NewMerger(nil, 0)
	if err := m.Add(mod); err != nil {
		t.Fatalf("add: %v", err)
	}
	art, err := m.Render("smoke")
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	in := BuildEnvInput(art, &library.Resolution{Requested: []string{"trino"}, Order: []*library.Module{mod}})
	if in.Project != "smoke" || in.Digest != art.Digest {
		t.Fatalf("input meta = %+v", in)
	}
	if len(in.Modules) != 1 || in.Modules[0].Name != "trino" || in.Modules[0].Category != "admin" {
		t.Fatalf("modules = %+v", in.Modules)
	}
	svc, ok := in.Services["trino"]
	if !ok {
		t.Fatalf("services = %+v", in.Services)
	}
	if svc.Module != "trino" || svc.Image != "trinodb/trino:460" || !svc.Privileged || svc.User != "1000" {
		t.Fatalf("service = %+v", svc)
	}
	if len(svc.Ports) != 1 || svc.Ports[0] != "8080:8080" {
		t.Fatalf("ports = %+v", svc.Ports)
	}
	if len(svc.CapAdd) != 1 || svc.CapAdd[0] != "SYS_PTRACE" {
		t.Fatalf("cap_add = %+v", svc.CapAdd)
	}
	if svc.Environment["CATALOG_MANAGEMENT"] != "dynamic" {
		t.Fatalf("environment = %+v", svc.Environment)
	}
	if len(svc.Binds) != 1 || !strings.HasSuffix(svc.Binds[0], ":/etc/trino") {
		t.Fatalf("binds = %+v", svc.Binds)
	}
	// The bind source was anchored to the module directory.
	if !strings.HasPrefix(svc.Binds[0], dir) {
		t.Fatalf("bind source not anchored: %s", svc.Binds[0])
	}
	if len(in.Volumes) != 1 || in.Volumes[0] != "catalogs" {
		t.Fatalf("volumes = %+v", in.Volumes)
	}
}
