package resources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/go-logr/logr"
)

type fakeRuntime struct {
	containers []Resource
	networks   []Resource
	volumes    []Resource

	// ignoreFilters simulates an engine that returns listings without
	// applying the requested label filters.
	ignoreFilters bool

	removed []string
	failOn  map[string]error
}

func (f *fakeRuntime) ListContainers(ctx context.Context, filters []string) ([]Resource, error) {
	return f.list(f.containers, filters), nil
}

func (f *fakeRuntime) ListNetworks(ctx context.Context, filters []string) ([]Resource, error) {
	return f.list(f.networks, filters), nil
}

func (f *fakeRuntime) ListVolumes(ctx context.Context, filters []string) ([]Resource, error) {
	return f.list(f.volumes, filters), nil
}

func (f *fakeRuntime) list(pool []Resource, filters []string) []Resource {
	if f.ignoreFilters {
		return pool
	}
	out := []Resource{}
	for _, res := range pool {
		if matchesFilters(res.Labels, filters) {
			out = append(out, res)
		}
	}
	return out
}

// matchesFilters applies engine-style label filters: "label=k=v" wants
// an exact value, "label=k" wants the key present.
func matchesFilters(labels map[string]string, filters []string) bool {
	for _, f := range filters {
		spec := strings.TrimPrefix(f, "label=")
		key, want, exact := strings.Cut(spec, "=")
		got, ok := labels[key]
		if !ok || (exact && got != want) {
			return false
		}
	}
	return true
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	return f.remove("container", id)
}

func (f *fakeRuntime) RemoveVolume(ctx context.Context, name string) error {
	return f.remove("volume", name)
}

func (f *fakeRuntime) RemoveNetwork(ctx context.Context, id string) error {
	return f.remove("network", id)
}

func (f *fakeRuntime) remove(kind, id string) error {
	key := kind + ":" + id
	if err := f.failOn[key]; err != nil {
		return err
	}
	f.removed = append(f.removed, key)
	return nil
}

func managed(kind Kind, name string, extra map[string]string) Resource {
	labels := map[string]string{LabelRoot: LabelRootValue, LabelEnv: "smoke"}
	for k, v := range extra {
		labels[k] = v
	}
	return Resource{Kind: kind, ID: name + "-id", Name: name, Labels: labels}
}

func TestSelectorFilters(t *testing.T) {
	sel := Selector{Env: "smoke", Modules: []string{"hive", "ldap"}}
	got := strings.Join(sel.Filters(), " ")
	want := "label=com.starburst.tests=trinoctl" +
		" label=com.starburst.tests.env=smoke" +
		" label=com.starburst.tests.module.hive" +
		" label=com.starburst.tests.module.ldap"
	if got != want {
		t.Fatalf("filters=%q want %q", got, want)
	}

	bare := Selector{}.Filters()
	if len(bare) != 1 || bare[0] != "label=com.starburst.tests=trinoctl" {
		t.Fatalf("empty selector filters=%v", bare)
	}
}

func TestInventoryUnionsDeclarations(t *testing.T) {
	var inv Inventory
	inv.Record("warehouse", "hive", map[string]string{"tier": "storage"})
	inv.Record("warehouse", "backup", map[string]string{"tier": "cold", "owner": "ops"})
	inv.Record("pgdata", "postgres", nil)
	inv.Record("warehouse", "hive", nil) // repeat declaration is a no-op

	if inv.Len() != 2 {
		t.Fatalf("len=%d", inv.Len())
	}
	vols := inv.Volumes()
	if vols[0].Name != "pgdata" || vols[1].Name != "warehouse" {
		t.Fatalf("order=%s,%s", vols[0].Name, vols[1].Name)
	}
	wh := vols[1]
	if got := strings.Join(wh.Modules, ","); got != "hive,backup" {
		t.Fatalf("modules=%s", got)
	}
	if wh.Labels["tier"] != "cold" || wh.Labels["owner"] != "ops" {
		t.Fatalf("labels=%v", wh.Labels)
	}
}

func TestInventoryStampEnforcesIdentity(t *testing.T) {
	var inv Inventory
	inv.Record("warehouse", "hive", map[string]string{LabelEnv: "spoofed", "tier": "storage"})
	inv.Stamp("smoke", map[string]string{"hive": "catalog"})

	rec := inv.Volumes()[0]
	if !Managed(rec.Labels) {
		t.Fatalf("root marker missing: %v", rec.Labels)
	}
	if rec.Labels[LabelEnv] != "smoke" {
		t.Fatalf("identity label not authoritative: %v", rec.Labels)
	}
	if rec.Labels[ModuleLabel("hive")] != "catalog" {
		t.Fatalf("module label=%q", rec.Labels[ModuleLabel("hive")])
	}
	if rec.Labels["tier"] != "storage" {
		t.Fatalf("fragment label lost: %v", rec.Labels)
	}
}

func TestModulesOf(t *testing.T) {
	labels := map[string]string{
		LabelRoot:           LabelRootValue,
		ModuleLabel("ldap"): "security",
		ModuleLabel("hive"): "catalog",
		LabelEnv:            "smoke",
	}
	if got := strings.Join(ModulesOf(labels), ","); got != "hive,ldap" {
		t.Fatalf("modules=%s", got)
	}
}

func TestReconcileOrdersRemovals(t *testing.T) {
	rt := &fakeRuntime{
		containers: []Resource{
			managed(KindContainer, "trino", nil),
			managed(KindContainer, "hive", nil),
		},
		networks: []Resource{managed(KindNetwork, "smoke_default", nil)},
		volumes:  []Resource{managed(KindVolume, "warehouse", nil)},
	}

	report, err := Reconcile(context.Background(), rt, logr.Discard(), ReconcileOptions{
		Selector:       Selector{Env: "smoke"},
		IncludeVolumes: true,
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	want := "container:hive-id container:trino-id network:smoke_default-id volume:warehouse-id"
	if got := strings.Join(rt.removed, " "); got != want {
		t.Fatalf("removal order=%q want %q", got, want)
	}
	if len(report.Removed) != 4 || len(report.Skipped) != 0 || len(report.Failed) != 0 {
		t.Fatalf("report=%+v", report)
	}
}

func TestReconcileLeavesVolumesByDefault(t *testing.T) {
	rt := &fakeRuntime{
		containers: []Resource{managed(KindContainer, "trino", nil)},
		volumes:    []Resource{managed(KindVolume, "warehouse", nil)},
	}

	_, err := Reconcile(context.Background(), rt, logr.Discard(), ReconcileOptions{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	for _, key := range rt.removed {
		if strings.HasPrefix(key, "volume:") {
			t.Fatalf("volume removed without IncludeVolumes: %v", rt.removed)
		}
	}
}

func TestReconcileModuleSelectorScopesRemovals(t *testing.T) {
	rt := &fakeRuntime{
		containers: []Resource{
			managed(KindContainer, "hive", map[string]string{ModuleLabel("hive"): "catalog"}),
			managed(KindContainer, "ldap", map[string]string{ModuleLabel("ldap"): "security"}),
		},
		volumes: []Resource{
			managed(KindVolume, "warehouse", map[string]string{ModuleLabel("hive"): "catalog"}),
			managed(KindVolume, "ldap-data", map[string]string{ModuleLabel("ldap"): "security"}),
		},
	}

	report, err := Reconcile(context.Background(), rt, logr.Discard(), ReconcileOptions{
		Selector:       Selector{Env: "smoke", Modules: []string{"hive"}},
		IncludeVolumes: true,
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	want := "container:hive-id volume:warehouse-id"
	if got := strings.Join(rt.removed, " "); got != want {
		t.Fatalf("removed=%q want %q", got, want)
	}
	if len(report.Removed) != 2 {
		t.Fatalf("report=%+v", report.Removed)
	}
}

func TestReconcileNeverTouchesUnmanaged(t *testing.T) {
	stray := Resource{
		Kind:   KindContainer,
		ID:     "stray-id",
		Name:   "stray",
		Labels: map[string]string{"com.example.other": "true"},
	}
	rt := &fakeRuntime{
		containers:    []Resource{stray, managed(KindContainer, "trino", nil)},
		ignoreFilters: true,
	}

	report, err := Reconcile(context.Background(), rt, logr.Discard(), ReconcileOptions{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Name != "stray" {
		t.Fatalf("skipped=%+v", report.Skipped)
	}
	for _, key := range rt.removed {
		if key == "container:stray-id" {
			t.Fatal("unmanaged container was removed")
		}
	}
}

func TestReconcileDryRun(t *testing.T) {
	rt := &fakeRuntime{
		containers: []Resource{managed(KindContainer, "trino", nil)},
		networks:   []Resource{managed(KindNetwork, "smoke_default", nil)},
	}

	report, err := Reconcile(context.Background(), rt, logr.Discard(), ReconcileOptions{DryRun: true})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(rt.removed) != 0 {
		t.Fatalf("dry run removed %v", rt.removed)
	}
	if len(report.Removed) != 2 {
		t.Fatalf("planned=%d", len(report.Removed))
	}
}

func TestReconcileCollectsFailures(t *testing.T) {
	rt := &fakeRuntime{
		containers: []Resource{
			managed(KindContainer, "hive", nil),
			managed(KindContainer, "trino", nil),
		},
		failOn: map[string]error{"container:hive-id": errors.New("still restarting")},
	}

	report, err := Reconcile(context.Background(), rt, logr.Discard(), ReconcileOptions{})
	if err == nil {
		t.Fatal("expected error for failed removal")
	}
	if !strings.Contains(err.Error(), "1 resource(s)") {
		t.Fatalf("err=%v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].Resource.Name != "hive" {
		t.Fatalf("failed=%+v", report.Failed)
	}
	// The failure did not stop the rest of the pass.
	if fmt.Sprint(rt.removed) != "[container:trino-id]" {
		t.Fatalf("removed=%v", rt.removed)
	}
}
