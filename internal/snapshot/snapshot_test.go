package snapshot

import (
	"archive/tar"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/example/trinoctl/internal/library"
)

func testModule(t *testing.T, name string) *library.Module {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(filepath.Join(dir, "bootstrap"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	descriptor := "apiVersion: trinoctl.dev/v1\nkind: Module\nname: " + name + "\ncategory: catalog\n"
	if err := os.WriteFile(filepath.Join(dir, "module.yaml"), []byte(descriptor), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	fragment := filepath.Join(dir, name+".yaml")
	if err := os.WriteFile(fragment, []byte("services:\n  "+name+":\n    image: example/"+name+":1\n"), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	return &library.Module{
		Name:          name,
		Category:      "catalog",
		Dir:           dir,
		FragmentPaths: []string{fragment},
		Hooks: []library.HookRef{{
			Service: name, Phase: library.PhasePreStart,
			Run: "bootstrap/init.sh", Timeout: 2 * time.Minute,
		}},
	}
}

func testSource(t *testing.T, heap string) Source {
	t.Helper()
	return Source{
		Project:   "smoke",
		Digest:    "sha256:cafe",
		Rendered:  []byte("services:\n  hive:\n    image: example/hive:1\n"),
		Variables: map[string]string{"JVM_HEAP": heap, "STARBURST_VER": "460-e"},
		Modules:   []*library.Module{testModule(t, "hive")},
		Version:   "test",
	}
}

func archiveNames(t *testing.T, path string) []string {
	t.Helper()
	var names []string
	err := iterateArchive(path, func(hdr *tar.Header, _ []byte) error {
		names = append(names, hdr.Name)
		return nil
	})
	if err != nil {
		t.Fatalf("iterate %s: %v", path, err)
	}
	return names
}

func TestSaveCapturesEnvironment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.tgz")
	meta, err := Save(context.Background(), testSource(t, "4g"), out, nil)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if meta.Project != "smoke" || meta.Files == 0 || len(meta.Modules) != 1 || meta.Modules[0] != "hive" {
		t.Fatalf("metadata = %+v", meta)
	}

	names := archiveNames(t, out)
	want := []string{
		"docker-compose.yaml",
		"environment/variables.yaml",
		"modules/hive/module.yaml",
		"modules/hive/fragments/hive.yaml",
		"modules/hive/hooks.json",
		"manifest.json",
		"metadata.json",
	}
	got := map[string]bool{}
	for _, n := range names {
		got[n] = true
	}
	for _, n := range want {
		if !got[n] {
			t.Fatalf("archive missing %s (has %v)", n, names)
		}
	}

	read, err := ReadMetadata(out)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if read.Project != meta.Project || read.Files != meta.Files {
		t.Fatalf("metadata roundtrip = %+v", read)
	}
}

func TestSaveManifestDigestsMatchContent(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.tgz")
	if _, err := Save(context.Background(), testSource(t, "4g"), out, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	manifest := map[string]string{}
	contents := map[string][]byte{}
	err := iterateArchive(out, func(hdr *tar.Header, data []byte) error {
		if hdr.Name == "manifest.json" {
			return json.Unmarshal(data, &manifest)
		}
		contents[hdr.Name] = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(manifest) == 0 {
		t.Fatalf("empty manifest")
	}
	for name, want := range manifest {
		data, ok := contents[name]
		if !ok {
			t.Fatalf("manifest names %s but archive lacks it", name)
		}
		if got := digest.FromBytes(data).String(); got != want {
			t.Fatalf("digest of %s = %s, want %s", name, got, want)
		}
	}
}

func TestSaveHonorsExcludePatterns(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.tgz")
	if _, err := Save(context.Background(), testSource(t, "4g"), out, []string{"modules/*/fragments"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	for _, n := range archiveNames(t, out) {
		if strings.Contains(n, "fragments/") {
			t.Fatalf("excluded entry present: %s", n)
		}
	}
}

func TestDiffArchives(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tgz")
	b := filepath.Join(dir, "b.tgz")
	if _, err := Save(context.Background(), testSource(t, "4g"), a, nil); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if _, err := Save(context.Background(), testSource(t, "8g"), b, nil); err != nil {
		t.Fatalf("save b: %v", err)
	}

	diff, err := DiffArchives(a, b)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !strings.Contains(diff, "-JVM_HEAP: 4g") || !strings.Contains(diff, "+JVM_HEAP: 8g") {
		t.Fatalf("diff missing variable change:\n%s", diff)
	}
	if strings.Contains(diff, "metadata.json") {
		t.Fatalf("diff must skip metadata:\n%s", diff)
	}
}

func TestDiffIdenticalArchivesIsQuiet(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tgz")
	b := filepath.Join(dir, "b.tgz")
	src := testSource(t, "4g")
	if _, err := Save(context.Background(), src, a, nil); err != nil {
		t.Fatalf("save a: %v", err)
	}
	// Capture timestamps differ between the two saves; content does not.
	if _, err := Save(context.Background(), src, b, nil); err != nil {
		t.Fatalf("save b: %v", err)
	}
	diff, err := DiffArchives(a, b)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if diff != "no differences found\n" {
		t.Fatalf("diff = %q", diff)
	}
}
