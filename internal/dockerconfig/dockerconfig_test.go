package dockerconfig

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeServer(t *testing.T) {
	cases := map[string]string{
		"":                            HubServer,
		"docker.io":                   HubServer,
		"index.docker.io":             HubServer,
		"registry-1.docker.io":        HubServer,
		"https://index.docker.io/v1/": HubServer,
		"harbor.starburstdata.net":    "harbor.starburstdata.net",
		" ghcr.io ":                   "ghcr.io",
	}
	for input, want := range cases {
		if got := NormalizeServer(input); got != want {
			t.Fatalf("NormalizeServer(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestV2Endpoint(t *testing.T) {
	cases := map[string]string{
		"":                         "https://registry-1.docker.io",
		"docker.io":                "https://registry-1.docker.io",
		"harbor.starburstdata.net": "https://harbor.starburstdata.net",
		"http://localhost:5000/":   "http://localhost:5000",
	}
	for input, want := range cases {
		if got := V2Endpoint(input); got != want {
			t.Fatalf("V2Endpoint(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestLoadCreatesEmptyConfigForMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "config.json")
	cfg, err := Load(path, io.Discard)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Filename != path {
		t.Fatalf("Filename = %q, want %q", cfg.Filename, path)
	}
	if err := EnsureDir(path); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("saved config missing: %v", err)
	}
}

func TestLoadParsesExistingAuths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	blob := `{"auths":{"harbor.starburstdata.net":{"auth":"dXNlcjpwYXNz"}}}`
	if err := os.WriteFile(path, []byte(blob), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path, io.Discard)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	store := cfg.GetCredentialsStore("harbor.starburstdata.net")
	auth, err := store.Get("harbor.starburstdata.net")
	if err != nil {
		t.Fatalf("get stored credentials: %v", err)
	}
	if auth.Username != "user" || auth.Password != "pass" {
		t.Fatalf("unexpected auth: %#v", auth)
	}
}
