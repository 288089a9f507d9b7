package secretstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestParseRef(t *testing.T) {
	cases := []struct {
		name            string
		value           string
		defaultProvider string
		wantProvider    string
		wantPath        string
		wantErr         bool
	}{
		{
			name:         "explicit provider",
			value:        "secret://vault/app/db",
			wantProvider: "vault",
			wantPath:     "app/db",
		},
		{
			name:            "default provider",
			value:           "secret:///app/db",
			defaultProvider: "local",
			wantProvider:    "local",
			wantPath:        "app/db",
		},
		{
			name:            "default provider without slash",
			value:           "secret://password",
			defaultProvider: "local",
			wantProvider:    "local",
			wantPath:        "password",
		},
		{
			name:         "key selector stays in path",
			value:        "secret://vault/app/db#password",
			wantProvider: "vault",
			wantPath:     "app/db#password",
		},
		{
			name:    "missing provider",
			value:   "secret://password",
			wantErr: true,
		},
		{
			name:    "missing path",
			value:   "secret://vault/",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref, ok, err := ParseRef(tc.value, tc.defaultProvider)
			if !ok {
				t.Fatalf("expected reference to be detected")
			}
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ref.Provider != tc.wantProvider {
				t.Fatalf("provider=%q, want %q", ref.Provider, tc.wantProvider)
			}
			if ref.Path != tc.wantPath {
				t.Fatalf("path=%q, want %q", ref.Path, tc.wantPath)
			}
		})
	}
}

func TestParseRef_PlainValueIsNotARef(t *testing.T) {
	if _, ok, _ := ParseRef("plain-password", "local"); ok {
		t.Fatalf("plain value detected as reference")
	}
	if IsRef("plain-password") {
		t.Fatalf("IsRef misfired")
	}
	if !IsRef("secret://local/x") {
		t.Fatalf("IsRef missed a reference")
	}
}

func writeSecretsFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
	return path
}

func TestResolveString(t *testing.T) {
	path := writeSecretsFile(t, "db:\n  password: s3cr3t\napi:\n  token: t0k3n\n")
	resolver, err := NewResolver(Config{
		Providers: map[string]ProviderConfig{
			"local": {Type: "file", Path: path},
		},
	}, ResolverOptions{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	got, replaced, err := resolver.ResolveString(context.Background(), "secret://local/db/password")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !replaced || got != "s3cr3t" {
		t.Fatalf("got=%q replaced=%v", got, replaced)
	}

	got, replaced, err = resolver.ResolveString(context.Background(), "plain")
	if err != nil || replaced || got != "plain" {
		t.Fatalf("plain passthrough: got=%q replaced=%v err=%v", got, replaced, err)
	}

	if _, _, err = resolver.ResolveString(context.Background(), "secret://other/db/password"); err == nil {
		t.Fatalf("expected unknown provider error")
	}

	report := resolver.Audit()
	if report.Empty() {
		t.Fatalf("expected audit entries")
	}
	entry := report.Entries[0]
	if entry.Provider != "local" || entry.Path != "db/password" {
		t.Fatalf("audit entry=%+v", entry)
	}
	if entry.Reference != "secret://local/db/password" {
		t.Fatalf("reference=%q", entry.Reference)
	}
}

func TestResolveString_KeySelector(t *testing.T) {
	path := writeSecretsFile(t, "db:\n  password: s3cr3t\n  user: trino\n")
	resolver, err := NewResolver(Config{
		DefaultProvider: "local",
		Providers: map[string]ProviderConfig{
			"local": {Type: "file", Path: path},
		},
	}, ResolverOptions{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	got, _, err := resolver.ResolveString(context.Background(), "secret:///db#user")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "trino" {
		t.Fatalf("got=%q", got)
	}
	if _, _, err := resolver.ResolveString(context.Background(), "secret:///db#absent"); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, _, err := resolver.ResolveString(context.Background(), "secret:///db"); err == nil {
		t.Fatalf("expected non-string value error for mapping")
	}
}

func TestNewResolver_RejectsBadProviders(t *testing.T) {
	if _, err := NewResolver(Config{
		Providers: map[string]ProviderConfig{"x": {}},
	}, ResolverOptions{}); err == nil {
		t.Fatalf("expected missing type error")
	}
	if _, err := NewResolver(Config{
		Providers: map[string]ProviderConfig{"x": {Type: "s3"}},
	}, ResolverOptions{}); err == nil {
		t.Fatalf("expected unsupported type error")
	}
	if _, err := NewResolver(Config{
		Providers: map[string]ProviderConfig{"x": {Type: "file"}},
	}, ResolverOptions{}); err == nil {
		t.Fatalf("expected missing path error")
	}
}

func TestFileProvider_RelativePathUsesBaseDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "secrets.yaml"), []byte("token: abc\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	resolver, err := NewResolver(Config{
		Providers: map[string]ProviderConfig{
			"local": {Type: "file", Path: "secrets.yaml"},
		},
	}, ResolverOptions{BaseDir: dir})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	got, _, err := resolver.ResolveString(context.Background(), "secret://local/token")
	if err != nil || got != "abc" {
		t.Fatalf("got=%q err=%v", got, err)
	}
}
