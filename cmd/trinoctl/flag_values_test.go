package main

import (
	"strings"
	"testing"
)

func TestValidatedCSVListValueSplitsAndValidates(t *testing.T) {
	var modules []string
	val := &validatedCSVListValue{dest: &modules, validator: validateModuleName, name: "module"}

	if err := val.Set("hive, ldap"); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if err := val.Set("postgres"); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	got := strings.Join(modules, "|")
	if got != "hive|ldap|postgres" {
		t.Fatalf("unexpected modules: %q", got)
	}

	if err := val.Set("Not_A_Module"); err == nil {
		t.Fatalf("expected uppercase module name to be rejected")
	}
	if err := val.Set(""); err == nil {
		t.Fatalf("expected empty value to be rejected")
	}
}

func TestValidateEnvAssignment(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{"STARBURST_VER=429-e", true},
		{"_X=", true},
		{"missing-equals", false},
		{"9BAD=x", false},
		{"WITH-DASH=x", false},
	}
	for _, tc := range cases {
		err := validateEnvAssignment(tc.raw)
		if tc.ok && err != nil {
			t.Errorf("%q: unexpected error: %v", tc.raw, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%q: expected error", tc.raw)
		}
	}
}

func TestValidateImageOverride(t *testing.T) {
	if err := validateImageOverride("trino=starburstdata/starburst-enterprise:429-e.4"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, raw := range []string{"", "noequals", "svc=", "svc=UPPER CASE REF"} {
		if err := validateImageOverride(raw); err == nil {
			t.Errorf("%q: expected error", raw)
		}
	}
}

func TestValidatePlatform(t *testing.T) {
	if err := validatePlatform("linux/amd64"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, raw := range []string{"linux", "not a platform"} {
		if err := validatePlatform(raw); err == nil {
			t.Errorf("%q: expected error", raw)
		}
	}
}

func TestEnumStringValue(t *testing.T) {
	out := "table"
	val := newEnumStringValue(&out, "table", "json", "yaml")
	if err := val.Set("json"); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if out != "json" {
		t.Fatalf("dest not updated: %q", out)
	}
	err := val.Set("xml")
	if err == nil {
		t.Fatalf("expected rejection of xml")
	}
	if !strings.Contains(err.Error(), "json, table, yaml") {
		t.Fatalf("error should list allowed values, got: %v", err)
	}
}

func TestValidateWSListenAddr(t *testing.T) {
	if err := validateWSListenAddr("127.0.0.1:8099"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := validateWSListenAddr("missing-port"); err == nil {
		t.Fatalf("expected error for bad address")
	}
}
