// flag_values.go holds pflag.Value implementations so bad flag values
// fail at parse time, before any environment work starts.
package main

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/containerd/platforms"
	"github.com/distribution/reference"
)

type enumStringValue struct {
	dest    *string
	allowed map[string]struct{}
}

func newEnumStringValue(dest *string, allowed ...string) *enumStringValue {
	m := make(map[string]struct{}, len(allowed))
	for _, v := range allowed {
		m[v] = struct{}{}
	}
	return &enumStringValue{dest: dest, allowed: m}
}

func (v *enumStringValue) String() string {
	if v == nil || v.dest == nil {
		return ""
	}
	return *v.dest
}

func (v *enumStringValue) Set(s string) error {
	s = strings.TrimSpace(s)
	if _, ok := v.allowed[s]; !ok {
		return fmt.Errorf("must be one of: %s", strings.Join(v.allowedValues(), ", "))
	}
	*v.dest = s
	return nil
}

func (v *enumStringValue) Type() string { return "string" }

func (v *enumStringValue) allowedValues() []string {
	values := make([]string, 0, len(v.allowed))
	for k := range v.allowed {
		values = append(values, k)
	}
	sort.Strings(values)
	return values
}

type validatedStringValue struct {
	dest      *string
	validator func(string) error
}

func (v *validatedStringValue) String() string {
	if v == nil || v.dest == nil {
		return ""
	}
	return *v.dest
}

func (v *validatedStringValue) Set(s string) error {
	raw := strings.TrimSpace(s)
	if v.validator != nil {
		if err := v.validator(raw); err != nil {
			return err
		}
	}
	*v.dest = raw
	return nil
}

func (v *validatedStringValue) Type() string { return "string" }

type validatedStringArrayValue struct {
	dest      *[]string
	validator func(string) error
	name      string
}

func (v *validatedStringArrayValue) String() string {
	if v == nil || v.dest == nil {
		return ""
	}
	return strings.Join(*v.dest, ",")
}

func (v *validatedStringArrayValue) Set(s string) error {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", v.name)
	}
	if v.validator != nil {
		if err := v.validator(raw); err != nil {
			return err
		}
	}
	*v.dest = append(*v.dest, raw)
	return nil
}

func (v *validatedStringArrayValue) Type() string { return "stringArray" }

type validatedCSVListValue struct {
	dest      *[]string
	validator func(string) error
	name      string
}

func (v *validatedCSVListValue) String() string {
	if v == nil || v.dest == nil {
		return ""
	}
	return strings.Join(*v.dest, ",")
}

func (v *validatedCSVListValue) Set(s string) error {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", v.name)
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if v.validator != nil {
			if err := v.validator(part); err != nil {
				return err
			}
		}
		*v.dest = append(*v.dest, part)
	}
	return nil
}

func (v *validatedCSVListValue) Type() string { return "strings" }

var (
	envVarNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	moduleNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
)

func validateModuleName(raw string) error {
	if !moduleNameRE.MatchString(raw) {
		return fmt.Errorf("invalid module name %q (expected lowercase letters, digits, and dashes)", raw)
	}
	return nil
}

// validateEnvAssignment checks a --env KEY=VAL pair. The value side is
// free-form; only the name has to be a legal variable identifier.
func validateEnvAssignment(raw string) error {
	name, _, ok := strings.Cut(raw, "=")
	if !ok {
		return fmt.Errorf("invalid assignment %q (expected KEY=VAL)", raw)
	}
	if !envVarNameRE.MatchString(name) {
		return fmt.Errorf("invalid env var name %q", name)
	}
	return nil
}

// validateImageOverride checks a --image-override SERVICE=REF pair. The
// service side is matched against the merged description later; the
// reference has to parse now.
func validateImageOverride(raw string) error {
	service, ref, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(service) == "" {
		return fmt.Errorf("invalid override %q (expected SERVICE=REF)", raw)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("invalid override %q (empty image reference)", raw)
	}
	if _, err := reference.ParseNormalizedNamed(ref); err != nil {
		return fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return nil
}

func validatePlatform(raw string) error {
	if !strings.Contains(raw, "/") {
		return fmt.Errorf("invalid platform %q (expected os/arch like linux/amd64)", raw)
	}
	if _, err := platforms.Parse(raw); err != nil {
		return fmt.Errorf("invalid platform %q: %w", raw, err)
	}
	return nil
}

func validateWSListenAddr(raw string) error {
	if _, err := net.ResolveTCPAddr("tcp", raw); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", raw, err)
	}
	return nil
}

func validateRegistryServerArg(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("server cannot be empty")
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return fmt.Errorf("server %q must not contain whitespace", raw)
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid server %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid server scheme %q (expected http or https)", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("invalid server %q (missing host)", raw)
		}
		return nil
	}
	if host, port, err := net.SplitHostPort(raw); err == nil {
		if strings.TrimSpace(host) == "" || strings.TrimSpace(port) == "" {
			return fmt.Errorf("invalid server %q", raw)
		}
	}
	return nil
}
