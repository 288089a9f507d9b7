package secretstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const refPrefix = "secret://"

// Provider resolves one secret path to its value.
type Provider interface {
	Resolve(ctx context.Context, path string) (string, error)
}

// ResolverOptions adjust provider construction.
type ResolverOptions struct {
	// BaseDir anchors relative file-provider paths, usually the
	// directory holding the config file that declared them.
	BaseDir string
}

// AuditEntry records one resolved reference. It never carries the
// secret value, only the canonical reference, so reports are safe to
// log and to persist with run records.
type AuditEntry struct {
	Provider  string
	Path      string
	Reference string
}

// AuditReport is the sorted set of references a resolution touched.
type AuditReport struct {
	Entries []AuditEntry
}

func (r AuditReport) Empty() bool { return len(r.Entries) == 0 }

// Resolver resolves secret:// references against configured providers.
// Values are cached per provider and path, so a reference repeated
// across variables costs one backend read.
type Resolver struct {
	providers       map[string]Provider
	defaultProvider string
	cache           map[string]string
	seen            map[string]struct{}
	audit           []AuditEntry
}

// NewResolver builds providers from cfg. Unknown or untyped providers
// fail construction rather than first use.
func NewResolver(cfg Config, opts ResolverOptions) (*Resolver, error) {
	providers := make(map[string]Provider, len(cfg.Providers))
	for name, pcfg := range cfg.Providers {
		providerName := strings.TrimSpace(name)
		if providerName == "" {
			return nil, fmt.Errorf("secret provider name cannot be empty")
		}
		switch providerType := strings.ToLower(strings.TrimSpace(pcfg.Type)); providerType {
		case "file":
			provider, err := newFileProvider(pcfg.Path, opts.BaseDir)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", providerName, err)
			}
			providers[providerName] = provider
		case "vault":
			provider, err := newVaultProvider(pcfg)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", providerName, err)
			}
			providers[providerName] = provider
		case "":
			return nil, fmt.Errorf("provider %q missing type", providerName)
		default:
			return nil, fmt.Errorf("provider %q has unsupported type %q", providerName, providerType)
		}
	}
	return &Resolver{
		providers:       providers,
		defaultProvider: strings.TrimSpace(cfg.DefaultProvider),
		cache:           map[string]string{},
		seen:            map[string]struct{}{},
	}, nil
}

// ResolveString resolves value when it is a secret reference; any
// other string passes through unchanged with replaced=false.
func (r *Resolver) ResolveString(ctx context.Context, value string) (string, bool, error) {
	defaultProvider := ""
	if r != nil {
		defaultProvider = r.defaultProvider
	}
	ref, ok, err := ParseRef(value, defaultProvider)
	if !ok {
		return value, false, nil
	}
	if err != nil {
		return "", false, err
	}
	if r == nil {
		return "", false, fmt.Errorf("secret reference %q found but no providers are configured", value)
	}
	resolved, err := r.resolveRef(ctx, ref)
	if err != nil {
		return "", false, err
	}
	return resolved, true, nil
}

// Audit returns a sorted copy of the references resolved so far.
func (r *Resolver) Audit() AuditReport {
	if r == nil {
		return AuditReport{}
	}
	entries := append([]AuditEntry(nil), r.audit...)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Provider != entries[j].Provider {
			return entries[i].Provider < entries[j].Provider
		}
		return entries[i].Path < entries[j].Path
	})
	return AuditReport{Entries: entries}
}

func (r *Resolver) resolveRef(ctx context.Context, ref Ref) (string, error) {
	key := ref.Provider + "|" + ref.Path
	if cached, ok := r.cache[key]; ok {
		r.record(ref)
		return cached, nil
	}
	provider := r.providers[ref.Provider]
	if provider == nil {
		return "", fmt.Errorf("secret provider %q is not configured", ref.Provider)
	}
	value, err := provider.Resolve(ctx, ref.Path)
	if err != nil {
		return "", err
	}
	r.cache[key] = value
	r.record(ref)
	return value, nil
}

func (r *Resolver) record(ref Ref) {
	key := ref.Provider + "|" + ref.Path
	if _, ok := r.seen[key]; ok {
		return
	}
	r.seen[key] = struct{}{}
	r.audit = append(r.audit, AuditEntry{
		Provider:  ref.Provider,
		Path:      ref.Path,
		Reference: ref.Reference(),
	})
}

// Ref is a parsed secret reference.
type Ref struct {
	Provider string
	Path     string
	Raw      string
}

// Reference renders the canonical form, independent of how the raw
// value spelled it.
func (r Ref) Reference() string {
	return refPrefix + r.Provider + "/" + r.Path
}

// IsRef reports whether value looks like a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, refPrefix)
}

// ParseRef parses secret://provider/path[#key] references. A missing
// provider segment falls back to defaultProvider. ok=false means the
// value is not a reference at all.
func ParseRef(value string, defaultProvider string) (Ref, bool, error) {
	if !IsRef(value) {
		return Ref{}, false, nil
	}
	rest := strings.TrimSpace(strings.TrimPrefix(value, refPrefix))
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		return Ref{}, true, fmt.Errorf("secret reference %q is missing provider/path", value)
	}
	provider, path, found := strings.Cut(rest, "/")
	if !found {
		path = provider
		provider = ""
	}
	provider = strings.TrimSpace(provider)
	path = strings.TrimSpace(path)
	if provider == "" {
		provider = strings.TrimSpace(defaultProvider)
		if provider == "" {
			return Ref{}, true, fmt.Errorf("secret reference %q is missing provider and no default is configured", value)
		}
	}
	if path == "" {
		return Ref{}, true, fmt.Errorf("secret reference %q is missing path", value)
	}
	return Ref{Provider: provider, Path: path, Raw: value}, true, nil
}
