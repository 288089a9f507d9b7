// File: internal/fragment/substitute.go
// Brief: Per-fragment preparation: substitution, parsing, path anchoring.

package fragment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/trinoctl/internal/envconfig"
)

// Prepare reads one fragment file and makes it merge-ready: variables
// are substituted, the YAML is parsed, relative host paths are anchored
// to the fragment's directory, and KEY=VALUE lists are normalized to
// map form. Substitution failures carry the module name for
// attribution.
func Prepare(path, module string, vars map[string]string, maxPasses int) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fragment: %w", err)
	}
	expanded, err := envconfig.Expand(string(raw), vars, maxPasses)
	if err != nil {
		var unresolved *envconfig.UnresolvedVariableError
		if errors.As(err, &unresolved) && unresolved.Module == "" {
			unresolved.Module = module
		}
		return nil, err
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("parse fragment %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	anchorPaths(doc, dir)
	normalizeKVLists(doc)
	return doc, nil
}

// anchorPaths rewrites host paths relative to the fragment's directory
// into absolute ones. The merged description is rendered elsewhere, so
// fragment-relative paths would otherwise resolve against the wrong
// directory.
func anchorPaths(doc map[string]interface{}, dir string) {
	if services, ok := doc["services"].(map[string]interface{}); ok {
		for _, sv := range services {
			svc, ok := sv.(map[string]interface{})
			if !ok {
				continue
			}
			if mounts, ok := svc["volumes"].([]interface{}); ok {
				for i, entry := range mounts {
					mounts[i] = anchorMount(entry, dir)
				}
			}
			switch ef := svc["env_file"].(type) {
			case string:
				svc["env_file"] = anchorPath(ef, dir)
			case []interface{}:
				for i, entry := range ef {
					if s, ok := entry.(string); ok {
						ef[i] = anchorPath(s, dir)
					}
				}
			}
		}
	}
	for _, top := range []string{"configs", "secrets"} {
		entries, ok := doc[top].(map[string]interface{})
		if !ok {
			continue
		}
		for _, ev := range entries {
			if def, ok := ev.(map[string]interface{}); ok {
				if file, ok := def["file"].(string); ok {
					def["file"] = anchorPath(file, dir)
				}
			}
		}
	}
}

// anchorMount anchors the host side of a bind mount. Short-form sources
// are bind mounts only when they start with a dot; anything else is a
// named volume or an absolute path and stays as written.
func anchorMount(entry interface{}, dir string) interface{} {
	switch v := entry.(type) {
	case string:
		src, rest, ok := strings.Cut(v, ":")
		if !ok || !dotRelative(src) {
			return v
		}
		return anchorPath(src, dir) + ":" + rest
	case map[string]interface{}:
		if v["type"] == "bind" {
			if src, ok := v["source"].(string); ok && !filepath.IsAbs(src) && !strings.HasPrefix(src, "~") {
				v["source"] = anchorPath(src, dir)
			}
		}
		return v
	default:
		return entry
	}
}

func dotRelative(p string) bool {
	return p == "." || p == ".." || strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../")
}

func anchorPath(p, dir string) string {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "~") {
		return p
	}
	return filepath.Join(dir, p)
}

// kvServiceFields are the service fields compose accepts either as a
// map or as a list of "KEY=VALUE" strings.
var kvServiceFields = []string{"environment", "labels", "sysctls"}

// normalizeKVLists rewrites list-form KEY=VALUE fields into map form
// wherever they may appear. The merge then treats both spellings as the
// same map field: contested keys warn instead of silently piling up as
// duplicate list entries.
func normalizeKVLists(doc map[string]interface{}) {
	if services, ok := doc["services"].(map[string]interface{}); ok {
		for _, sv := range services {
			if svc, ok := sv.(map[string]interface{}); ok {
				for _, field := range kvServiceFields {
					normalizeKVList(svc, field)
				}
			}
		}
	}
	for _, top := range []string{"volumes", "networks"} {
		entries, ok := doc[top].(map[string]interface{})
		if !ok {
			continue
		}
		for _, ev := range entries {
			if def, ok := ev.(map[string]interface{}); ok {
				normalizeKVList(def, "labels")
			}
		}
	}
}

func normalizeKVList(def map[string]interface{}, field string) {
	list, ok := def[field].([]interface{})
	if !ok {
		return
	}
	kv := make(map[string]interface{}, len(list))
	for _, entry := range list {
		s, ok := entry.(string)
		if !ok {
			s = fmt.Sprint(entry)
		}
		k, v, cut := strings.Cut(s, "=")
		if !cut && field == "environment" {
			// A bare name takes its value from the caller's
			// environment; null keeps that meaning in map form.
			kv[k] = nil
			continue
		}
		kv[k] = v
	}
	def[field] = kv
}
