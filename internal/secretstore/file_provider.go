package secretstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

// fileProvider serves secrets from a local YAML document. Paths walk
// nested mappings segment by segment; a trailing #key selects one key
// of the final mapping.
type fileProvider struct {
	path string
	data map[string]interface{}
}

func newFileProvider(path string, baseDir string) (*fileProvider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("file provider path is required")
	}
	if baseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	path = filepath.Clean(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file %q: %w", path, err)
	}
	data := make(map[string]interface{})
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse secrets file %q: %w", path, err)
	}
	return &fileProvider{path: path, data: data}, nil
}

func (p *fileProvider) Resolve(ctx context.Context, secretPath string) (string, error) {
	_ = ctx
	secretPath = strings.TrimSpace(secretPath)
	if secretPath == "" {
		return "", fmt.Errorf("secret path is required")
	}
	walk, key, _ := strings.Cut(secretPath, "#")
	var current interface{} = p.data
	for _, part := range strings.Split(strings.Trim(walk, "/"), "/") {
		if part == "" {
			continue
		}
		mapping, ok := current.(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("secret path %q does not resolve to a value in %s", secretPath, p.path)
		}
		current, ok = mapping[part]
		if !ok {
			return "", fmt.Errorf("secret path %q not found in %s", secretPath, p.path)
		}
	}
	if key = strings.TrimSpace(key); key != "" {
		mapping, ok := current.(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("secret path %q is not a mapping, cannot select key %q in %s", walk, key, p.path)
		}
		current, ok = mapping[key]
		if !ok {
			return "", fmt.Errorf("secret key %q not found under %q in %s", key, walk, p.path)
		}
	}
	switch value := current.(type) {
	case string:
		return value, nil
	case nil:
		return "", fmt.Errorf("secret path %q resolves to an empty value in %s", secretPath, p.path)
	default:
		return "", fmt.Errorf("secret path %q resolved to a non-string value in %s", secretPath, p.path)
	}
}
