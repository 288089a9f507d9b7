// Package dockerconfig loads and updates the Docker CLI configuration that
// backs `trinoctl registry login`. Credentials land in the same config file
// and credential store docker itself reads, so the compose pulls issued
// during provisioning authenticate with whatever identity was stored here.
package dockerconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/configfile"
	"github.com/docker/cli/cli/config/credentials"
)

// HubServer is the credential-store key Docker uses for Docker Hub.
const HubServer = "https://index.docker.io/v1/"

// Load reads the Docker config at path, falling back to the default config
// location when path is empty. A missing file yields an empty config bound
// to path, so a later Save creates it.
func Load(path string, stderr io.Writer) (*configfile.ConfigFile, error) {
	if path == "" {
		cfg := config.LoadDefaultConfigFile(stderr)
		if cfg == nil {
			return nil, errors.New("unable to load docker config")
		}
		return cfg, nil
	}
	cfg := configfile.New(path)
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		if err := cfg.LoadFromReader(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if !cfg.ContainsAuth() {
		cfg.CredentialsStore = credentials.DetectDefaultStore(cfg.CredentialsStore)
	}
	return cfg, nil
}

// EnsureDir creates the directory that will hold the config file.
func EnsureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// NormalizeServer collapses the Docker Hub aliases onto the legacy v1 key
// the credential store indexes Hub logins by. Any other registry, including
// the Starburst Harbor instance that hosts licensed images, passes through
// unchanged.
func NormalizeServer(server string) string {
	trimmed := strings.TrimSpace(server)
	if trimmed == "" || trimmed == HubServer {
		return HubServer
	}
	for _, alias := range []string{"docker.io", "index.docker.io", "registry-1.docker.io"} {
		if strings.EqualFold(trimmed, alias) {
			return HubServer
		}
	}
	return trimmed
}

// V2Endpoint returns the registry API base URL probed when verifying
// credentials. Hub aliases resolve to registry-1.docker.io; bare hosts get
// an https scheme.
func V2Endpoint(server string) string {
	if NormalizeServer(server) == HubServer {
		return "https://registry-1.docker.io"
	}
	trimmed := strings.TrimSpace(server)
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return strings.TrimRight(trimmed, "/")
	}
	return "https://" + strings.TrimRight(trimmed, "/")
}
