// File: internal/fragment/render.go
// Brief: Stamps identity labels, digests, and validates the merged description.

package fragment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/example/trinoctl/internal/resources"
)

const (
	renderFileName = "docker-compose.yaml"
	digestLen      = 12
)

// Artifact is the rendered, validated environment description.
type Artifact struct {
	Project  string
	Bytes    []byte
	Digest   string
	Warnings []ConflictWarning
	Services []string
	Owners   map[string]string
	Volumes  []resources.VolumeRecord
	Compose  *composetypes.Project
}

// Render finalizes the merge for one environment: identity labels go
// on first, the configuration digest is taken over that canonical form
// and stamped as its own label, and the result must load as a valid
// compose description. Substitution already ran per fragment, so
// interpolation is disabled here.
func (m *Merger) Render(project string) (*Artifact, error) {
	services, _ := m.doc["services"].(map[string]interface{})
	if len(services) == 0 {
		return nil, fmt.Errorf("merged description declares no services")
	}

	m.stampIdentity(project)
	canonical, err := yaml.Marshal(m.doc)
	if err != nil {
		return nil, fmt.Errorf("render merged description: %w", err)
	}
	short := digest.FromBytes(canonical).Encoded()[:digestLen]
	for _, sv := range services {
		if svc, ok := sv.(map[string]interface{}); ok {
			ensureLabels(svc)[resources.LabelDigest] = short
		}
	}

	final, err := yaml.Marshal(m.doc)
	if err != nil {
		return nil, fmt.Errorf("render merged description: %w", err)
	}
	proj, err := loadProject(final, project)
	if err != nil {
		return nil, err
	}

	owners := make(map[string]string, len(m.owners))
	for k, v := range m.owners {
		owners[k] = v
	}
	return &Artifact{
		Project:  project,
		Bytes:    final,
		Digest:   short,
		Warnings: m.warnings,
		Services: m.Services(),
		Owners:   owners,
		Volumes:  m.inventory.Volumes(),
		Compose:  proj,
	}, nil
}

// stampIdentity makes the management labels authoritative on every
// service and named volume. A fragment that sets one of these itself
// is overruled: teardown trusts them to select exactly this
// environment's resources.
func (m *Merger) stampIdentity(project string) {
	services, _ := m.doc["services"].(map[string]interface{})
	for name, sv := range services {
		svc, ok := sv.(map[string]interface{})
		if !ok {
			continue
		}
		labels := ensureLabels(svc)
		labels[resources.LabelRoot] = resources.LabelRootValue
		labels[resources.LabelEnv] = project
		for _, modName := range m.svcModules[name] {
			labels[resources.ModuleLabel(modName)] = m.categories[modName]
			for k, v := range m.modLabels[modName] {
				if _, have := labels[k]; !have {
					labels[k] = v
				}
			}
		}
	}

	m.inventory.Stamp(project, m.categories)
	if target, _ := m.doc["volumes"].(map[string]interface{}); target != nil {
		for _, rec := range m.inventory.Volumes() {
			if rec.External {
				continue
			}
			def, ok := target[rec.Name].(map[string]interface{})
			if !ok || def == nil {
				def = map[string]interface{}{}
				target[rec.Name] = def
			}
			labels := ensureLabels(def)
			for k, v := range rec.Labels {
				labels[k] = v
			}
		}
	}

	// The default network is declared explicitly so it carries the
	// management labels too; teardown finds networks the same way it
	// finds everything else.
	networks := m.ensureMap("networks")
	if _, ok := networks["default"]; !ok {
		networks["default"] = map[string]interface{}{}
	}
	for name, nv := range networks {
		def, ok := nv.(map[string]interface{})
		if !ok || def == nil {
			def = map[string]interface{}{}
			networks[name] = def
		}
		if isExternal(def) {
			continue
		}
		labels := ensureLabels(def)
		labels[resources.LabelRoot] = resources.LabelRootValue
		labels[resources.LabelEnv] = project
	}
}

// loadProject runs the merged description through the compose loader,
// which is where structural mistakes in fragments surface: services
// without images, mounts of undeclared volumes, malformed fields.
func loadProject(content []byte, project string) (*composetypes.Project, error) {
	workingDir, err := os.Getwd()
	if err != nil {
		workingDir = os.TempDir()
	}
	details := composetypes.ConfigDetails{
		WorkingDir:  workingDir,
		ConfigFiles: []composetypes.ConfigFile{{Filename: renderFileName, Content: content}},
		Environment: map[string]string{},
	}
	proj, err := loader.Load(details, func(o *loader.Options) {
		o.SkipInterpolation = true
		o.SetProjectName(project, true)
	})
	if err != nil {
		return nil, fmt.Errorf("merged description is not a valid compose file: %w", err)
	}
	return proj, nil
}

// ParseRendered loads a previously written description back into a
// compose project, for commands that operate on the last render rather
// than a fresh merge.
func ParseRendered(content []byte, project string) (*composetypes.Project, error) {
	return loadProject(content, project)
}

// Write stores the rendered description under dir and returns its path.
func (a *Artifact) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create render dir: %w", err)
	}
	path := filepath.Join(dir, renderFileName)
	if err := os.WriteFile(path, a.Bytes, 0o644); err != nil {
		return "", fmt.Errorf("write merged description: %w", err)
	}
	return path, nil
}

func ensureLabels(def map[string]interface{}) map[string]interface{} {
	if lm, ok := def["labels"].(map[string]interface{}); ok && lm != nil {
		return lm
	}
	lm := map[string]interface{}{}
	def["labels"] = lm
	return lm
}
