// File: internal/fragment/merge.go
// Brief: Field-wise merge of module fragments into one service description.

package fragment

import (
	"fmt"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/example/trinoctl/internal/library"
	"github.com/example/trinoctl/internal/resources"
)

// ConflictWarning records a map key that two modules set to different
// values. The later module wins; the warning keeps the earlier value
// attributable. Conflicts are advisories, never fatal.
type ConflictWarning struct {
	Path     string
	Module   string // module whose value won
	Previous string // module that wrote the value before
	Old, New interface{}
}

func (w ConflictWarning) String() string {
	return fmt.Sprintf("%s: module %q replaces %v (from module %q) with %v",
		w.Path, w.Module, w.Old, w.Previous, w.New)
}

// Merger folds module fragments together in resolution order. Scalar
// service fields take the last writer silently, list fields concatenate
// dropping exact duplicates, and map fields merge key-wise with a
// ConflictWarning for every contested key. Named volume declarations
// additionally feed the resource inventory.
type Merger struct {
	vars      map[string]string
	maxPasses int

	doc        map[string]interface{}
	owners     map[string]string            // service -> first declaring module
	categories map[string]string            // module -> category
	modLabels  map[string]map[string]string // module -> descriptor labels
	svcModules map[string][]string          // service -> contributing modules, in merge order
	writers    map[string]string            // map-field path -> last writing module
	warnings   []ConflictWarning
	inventory  resources.Inventory
}

// NewMerger returns an empty merger. vars and maxPasses parameterize
// per-fragment variable substitution.
func NewMerger(vars map[string]string, maxPasses int) *Merger {
	return &Merger{
		vars:       vars,
		maxPasses:  maxPasses,
		doc:        map[string]interface{}{},
		owners:     map[string]string{},
		categories: map[string]string{},
		modLabels:  map[string]map[string]string{},
		svcModules: map[string][]string{},
		writers:    map[string]string{},
	}
}

// Add substitutes and merges every fragment of one module. Call it in
// resolution order: later modules override earlier ones.
func (m *Merger) Add(mod *library.Module) error {
	m.categories[mod.Name] = mod.Category
	if len(mod.Labels) > 0 {
		m.modLabels[mod.Name] = mod.Labels
	}
	for _, path := range mod.FragmentPaths {
		doc, err := Prepare(path, mod.Name, m.vars, m.maxPasses)
		if err != nil {
			return fmt.Errorf("module %s: %w", mod.Name, err)
		}
		if err := m.merge(mod, doc); err != nil {
			return fmt.Errorf("module %s: fragment %s: %w", mod.Name, filepath.Base(path), err)
		}
	}
	return nil
}

// Warnings returns the conflicts observed so far, in merge order.
func (m *Merger) Warnings() []ConflictWarning { return m.warnings }

// Services returns the merged service names, sorted.
func (m *Merger) Services() []string {
	services, _ := m.doc["services"].(map[string]interface{})
	return sortedKeys(services)
}

// Owner returns the module that first declared the named service.
func (m *Merger) Owner(service string) string { return m.owners[service] }

// SetServiceField overrides one scalar field of an already merged
// service. Command-line image and platform overrides go through here so
// they land before Render stamps the configuration digest.
func (m *Merger) SetServiceField(service, field string, value interface{}) error {
	services, _ := m.doc["services"].(map[string]interface{})
	svc, ok := services[service].(map[string]interface{})
	if !ok {
		return fmt.Errorf("override targets unknown service %q", service)
	}
	svc[field] = value
	return nil
}

func (m *Merger) merge(mod *library.Module, doc map[string]interface{}) error {
	for _, key := range sortedKeys(doc) {
		value := doc[key]
		switch key {
		case "services":
			services, ok := value.(map[string]interface{})
			if !ok {
				return fmt.Errorf("services must be a mapping")
			}
			for _, name := range sortedKeys(services) {
				def, ok := services[name].(map[string]interface{})
				if !ok {
					return fmt.Errorf("service %s must be a mapping", name)
				}
				m.mergeService(mod.Name, name, def)
			}
		case "volumes":
			vols, ok := value.(map[string]interface{})
			if !ok {
				return fmt.Errorf("volumes must be a mapping")
			}
			m.mergeVolumes(mod, vols)
		default:
			m.mergeTopLevel(mod.Name, key, value)
		}
	}
	return nil
}

// mergeService applies one fragment's definition of a service. Field
// dispatch happens here: scalars replace silently, lists concatenate,
// maps recurse into mergeData.
func (m *Merger) mergeService(module, name string, def map[string]interface{}) {
	services := m.ensureMap("services")
	m.noteContribution(name, module)

	existing, ok := services[name].(map[string]interface{})
	if !ok || existing == nil {
		services[name] = def
		if _, seen := m.owners[name]; !seen {
			m.owners[name] = module
		}
		m.noteWriters("services."+name, module, def)
		return
	}

	base := "services." + name
	for _, field := range sortedKeys(def) {
		incoming := def[field]
		if incoming == nil {
			continue
		}
		current, present := existing[field]
		if !present || current == nil {
			existing[field] = incoming
			m.noteWriters(base+"."+field, module, incoming)
			continue
		}
		curMap, curIsMap := current.(map[string]interface{})
		incMap, incIsMap := incoming.(map[string]interface{})
		curList, curIsList := current.([]interface{})
		incList, incIsList := incoming.([]interface{})
		switch {
		case curIsMap && incIsMap:
			existing[field] = m.mergeData(base+"."+field, module, curMap, incMap)
		case curIsList && incIsList:
			existing[field] = mergeLists(curList, incList)
		case curIsMap != incIsMap || curIsList != incIsList:
			// Shape disagreement between fragments: surface it, last
			// writer wins like any contested value.
			m.warn(base+"."+field, module, current, incoming)
			existing[field] = incoming
			m.noteWriters(base+"."+field, module, incoming)
		default:
			// Plain scalar field: last writer wins without comment,
			// but still owns the value for later attribution.
			existing[field] = incoming
			m.writers[base+"."+field] = module
		}
	}
}

// mergeData merges map-valued fields key-wise. Unlike scalar service
// fields, a contested key here produces a ConflictWarning before the
// later value wins.
func (m *Merger) mergeData(path, module string, dst, src map[string]interface{}) map[string]interface{} {
	for _, key := range sortedKeys(src) {
		incoming := src[key]
		at := path + "." + key
		current, present := dst[key]
		if !present || current == nil {
			dst[key] = incoming
			m.noteWriters(at, module, incoming)
			continue
		}
		if incoming == nil {
			continue
		}
		curMap, curIsMap := current.(map[string]interface{})
		incMap, incIsMap := incoming.(map[string]interface{})
		if curIsMap && incIsMap {
			dst[key] = m.mergeData(at, module, curMap, incMap)
			continue
		}
		curList, curIsList := current.([]interface{})
		incList, incIsList := incoming.([]interface{})
		if curIsList && incIsList {
			dst[key] = mergeLists(curList, incList)
			continue
		}
		if fingerprint(current) != fingerprint(incoming) {
			m.warn(at, module, current, incoming)
		}
		dst[key] = incoming
		m.writers[at] = module
	}
	return dst
}

// mergeVolumes folds top-level named volume declarations and records
// each into the inventory, labels unioned with the declaring module's
// own labels.
func (m *Merger) mergeVolumes(mod *library.Module, vols map[string]interface{}) {
	target := m.ensureMap("volumes")
	for _, name := range sortedKeys(vols) {
		def := vols[name]
		m.inventory.Record(name, mod.Name, mod.Labels)
		m.inventory.Record(name, mod.Name, labelsOf(def))
		if isExternal(def) {
			m.inventory.MarkExternal(name)
		}

		current, present := target[name]
		if !present || current == nil {
			target[name] = def
			m.noteWriters("volumes."+name, mod.Name, def)
			continue
		}
		if def == nil {
			// Bare redeclaration of an already configured volume.
			continue
		}
		at := "volumes." + name
		curMap, curIsMap := current.(map[string]interface{})
		defMap, defIsMap := def.(map[string]interface{})
		if curIsMap && defIsMap {
			target[name] = m.mergeData(at, mod.Name, curMap, defMap)
			continue
		}
		m.warn(at, mod.Name, current, def)
		target[name] = def
		m.noteWriters(at, mod.Name, def)
	}
}

// mergeTopLevel handles networks, configs, secrets, version, and x-*
// extensions with the same shape dispatch as service fields.
func (m *Merger) mergeTopLevel(module, key string, value interface{}) {
	if value == nil {
		return
	}
	current, present := m.doc[key]
	if !present || current == nil {
		m.doc[key] = value
		m.noteWriters(key, module, value)
		return
	}
	curMap, curIsMap := current.(map[string]interface{})
	valMap, valIsMap := value.(map[string]interface{})
	if curIsMap && valIsMap {
		m.doc[key] = m.mergeData(key, module, curMap, valMap)
		return
	}
	curList, curIsList := current.([]interface{})
	valList, valIsList := value.([]interface{})
	if curIsList && valIsList {
		m.doc[key] = mergeLists(curList, valList)
		return
	}
	m.doc[key] = value
	m.writers[key] = module
}

func (m *Merger) warn(path, module string, old, new interface{}) {
	m.warnings = append(m.warnings, ConflictWarning{
		Path:     path,
		Module:   module,
		Previous: m.writers[path],
		Old:      old,
		New:      new,
	})
}

// noteWriters records module as the writer of every map leaf under
// value, so a later conflict can name the fragment being overridden.
func (m *Merger) noteWriters(path, module string, value interface{}) {
	if mv, ok := value.(map[string]interface{}); ok {
		for key, nested := range mv {
			m.noteWriters(path+"."+key, module, nested)
		}
		return
	}
	m.writers[path] = module
}

func (m *Merger) noteContribution(service, module string) {
	for _, have := range m.svcModules[service] {
		if have == module {
			return
		}
	}
	m.svcModules[service] = append(m.svcModules[service], module)
}

func (m *Merger) ensureMap(key string) map[string]interface{} {
	if mv, ok := m.doc[key].(map[string]interface{}); ok && mv != nil {
		return mv
	}
	mv := map[string]interface{}{}
	m.doc[key] = mv
	return mv
}

// mergeLists concatenates preserving first appearance and dropping
// entries whose canonical form already occurred.
func mergeLists(dst, src []interface{}) []interface{} {
	out := make([]interface{}, 0, len(dst)+len(src))
	seen := make(map[string]bool, len(dst)+len(src))
	for _, list := range [][]interface{}{dst, src} {
		for _, entry := range list {
			key := fingerprint(entry)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, entry)
		}
	}
	return out
}

// fingerprint canonicalizes a value for duplicate and equality checks.
// YAML marshaling sorts map keys, so logically equal values collide.
func fingerprint(v interface{}) string {
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// isExternal reports whether a volume or network definition marks the
// resource externally managed. Those never receive identity labels:
// the compose loader rejects configuring an external resource, and
// teardown must not consider it ours.
func isExternal(def interface{}) bool {
	dm, ok := def.(map[string]interface{})
	if !ok {
		return false
	}
	switch ext := dm["external"].(type) {
	case bool:
		return ext
	case map[string]interface{}:
		return true
	default:
		return false
	}
}

// labelsOf extracts the labels of a volume definition as strings.
// Labels were normalized to map form during Prepare.
func labelsOf(def interface{}) map[string]string {
	dm, ok := def.(map[string]interface{})
	if !ok {
		return nil
	}
	lm, ok := dm["labels"].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(lm))
	for k, v := range lm {
		if v == nil {
			out[k] = ""
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

func sortedKeys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
