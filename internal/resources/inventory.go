// File: internal/resources/inventory.go
// Brief: Tracks named volumes declared by module fragments during a merge.

package resources

import "sort"

// VolumeRecord is one named volume and the modules that declared it.
// Labels is the union of every declaring fragment's labels for the
// volume, last writer winning on key collisions. External volumes are
// tracked for reporting but never labeled or removed.
type VolumeRecord struct {
	Name     string
	Modules  []string
	Labels   map[string]string
	External bool
}

// Inventory accumulates volume declarations while fragments merge.
// Zero value is ready to use.
type Inventory struct {
	byName map[string]*VolumeRecord
}

// Record notes that module declared the named volume with the given
// labels. Repeated declarations union their labels and module lists.
func (inv *Inventory) Record(name, module string, labels map[string]string) {
	if inv.byName == nil {
		inv.byName = map[string]*VolumeRecord{}
	}
	rec := inv.byName[name]
	if rec == nil {
		rec = &VolumeRecord{Name: name, Labels: map[string]string{}}
		inv.byName[name] = rec
	}
	if module != "" && !contains(rec.Modules, module) {
		rec.Modules = append(rec.Modules, module)
	}
	for k, v := range labels {
		rec.Labels[k] = v
	}
}

// MarkExternal flags a volume as externally managed.
func (inv *Inventory) MarkExternal(name string) {
	if rec := inv.byName[name]; rec != nil {
		rec.External = true
	}
}

// Volumes returns the recorded volumes sorted by name. Each record's
// label map includes the management labels for its environment.
func (inv *Inventory) Volumes() []VolumeRecord {
	out := make([]VolumeRecord, 0, len(inv.byName))
	for _, rec := range inv.byName {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stamp makes the management labels authoritative on every recorded
// volume. A fragment that set one of them itself is overruled: teardown
// trusts these labels to select exactly this environment's resources.
// categories maps module name to category for attribution values.
func (inv *Inventory) Stamp(env string, categories map[string]string) {
	for _, rec := range inv.byName {
		if rec.External {
			continue
		}
		rec.Labels[LabelRoot] = LabelRootValue
		rec.Labels[LabelEnv] = env
		for _, m := range rec.Modules {
			category := categories[m]
			if category == "" {
				category = "volume"
			}
			rec.Labels[ModuleLabel(m)] = category
		}
	}
}

// Len reports the number of distinct volumes recorded.
func (inv *Inventory) Len() int { return len(inv.byName) }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
