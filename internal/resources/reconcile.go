// File: internal/resources/reconcile.go
// Brief: Label-driven discovery and teardown of runtime resources.

package resources

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-logr/logr"
)

// Kind classifies a runtime resource.
type Kind string

const (
	KindContainer Kind = "container"
	KindVolume    Kind = "volume"
	KindNetwork   Kind = "network"
)

// Resource is one container, volume, or network as reported by the
// runtime. ID is whatever the runtime uses to address it for removal.
type Resource struct {
	Kind   Kind
	ID     string
	Name   string
	Labels map[string]string
}

// Env returns the environment this resource belongs to, per its labels.
func (r Resource) Env() string { return r.Labels[LabelEnv] }

// Runtime is the subset of container-runtime operations reconciliation
// needs. The docker adapter in internal/runtime satisfies it.
type Runtime interface {
	ListContainers(ctx context.Context, filters []string) ([]Resource, error)
	ListVolumes(ctx context.Context, filters []string) ([]Resource, error)
	ListNetworks(ctx context.Context, filters []string) ([]Resource, error)
	RemoveContainer(ctx context.Context, id string) error
	RemoveVolume(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, id string) error
}

// ReconcileOptions controls one reconcile pass.
type ReconcileOptions struct {
	Selector Selector

	// IncludeVolumes extends removal to named volumes. Off by default:
	// volumes usually hold state worth keeping between runs.
	IncludeVolumes bool

	// DryRun plans the removal without performing it.
	DryRun bool
}

// Failure is one resource the runtime refused to remove.
type Failure struct {
	Resource Resource
	Err      error
}

// Report describes what a reconcile pass found and did.
type Report struct {
	// Removed lists the resources deleted (or, under DryRun, the ones
	// that would be).
	Removed []Resource

	// Skipped lists resources the runtime returned for the selector
	// that do not carry the management marker. They are never touched.
	Skipped []Resource

	// Failed lists resources whose removal errored.
	Failed []Failure
}

// Reconcile queries the runtime for everything matching the selector
// and removes it: containers first, then networks, then volumes when
// requested. A resource returned without the management root label is
// skipped even if it matched the query.
func Reconcile(ctx context.Context, rt Runtime, log logr.Logger, opts ReconcileOptions) (*Report, error) {
	filters := opts.Selector.Filters()
	report := &Report{}

	containers, err := rt.ListContainers(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	networks, err := rt.ListNetworks(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	var volumes []Resource
	if opts.IncludeVolumes {
		volumes, err = rt.ListVolumes(ctx, filters)
		if err != nil {
			return nil, fmt.Errorf("list volumes: %w", err)
		}
	}

	// Containers hold networks and volumes open, so they go first.
	for _, batch := range [][]Resource{containers, networks, volumes} {
		sortResources(batch)
		for _, res := range batch {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if !Managed(res.Labels) {
				log.Info("skipping unmanaged resource", "kind", res.Kind, "name", res.Name)
				report.Skipped = append(report.Skipped, res)
				continue
			}
			if opts.DryRun {
				report.Removed = append(report.Removed, res)
				continue
			}
			if err := remove(ctx, rt, res); err != nil {
				log.Error(err, "resource removal failed", "kind", res.Kind, "name", res.Name)
				report.Failed = append(report.Failed, Failure{Resource: res, Err: err})
				continue
			}
			log.V(1).Info("removed resource", "kind", res.Kind, "name", res.Name)
			report.Removed = append(report.Removed, res)
		}
	}

	if n := len(report.Failed); n > 0 {
		return report, fmt.Errorf("%d resource(s) could not be removed", n)
	}
	return report, nil
}

func remove(ctx context.Context, rt Runtime, res Resource) error {
	switch res.Kind {
	case KindContainer:
		return rt.RemoveContainer(ctx, res.ID)
	case KindVolume:
		return rt.RemoveVolume(ctx, res.ID)
	case KindNetwork:
		return rt.RemoveNetwork(ctx, res.ID)
	default:
		return fmt.Errorf("unknown resource kind %q", res.Kind)
	}
}

func sortResources(list []Resource) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID < list[j].ID
	})
}
