package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/example/trinoctl/internal/fragment"
	"github.com/example/trinoctl/internal/library"
)

// EnvInput is the document rego rules see as `input`. It is a stable,
// runtime-independent projection of the merged environment; rules must
// not depend on docker being reachable.
type EnvInput struct {
	WhenUTC  time.Time               `json:"whenUtc"`
	Project  string                  `json:"project"`
	Digest   string                  `json:"digest,omitempty"`
	Modules  []ModuleInput           `json:"modules,omitempty"`
	Services map[string]ServiceInput `json:"services,omitempty"`
	Volumes  []string                `json:"volumes,omitempty"`
	Data     map[string]any          `json:"data,omitempty"`
}

type ModuleInput struct {
	Name       string `json:"name"`
	Category   string `json:"category"`
	Enterprise bool   `json:"enterprise,omitempty"`
}

type ServiceInput struct {
	Module      string            `json:"module,omitempty"`
	Image       string            `json:"image,omitempty"`
	User        string            `json:"user,omitempty"`
	Privileged  bool              `json:"privileged,omitempty"`
	Ports       []string          `json:"ports,omitempty"`
	CapAdd      []string          `json:"capAdd,omitempty"`
	Binds       []string          `json:"binds,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// BuildEnvInput projects the merged environment into the policy input
// document.
func BuildEnvInput(art *fragment.Artifact, res *library.Resolution) EnvInput {
	in := EnvInput{
		WhenUTC:  time.Now().UTC(),
		Project:  art.Project,
		Digest:   art.Digest,
		Services: map[string]ServiceInput{},
	}
	for _, m := range res.Order {
		in.Modules = append(in.Modules, ModuleInput{
			Name:       m.Name,
			Category:   m.Category,
			Enterprise: m.Enterprise,
		})
	}

	for _, name := range art.Services {
		svc, err := art.Compose.GetService(name)
		if err != nil {
			continue
		}
		si := ServiceInput{
			Module:     art.Owners[name],
			Image:      svc.Image,
			User:       svc.User,
			Privileged: svc.Privileged,
			CapAdd:     append([]string(nil), svc.CapAdd...),
		}
		for _, p := range svc.Ports {
			if p.Published != "" {
				si.Ports = append(si.Ports, fmt.Sprintf("%s:%d", p.Published, p.Target))
			} else {
				si.Ports = append(si.Ports, fmt.Sprintf("%d", p.Target))
			}
		}
		for _, v := range svc.Volumes {
			if v.Type == "bind" {
				si.Binds = append(si.Binds, fmt.Sprintf("%s:%s", v.Source, v.Target))
			}
		}
		if len(svc.Environment) > 0 {
			si.Environment = map[string]string{}
			for k, v := range svc.Environment {
				if v != nil {
					si.Environment[k] = *v
				} else {
					si.Environment[k] = ""
				}
			}
		}
		if len(svc.Labels) > 0 {
			si.Labels = map[string]string{}
			for k, v := range svc.Labels {
				si.Labels[k] = v
			}
		}
		in.Services[name] = si
	}

	for name := range art.Compose.Volumes {
		in.Volumes = append(in.Volumes, name)
	}
	sort.Strings(in.Volumes)
	return in
}

// Summarize renders a one-line digest of the report for logs.
func (r *Report) Summarize() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("deny=%d warn=%d mode=%s", r.DenyCount, r.WarnCount, strings.ToLower(string(r.Mode)))
}
