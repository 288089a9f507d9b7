// File: internal/provision/summary.go
// Brief: Durable run summary built from scheduler and record snapshots.

package provision

import (
	"context"
	"time"

	"github.com/example/trinoctl/internal/fragment"
)

const summaryAPIVersion = "trinoctl.dev/run/v1"

// RunTotals counts per-service outcomes for one run.
type RunTotals struct {
	Planned int `json:"planned"`
	Ready   int `json:"ready"`
	Failed  int `json:"failed"`
	Blocked int `json:"blocked"`
	Running int `json:"running"`
}

// ServiceSummary is the per-service outcome in a run summary. Status is
// the scheduling outcome (planned, running, succeeded, failed, blocked);
// State is the lifecycle position the service reached.
type ServiceSummary struct {
	Status       string          `json:"status"`
	State        string          `json:"state"`
	Module       string          `json:"module,omitempty"`
	Category     string          `json:"category,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorClass   string          `json:"errorClass,omitempty"`
	HealthChecks int             `json:"healthChecks,omitempty"`
	Hooks        []HookExecution `json:"hooks,omitempty"`
}

// RunSummary is the itemized result of one provisioning run. Partial
// outcomes are first-class: a failed run still reports every service
// that became ready and stays running.
type RunSummary struct {
	APIVersion string                    `json:"apiVersion"`
	RunID      string                    `json:"runId"`
	Project    string                    `json:"project"`
	Digest     string                    `json:"digest,omitempty"`
	Status     string                    `json:"status"`
	StartedAt  string                    `json:"startedAt"`
	UpdatedAt  string                    `json:"updatedAt"`
	Totals     RunTotals                 `json:"totals"`
	Services   map[string]ServiceSummary `json:"services"`
	Order      []string                  `json:"order,omitempty"`
	Warnings   []string                  `json:"warnings,omitempty"`
}

// Result is what provision hands back to the CLI layer.
type Result struct {
	RunID    string
	Project  string
	File     string
	Digest   string
	Summary  *RunSummary
	Warnings []fragment.ConflictWarning
}

func (r *runState) WriteSummarySnapshot(s *RunSummary) {
	if r.store == nil {
		return
	}
	_ = r.store.WriteSummary(context.Background(), r.RunID, s)
}

func (r *runState) BuildSummary(status string, startedAt time.Time, snap schedulerSnapshot) *RunSummary {
	s := &RunSummary{
		APIVersion: summaryAPIVersion,
		RunID:      r.RunID,
		Project:    r.Plan.Project,
		Digest:     r.Plan.Digest,
		Status:     status,
		StartedAt:  startedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Totals:     RunTotals{Planned: len(r.Plan.Services)},
		Services:   map[string]ServiceSummary{},
	}
	for _, w := range r.Plan.Warnings {
		s.Warnings = append(s.Warnings, w.String())
	}
	for _, node := range r.Plan.Services {
		schedStatus := snap.Status[node.Name]
		if schedStatus == "" {
			schedStatus = "planned"
		}
		ss := ServiceSummary{
			Status:   schedStatus,
			State:    string(StateNotStarted),
			Module:   node.Module,
			Category: node.Category,
		}
		if rec := r.records[node.Name]; rec != nil {
			state, attempts, hooks, recErr := rec.snapshot()
			ss.State = string(state)
			ss.HealthChecks = attempts
			ss.Hooks = hooks
			if recErr != nil {
				ss.Error = recErr.Error()
				ss.ErrorClass = Classify(recErr)
			}
		}
		if ss.Error == "" {
			if err := snap.Errors[node.Name]; err != nil {
				ss.Error = err.Error()
				ss.ErrorClass = Classify(err)
			}
		}
		s.Services[node.Name] = ss
		s.Order = append(s.Order, node.Name)
		switch schedStatus {
		case "succeeded":
			s.Totals.Ready++
		case "failed":
			s.Totals.Failed++
		case "blocked":
			s.Totals.Blocked++
		case "running":
			s.Totals.Running++
		}
	}
	return s
}
