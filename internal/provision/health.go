// File: internal/provision/health.go
// Brief: Bounded health polling between container start and post_start.

package provision

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	defaultHealthInterval = 2 * time.Second
	defaultHealthAttempts = 30
	failureLogTail        = 20
)

// waitHealthy polls the container's own reported state until it counts as
// healthy, the poll budget runs out, or the container reaches a state it
// cannot recover from. For services without a healthcheck one successful
// inspect in running state is enough.
func (p *Provisioner) waitHealthy(ctx context.Context, run *runState, node *ServiceNode, rec *serviceRecord) error {
	interval := p.opts.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	attempts := p.opts.HealthAttempts
	if attempts <= 0 {
		attempts = defaultHealthAttempts
	}

	lastState, lastHealth := "unknown", "unknown"
	for attempt := 1; attempt <= attempts; attempt++ {
		rec.recordHealthAttempts(attempt)
		st, err := p.rt.ServiceStatus(ctx, run.Plan.File, run.Plan.Project, node.Name)
		if err != nil {
			return fmt.Errorf("inspect service %s: %w", node.Name, err)
		}
		lastState, lastHealth = st.State, st.Health
		if st.Healthy() {
			return nil
		}
		if st.State == "exited" || st.State == "dead" || st.Health == "unhealthy" {
			p.emitFailureLogs(ctx, run, node)
			return fmt.Errorf("service %s stopped making progress while waiting to become healthy (state=%s, health=%s)",
				node.Name, st.State, st.Health)
		}

		run.EmitEphemeralEvent(node.Name, HealthWait, attempt,
			fmt.Sprintf("waiting for %s: state=%s health=%s (%d/%d)", node.Name, st.State, st.Health, attempt, attempts),
			map[string]any{"state": st.State, "health": st.Health, "attempt": attempt, "maxAttempts": attempts})

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	p.emitFailureLogs(ctx, run, node)
	return &HealthCheckTimeoutError{
		Service:    node.Name,
		Attempts:   attempts,
		Interval:   interval,
		LastState:  lastState,
		LastHealth: lastHealth,
	}
}

// emitFailureLogs surfaces the tail of the container log next to the
// failure so the operator does not have to go digging.
func (p *Provisioner) emitFailureLogs(ctx context.Context, run *runState, node *ServiceNode) {
	logs, err := p.rt.ContainerLogs(ctx, run.Plan.File, run.Plan.Project, node.Name, failureLogTail)
	if err != nil || strings.TrimSpace(logs) == "" {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(logs, "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		run.EmitEphemeralEvent(node.Name, ServiceLog, 0,
			fmt.Sprintf("container %s: %s", node.Name, line), map[string]any{"kind": "container-log"})
	}
}
