// File: internal/provision/state.go
// Brief: Per-service lifecycle state machine and execution records.

package provision

import (
	"fmt"
	"sync"
	"time"
)

// ServiceState is one position in the per-service lifecycle.
type ServiceState string

const (
	StateNotStarted       ServiceState = "not_started"
	StatePreStartRunning  ServiceState = "pre_start_running"
	StateStarted          ServiceState = "started"
	StatePostStartRunning ServiceState = "post_start_running"
	StateReady            ServiceState = "ready"
	StateFailed           ServiceState = "failed"
)

// legalNext holds the forward edges of the lifecycle. failed is reachable
// from every non-terminal state; ready and failed are terminal.
var legalNext = map[ServiceState][]ServiceState{
	StateNotStarted:       {StatePreStartRunning, StateFailed},
	StatePreStartRunning:  {StateStarted, StateFailed},
	StateStarted:          {StatePostStartRunning, StateFailed},
	StatePostStartRunning: {StateReady, StateFailed},
	StateReady:            {},
	StateFailed:           {},
}

// HookExecution records one hook invocation for the run summary.
type HookExecution struct {
	Module     string `json:"module"`
	Service    string `json:"service"`
	Phase      string `json:"phase"`
	Command    string `json:"command"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt"`
	ExitCode   int    `json:"exitCode"`
	Error      string `json:"error,omitempty"`
}

// serviceRecord is the mutable execution state of one service. Dependency
// edges only gate read access to finalized ancestor states, so a single
// mutex per record suffices; no cross-service locking is needed.
type serviceRecord struct {
	mu sync.Mutex

	name           string
	state          ServiceState
	err            error
	healthAttempts int
	hooks          []HookExecution

	startedAt time.Time
	readyAt   time.Time
}

func newServiceRecord(name string) *serviceRecord {
	return &serviceRecord{name: name, state: StateNotStarted}
}

// transition moves the record to the target state, rejecting jumps the
// lifecycle does not define.
func (r *serviceRecord) transition(to ServiceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, next := range legalNext[r.state] {
		if next == to {
			r.state = to
			switch to {
			case StateStarted:
				r.startedAt = time.Now().UTC()
			case StateReady:
				r.readyAt = time.Now().UTC()
			}
			return nil
		}
	}
	return fmt.Errorf("service %s: illegal state transition %s -> %s", r.name, r.state, to)
}

// fail moves the record to failed and pins the first error.
func (r *serviceRecord) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateFailed {
		return
	}
	r.state = StateFailed
	if r.err == nil {
		r.err = err
	}
}

func (r *serviceRecord) current() ServiceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *serviceRecord) lastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *serviceRecord) recordHealthAttempts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthAttempts = n
}

func (r *serviceRecord) recordHook(h HookExecution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

func (r *serviceRecord) snapshot() (ServiceState, int, []HookExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hooks := append([]HookExecution(nil), r.hooks...)
	return r.state, r.healthAttempts, hooks, r.err
}
