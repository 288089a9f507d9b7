// File: internal/provision/scheduler.go
// Brief: Ready-queue scheduling over the service dependency graph.

package provision

import (
	"fmt"
	"sort"
	"sync"
)

// scheduler tracks per-service scheduling status under one mutex. The
// lifecycle state machine lives in serviceRecord; this level only decides
// when a service may be handed to a worker and which services can never
// run because an ancestor failed.
type scheduler struct {
	mu sync.Mutex

	nodes map[string]*ServiceNode
	order []string

	inDegree   map[string]int
	deps       map[string][]string
	dependents map[string][]string

	ready      []string
	newlyReady []string

	status map[string]string // planned, running, succeeded, failed, blocked
	errs   map[string]error

	newlyBlocked []string
	blockedBy    map[string]string

	stopped bool
}

type schedulerSnapshot struct {
	Status map[string]string
	Errors map[string]error
}

func newScheduler(plan *Plan) *scheduler {
	s := &scheduler{
		nodes:      map[string]*ServiceNode{},
		inDegree:   map[string]int{},
		deps:       map[string][]string{},
		dependents: map[string][]string{},
		status:     map[string]string{},
		errs:       map[string]error{},
		blockedBy:  map[string]string{},
	}

	for _, n := range plan.Services {
		s.nodes[n.Name] = n
		s.order = append(s.order, n.Name)
		s.status[n.Name] = "planned"
	}
	for _, n := range plan.Services {
		for _, dep := range n.Needs {
			if s.nodes[dep] == nil {
				continue
			}
			s.deps[n.Name] = append(s.deps[n.Name], dep)
			s.dependents[dep] = append(s.dependents[dep], n.Name)
		}
	}

	for name := range s.nodes {
		s.inDegree[name] = len(s.deps[name])
		if s.inDegree[name] == 0 {
			s.ready = append(s.ready, name)
			s.newlyReady = append(s.newlyReady, name)
		}
	}
	sort.Strings(s.ready)
	sort.Strings(s.newlyReady)
	sort.Strings(s.order)
	for name := range s.dependents {
		sort.Strings(s.dependents[name])
	}
	for name := range s.deps {
		sort.Strings(s.deps[name])
	}
	return s
}

// Stop halts dispatch; services already handed to workers finish on
// their own. Used on cancellation.
func (s *scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// NextReady hands out the next runnable service, or nil when nothing is
// currently runnable. A ready service whose ancestor failed in the
// meantime is moved to blocked instead of being dispatched.
func (s *scheduler) NextReady() *ServiceNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	for len(s.ready) > 0 {
		name := s.ready[0]
		s.ready = s.ready[1:]
		if s.status[name] != "planned" {
			continue
		}
		ok := true
		blockedReason := ""
		for _, dep := range s.deps[name] {
			if s.status[dep] != "succeeded" {
				ok = false
				blockedReason = fmt.Sprintf("blocked by %s (%s)", dep, s.status[dep])
				break
			}
		}
		if !ok {
			s.setBlocked(name, blockedReason)
			continue
		}
		s.status[name] = "running"
		return s.nodes[name]
	}
	return nil
}

func (s *scheduler) TakeNewlyReady() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.newlyReady) == 0 {
		return nil
	}
	out := append([]string(nil), s.newlyReady...)
	s.newlyReady = s.newlyReady[:0]
	return out
}

func (s *scheduler) MarkSucceeded(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status[name] != "running" {
		return
	}
	s.status[name] = "succeeded"
	for _, dep := range s.dependents[name] {
		s.inDegree[dep]--
		if s.inDegree[dep] == 0 {
			s.ready = append(s.ready, dep)
			s.newlyReady = append(s.newlyReady, dep)
		}
	}
	sort.Strings(s.ready)
}

func (s *scheduler) MarkFailed(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status[name] != "running" {
		return
	}
	s.status[name] = "failed"
	s.errs[name] = err
	for _, dep := range s.dependents[name] {
		// Still decrement so the graph progresses; the dependent lands in
		// blocked when its predecessor status is checked at dispatch.
		s.inDegree[dep]--
		if s.inDegree[dep] == 0 {
			s.ready = append(s.ready, dep)
			s.newlyReady = append(s.newlyReady, dep)
		}
	}
	sort.Strings(s.ready)
}

// FinalizeBlocked sweeps services that never became ready because an
// ancestor failed or the run stopped, so the summary accounts for every
// planned service.
func (s *scheduler) FinalizeBlocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.order {
		if s.status[name] != "planned" {
			continue
		}
		reason := "never became ready"
		if s.stopped {
			reason = "halted before start"
		}
		for _, dep := range s.deps[name] {
			if st := s.status[dep]; st != "succeeded" {
				reason = fmt.Sprintf("blocked by %s (%s)", dep, st)
				break
			}
		}
		s.setBlocked(name, reason)
	}
}

func (s *scheduler) TakeNewlyBlocked() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.newlyBlocked) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.newlyBlocked))
	for _, name := range s.newlyBlocked {
		out[name] = s.blockedBy[name]
	}
	s.newlyBlocked = nil
	return out
}

func (s *scheduler) setBlocked(name string, reason string) {
	if s.status[name] != "planned" {
		return
	}
	s.status[name] = "blocked"
	s.blockedBy[name] = reason
	s.newlyBlocked = append(s.newlyBlocked, name)
	sort.Strings(s.newlyBlocked)
}

func (s *scheduler) Snapshot() schedulerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := map[string]string{}
	for k, v := range s.status {
		status[k] = v
	}
	errs := map[string]error{}
	for k, v := range s.errs {
		errs[k] = v
	}
	return schedulerSnapshot{Status: status, Errors: errs}
}
