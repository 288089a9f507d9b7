// File: internal/provision/run.go
// Brief: Worker-pool orchestration of service startup over the plan graph.

package provision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/example/trinoctl/internal/library"
	"github.com/example/trinoctl/internal/runtime"
)

const defaultWorkers = 4

// Runtime is the container-runtime surface the orchestrator drives.
// *runtime.Client implements it.
type Runtime interface {
	ComposeUp(ctx context.Context, file, project string, services ...string) error
	ServiceStatus(ctx context.Context, file, project, service string) (runtime.Status, error)
	ContainerLogs(ctx context.Context, file, project, service string, tail int) (string, error)
}

// Options tune one provisioning run.
type Options struct {
	// Workers bounds how many services may be starting concurrently.
	Workers int

	// HealthInterval and HealthAttempts bound the health poll between a
	// service's start and its post_start hooks.
	HealthInterval time.Duration
	HealthAttempts int

	// HookTimeout applies to hooks that do not declare their own.
	HookTimeout time.Duration

	// Env is the layered configuration handed to hook processes.
	Env map[string]string

	// Store, when set, persists the run, its events, and its summary.
	Store *Store

	Observers []EventObserver
}

// Provisioner starts a rendered environment service by service,
// honoring dependency edges and running lifecycle hooks in between.
type Provisioner struct {
	rt   Runtime
	log  logr.Logger
	opts Options
}

func New(rt Runtime, log logr.Logger, opts Options) *Provisioner {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	return &Provisioner{rt: rt, log: log, opts: opts}
}

type runState struct {
	RunID string
	store *Store

	Plan        *Plan
	Workers     int
	HookTimeout time.Duration
	Env         map[string]string

	mu sync.Mutex

	eventSeq      int64
	eventPrevHash string
	observers     []EventObserver

	records map[string]*serviceRecord
}

func newRunState(plan *Plan, opts Options) *runState {
	// Sub-second precision avoids collisions when environments are
	// provisioned back to back.
	runID := time.Now().UTC().Format("2006-01-02T15-04-05.000000000Z")
	rs := &runState{
		RunID:       runID,
		store:       opts.Store,
		Plan:        plan,
		Workers:     opts.Workers,
		HookTimeout: opts.HookTimeout,
		Env:         opts.Env,
		observers:   append([]EventObserver(nil), opts.Observers...),
		records:     map[string]*serviceRecord{},
	}
	for _, n := range plan.Services {
		rs.records[n.Name] = newServiceRecord(n.Name)
	}
	return rs
}

func (r *runState) AppendEvent(service string, typ EventType, attempt int, message string, fields map[string]any, evErr *EventError) {
	r.emitEvent(service, typ, attempt, message, fields, evErr, true)
}

func (r *runState) EmitEphemeralEvent(service string, typ EventType, attempt int, message string, fields map[string]any) {
	r.emitEvent(service, typ, attempt, message, fields, nil, false)
}

func (r *runState) emitEvent(service string, typ EventType, attempt int, message string, fields map[string]any, evErr *EventError, persist bool) {
	r.mu.Lock()
	r.eventSeq++
	ev := Event{
		Seq:     r.eventSeq,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		RunID:   r.RunID,
		Service: service,
		Type:    string(typ),
		Attempt: attempt,
		Message: message,
		Fields:  fields,
		Error:   evErr,
	}
	observers := append([]EventObserver(nil), r.observers...)
	if persist {
		ev.PrevDigest = r.eventPrevHash
		ev.Digest, ev.CRC32 = computeEventIntegrity(ev)
		r.eventPrevHash = ev.Digest
		if r.store != nil {
			_ = r.store.AppendEvent(context.Background(), r.RunID, ev)
		}
	}
	r.mu.Unlock()

	for _, obs := range observers {
		if obs == nil {
			continue
		}
		obs.ObserveEvent(ev)
	}
}

// Provision starts every service in the plan. Independent subtrees run
// concurrently; a failure is scoped to the failing service and its
// dependents, so the returned Result itemizes per-service outcomes even
// when the run error is non-nil. Nothing started is ever torn down here;
// removal is its own explicit operation.
func (p *Provisioner) Provision(ctx context.Context, plan *Plan) (*Result, error) {
	run := newRunState(plan, p.opts)
	s := newScheduler(plan)
	start := time.Now().UTC()

	if run.store != nil {
		if err := run.store.CreateRun(ctx, run, plan); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
	}

	p.log.Info("provisioning environment", "project", plan.Project, "runID", run.RunID,
		"services", len(plan.Services), "workers", run.Workers)

	for _, n := range plan.Services {
		run.AppendEvent(n.Name, ServiceMeta, 0, "", map[string]any{
			"module":   n.Module,
			"category": n.Category,
			"needs":    append([]string(nil), n.Needs...),
		}, nil)
	}
	run.AppendEvent("", RunStarted, 0, fmt.Sprintf("project=%s planned=%d", plan.Project, len(plan.Services)), map[string]any{
		"project": plan.Project,
		"digest":  plan.Digest,
		"planned": len(plan.Services),
		"modules": append([]string(nil), plan.Modules...),
		"workers": run.Workers,
	}, nil)
	for _, w := range plan.Warnings {
		run.AppendEvent("", MergeWarning, 0, w.String(), map[string]any{
			"path":   w.Path,
			"module": w.Module,
		}, nil)
	}

	var mu sync.Mutex
	var firstErr error
	noteErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	targetWorkers := run.Workers
	if n := len(plan.Services); targetWorkers > n {
		targetWorkers = n
	}

	var poolMu sync.Mutex
	runningWorkers := 0

	var worker func()
	var wg sync.WaitGroup
	spawnWorker := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker()
		}()
	}
	// Workers exit when the ready queue drains. Whoever finishes the node
	// that widens the graph again refills the pool, so independent
	// subtrees keep their parallelism after a bottleneck.
	maybeSpawn := func() {
		poolMu.Lock()
		have := runningWorkers
		poolMu.Unlock()
		for have < targetWorkers {
			spawnWorker()
			have++
		}
	}

	worker = func() {
		poolMu.Lock()
		runningWorkers++
		poolMu.Unlock()
		defer func() {
			poolMu.Lock()
			runningWorkers--
			poolMu.Unlock()
		}()
		for {
			if err := ctx.Err(); err != nil {
				s.Stop()
				noteErr(err)
				return
			}
			node := s.NextReady()
			drainTransitions(run, s)
			if node == nil {
				return
			}
			rec := run.records[node.Name]
			run.AppendEvent(node.Name, ServiceStarting, 0, "", nil, nil)

			err := p.startService(ctx, run, node, rec)
			if err == nil {
				s.MarkSucceeded(node.Name)
				run.AppendEvent(node.Name, ServiceReady, 0, "", nil, nil)
				maybeSpawn()
				continue
			}

			rec.fail(err)
			s.MarkFailed(node.Name, err)
			noteErr(err)
			run.AppendEvent(node.Name, ServiceFailed, 0, err.Error(), nil, newEventError(err))
			p.log.Error(err, "service failed", "service", node.Name, "module", node.Module)
			if errors.Is(err, context.Canceled) {
				s.Stop()
				return
			}
			maybeSpawn()
		}
	}

	run.WriteSummarySnapshot(run.BuildSummary("running", start, s.Snapshot()))
	for i := 0; i < targetWorkers; i++ {
		spawnWorker()
	}
	wg.Wait()

	s.FinalizeBlocked()
	drainTransitions(run, s)

	status := "succeeded"
	switch {
	case errors.Is(firstErr, context.Canceled):
		status = "canceled"
	case firstErr != nil:
		status = "failed"
	}
	run.AppendEvent("", RunCompleted, 0, status, map[string]any{"status": status}, nil)

	summary := run.BuildSummary(status, start, s.Snapshot())
	run.WriteSummarySnapshot(summary)
	if run.store != nil {
		_, _ = run.store.FinalizeRun(context.Background(), run.RunID, time.Now().UTC().UnixNano(), run.eventPrevHash)
		_ = run.store.CheckpointPortable(context.Background())
	}

	p.log.Info("provisioning finished", "project", plan.Project, "runID", run.RunID, "status", status,
		"ready", summary.Totals.Ready, "failed", summary.Totals.Failed, "blocked", summary.Totals.Blocked)

	result := &Result{
		RunID:    run.RunID,
		Project:  plan.Project,
		File:     plan.File,
		Digest:   plan.Digest,
		Summary:  summary,
		Warnings: plan.Warnings,
	}
	return result, firstErr
}

// startService walks one service through its lifecycle. A post_start
// failure is returned like any other, but by then the container is up
// and stays up; the caller only marks state.
func (p *Provisioner) startService(ctx context.Context, run *runState, node *ServiceNode, rec *serviceRecord) error {
	if err := rec.transition(StatePreStartRunning); err != nil {
		return err
	}
	hc := hookRunContext{run: run, node: node, rec: rec, phase: library.PhasePreStart, env: run.Env}
	if err := runHookList(ctx, hc, node.PreStart); err != nil {
		return err
	}

	// An interrupt between pre_start and the container launch halts the
	// launch; hooks that already ran are not undone.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.rt.ComposeUp(ctx, run.Plan.File, run.Plan.Project, node.Name); err != nil {
		return fmt.Errorf("start service %s: %w", node.Name, err)
	}
	if err := rec.transition(StateStarted); err != nil {
		return err
	}
	run.AppendEvent(node.Name, ServiceStarted, 0, "", nil, nil)

	if err := p.waitHealthy(ctx, run, node, rec); err != nil {
		return err
	}
	if err := rec.transition(StatePostStartRunning); err != nil {
		return err
	}
	run.AppendEvent(node.Name, ServiceHealthy, 0, "", nil, nil)

	hc.phase = library.PhasePostStart
	if err := runHookList(ctx, hc, node.PostStart); err != nil {
		return err
	}
	return rec.transition(StateReady)
}

func drainTransitions(run *runState, s *scheduler) {
	if newlyReady := s.TakeNewlyReady(); len(newlyReady) > 0 {
		ids := append([]string(nil), newlyReady...)
		sort.Strings(ids)
		for _, id := range ids {
			run.AppendEvent(id, ServiceQueued, 0, "ready", nil, nil)
		}
	}
	if blocked := s.TakeNewlyBlocked(); len(blocked) > 0 {
		ids := make([]string, 0, len(blocked))
		for id := range blocked {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			run.AppendEvent(id, ServiceBlocked, 0, blocked[id], nil, nil)
		}
	}
}
