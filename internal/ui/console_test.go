package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/example/trinoctl/internal/provision"
)

func consoleTestPlan() *provision.Plan {
	nodes := []*provision.ServiceNode{
		{Name: "postgres", Module: "postgres"},
		{Name: "metastore", Module: "hive", Needs: []string{"postgres"}},
		{Name: "trino", Module: "trino", Needs: []string{"metastore"}},
		{Name: "mysql", Module: "mysql"},
	}
	p := &provision.Plan{Project: "smoke", ByName: map[string]*provision.ServiceNode{}}
	for _, n := range nodes {
		p.Services = append(p.Services, n)
		p.ByName[n.Name] = n
	}
	return p
}

func TestConsoleOrderPutsCriticalPathFirst(t *testing.T) {
	order := consoleOrder(consoleTestPlan())
	want := []string{"postgres", "metastore", "trino", "mysql"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRunConsoleTracksServiceLifecycle(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewRunConsole(buf, consoleTestPlan(), RunConsoleOptions{Enabled: true, Width: 120})

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	ev := func(typ provision.EventType, svc string, attempt int) provision.Event {
		return provision.Event{TS: ts, RunID: "run-1", Service: svc, Type: string(typ), Attempt: attempt}
	}

	c.ObserveEvent(ev(provision.RunStarted, "", 0))
	c.ObserveEvent(ev(provision.ServiceQueued, "postgres", 1))
	c.ObserveEvent(ev(provision.ServiceStarting, "postgres", 1))
	c.ObserveEvent(ev(provision.ServiceReady, "postgres", 1))
	failed := ev(provision.ServiceFailed, "mysql", 2)
	failed.Message = "start service mysql: boom"
	failed.Error = &provision.EventError{Class: "Runtime", Message: "boom", Digest: "sha256:deadbeefdeadbeefdead"}
	c.ObserveEvent(failed)

	c.mu.Lock()
	defer c.mu.Unlock()
	if got := c.services["postgres"].status; got != "ready" {
		t.Fatalf("postgres status = %q, want ready", got)
	}
	if got := c.services["mysql"].status; got != "failed" {
		t.Fatalf("mysql status = %q, want failed", got)
	}
	if c.runID != "run-1" {
		t.Fatalf("runID = %q", c.runID)
	}
	if len(c.failures) != 1 || c.failures[0].service != "mysql" || c.failures[0].attempt != 2 {
		t.Fatalf("failures = %+v", c.failures)
	}
	if !strings.Contains(buf.String(), "FAILURES") {
		t.Fatalf("rendered output missing failure banner:\n%s", buf.String())
	}
}

func TestRunConsoleDeduplicatesFailures(t *testing.T) {
	c := NewRunConsole(&bytes.Buffer{}, consoleTestPlan(), RunConsoleOptions{Enabled: true})
	f := serviceFailure{service: "trino", attempt: 1, msg: "boom"}
	c.mu.Lock()
	c.addFailureLocked(f)
	c.addFailureLocked(f)
	c.addFailureLocked(serviceFailure{service: "trino", attempt: 2, msg: "boom again"})
	got := len(c.failures)
	c.mu.Unlock()
	if got != 2 {
		t.Fatalf("failures = %d, want 2", got)
	}
}

func TestRunConsoleLogTailClamps(t *testing.T) {
	c := NewRunConsole(&bytes.Buffer{}, nil, RunConsoleOptions{Enabled: true, Verbose: true})
	c.mu.Lock()
	for i := 0; i < 20; i++ {
		c.appendLogLocked(strings.Repeat("x", i+1), false)
	}
	got := append([]string(nil), c.logTail...)
	c.mu.Unlock()
	if len(got) != 16 {
		t.Fatalf("tail = %d lines, want 16", len(got))
	}
	if got[len(got)-1] != strings.Repeat("x", 20) {
		t.Fatalf("unexpected last line %q", got[len(got)-1])
	}
}
