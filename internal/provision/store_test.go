package provision

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	a := &ServiceNode{Name: "a", Module: "base", Category: "admin"}
	b := &ServiceNode{Name: "b", Module: "hive", Category: "catalog", Needs: []string{"a"}}
	plan := testPlan(a, b)
	run := newRunState(plan, Options{Workers: 2, Store: store})

	if err := store.CreateRun(ctx, run, plan); err != nil {
		t.Fatalf("create run: %v", err)
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	appended := []Event{
		{TS: ts, Service: "a", Type: string(ServiceStarting), Message: "starting"},
		{TS: ts, Service: "a", Type: string(ServiceReady), Message: "ready"},
		{TS: ts, Service: "b", Type: string(ServiceFailed), Message: "start service b: boom",
			Error: &EventError{Class: ClassRuntime, Message: "start service b: boom", Digest: "sha256:deadbeef"}},
		{TS: ts, Type: string(RunCompleted), Message: "failed"},
	}
	for _, ev := range appended {
		if err := store.AppendEvent(ctx, run.RunID, ev); err != nil {
			t.Fatalf("append %s: %v", ev.Type, err)
		}
	}

	events, lastID, err := store.ListEvents(ctx, run.RunID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != len(appended) {
		t.Fatalf("events = %d, want %d", len(events), len(appended))
	}
	if lastID != events[len(events)-1].Seq {
		t.Fatalf("lastID = %d, want %d", lastID, events[len(events)-1].Seq)
	}
	for i, ev := range events {
		if ev.Type != appended[i].Type || ev.Service != appended[i].Service {
			t.Fatalf("event %d = %s/%s, want %s/%s", i, ev.Type, ev.Service, appended[i].Type, appended[i].Service)
		}
	}
	if e := events[2].Error; e == nil || e.Class != ClassRuntime || e.Digest != "sha256:deadbeef" {
		t.Fatalf("failure event error = %+v", events[2].Error)
	}

	// Resuming from a known id only returns the tail.
	tail, _, err := store.ListEvents(ctx, run.RunID, events[1].Seq)
	if err != nil || len(tail) != 2 || tail[0].Type != string(ServiceFailed) {
		t.Fatalf("tail = %+v, err = %v", tail, err)
	}

	// Appending events keeps the per-service rows current.
	var status, state, svcErr string
	err = store.db.QueryRowContext(ctx, `
SELECT status, state, error FROM trinoctl_services WHERE run_id = ? AND service = ?
`, run.RunID, "b").Scan(&status, &state, &svcErr)
	if err != nil {
		t.Fatalf("service row: %v", err)
	}
	if status != "failed" || state != string(StateFailed) || !strings.Contains(svcErr, "boom") {
		t.Fatalf("service row = %s/%s/%q", status, state, svcErr)
	}

	if summary, err := store.GetRunSummary(ctx, run.RunID); err != nil || summary.Status != "created" {
		t.Fatalf("stub summary = %+v, err = %v", summary, err)
	}

	final := &RunSummary{
		APIVersion: summaryAPIVersion,
		RunID:      run.RunID,
		Project:    plan.Project,
		Digest:     plan.Digest,
		Status:     "failed",
		Totals:     RunTotals{Planned: 2, Ready: 1, Failed: 1},
		Services: map[string]ServiceSummary{
			"a": {Status: "succeeded", State: string(StateReady), Module: "base", Category: "admin"},
			"b": {Status: "failed", State: string(StateFailed), Module: "hive", Category: "catalog",
				Error: "start service b: boom", ErrorClass: ClassRuntime},
		},
		Order: []string{"a", "b"},
	}
	if err := store.WriteSummary(ctx, run.RunID, final); err != nil {
		t.Fatalf("write summary: %v", err)
	}
	summary, err := store.GetRunSummary(ctx, run.RunID)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if summary.Status != "failed" || summary.Totals.Ready != 1 || summary.Services["b"].ErrorClass != ClassRuntime {
		t.Fatalf("summary = %+v", summary)
	}

	if id, err := store.MostRecentRunID(ctx); err != nil || id != run.RunID {
		t.Fatalf("most recent = %q, err = %v", id, err)
	}
	runs, err := store.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != run.RunID || !runs[0].HasSummary || runs[0].Status != "failed" {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Totals.Failed != 1 {
		t.Fatalf("run totals = %+v", runs[0].Totals)
	}

	if n, err := store.FinalizeRun(ctx, run.RunID, time.Now().UTC().UnixNano(), "sha256:cafe"); err != nil || n != 1 {
		t.Fatalf("finalize = %d, err = %v", n, err)
	}
	if err := store.CheckpointPortable(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
}

func TestStoreReadOnlyOpen(t *testing.T) {
	ctx := context.Background()

	if _, err := OpenStore(t.TempDir(), true); err == nil {
		t.Fatalf("read-only open must fail when no store exists")
	}

	dir := t.TempDir()
	rw, err := OpenStore(dir, false)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	plan := testPlan(&ServiceNode{Name: "a", Module: "base", Category: "admin"})
	run := newRunState(plan, Options{Workers: 1})
	if err := rw.CreateRun(ctx, run, plan); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := rw.CheckpointPortable(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ro, err := OpenStore(dir, true)
	if err != nil {
		t.Fatalf("read-only open: %v", err)
	}
	defer ro.Close()
	if id, err := ro.MostRecentRunID(ctx); err != nil || id != run.RunID {
		t.Fatalf("most recent = %q, err = %v", id, err)
	}
	if err := ro.CheckpointPortable(ctx); err != nil {
		t.Fatalf("read-only checkpoint must be a no-op: %v", err)
	}
}
