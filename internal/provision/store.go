// File: internal/provision/store.go
// Brief: Durable sqlite run store (runs, per-service rows, event log).

package provision

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const stateSQLiteRelPath = ".trinoctl/state.sqlite"

// Store persists provisioning runs under the working directory so
// `trinoctl runs` can report history after the process exits.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// OpenStore opens (and on first use creates) the run store under root.
func OpenStore(root string, readOnly bool) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(absRoot, stateSQLiteRelPath)
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	dsn := path
	if readOnly {
		u := url.URL{Scheme: "file", Path: path}
		q := u.Query()
		q.Set("mode", "ro")
		q.Set("_busy_timeout", "5000")
		u.RawQuery = q.Encode()
		dsn = u.String()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db, path: path, readOnly: readOnly}
	if !readOnly {
		if err := s.initSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path reports where the store lives on disk.
func (s *Store) Path() string { return s.path }

// CheckpointPortable folds the WAL back into the main DB file so the
// .sqlite can be copied or attached to a bug report as a single file.
func (s *Store) CheckpointPortable(ctx context.Context) error {
	if s == nil || s.db == nil || s.readOnly {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS trinoctl_runs (
  run_id TEXT PRIMARY KEY,
  project TEXT NOT NULL,
  digest TEXT NOT NULL,
  compose_file TEXT NOT NULL,
  modules_json TEXT NOT NULL,
  workers INTEGER NOT NULL,
  status TEXT NOT NULL,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL,
  finalized_at_ns INTEGER NOT NULL DEFAULT 0,
  last_event_digest TEXT NOT NULL DEFAULT '',
  summary_json TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS trinoctl_services (
  run_id TEXT NOT NULL,
  service TEXT NOT NULL,
  module TEXT NOT NULL,
  status TEXT NOT NULL,
  state TEXT NOT NULL,
  error TEXT NOT NULL,
  PRIMARY KEY (run_id, service),
  FOREIGN KEY (run_id) REFERENCES trinoctl_runs(run_id) ON DELETE CASCADE
);`,
		`
CREATE TABLE IF NOT EXISTS trinoctl_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  ts_ns INTEGER NOT NULL,
  service TEXT NOT NULL,
  type TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  message TEXT NOT NULL,
  error_class TEXT NOT NULL,
  error_message TEXT NOT NULL,
  error_digest TEXT NOT NULL,
  FOREIGN KEY (run_id) REFERENCES trinoctl_runs(run_id) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS idx_trinoctl_events_run_id_id ON trinoctl_events(run_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run *runState, plan *Plan) error {
	now := time.Now().UTC()

	modulesJSON, err := json.Marshal(plan.Modules)
	if err != nil {
		return err
	}

	emptySummary := RunSummary{
		APIVersion: summaryAPIVersion,
		RunID:      run.RunID,
		Project:    plan.Project,
		Digest:     plan.Digest,
		Status:     "created",
		StartedAt:  now.Format(time.RFC3339Nano),
		UpdatedAt:  now.Format(time.RFC3339Nano),
		Totals:     RunTotals{Planned: len(plan.Services)},
		Services:   map[string]ServiceSummary{},
	}
	for _, n := range plan.Services {
		emptySummary.Services[n.Name] = ServiceSummary{
			Status:   "planned",
			State:    string(StateNotStarted),
			Module:   n.Module,
			Category: n.Category,
		}
		emptySummary.Order = append(emptySummary.Order, n.Name)
	}
	summaryJSON, err := json.Marshal(emptySummary)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO trinoctl_runs (
  run_id, project, digest, compose_file, modules_json, workers, status,
  created_at_ns, updated_at_ns, summary_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, run.RunID, plan.Project, plan.Digest, plan.File, string(modulesJSON), run.Workers, "running",
		now.UnixNano(), now.UnixNano(), string(summaryJSON))
	if err != nil {
		return err
	}

	for _, n := range plan.Services {
		_, err := tx.ExecContext(ctx, `
INSERT INTO trinoctl_services (run_id, service, module, status, state, error)
VALUES (?, ?, ?, ?, ?, ?)
`, run.RunID, n.Name, n.Module, "planned", string(StateNotStarted), "")
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) AppendEvent(ctx context.Context, runID string, ev Event) error {
	ts, err := time.Parse(time.RFC3339Nano, ev.TS)
	if err != nil {
		ts = time.Now().UTC()
	}
	errClass := ""
	errMsg := ""
	errDigest := ""
	if ev.Error != nil {
		errClass = strings.TrimSpace(ev.Error.Class)
		errMsg = strings.TrimSpace(ev.Error.Message)
		errDigest = strings.TrimSpace(ev.Error.Digest)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO trinoctl_events (run_id, ts_ns, service, type, attempt, message, error_class, error_message, error_digest)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, runID, ts.UnixNano(), strings.TrimSpace(ev.Service), ev.Type, ev.Attempt, strings.TrimSpace(ev.Message), errClass, errMsg, errDigest)
	if err != nil {
		return err
	}

	updatedAt := time.Now().UTC().UnixNano()
	_, _ = s.db.ExecContext(ctx, `UPDATE trinoctl_runs SET updated_at_ns = ? WHERE run_id = ?`, updatedAt, runID)

	if status, state := serviceRowFor(ev.Type); status != "" && ev.Service != "" {
		svcErr := ""
		if status == "failed" {
			svcErr = errMsg
			if svcErr == "" {
				svcErr = strings.TrimSpace(ev.Message)
			}
		}
		_, _ = s.db.ExecContext(ctx, `
UPDATE trinoctl_services
SET status = ?, state = CASE WHEN ? != '' THEN ? ELSE state END, error = ?
WHERE run_id = ? AND service = ?
`, status, state, state, svcErr, runID, ev.Service)
	} else if state := lifecycleStateFor(ev.Type); state != "" && ev.Service != "" {
		_, _ = s.db.ExecContext(ctx, `
UPDATE trinoctl_services SET state = ? WHERE run_id = ? AND service = ?
`, state, runID, ev.Service)
	}

	if ev.Type == string(RunCompleted) {
		status := strings.TrimSpace(ev.Message)
		if status == "" {
			status = "completed"
		}
		_, _ = s.db.ExecContext(ctx, `UPDATE trinoctl_runs SET status = ?, updated_at_ns = ? WHERE run_id = ?`, status, updatedAt, runID)
	}
	return nil
}

// serviceRowFor maps scheduling events onto the per-service row; the
// second value carries the lifecycle state implied by the same event.
func serviceRowFor(evType string) (status, state string) {
	switch evType {
	case string(ServiceStarting):
		return "running", string(StatePreStartRunning)
	case string(ServiceReady):
		return "succeeded", string(StateReady)
	case string(ServiceFailed):
		return "failed", string(StateFailed)
	case string(ServiceBlocked):
		return "blocked", ""
	default:
		return "", ""
	}
}

func lifecycleStateFor(evType string) string {
	switch evType {
	case string(ServiceStarted):
		return string(StateStarted)
	case string(ServiceHealthy):
		return string(StatePostStartRunning)
	default:
		return ""
	}
}

func (s *Store) WriteSummary(ctx context.Context, runID string, summary *RunSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	updatedAt := time.Now().UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `UPDATE trinoctl_runs SET summary_json = ?, status = ?, updated_at_ns = ? WHERE run_id = ?`,
		string(raw), summary.Status, updatedAt, runID)
	if err != nil {
		return err
	}
	for service, ss := range summary.Services {
		_, err := tx.ExecContext(ctx, `
UPDATE trinoctl_services
SET status = ?, state = ?, error = ?
WHERE run_id = ? AND service = ?
`, ss.Status, ss.State, strings.TrimSpace(ss.Error), runID, service)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FinalizeRun pins the run's last event digest so truncation of the
// event log is detectable later.
func (s *Store) FinalizeRun(ctx context.Context, runID string, finishedAtNS int64, lastEventDigest string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE trinoctl_runs SET finalized_at_ns = ?, last_event_digest = ?, updated_at_ns = ?
WHERE run_id = ?
`, finishedAtNS, strings.TrimSpace(lastEventDigest), finishedAtNS, runID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetRunSummary(ctx context.Context, runID string) (*RunSummary, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT summary_json FROM trinoctl_runs WHERE run_id = ?`, runID).Scan(&raw)
	if err != nil {
		return nil, err
	}
	var summary RunSummary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (s *Store) MostRecentRunID(ctx context.Context) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `SELECT run_id FROM trinoctl_runs ORDER BY created_at_ns DESC LIMIT 1`).Scan(&runID)
	return runID, err
}

// RunIndexEntry is a compact summary of a run, used by `trinoctl runs`.
type RunIndexEntry struct {
	RunID      string    `json:"runId"`
	Project    string    `json:"project,omitempty"`
	Status     string    `json:"status,omitempty"`
	StartedAt  string    `json:"startedAt,omitempty"`
	UpdatedAt  string    `json:"updatedAt,omitempty"`
	Totals     RunTotals `json:"totals,omitempty"`
	HasSummary bool      `json:"hasSummary"`
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunIndexEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, project, summary_json
FROM trinoctl_runs
ORDER BY created_at_ns DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunIndexEntry
	for rows.Next() {
		var id, project, raw string
		if err := rows.Scan(&id, &project, &raw); err != nil {
			return nil, err
		}
		var summary RunSummary
		if err := json.Unmarshal([]byte(raw), &summary); err != nil {
			out = append(out, RunIndexEntry{RunID: id, Project: project, HasSummary: false})
			continue
		}
		out = append(out, RunIndexEntry{
			RunID:      id,
			Project:    project,
			Status:     summary.Status,
			StartedAt:  summary.StartedAt,
			UpdatedAt:  summary.UpdatedAt,
			Totals:     summary.Totals,
			HasSummary: true,
		})
	}
	return out, rows.Err()
}

// ListEvents returns a run's durable events in append order, optionally
// only those after a known sequence id (for follow-style rendering).
func (s *Store) ListEvents(ctx context.Context, runID string, afterID int64) ([]Event, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, ts_ns, service, type, attempt, message, error_class, error_message, error_digest
FROM trinoctl_events
WHERE run_id = ? AND id > ?
ORDER BY id ASC
`, runID, afterID)
	if err != nil {
		return nil, afterID, err
	}
	defer rows.Close()

	lastID := afterID
	var out []Event
	for rows.Next() {
		var (
			id                            int64
			tsNS                          int64
			service, typ, msg             string
			attempt                       int
			errClass, errMsg, errDigestDB string
		)
		if err := rows.Scan(&id, &tsNS, &service, &typ, &attempt, &msg, &errClass, &errMsg, &errDigestDB); err != nil {
			return nil, lastID, err
		}
		ev := Event{
			Seq:     id,
			TS:      time.Unix(0, tsNS).UTC().Format(time.RFC3339Nano),
			RunID:   runID,
			Service: service,
			Type:    typ,
			Attempt: attempt,
			Message: msg,
		}
		if errClass != "" || errMsg != "" {
			ev.Error = &EventError{Class: errClass, Message: errMsg, Digest: errDigestDB}
		}
		out = append(out, ev)
		lastID = id
	}
	return out, lastID, rows.Err()
}
