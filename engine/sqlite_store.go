package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore persists interactions and escalation tasks in SQLite. All
// HELD-exit transitions are conditional UPDATEs so concurrent writers
// serialize on the row, not on a process-wide lock.
type SQLiteStore struct {
	dsn string

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	s := &SQLiteStore{dsn: dsn}
	if _, err := s.handle(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Create(ctx context.Context, in Interaction) error {
	if s == nil {
		return fmt.Errorf("nil store")
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, insertInteractionSQL, interactionArgs(in)...)
	return err
}

func (s *SQLiteStore) CreateHeld(ctx context.Context, in Interaction, task EscalationTask) error {
	if s == nil {
		return fmt.Errorf("nil store")
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertInteractionSQL, interactionArgs(in)...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insertTaskSQL, taskArgs(task)...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Interaction, bool, error) {
	if s == nil {
		return Interaction{}, false, fmt.Errorf("nil store")
	}
	db, err := s.handle()
	if err != nil {
		return Interaction{}, false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Interaction{}, false, nil
	}
	row := db.QueryRowContext(ctx, selectInteractionSQL+" WHERE id = ?", id)
	in, err := scanInteraction(row)
	if err == sql.ErrNoRows {
		return Interaction{}, false, nil
	}
	if err != nil {
		return Interaction{}, false, err
	}
	return in, true, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (EscalationTask, bool, error) {
	if s == nil {
		return EscalationTask{}, false, fmt.Errorf("nil store")
	}
	db, err := s.handle()
	if err != nil {
		return EscalationTask{}, false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return EscalationTask{}, false, nil
	}
	var (
		t          EscalationTask
		createdMS  int64
		deadlineMS int64
		status     string
	)
	err = db.QueryRowContext(ctx, `
SELECT id, interaction_id, target, priority, created_at_ms, deadline_ms, status
FROM escalation_tasks WHERE id = ?
`, id).Scan(&t.ID, &t.InteractionID, &t.Target, &t.Priority, &createdMS, &deadlineMS, &status)
	if err == sql.ErrNoRows {
		return EscalationTask{}, false, nil
	}
	if err != nil {
		return EscalationTask{}, false, err
	}
	t.CreatedAt = time.UnixMilli(createdMS).UTC()
	t.Deadline = time.UnixMilli(deadlineMS).UTC()
	t.Status = TaskStatus(status)
	return t, true, nil
}

func (s *SQLiteStore) ListHeld(ctx context.Context) ([]Interaction, error) {
	return s.listHeld(ctx, "", "")
}

func (s *SQLiteStore) ListHeldBySession(ctx context.Context, session string) ([]Interaction, error) {
	session = strings.TrimSpace(session)
	if session == "" {
		return nil, nil
	}
	return s.listHeld(ctx, " AND session = ?", session)
}

func (s *SQLiteStore) listHeld(ctx context.Context, filter string, arg string) ([]Interaction, error) {
	if s == nil {
		return nil, fmt.Errorf("nil store")
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	q := selectInteractionSQL + " WHERE status = ?" + filter + " ORDER BY held_at_ms ASC"
	args := []any{string(StatusHeld)}
	if filter != "" {
		args = append(args, arg)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Resolve(ctx context.Context, id string, res Resolution, actor, reason string, at time.Time) (Interaction, bool, error) {
	if s == nil {
		return Interaction{}, false, fmt.Errorf("nil store")
	}
	db, err := s.handle()
	if err != nil {
		return Interaction{}, false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Interaction{}, false, fmt.Errorf("missing interaction id")
	}

	status := StatusDenied
	taskStatus := TaskExpired
	if res == ResolutionApproved {
		status = StatusApproved
		taskStatus = TaskAnswered
	} else if res == ResolutionDenied && strings.TrimSpace(actor) != "" {
		taskStatus = TaskAnswered
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Interaction{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	reason = strings.TrimSpace(reason)
	r, err := tx.ExecContext(ctx, `
UPDATE interactions
SET status = ?, resolution = ?, resolved_by = ?, resolved_at_ms = ?,
    reason = CASE WHEN ? <> '' THEN ? ELSE reason END
WHERE id = ? AND status = ?
`, string(status), string(res), strings.TrimSpace(actor), at.UTC().UnixMilli(),
		reason, reason,
		id, string(StatusHeld))
	if err != nil {
		return Interaction{}, false, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return Interaction{}, false, err
	}
	won := n == 1
	if won {
		if _, err := tx.ExecContext(ctx, `
UPDATE escalation_tasks SET status = ?
WHERE interaction_id = ? AND status IN (?, ?)
`, string(taskStatus), id, string(TaskQueued), string(TaskDelivered)); err != nil {
			return Interaction{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Interaction{}, false, err
	}

	in, ok, err := s.Get(ctx, id)
	if err != nil {
		return Interaction{}, false, err
	}
	if !ok {
		return Interaction{}, false, fmt.Errorf("interaction not found: %s", id)
	}
	return in, won, nil
}

func (s *SQLiteStore) Reescalate(ctx context.Context, id string, fromCount int, task EscalationTask) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("nil store")
	}
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("missing interaction id")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := tx.ExecContext(ctx, `
UPDATE interactions
SET escalation_count = escalation_count + 1, escalation_target = ?, escalation_task_id = ?
WHERE id = ? AND status = ? AND escalation_count = ?
`, strings.TrimSpace(task.Target), strings.TrimSpace(task.ID), id, string(StatusHeld), fromCount)
	if err != nil {
		return false, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE escalation_tasks SET status = ?
WHERE interaction_id = ? AND status IN (?, ?)
`, string(TaskExpired), id, string(TaskQueued), string(TaskDelivered)); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, insertTaskSQL, taskArgs(task)...); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) MarkTaskDelivered(ctx context.Context, taskID string) error {
	if s == nil {
		return fmt.Errorf("nil store")
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
UPDATE escalation_tasks SET status = ? WHERE id = ? AND status = ?
`, string(TaskDelivered), strings.TrimSpace(taskID), string(TaskQueued))
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

const insertInteractionSQL = `
INSERT INTO interactions (
  id, operation, scope, session, risk_score, confidence,
  status, reason, extra_logging, monitoring,
  escalation_target, escalation_task_id, escalation_count,
  created_at_ms, held_at_ms, resolved_at_ms, resolution, resolved_by
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const insertTaskSQL = `
INSERT INTO escalation_tasks (
  id, interaction_id, target, priority, created_at_ms, deadline_ms, status
) VALUES (?, ?, ?, ?, ?, ?, ?)
`

const selectInteractionSQL = `
SELECT
  id, operation, scope, session, risk_score, confidence,
  status, reason, extra_logging, monitoring,
  escalation_target, escalation_task_id, escalation_count,
  created_at_ms, held_at_ms, resolved_at_ms, resolution, resolved_by
FROM interactions
`

func interactionArgs(in Interaction) []any {
	return []any{
		strings.TrimSpace(in.ID), string(in.Operation), strings.TrimSpace(in.Scope), strings.TrimSpace(in.Session),
		in.RiskScore, in.Confidence,
		string(in.Status), strings.TrimSpace(in.Reason), boolInt(in.Safeguards.ExtraLogging), boolInt(in.Safeguards.Monitoring),
		strings.TrimSpace(in.EscalationTarget), strings.TrimSpace(in.EscalationTaskID), in.EscalationCount,
		in.CreatedAt.UTC().UnixMilli(), nullTimeMilli(in.HeldAt), nullTimeMilli(in.ResolvedAt),
		string(in.Resolution), strings.TrimSpace(in.ResolvedBy),
	}
}

func taskArgs(t EscalationTask) []any {
	return []any{
		strings.TrimSpace(t.ID), strings.TrimSpace(t.InteractionID), strings.TrimSpace(t.Target),
		t.Priority, t.CreatedAt.UTC().UnixMilli(), t.Deadline.UTC().UnixMilli(), string(t.Status),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row rowScanner) (Interaction, error) {
	var (
		in           Interaction
		operation    string
		status       string
		extraLogging int
		monitoring   int
		createdMS    int64
		heldMS       sql.NullInt64
		resolvedMS   sql.NullInt64
		resolution   string
	)
	err := row.Scan(
		&in.ID, &operation, &in.Scope, &in.Session, &in.RiskScore, &in.Confidence,
		&status, &in.Reason, &extraLogging, &monitoring,
		&in.EscalationTarget, &in.EscalationTaskID, &in.EscalationCount,
		&createdMS, &heldMS, &resolvedMS, &resolution, &in.ResolvedBy,
	)
	if err != nil {
		return Interaction{}, err
	}
	in.Operation = Operation(operation)
	in.Status = Status(status)
	in.Safeguards = Safeguards{ExtraLogging: extraLogging != 0, Monitoring: monitoring != 0}
	in.CreatedAt = time.UnixMilli(createdMS).UTC()
	if heldMS.Valid {
		t := time.UnixMilli(heldMS.Int64).UTC()
		in.HeldAt = &t
	}
	if resolvedMS.Valid {
		t := time.UnixMilli(resolvedMS.Int64).UTC()
		in.ResolvedAt = &t
	}
	in.Resolution = Resolution(resolution)
	return in, nil
}

// handle returns the open database, lazily opening it after a Close.
// The handle is always read and written under s.mu; callers keep the
// returned *sql.DB for the duration of one operation.
func (s *SQLiteStore) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		db, err := sql.Open("sqlite", s.dsn)
		if err != nil {
			return nil, err
		}
		s.db = db
		if err := s.migrate(); err != nil {
			_ = db.Close()
			s.db = nil
			return nil, err
		}
	}
	return s.db, nil
}

func (s *SQLiteStore) migrate() error {
	if s.db == nil {
		return fmt.Errorf("sqlite db is not open")
	}
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS interactions (
  id TEXT PRIMARY KEY,
  operation TEXT NOT NULL,
  scope TEXT,
  session TEXT,
  risk_score REAL NOT NULL,
  confidence REAL NOT NULL,
  status TEXT NOT NULL,
  reason TEXT,
  extra_logging INTEGER NOT NULL DEFAULT 0,
  monitoring INTEGER NOT NULL DEFAULT 0,
  escalation_target TEXT,
  escalation_task_id TEXT,
  escalation_count INTEGER NOT NULL DEFAULT 0,
  created_at_ms INTEGER NOT NULL,
  held_at_ms INTEGER,
  resolved_at_ms INTEGER,
  resolution TEXT,
  resolved_by TEXT
);
CREATE INDEX IF NOT EXISTS idx_interactions_status ON interactions(status);
CREATE INDEX IF NOT EXISTS idx_interactions_session_status ON interactions(session, status);
CREATE TABLE IF NOT EXISTS escalation_tasks (
  id TEXT PRIMARY KEY,
  interaction_id TEXT NOT NULL,
  target TEXT,
  priority INTEGER NOT NULL,
  created_at_ms INTEGER NOT NULL,
  deadline_ms INTEGER NOT NULL,
  status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escalation_tasks_interaction ON escalation_tasks(interaction_id, status);
`)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTimeMilli(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().UnixMilli()
}
