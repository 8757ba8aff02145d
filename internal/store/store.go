// Package store persists tasks in an embedded sqlite database so they
// survive bridge restarts.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaervinen/taskbridge/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	agent TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	project TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	team TEXT NOT NULL DEFAULT '',
	tool_calls INTEGER NOT NULL DEFAULT 0,
	output_bytes INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// OrphanError is the error string stamped onto tasks left running by a
// previous bridge process.
const OrphanError = "Bridge restarted — task orphaned"

// Store wraps the sqlite task table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the task database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init task store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the full task row.
func (s *Store) Save(t *domain.Task) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO tasks
		(id, agent, model, project, prompt, status, started_at, completed_at, output, error, team, tool_calls, output_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Agent, t.Model, t.Project, t.Prompt, string(t.State),
		formatTime(t.StartedAt), formatTime(t.CompletedAt),
		t.Output, t.Error, t.Team, t.ToolCalls, t.OutputBytes)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// Get loads one task by id. Returns (nil, nil) when absent.
func (s *Store) Get(id string) (*domain.Task, error) {
	row := s.db.QueryRow(`SELECT id, agent, model, project, prompt, status, started_at, completed_at, output, error, team, tool_calls, output_bytes
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// Update applies the non-nil fields of patch to the stored row.
func (s *Store) Update(id string, patch domain.TaskPatch) error {
	var sets []string
	var args []any
	if patch.State != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.State))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(*patch.CompletedAt))
	}
	if patch.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *patch.Output)
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.ToolCalls != nil {
		sets = append(sets, "tool_calls = ?")
		args = append(args, *patch.ToolCalls)
	}
	if patch.OutputBytes != nil {
		sets = append(sets, "output_bytes = ?")
		args = append(args, *patch.OutputBytes)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	_, err := s.db.Exec("UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return nil
}

// ListRunning returns every task still in the running state.
func (s *Store) ListRunning() ([]*domain.Task, error) {
	rows, err := s.db.Query(`SELECT id, agent, model, project, prompt, status, started_at, completed_at, output, error, team, tool_calls, output_bytes
		FROM tasks WHERE status = ? ORDER BY started_at`, string(domain.TaskRunning))
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Prune deletes non-running tasks completed before now - olderThan. Returns
// the number of rows removed.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	res, err := s.db.Exec(`DELETE FROM tasks
		WHERE status != ? AND completed_at != '' AND completed_at < ?`,
		string(domain.TaskRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecoverOrphaned marks every task still running as failed. Run once at
// startup, before any new task is admitted.
func (s *Store) RecoverOrphaned() (int64, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, error = ?, completed_at = ?
		WHERE status = ?`,
		string(domain.TaskFailed), OrphanError, formatTime(time.Now()),
		string(domain.TaskRunning))
	if err != nil {
		return 0, fmt.Errorf("recover orphaned tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var t domain.Task
	var status, startedAt, completedAt string
	err := row.Scan(&t.ID, &t.Agent, &t.Model, &t.Project, &t.Prompt, &status,
		&startedAt, &completedAt, &t.Output, &t.Error, &t.Team, &t.ToolCalls, &t.OutputBytes)
	if err != nil {
		return nil, err
	}
	t.State = domain.TaskState(status)
	t.StartedAt = parseTime(startedAt)
	t.CompletedAt = parseTime(completedAt)
	return &t, nil
}

// timeLayout is fixed-width so lexicographic comparison of stored
// timestamps matches time order; RFC3339Nano trims trailing zeros and
// breaks that at sub-second boundaries.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
