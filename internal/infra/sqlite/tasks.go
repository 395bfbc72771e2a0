package sqlite

import (
	"database/sql"
	"strings"
	"time"

	"github.com/solvepad/solvepad/internal/domain"
)

// ─── Task Repository ────────────────────────────────────────────────────────

// SaveTask upserts the full task row. The tracker calls this on every
// accepted mutation, so the row always reflects the latest projection.
func (d *DB) SaveTask(t *domain.Task) error {
	_, err := d.db.Exec(
		`INSERT INTO tasks (id, user_phone, type, status, progress, stage, total, solved, failed,
			input_meta, created_at, started_at, completed_at, last_update_at, output_path, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			stage = excluded.stage,
			total = excluded.total,
			solved = excluded.solved,
			failed = excluded.failed,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			last_update_at = excluded.last_update_at,
			output_path = excluded.output_path,
			error = excluded.error`,
		t.ID, t.UserPhone, t.Type, string(t.Status), t.Progress, t.Stage,
		t.Counts.Total, t.Counts.Solved, t.Counts.Failed,
		nullStr(string(t.InputMeta)), t.CreatedAt.Unix(),
		nullableUnix(t.StartedAt), nullableUnix(t.CompletedAt), t.LastUpdateAt.Unix(),
		nullStr(t.OutputPath), nullStr(t.Error),
	)
	return err
}

// GetTask retrieves a task by ID.
func (d *DB) GetTask(id string) (*domain.Task, error) {
	row := d.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTaskNotFound
	}
	return t, err
}

// ListTasks returns tasks filtered by status set and/or user, most
// recent first. limit <= 0 means no limit.
func (d *DB) ListTasks(statuses []domain.TaskStatus, userPhone string, limit int) ([]*domain.Task, error) {
	var (
		conds []string
		args  []any
	)
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, s := range statuses {
			ph[i] = "?"
			args = append(args, string(s))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
	}
	if userPhone != "" {
		conds = append(conds, "user_phone = ?")
		args = append(args, userPhone)
	}

	q := taskSelect
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTasksBefore removes tasks in the given statuses whose
// completed_at is before cutoff. Returns the number of rows removed.
func (d *DB) DeleteTasksBefore(cutoff time.Time, statuses []domain.TaskStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	ph := make([]string, len(statuses))
	args := []any{cutoff.Unix()}
	for i, s := range statuses {
		ph[i] = "?"
		args = append(args, string(s))
	}

	res, err := d.db.Exec(
		`DELETE FROM tasks WHERE completed_at IS NOT NULL AND completed_at < ?
		 AND status IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const taskSelect = `SELECT id, user_phone, type, status, progress, stage, total, solved, failed,
	input_meta, created_at, started_at, completed_at, last_update_at, output_path, error FROM tasks`

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*domain.Task, error) {
	var (
		t                    domain.Task
		status               string
		meta, output, errStr sql.NullString
		created, lastUpdate  int64
		started, completed   sql.NullInt64
	)
	err := s.Scan(&t.ID, &t.UserPhone, &t.Type, &status, &t.Progress, &t.Stage,
		&t.Counts.Total, &t.Counts.Solved, &t.Counts.Failed,
		&meta, &created, &started, &completed, &lastUpdate, &output, &errStr)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	if meta.Valid {
		t.InputMeta = []byte(meta.String)
	}
	t.CreatedAt = time.Unix(created, 0)
	t.LastUpdateAt = time.Unix(lastUpdate, 0)
	if started.Valid {
		t.StartedAt = time.Unix(started.Int64, 0)
	}
	if completed.Valid {
		t.CompletedAt = time.Unix(completed.Int64, 0)
	}
	if output.Valid {
		t.OutputPath = output.String
	}
	if errStr.Valid {
		t.Error = errStr.String
	}
	return &t, nil
}

// ─── Scan helpers ───────────────────────────────────────────────────────────

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
