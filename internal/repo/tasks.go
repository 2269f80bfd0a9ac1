package repo

import (
	"context"
	"database/sql"
	"errors"

	"smarter/internal/domain"
)

const taskColumns = `id,name,payload_json,status,attempts,max_attempts,COALESCE(last_error,''),COALESCE(resource_id,''),run_after,COALESCE(locked_until,''),created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var status string
	err := row.Scan(&t.ID, &t.Name, &t.PayloadJSON, &status, &t.Attempts, &t.MaxAttempts, &t.LastError, &t.ResourceID, &t.RunAfter, &t.LockedUntil, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	t.Status = domain.TaskStatus(status)
	return t, err
}

// InsertTask enqueues a task inside the caller's transaction.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO tasks(id,name,payload_json,status,attempts,max_attempts,last_error,resource_id,run_after,locked_until,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.Name, t.PayloadJSON, string(t.Status), t.Attempts, t.MaxAttempts, nullable(t.LastError), nullable(t.ResourceID),
		t.RunAfter, nullable(t.LockedUntil), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id))
}

// ClaimTask marks the oldest runnable task as running and returns it.
// ErrNotFound means nothing is runnable.
func (r Repo) ClaimTask(ctx context.Context, now, lockedUntil string) (domain.Task, error) {
	for attempt := 0; attempt < 3; attempt++ {
		t, err := scanTask(r.DB.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE status=? AND run_after<=? ORDER BY run_after ASC, id ASC LIMIT 1`),
			string(domain.TaskQueued), now))
		if err != nil {
			return domain.Task{}, err
		}
		out, err := r.DB.ExecContext(ctx, r.q(`UPDATE tasks SET status=?,attempts=attempts+1,locked_until=?,updated_at=? WHERE id=? AND status=?`),
			string(domain.TaskRunning), lockedUntil, now, t.ID, string(domain.TaskQueued))
		if err != nil {
			return domain.Task{}, err
		}
		if err := expectOne(out); errors.Is(err, ErrConflict) {
			continue
		} else if err != nil {
			return domain.Task{}, err
		}
		t.Status = domain.TaskRunning
		t.Attempts++
		t.LockedUntil = lockedUntil
		t.UpdatedAt = now
		return t, nil
	}
	return domain.Task{}, ErrNotFound
}

func (r Repo) CompleteTask(ctx context.Context, id, now string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`UPDATE tasks SET status=?,locked_until=NULL,last_error=NULL,updated_at=? WHERE id=?`),
		string(domain.TaskDone), now, id)
	return err
}

func (r Repo) FailTask(ctx context.Context, id, lastError, now string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`UPDATE tasks SET status=?,locked_until=NULL,last_error=?,updated_at=? WHERE id=?`),
		string(domain.TaskFailed), lastError, now, id)
	return err
}

// RetryTask requeues a running task to run again after runAfter.
func (r Repo) RetryTask(ctx context.Context, id, lastError, runAfter, now string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`UPDATE tasks SET status=?,locked_until=NULL,last_error=?,run_after=?,updated_at=? WHERE id=?`),
		string(domain.TaskQueued), lastError, runAfter, now, id)
	return err
}

// ReclaimStaleTasks requeues running tasks whose lock expired, which
// happens when a worker dies mid-task.
func (r Repo) ReclaimStaleTasks(ctx context.Context, now string) (int64, error) {
	out, err := r.DB.ExecContext(ctx, r.q(`UPDATE tasks SET status=?,locked_until=NULL,updated_at=? WHERE status=? AND locked_until<?`),
		string(domain.TaskQueued), now, string(domain.TaskRunning), now)
	if err != nil {
		return 0, err
	}
	return out.RowsAffected()
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.TaskStatus(status)] = count
	}
	return res, rows.Err()
}
