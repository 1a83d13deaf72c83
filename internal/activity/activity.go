package activity

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"flowdesk/internal/domain"
)

// Log reads and appends task history. Appends go through the caller's
// transaction so a state swap and its entry commit or roll back together.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

// Append writes one entry and returns its id. actionID nil marks the
// synthetic create entry; idemKey empty means no idempotency tracking.
func (l Log) Append(ctx context.Context, tx *sql.Tx, taskID, actorID string, actionID *string, comment, attachmentRef, idemKey string) (int64, error) {
	if l.Now == nil {
		l.Now = time.Now
	}
	ts := l.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT INTO activity_log(task_id,actor_id,action_id,comment,attachment_ref,idempotency_key,ts) VALUES (?,?,?,?,?,?,?)`,
		taskID, actorID, actionID, comment, attachmentRef, nullable(idemKey), ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListByTask returns a task's entries in append order.
func (l Log) ListByTask(ctx context.Context, taskID string) ([]domain.ActivityLogEntry, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id,task_id,actor_id,action_id,comment,attachment_ref,ts FROM activity_log WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// EntriesAfter returns entries with ids greater than cursor in ascending
// order. The webhook dispatcher tails the log with it.
func (l Log) EntriesAfter(ctx context.Context, limit int, cursor int64) ([]domain.ActivityLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id,task_id,actor_id,action_id,comment,attachment_ref,ts FROM activity_log WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Latest returns the newest entries, optionally filtered by task.
func (l Log) Latest(ctx context.Context, limit int, taskID string) ([]domain.ActivityLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	args = append(args, limit)
	rows, err := l.DB.QueryContext(ctx, `SELECT id,task_id,actor_id,action_id,comment,attachment_ref,ts FROM activity_log WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// LatestID returns the id of the newest entry, zero when the log is empty.
func (l Log) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activity_log`).Scan(&id)
	return id, err
}

// GetByKey returns the entry recorded under an idempotency key.
func (l Log) GetByKey(ctx context.Context, idemKey string) (domain.ActivityLogEntry, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT id,task_id,actor_id,action_id,comment,attachment_ref,ts FROM activity_log WHERE idempotency_key=?`, idemKey)
	var e domain.ActivityLogEntry
	var actionID sql.NullString
	err := row.Scan(&e.ID, &e.TaskID, &e.ActorID, &actionID, &e.Comment, &e.AttachmentRef, &e.TS)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if actionID.Valid {
		e.ActionID = &actionID.String
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]domain.ActivityLogEntry, error) {
	var res []domain.ActivityLogEntry
	for rows.Next() {
		var e domain.ActivityLogEntry
		var actionID sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ActorID, &actionID, &e.Comment, &e.AttachmentRef, &e.TS); err != nil {
			return nil, err
		}
		if actionID.Valid {
			e.ActionID = &actionID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
