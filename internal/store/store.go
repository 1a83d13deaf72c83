package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"flowdesk/internal/domain"
)

type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStaleState is returned by CompareAndSwapState when the task moved to a
// different state between read and write.
var ErrStaleState = errors.New("task state changed")

// InsertTask writes the task row plus its field values and stakeholders.
// Callers pass the transaction that also carries the create log entry.
func (s Store) InsertTask(ctx context.Context, tx *sql.Tx, t domain.TaskInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,title,process_id,current_state_id,creator_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.ProcessID, t.CurrentStateID, t.CreatorID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	for _, f := range t.Fields {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_fields(task_id,field_id,value) VALUES (?,?,?)`, t.ID, f.FieldID, f.Value); err != nil {
			return err
		}
	}
	for _, u := range t.Stakeholders {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_stakeholders(task_id,user_id) VALUES (?,?)`, t.ID, u); err != nil {
			return err
		}
	}
	return nil
}

func (s Store) GetTask(ctx context.Context, id string) (domain.TaskInstance, error) {
	var t domain.TaskInstance
	err := s.DB.QueryRowContext(ctx, `SELECT id,title,process_id,current_state_id,creator_id,created_at,updated_at FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.Title, &t.ProcessID, &t.CurrentStateID, &t.CreatorID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.Fields, err = s.taskFields(ctx, id); err != nil {
		return t, err
	}
	if t.Stakeholders, err = s.taskStakeholders(ctx, id); err != nil {
		return t, err
	}
	return t, nil
}

// GetTaskTx reads the full task inside tx, so the authorization and routing
// checks of an action application see the same snapshot the state swap
// operates on.
func (s Store) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.TaskInstance, error) {
	var t domain.TaskInstance
	err := tx.QueryRowContext(ctx, `SELECT id,title,process_id,current_state_id,creator_id,created_at,updated_at FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.Title, &t.ProcessID, &t.CurrentStateID, &t.CreatorID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	frows, err := tx.QueryContext(ctx, `SELECT field_id,value FROM task_fields WHERE task_id=? ORDER BY field_id`, id)
	if err != nil {
		return t, err
	}
	defer frows.Close()
	for frows.Next() {
		var f domain.FieldValue
		if err := frows.Scan(&f.FieldID, &f.Value); err != nil {
			return t, err
		}
		t.Fields = append(t.Fields, f)
	}
	if err := frows.Err(); err != nil {
		return t, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT user_id FROM task_stakeholders WHERE task_id=? ORDER BY user_id`, id)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return t, err
		}
		t.Stakeholders = append(t.Stakeholders, u)
	}
	return t, rows.Err()
}

func (s Store) taskFields(ctx context.Context, taskID string) ([]domain.FieldValue, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT field_id,value FROM task_fields WHERE task_id=? ORDER BY field_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FieldValue
	for rows.Next() {
		var f domain.FieldValue
		if err := rows.Scan(&f.FieldID, &f.Value); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (s Store) taskStakeholders(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT user_id FROM task_stakeholders WHERE task_id=? ORDER BY user_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

type TaskFilters struct {
	ProcessID       string
	StateID         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListSent returns tasks created by userID, newest first.
func (s Store) ListSent(ctx context.Context, userID string, f TaskFilters) ([]domain.TaskInstance, error) {
	clauses := []string{"creator_id=?"}
	args := []any{userID}
	return s.listTasks(ctx, clauses, args, f)
}

// ListReceived returns tasks where userID is a stakeholder but not the
// creator, newest first.
func (s Store) ListReceived(ctx context.Context, userID string, f TaskFilters) ([]domain.TaskInstance, error) {
	clauses := []string{"creator_id<>?", "EXISTS (SELECT 1 FROM task_stakeholders ts WHERE ts.task_id=tasks.id AND ts.user_id=?)"}
	args := []any{userID, userID}
	return s.listTasks(ctx, clauses, args, f)
}

// ListVisible returns every task userID may see, as creator or stakeholder.
func (s Store) ListVisible(ctx context.Context, userID string, f TaskFilters) ([]domain.TaskInstance, error) {
	clauses := []string{"(creator_id=? OR EXISTS (SELECT 1 FROM task_stakeholders ts WHERE ts.task_id=tasks.id AND ts.user_id=?))"}
	args := []any{userID, userID}
	return s.listTasks(ctx, clauses, args, f)
}

func (s Store) listTasks(ctx context.Context, clauses []string, args []any, f TaskFilters) ([]domain.TaskInstance, error) {
	if f.ProcessID != "" {
		clauses = append(clauses, "process_id=?")
		args = append(args, f.ProcessID)
	}
	if f.StateID != "" {
		clauses = append(clauses, "current_state_id=?")
		args = append(args, f.StateID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT id,title,process_id,current_state_id,creator_id,created_at,updated_at FROM tasks WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskInstance
	for rows.Next() {
		var t domain.TaskInstance
		if err := rows.Scan(&t.ID, &t.Title, &t.ProcessID, &t.CurrentStateID, &t.CreatorID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Fields, err = s.taskFields(ctx, res[i].ID); err != nil {
			return nil, err
		}
		if res[i].Stakeholders, err = s.taskStakeholders(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// CompareAndSwapState moves the task from fromStateID to toStateID. The WHERE
// clause on the expected state is the optimistic check: zero rows affected
// means another writer got there first and ErrStaleState is returned.
func (s Store) CompareAndSwapState(ctx context.Context, tx *sql.Tx, taskID, fromStateID, toStateID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET current_state_id=?, updated_at=? WHERE id=? AND current_state_id=?`,
		toStateID, updatedAt, taskID, fromStateID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleState
	}
	return nil
}
