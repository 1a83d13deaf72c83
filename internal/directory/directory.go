package directory

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowdesk/internal/domain"
)

// Directory is the local user table. Identity lives upstream; this is the
// lookup surface assignee validation and stakeholder checks consult.
type Directory struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

// Create inserts a user. An empty id gets a fresh uuid.
func (d Directory) Create(ctx context.Context, u domain.User) (domain.User, error) {
	if strings.TrimSpace(u.Username) == "" {
		return domain.User{}, errors.New("username required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt == "" {
		if d.Now == nil {
			d.Now = time.Now
		}
		u.CreatedAt = d.Now().UTC().Format(time.RFC3339)
	}
	_, err := d.DB.ExecContext(ctx, `INSERT INTO users(id,username,display_name,created_at) VALUES (?,?,?,?)`,
		u.ID, u.Username, u.DisplayName, u.CreatedAt)
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// Ensure inserts the user if missing. Used by the legacy actor header path
// so local development does not require pre-provisioning.
func (d Directory) Ensure(ctx context.Context, id string) error {
	if d.Now == nil {
		d.Now = time.Now
	}
	now := d.Now().UTC().Format(time.RFC3339)
	_, err := d.DB.ExecContext(ctx, `INSERT OR IGNORE INTO users(id,username,display_name,created_at) VALUES (?,?,?,?)`,
		id, id, "", now)
	return err
}

func (d Directory) Get(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := d.DB.QueryRowContext(ctx, `SELECT id,username,display_name,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (d Directory) GetByUsername(ctx context.Context, username string) (domain.User, error) {
	var u domain.User
	err := d.DB.QueryRowContext(ctx, `SELECT id,username,display_name,created_at FROM users WHERE username=?`, username).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// Exists reports whether a user id is present.
func (d Directory) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id=?`, id).Scan(&n)
	return n > 0, err
}

func (d Directory) List(ctx context.Context) ([]domain.User, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT id,username,display_name,created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
