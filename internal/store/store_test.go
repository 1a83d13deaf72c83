package store_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/migrate"
	"flowdesk/internal/store"
)

func newTestStore(t *testing.T) (store.Store, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	if _, err := conn.ExecContext(ctx, `INSERT INTO processes(id,name,description,version,created_at) VALUES ('proc-1','flow','',1,'2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed process: %v", err)
	}
	return store.Store{DB: conn}, ctx
}

func insertTask(t *testing.T, s store.Store, ctx context.Context, task domain.TaskInstance) {
	t.Helper()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := s.InsertTask(ctx, tx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func sampleTask(id, creator, createdAt string) domain.TaskInstance {
	return domain.TaskInstance{
		ID:             id,
		Title:          "task " + id,
		ProcessID:      "proc-1",
		CurrentStateID: "draft",
		CreatorID:      creator,
		Stakeholders:   []string{creator, "bob"},
		Fields:         []domain.FieldValue{{FieldID: "reason", Value: "because"}},
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func TestInsertAndGetTask(t *testing.T) {
	s, ctx := newTestStore(t)
	insertTask(t, s, ctx, sampleTask("t1", "alice", "2024-01-01T10:00:00Z"))

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "task t1" || got.CurrentStateID != "draft" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Fields) != 1 || got.Fields[0].Value != "because" {
		t.Fatalf("fields lost: %+v", got.Fields)
	}
	if len(got.Stakeholders) != 2 {
		t.Fatalf("stakeholders lost: %+v", got.Stakeholders)
	}
	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCompareAndSwapState(t *testing.T) {
	s, ctx := newTestStore(t)
	insertTask(t, s, ctx, sampleTask("t1", "alice", "2024-01-01T10:00:00Z"))

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.CompareAndSwapState(ctx, tx, "t1", "draft", "pending", "2024-01-01T11:00:00Z"); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// The expected state is stale now.
	tx, err = s.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := s.CompareAndSwapState(ctx, tx, "t1", "draft", "pending", "2024-01-01T12:00:00Z"); !errors.Is(err, store.ErrStaleState) {
		t.Fatalf("err = %v, want ErrStaleState", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil || got.CurrentStateID != "pending" || got.UpdatedAt != "2024-01-01T11:00:00Z" {
		t.Fatalf("task after stale cas = %+v, err %v", got, err)
	}
}

func TestGetTaskTxReadsFullInstance(t *testing.T) {
	s, ctx := newTestStore(t)
	insertTask(t, s, ctx, sampleTask("t1", "alice", "2024-01-01T10:00:00Z"))

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	got, err := s.GetTaskTx(ctx, tx, "t1")
	if err != nil {
		t.Fatalf("get in tx: %v", err)
	}
	if got.CurrentStateID != "draft" || got.CreatorID != "alice" {
		t.Fatalf("task = %+v", got)
	}
	if len(got.Fields) != 1 || got.Fields[0].Value != "because" {
		t.Fatalf("fields = %+v, want the stored field value", got.Fields)
	}
	if len(got.Stakeholders) != 2 {
		t.Fatalf("stakeholders = %+v, want alice and bob", got.Stakeholders)
	}
	// The swap in the same transaction proceeds against the state just read.
	if err := s.CompareAndSwapState(ctx, tx, "t1", got.CurrentStateID, "pending", "2024-01-01T11:00:00Z"); err != nil {
		t.Fatalf("cas after tx read: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := s.GetTaskTx(ctx, mustBegin(t, s), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func mustBegin(t *testing.T, s store.Store) *sql.Tx {
	t.Helper()
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	t.Cleanup(func() { tx.Rollback() })
	return tx
}

func TestListSentReceivedAndCursor(t *testing.T) {
	s, ctx := newTestStore(t)
	for i := 1; i <= 5; i++ {
		ts := fmt.Sprintf("2024-01-01T10:0%d:00Z", i)
		insertTask(t, s, ctx, sampleTask(fmt.Sprintf("t%d", i), "alice", ts))
	}

	sent, err := s.ListSent(ctx, "alice", store.TaskFilters{Limit: 2})
	if err != nil {
		t.Fatalf("list sent: %v", err)
	}
	if len(sent) != 2 || sent[0].ID != "t5" || sent[1].ID != "t4" {
		t.Fatalf("first page = %+v, want t5 then t4", sent)
	}

	next, err := s.ListSent(ctx, "alice", store.TaskFilters{
		Limit:           2,
		CursorCreatedAt: sent[1].CreatedAt,
		CursorID:        sent[1].ID,
	})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(next) != 2 || next[0].ID != "t3" || next[1].ID != "t2" {
		t.Fatalf("second page = %+v, want t3 then t2", next)
	}

	received, err := s.ListReceived(ctx, "bob", store.TaskFilters{})
	if err != nil || len(received) != 5 {
		t.Fatalf("bob received = %d, err %v, want 5", len(received), err)
	}
	received, err = s.ListReceived(ctx, "alice", store.TaskFilters{})
	if err != nil || len(received) != 0 {
		t.Fatalf("creator received own tasks: %+v, err %v", received, err)
	}

	visible, err := s.ListVisible(ctx, "bob", store.TaskFilters{StateID: "draft"})
	if err != nil || len(visible) != 5 {
		t.Fatalf("visible = %d, err %v", len(visible), err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	s, ctx := newTestStore(t)
	if _, err := s.DB.ExecContext(ctx, `INSERT INTO users(id,username,display_name,created_at) VALUES ('alice','alice','','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	key := domain.APIKey{ID: "k1", UserID: "alice", Name: "ci", KeyHash: store.HashAPIKey("secret-token")}
	if err := s.InsertAPIKey(ctx, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	got, err := s.GetAPIKeyByHash(ctx, store.HashAPIKey("  secret-token  "))
	if err != nil || got.UserID != "alice" {
		t.Fatalf("lookup = %+v, err %v; hash must ignore surrounding space", got, err)
	}
	if _, err := s.GetAPIKeyByHash(ctx, store.HashAPIKey("wrong")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteAPIKey(ctx, "k1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("double delete err = %v, want ErrNotFound", err)
	}
}
