package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/engine"
	"flowdesk/internal/migrate"
)

func TestWebhookDispatcherStopsOnCancel(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	d := &webhookDispatcher{
		engine:   engine.New(conn, nil),
		webhooks: []config.Webhook{{URL: "http://127.0.0.1:0/hook"}},
		client:   &http.Client{Timeout: time.Second},
		logger:   zap.NewNop(),
		cursors:  make(map[int]int64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher kept running after cancellation")
	}
}

func TestActionFilter(t *testing.T) {
	all := newActionFilter(nil)
	if !all.match("approve") || !all.match(eventCreated) {
		t.Fatalf("empty filter must match everything")
	}
	// Blank entries are ignored; a list of only blanks matches everything.
	blank := newActionFilter([]string{" ", ""})
	if !blank.match("approve") {
		t.Fatalf("blank-only filter must match everything")
	}
	narrow := newActionFilter([]string{"approve"})
	if !narrow.match("approve") || narrow.match("reject") || narrow.match(eventCreated) {
		t.Fatalf("narrow filter mismatch")
	}
}
