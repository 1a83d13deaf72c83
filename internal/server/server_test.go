package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"flowdesk/internal/blob"
	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/migrate"
	"flowdesk/internal/server"
	"flowdesk/internal/store"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, blob.NewStore(filepath.Join(workspace, "attachments"), nil))
	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: server.AuthConfig{
			JWTSecret:              "test-secret",
			AllowDevLogin:          true,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func registerTestProcess(t *testing.T, s *testServer) string {
	t.Helper()
	body := map[string]any{
		"name": "purchase-approval",
		"fields": []map[string]any{
			{"id": "amount", "name": "Amount", "type": "number", "required": true},
		},
		"states": []map[string]any{
			{"id": "draft", "name": "Draft", "category": "start"},
			{"id": "review", "name": "Review", "category": "intermediate"},
			{"id": "done", "name": "Done", "category": "terminal"},
		},
		"actions": []map[string]any{
			{"id": "submit", "name": "Submit"},
			{"id": "approve", "name": "Approve"},
		},
		"transitions": []map[string]any{
			{"id": "t1", "from_state_id": "draft", "to_state_id": "review"},
			{"id": "t2", "from_state_id": "review", "to_state_id": "done"},
		},
		"action_transitions": []map[string]any{
			{"action_id": "submit", "transition_id": "t1"},
			{"action_id": "approve", "transition_id": "t2"},
		},
		"stakeholders": []string{"reviewer"},
	}
	res, data := s.do(t, http.MethodPost, "/v0/processes", body, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register process status = %d body = %s", res.StatusCode, data)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.ID == "" {
		t.Fatalf("register response %s: %v", data, err)
	}
	return out.ID
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodGet, "/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d body = %s", res.StatusCode, data)
	}
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodGet, "/v0/tasks/sent", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d body = %s, want 401", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code == "" {
		t.Fatalf("error envelope missing in %s: %v", data, err)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	procID := registerTestProcess(t, s)

	res, data := s.do(t, http.MethodPost, "/v0/tasks", map[string]any{
		"process_id": procID,
		"title":      "New laptop",
		"fields":     []map[string]string{{"field_id": "amount", "value": "1200"}},
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status = %d body = %s", res.StatusCode, data)
	}
	var task struct {
		ID             string `json:"id"`
		CurrentStateID string `json:"current_state_id"`
	}
	if err := json.Unmarshal(data, &task); err != nil || task.CurrentStateID != "draft" {
		t.Fatalf("task = %s err %v", data, err)
	}

	res, data = s.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/actions", map[string]any{
		"action_id": "submit",
		"comment":   "need it",
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply status = %d body = %s", res.StatusCode, data)
	}

	res, data = s.do(t, http.MethodGet, "/v0/tasks/"+task.ID, nil, asActor("reviewer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get detail status = %d body = %s", res.StatusCode, data)
	}
	var detail struct {
		CurrentStateID   string `json:"current_state_id"`
		AvailableActions []struct {
			ID string `json:"id"`
		} `json:"available_actions"`
		History []struct {
			ActionID *string `json:"action_id"`
			Comment  string  `json:"comment"`
		} `json:"history"`
	}
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("detail %s: %v", data, err)
	}
	if detail.CurrentStateID != "review" {
		t.Fatalf("state = %s, want review", detail.CurrentStateID)
	}
	if len(detail.AvailableActions) != 1 || detail.AvailableActions[0].ID != "approve" {
		t.Fatalf("available actions = %+v", detail.AvailableActions)
	}
	if len(detail.History) != 2 || detail.History[0].ActionID != nil || detail.History[1].Comment != "need it" {
		t.Fatalf("history = %+v", detail.History)
	}

	// Sent for creator, received for the allow-listed reviewer.
	res, data = s.do(t, http.MethodGet, "/v0/tasks/sent", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sent status = %d body = %s", res.StatusCode, data)
	}
	var page struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil || len(page.Items) != 1 || page.Items[0].ID != task.ID {
		t.Fatalf("sent page = %s err %v", data, err)
	}
	res, data = s.do(t, http.MethodGet, "/v0/tasks/received", nil, asActor("reviewer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("received status = %d body = %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &page); err != nil || len(page.Items) != 1 {
		t.Fatalf("received page = %s err %v", data, err)
	}
}

func TestForbiddenForNonStakeholder(t *testing.T) {
	s := newTestServer(t)
	procID := registerTestProcess(t, s)
	res, data := s.do(t, http.MethodPost, "/v0/tasks", map[string]any{
		"process_id": procID,
		"title":      "Private",
		"fields":     []map[string]string{{"field_id": "amount", "value": "10"}},
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", res.StatusCode, data)
	}
	var task struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("task %s: %v", data, err)
	}
	res, data = s.do(t, http.MethodGet, "/v0/tasks/"+task.ID, nil, asActor("stranger"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d body = %s, want 403", res.StatusCode, data)
	}
}

func TestInvalidTransitionConflict(t *testing.T) {
	s := newTestServer(t)
	procID := registerTestProcess(t, s)
	res, data := s.do(t, http.MethodPost, "/v0/tasks", map[string]any{
		"process_id": procID,
		"title":      "Order",
		"fields":     []map[string]string{{"field_id": "amount", "value": "5"}},
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", res.StatusCode, data)
	}
	var task struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("task %s: %v", data, err)
	}
	// approve is not routable from draft.
	res, data = s.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/actions", map[string]any{
		"action_id": "approve",
	}, asActor("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d body = %s, want 409", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "invalid_transition" {
		t.Fatalf("error = %s, want invalid_transition code", data)
	}
}

func TestInvalidDefinitionRejected(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodPost, "/v0/processes", map[string]any{
		"name": "broken",
		"states": []map[string]any{
			{"id": "a", "name": "A", "category": "intermediate"},
		},
	}, asActor("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body = %s, want 422", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Issues []string `json:"issues"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "invalid_definition" || len(envelope.Error.Details.Issues) == 0 {
		t.Fatalf("error = %s, want invalid_definition with issues", data)
	}
}

func TestDevLoginAndBearerAuth(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodPost, "/v0/auth/dev/login", map[string]string{"user_id": "alice"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status = %d body = %s", res.StatusCode, data)
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("login = %s err %v", data, err)
	}

	res, data = s.do(t, http.MethodGet, "/v0/tasks/sent", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer sent status = %d body = %s", res.StatusCode, data)
	}

	res, data = s.do(t, http.MethodGet, "/v0/tasks/sent", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d body = %s, want 401", res.StatusCode, data)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	if _, err := s.Engine.Directory.Create(ctx, domain.User{ID: "alice", Username: "alice"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.Engine.Store.InsertAPIKey(ctx, domain.APIKey{
		ID:      "k1",
		UserID:  "alice",
		Name:    "test",
		KeyHash: store.HashAPIKey("fdk_testkey"),
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	res, data := s.do(t, http.MethodGet, "/v0/tasks/sent", nil, map[string]string{"X-Api-Key": "fdk_testkey"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status = %d body = %s", res.StatusCode, data)
	}
	res, data = s.do(t, http.MethodGet, "/v0/tasks/sent", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key status = %d body = %s, want 401", res.StatusCode, data)
	}
}

func TestAttachmentUploadDownload(t *testing.T) {
	s := newTestServer(t)
	req, err := http.NewRequest(http.MethodPost, s.URL+"/v0/attachments?filename=receipt.pdf", bytes.NewReader([]byte("pdf bytes")))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Actor-Id", "alice")
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d body = %s", res.StatusCode, data)
	}
	var out struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Ref == "" {
		t.Fatalf("upload response %s: %v", data, err)
	}

	res2, body := s.do(t, http.MethodGet, "/v0/attachments/"+out.Ref, nil, asActor("alice"))
	if res2.StatusCode != http.StatusOK || string(body) != "pdf bytes" {
		t.Fatalf("download status = %d body = %q", res2.StatusCode, body)
	}
}
