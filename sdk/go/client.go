package flowdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Flowdesk HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// FieldValue is a submitted field value.
type FieldValue struct {
	FieldID string `json:"field_id"`
	Value   string `json:"value"`
}

// Task represents the API task model.
type Task struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	ProcessID      string       `json:"process_id"`
	CurrentStateID string       `json:"current_state_id"`
	CreatorID      string       `json:"creator_id"`
	Stakeholders   []string     `json:"stakeholders"`
	Fields         []FieldValue `json:"fields"`
	CreatedAt      string       `json:"created_at"`
	UpdatedAt      string       `json:"updated_at"`
}

// Action is an action available on a task.
type Action struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ActivityEntry is one activity log record.
type ActivityEntry struct {
	ID            int64   `json:"id"`
	TaskID        string  `json:"task_id"`
	ActorID       string  `json:"actor_id"`
	ActionID      *string `json:"action_id,omitempty"`
	Comment       string  `json:"comment,omitempty"`
	AttachmentRef string  `json:"attachment_ref,omitempty"`
	TS            string  `json:"ts"`
}

// TaskDetail is a task with its available actions and history.
type TaskDetail struct {
	Task
	AvailableActions []Action        `json:"available_actions"`
	History          []ActivityEntry `json:"history"`
}

// ProcessSummary is the list form of a process definition.
type ProcessSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     int    `json:"version"`
	CreatedAt   string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task listings with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedProcesses wraps process listings with cursors.
type PaginatedProcesses struct {
	Items      []ProcessSummary `json:"items"`
	NextCursor string           `json:"next_cursor"`
}

// CreateTask creates a task from a process definition.
func (c *Client) CreateTask(ctx context.Context, processID, title string, fields []FieldValue) (Task, error) {
	body := map[string]any{
		"process_id": processID,
		"title":      title,
		"fields":     fields,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task with history and available actions.
func (c *Client) GetTask(ctx context.Context, id string) (TaskDetail, error) {
	var resp TaskDetail
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ApplyAction applies an action to a task.
func (c *Client) ApplyAction(ctx context.Context, taskID, actionID, comment, idempotencyKey string) (Task, error) {
	body := map[string]any{
		"action_id":       actionID,
		"comment":         comment,
		"idempotency_key": idempotencyKey,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/actions", body, &resp)
	return resp, err
}

// AvailableActions lists the actions applicable from the task's current state.
func (c *Client) AvailableActions(ctx context.Context, taskID string) ([]Action, error) {
	var resp []Action
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID)+"/actions", nil, &resp)
	return resp, err
}

// Sent returns a page of tasks the caller created.
func (c *Client) Sent(ctx context.Context, limit int, cursor string) (PaginatedTasks, error) {
	return c.taskPage(ctx, "v0/tasks/sent", limit, cursor)
}

// Received returns a page of tasks the caller received.
func (c *Client) Received(ctx context.Context, limit int, cursor string) (PaginatedTasks, error) {
	return c.taskPage(ctx, "v0/tasks/received", limit, cursor)
}

func (c *Client) taskPage(ctx context.Context, endpoint string, limit int, cursor string) (PaginatedTasks, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Processes returns a page of process definitions.
func (c *Client) Processes(ctx context.Context, search string, limit int, cursor string) (PaginatedProcesses, error) {
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/processes"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedProcesses
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
