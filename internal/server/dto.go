package server

import (
	"flowdesk/internal/domain"
)

// Request payloads

type FieldValueRequest struct {
	FieldID string `json:"field_id"`
	Value   string `json:"value"`
}

type CreateTaskRequest struct {
	ID        *string             `json:"id,omitempty"`
	ProcessID string              `json:"process_id"`
	Title     string              `json:"title"`
	Fields    []FieldValueRequest `json:"fields,omitempty"`
}

type ApplyActionRequest struct {
	ActionID       string `json:"action_id"`
	Comment        string `json:"comment,omitempty"`
	AttachmentRef  string `json:"attachment_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type RegisterProcessRequest struct {
	Name              string                    `json:"name"`
	Description       string                    `json:"description,omitempty"`
	Fields            []domain.FieldSchema      `json:"fields,omitempty"`
	States            []domain.State            `json:"states"`
	Actions           []domain.Action           `json:"actions,omitempty"`
	Transitions       []domain.Transition       `json:"transitions,omitempty"`
	ActionTransitions []domain.ActionTransition `json:"action_transitions,omitempty"`
	Stakeholders      []string                  `json:"stakeholders,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type TaskResponse struct {
	ID             string              `json:"id"`
	Title          string              `json:"title"`
	ProcessID      string              `json:"process_id"`
	CurrentStateID string              `json:"current_state_id"`
	CreatorID      string              `json:"creator_id"`
	Stakeholders   []string            `json:"stakeholders"`
	Fields         []domain.FieldValue `json:"fields"`
	CreatedAt      string              `json:"created_at" format:"date-time"`
	UpdatedAt      string              `json:"updated_at" format:"date-time"`
}

type TaskDetailResponse struct {
	TaskResponse
	AvailableActions []domain.Action         `json:"available_actions"`
	History          []ActivityEntryResponse `json:"history"`
}

type ActivityEntryResponse struct {
	ID            int64   `json:"id"`
	TaskID        string  `json:"task_id"`
	ActorID       string  `json:"actor_id"`
	ActionID      *string `json:"action_id,omitempty"`
	Comment       string  `json:"comment,omitempty"`
	AttachmentRef string  `json:"attachment_ref,omitempty"`
	TS            string  `json:"ts" format:"date-time"`
}

type UserResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type AttachmentResponse struct {
	Ref string `json:"ref"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedProcesses struct {
	Items      []domain.ProcessSummary `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

func taskResponse(t domain.TaskInstance) TaskResponse {
	if t.Stakeholders == nil {
		t.Stakeholders = []string{}
	}
	if t.Fields == nil {
		t.Fields = []domain.FieldValue{}
	}
	return TaskResponse{
		ID:             t.ID,
		Title:          t.Title,
		ProcessID:      t.ProcessID,
		CurrentStateID: t.CurrentStateID,
		CreatorID:      t.CreatorID,
		Stakeholders:   t.Stakeholders,
		Fields:         t.Fields,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func mapTasks(ts []domain.TaskInstance) []TaskResponse {
	out := make([]TaskResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, taskResponse(t))
	}
	return out
}

func entryResponse(e domain.ActivityLogEntry) ActivityEntryResponse {
	return ActivityEntryResponse{
		ID:            e.ID,
		TaskID:        e.TaskID,
		ActorID:       e.ActorID,
		ActionID:      e.ActionID,
		Comment:       e.Comment,
		AttachmentRef: e.AttachmentRef,
		TS:            e.TS,
	}
}

func mapEntries(es []domain.ActivityLogEntry) []ActivityEntryResponse {
	out := make([]ActivityEntryResponse, 0, len(es))
	for _, e := range es {
		out = append(out, entryResponse(e))
	}
	return out
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
	}
}

func processFromRequest(req RegisterProcessRequest) domain.ProcessDefinition {
	return domain.ProcessDefinition{
		Name:              req.Name,
		Description:       req.Description,
		Fields:            req.Fields,
		States:            req.States,
		Actions:           req.Actions,
		Transitions:       req.Transitions,
		ActionTransitions: req.ActionTransitions,
		Stakeholders:      req.Stakeholders,
	}
}
