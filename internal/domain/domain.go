package domain

// FieldType enumerates the input kinds a process field can declare.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldDate     FieldType = "date"
	FieldSelect   FieldType = "select"
	FieldCheckbox FieldType = "checkbox"
	FieldFile     FieldType = "file"
	FieldAssignee FieldType = "assignee"
)

// KnownFieldType reports whether t is one of the supported field types.
func KnownFieldType(t FieldType) bool {
	switch t {
	case FieldText, FieldNumber, FieldDate, FieldSelect, FieldCheckbox, FieldFile, FieldAssignee:
		return true
	}
	return false
}

// StateCategory places a state in the task lifecycle.
type StateCategory string

const (
	StateStart        StateCategory = "start"
	StateIntermediate StateCategory = "intermediate"
	StateTerminal     StateCategory = "terminal"
)

// KnownStateCategory reports whether c is a valid category.
func KnownStateCategory(c StateCategory) bool {
	switch c {
	case StateStart, StateIntermediate, StateTerminal:
		return true
	}
	return false
}

// FieldSchema is one configurable input slot of a process.
// Options is only meaningful for select fields.
type FieldSchema struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
	Order    int       `json:"order" yaml:"order"`
	Options  []string  `json:"options,omitempty" yaml:"options,omitempty"`
}

type State struct {
	ID       string        `json:"id" yaml:"id"`
	Name     string        `json:"name" yaml:"name"`
	Category StateCategory `json:"category" yaml:"category" enum:"start,intermediate,terminal"`
}

// Action is a named operation an actor invokes. Kind is a display tag
// (approve/reject/complete); control flow never depends on it.
type Action struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        string `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// Transition is a directed edge in the process state graph.
type Transition struct {
	ID          string `json:"id" yaml:"id"`
	FromStateID string `json:"from_state_id" yaml:"from_state"`
	ToStateID   string `json:"to_state_id" yaml:"to_state"`
}

// ActionTransition binds an action to the transition it fires. At most one
// binding may exist per (transition.FromStateID, ActionID) pair.
type ActionTransition struct {
	ActionID     string `json:"action_id" yaml:"action"`
	TransitionID string `json:"transition_id" yaml:"transition"`
}

// ProcessDefinition is an immutable workflow template. New requirements are
// registered as a new version, never edited in place.
type ProcessDefinition struct {
	ID                string             `json:"id" yaml:"id"`
	Name              string             `json:"name" yaml:"name"`
	Description       string             `json:"description,omitempty" yaml:"description,omitempty"`
	Version           int                `json:"version" yaml:"version"`
	Fields            []FieldSchema      `json:"fields" yaml:"fields"`
	States            []State            `json:"states" yaml:"states"`
	Actions           []Action           `json:"actions" yaml:"actions"`
	Transitions       []Transition       `json:"transitions" yaml:"transitions"`
	ActionTransitions []ActionTransition `json:"action_transitions" yaml:"action_transitions"`
	Stakeholders      []string           `json:"stakeholders,omitempty" yaml:"stakeholders,omitempty"`
	CreatedAt         string             `json:"created_at" format:"date-time" yaml:"-"`
}

// ProcessSummary is the listing shape of a definition.
type ProcessSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     int    `json:"version"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

func (p ProcessDefinition) Summary() ProcessSummary {
	return ProcessSummary{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Version:     p.Version,
		CreatedAt:   p.CreatedAt,
	}
}

// FieldValue is one stored task input. Values travel as strings; typed
// interpretation happens during validation only.
type FieldValue struct {
	FieldID string `json:"field_id"`
	Value   string `json:"value"`
}

// TaskInstance is a unit of work bound to a process definition. CurrentStateID
// is only ever written through the engine's ApplyAction.
type TaskInstance struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	ProcessID      string       `json:"process_id"`
	CurrentStateID string       `json:"current_state_id"`
	CreatorID      string       `json:"creator_id"`
	Stakeholders   []string     `json:"stakeholders"`
	Fields         []FieldValue `json:"fields"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
	UpdatedAt      string       `json:"updated_at" format:"date-time"`
}

// IsStakeholder reports whether userID may view and act on the task.
func (t TaskInstance) IsStakeholder(userID string) bool {
	for _, s := range t.Stakeholders {
		if s == userID {
			return true
		}
	}
	return false
}

// ActivityLogEntry is one row of a task's append-only history. ActionID is
// nil for the synthetic create entry.
type ActivityLogEntry struct {
	ID            int64   `json:"id"`
	TaskID        string  `json:"task_id"`
	ActorID       string  `json:"actor_id"`
	ActionID      *string `json:"action_id,omitempty"`
	Comment       string  `json:"comment,omitempty"`
	AttachmentRef string  `json:"attachment_ref,omitempty"`
	TS            string  `json:"ts" format:"date-time"`
}

// User is a directory entry; the engine never owns credential material.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
