package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"flowdesk/internal/activity"
	"flowdesk/internal/blob"
	"flowdesk/internal/directory"
	"flowdesk/internal/domain"
	"flowdesk/internal/registry"
	"flowdesk/internal/store"
)

// Engine drives the task lifecycle: creation, action availability and
// action application. All writes go through one transaction per operation.
type Engine struct {
	DB        *sql.DB
	Registry  registry.Registry
	Store     store.Store
	Log       activity.Log
	Directory directory.Directory
	Blob      *blob.Store
	Now       func() time.Time
}

func New(db *sql.DB, blobStore *blob.Store) Engine {
	return Engine{
		DB:        db,
		Registry:  registry.Registry{DB: db},
		Store:     store.Store{DB: db},
		Log:       activity.Log{DB: db},
		Directory: directory.Directory{DB: db},
		Blob:      blobStore,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) lookups() fieldLookups {
	return fieldLookups{
		userExists: e.Directory.Exists,
		attachmentExists: func(ref string) (bool, error) {
			if e.Blob == nil {
				return false, errors.New("attachment store not configured")
			}
			return e.Blob.Exists(ref)
		},
	}
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID        string
	ProcessID string
	Title     string
	Fields    []domain.FieldValue
	ActorID   string
}

// CreateTask validates the submission exhaustively, places the task in the
// start state and writes the synthetic create log entry in the same
// transaction as the task row.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.TaskInstance, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.TaskInstance{}, &ValidationError{Violations: []FieldViolation{{FieldID: "title", Message: "required"}}}
	}
	def, err := e.Registry.Get(ctx, opts.ProcessID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if err := validateFields(ctx, def.Fields, opts.Fields, e.lookups()); err != nil {
		return domain.TaskInstance{}, err
	}
	graph, err := domain.NewGraph(def)
	if err != nil {
		return domain.TaskInstance{}, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.TaskInstance{
		ID:             id,
		Title:          opts.Title,
		ProcessID:      def.ID,
		CurrentStateID: graph.StartState().ID,
		CreatorID:      opts.ActorID,
		Stakeholders:   resolveStakeholders(def, opts.ActorID, opts.Fields),
		Fields:         opts.Fields,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	defer tx.Rollback()

	if err := e.Store.InsertTask(ctx, tx, t); err != nil {
		return domain.TaskInstance{}, err
	}
	if _, err := e.Log.Append(ctx, tx, t.ID, opts.ActorID, nil, "", "", ""); err != nil {
		return domain.TaskInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskInstance{}, err
	}
	return t, nil
}

// GetTask returns the task when the actor is one of its stakeholders.
func (e Engine) GetTask(ctx context.Context, taskID, actorID string) (domain.TaskInstance, error) {
	t, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if !t.IsStakeholder(actorID) {
		return domain.TaskInstance{}, &UnauthorizedError{UserID: actorID, TaskID: taskID}
	}
	return t, nil
}

// AvailableActions lists the actions the actor may apply from the task's
// current state. Non-stakeholders get an empty list, not an error; the set
// of actions an actor may take simply contains nothing for an outsider.
// Terminal states yield an empty list as well.
func (e Engine) AvailableActions(ctx context.Context, taskID, actorID string) ([]domain.Action, error) {
	t, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.IsStakeholder(actorID) {
		return []domain.Action{}, nil
	}
	def, err := e.Registry.Get(ctx, t.ProcessID)
	if err != nil {
		return nil, err
	}
	graph, err := domain.NewGraph(def)
	if err != nil {
		return nil, err
	}
	return graph.AvailableActions(t.CurrentStateID), nil
}

// History returns the task's activity log in append order.
func (e Engine) History(ctx context.Context, taskID, actorID string) ([]domain.ActivityLogEntry, error) {
	if _, err := e.GetTask(ctx, taskID, actorID); err != nil {
		return nil, err
	}
	return e.Log.ListByTask(ctx, taskID)
}

// ApplyOptions are parameters for applying an action.
type ApplyOptions struct {
	TaskID         string
	ActionID       string
	ActorID        string
	Comment        string
	AttachmentRef  string
	IdempotencyKey string
}

// ApplyAction moves the task along the transition bound to the action. The
// state swap is a compare-and-swap on the expected current state, committed
// together with the log entry; a lost race returns ConcurrencyConflictError
// without any partial write.
func (e Engine) ApplyAction(ctx context.Context, opts ApplyOptions) (domain.TaskInstance, error) {
	if opts.IdempotencyKey != "" {
		entry, err := e.Log.GetByKey(ctx, opts.IdempotencyKey)
		if err == nil {
			return e.replayedTask(ctx, entry, opts)
		}
		if !errors.Is(err, activity.ErrNotFound) {
			return domain.TaskInstance{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	defer tx.Rollback()

	// The task is read inside the transaction so the routing check and the
	// state swap below see one snapshot.
	t, err := e.Store.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if !t.IsStakeholder(opts.ActorID) {
		return domain.TaskInstance{}, &UnauthorizedError{UserID: opts.ActorID, TaskID: opts.TaskID}
	}
	def, err := e.Registry.Get(ctx, t.ProcessID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	graph, err := domain.NewGraph(def)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	route, ok := graph.Route(t.CurrentStateID, opts.ActionID)
	if !ok {
		return domain.TaskInstance{}, &InvalidTransitionError{TaskID: t.ID, StateID: t.CurrentStateID, ActionID: opts.ActionID}
	}
	if opts.AttachmentRef != "" {
		exists, err := e.lookups().attachmentExists(opts.AttachmentRef)
		if err != nil {
			return domain.TaskInstance{}, &UpstreamError{Op: "check attachment " + opts.AttachmentRef, Err: err}
		}
		if !exists {
			return domain.TaskInstance{}, &ValidationError{Violations: []FieldViolation{{FieldID: "attachment", Message: "attachment " + opts.AttachmentRef + " not found"}}}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Store.CompareAndSwapState(ctx, tx, t.ID, t.CurrentStateID, route.ToStateID, now); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return domain.TaskInstance{}, &ConcurrencyConflictError{TaskID: t.ID, ActionID: opts.ActionID}
		}
		return domain.TaskInstance{}, err
	}
	actionID := opts.ActionID
	if _, err := e.Log.Append(ctx, tx, t.ID, opts.ActorID, &actionID, opts.Comment, opts.AttachmentRef, opts.IdempotencyKey); err != nil {
		if opts.IdempotencyKey != "" && isUniqueViolation(err) {
			tx.Rollback()
			entry, gerr := e.Log.GetByKey(ctx, opts.IdempotencyKey)
			if gerr == nil {
				return e.replayedTask(ctx, entry, opts)
			}
		}
		return domain.TaskInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskInstance{}, err
	}

	t.CurrentStateID = route.ToStateID
	t.UpdatedAt = now
	return t, nil
}

// replayedTask resolves a repeated idempotency key: same task and action get
// the current task back, anything else is a key reuse error.
func (e Engine) replayedTask(ctx context.Context, entry domain.ActivityLogEntry, opts ApplyOptions) (domain.TaskInstance, error) {
	if entry.TaskID != opts.TaskID || entry.ActionID == nil || *entry.ActionID != opts.ActionID {
		return domain.TaskInstance{}, &ValidationError{Violations: []FieldViolation{{FieldID: "idempotency_key", Message: "key already used by a different request"}}}
	}
	return e.GetTask(ctx, opts.TaskID, opts.ActorID)
}

// ListSent returns tasks the actor created.
func (e Engine) ListSent(ctx context.Context, actorID string, f store.TaskFilters) ([]domain.TaskInstance, error) {
	return e.Store.ListSent(ctx, actorID, f)
}

// ListReceived returns tasks the actor received as stakeholder.
func (e Engine) ListReceived(ctx context.Context, actorID string, f store.TaskFilters) ([]domain.TaskInstance, error) {
	return e.Store.ListReceived(ctx, actorID, f)
}

// ListVisible returns every task the actor may see, created or received.
func (e Engine) ListVisible(ctx context.Context, actorID string, f store.TaskFilters) ([]domain.TaskInstance, error) {
	return e.Store.ListVisible(ctx, actorID, f)
}

// isUniqueViolation matches the driver's typed constraint codes; the replay
// branch of ApplyAction must not fire on any other write failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
