package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"flowdesk/internal/domain"
)

// Registry persists process definitions. Definitions are immutable: a second
// registration under an existing name allocates the next version.
type Registry struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

// SchemaError reports every structural problem found in a definition.
type SchemaError struct {
	Issues []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid process definition: %s", strings.Join(e.Issues, "; "))
}

// FromYAML parses a definition file. Validation happens at registration.
func FromYAML(data []byte) (domain.ProcessDefinition, error) {
	var def domain.ProcessDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("invalid process yaml: %w", err)
	}
	return def, nil
}

// Validate runs the full structural check and returns a SchemaError listing
// every violation, or nil when the definition is sound.
func Validate(def domain.ProcessDefinition) *SchemaError {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(def.Name) == "" {
		add("name is required")
	}

	fieldIDs := map[string]bool{}
	fieldNames := map[string]bool{}
	for _, f := range def.Fields {
		if f.ID == "" {
			add("field %q has empty id", f.Name)
		} else if fieldIDs[f.ID] {
			add("duplicate field id %q", f.ID)
		}
		fieldIDs[f.ID] = true
		if strings.TrimSpace(f.Name) == "" {
			add("field %q has empty name", f.ID)
		} else if fieldNames[f.Name] {
			add("duplicate field name %q", f.Name)
		}
		fieldNames[f.Name] = true
		if !domain.KnownFieldType(f.Type) {
			add("field %q has unknown type %q", f.ID, f.Type)
		}
		if f.Type == domain.FieldSelect {
			if len(f.Options) == 0 {
				add("select field %q has no options", f.ID)
			}
			seen := map[string]bool{}
			for _, o := range f.Options {
				if strings.TrimSpace(o) == "" {
					add("select field %q has an empty option", f.ID)
				}
				if strings.Contains(o, "\n") {
					add("select field %q has a multi-line option", f.ID)
				}
				if seen[o] {
					add("select field %q has duplicate option %q", f.ID, o)
				}
				seen[o] = true
			}
		} else if len(f.Options) > 0 {
			add("field %q of type %s must not declare options", f.ID, f.Type)
		}
	}

	stateIDs := map[string]bool{}
	terminal := map[string]bool{}
	var startIDs []string
	for _, s := range def.States {
		if s.ID == "" {
			add("state %q has empty id", s.Name)
		} else if stateIDs[s.ID] {
			add("duplicate state id %q", s.ID)
		}
		stateIDs[s.ID] = true
		if strings.TrimSpace(s.Name) == "" {
			add("state %q has empty name", s.ID)
		}
		if !domain.KnownStateCategory(s.Category) {
			add("state %q has unknown category %q", s.ID, s.Category)
		}
		if s.Category == domain.StateStart {
			startIDs = append(startIDs, s.ID)
		}
		if s.Category == domain.StateTerminal {
			terminal[s.ID] = true
		}
	}
	if len(def.States) == 0 {
		add("at least one state is required")
	}
	if len(startIDs) == 0 {
		add("exactly one start state is required, found none")
	} else if len(startIDs) > 1 {
		add("exactly one start state is required, found %d", len(startIDs))
	}

	actionIDs := map[string]bool{}
	for _, a := range def.Actions {
		if a.ID == "" {
			add("action %q has empty id", a.Name)
		} else if actionIDs[a.ID] {
			add("duplicate action id %q", a.ID)
		}
		actionIDs[a.ID] = true
		if strings.TrimSpace(a.Name) == "" {
			add("action %q has empty name", a.ID)
		}
	}

	transitions := map[string]domain.Transition{}
	for _, t := range def.Transitions {
		if t.ID == "" {
			add("transition from %q to %q has empty id", t.FromStateID, t.ToStateID)
		} else if _, dup := transitions[t.ID]; dup {
			add("duplicate transition id %q", t.ID)
		}
		transitions[t.ID] = t
		if !stateIDs[t.FromStateID] {
			add("transition %q references unknown from state %q", t.ID, t.FromStateID)
		}
		if !stateIDs[t.ToStateID] {
			add("transition %q references unknown to state %q", t.ID, t.ToStateID)
		}
		if terminal[t.FromStateID] {
			add("transition %q leaves terminal state %q", t.ID, t.FromStateID)
		}
	}

	type routeKey struct{ state, action string }
	routes := map[routeKey]string{}
	bindings := map[string]bool{}
	for _, at := range def.ActionTransitions {
		if !actionIDs[at.ActionID] {
			add("binding references unknown action %q", at.ActionID)
		}
		t, ok := transitions[at.TransitionID]
		if !ok {
			add("binding references unknown transition %q", at.TransitionID)
			continue
		}
		bk := at.ActionID + "\x00" + at.TransitionID
		if bindings[bk] {
			add("duplicate binding of action %q to transition %q", at.ActionID, at.TransitionID)
			continue
		}
		bindings[bk] = true
		key := routeKey{state: t.FromStateID, action: at.ActionID}
		if prev, dup := routes[key]; dup {
			add("action %q is bound to transitions %q and %q from state %q", at.ActionID, prev, at.TransitionID, t.FromStateID)
			continue
		}
		routes[key] = at.TransitionID
	}

	for _, u := range def.Stakeholders {
		if strings.TrimSpace(u) == "" {
			add("stakeholders contains an empty user id")
		}
	}

	if len(startIDs) == 1 {
		reachable := map[string]bool{startIDs[0]: true}
		queue := []string{startIDs[0]}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, t := range def.Transitions {
				if t.FromStateID != cur || reachable[t.ToStateID] {
					continue
				}
				reachable[t.ToStateID] = true
				queue = append(queue, t.ToStateID)
			}
		}
		for _, s := range def.States {
			if !reachable[s.ID] {
				add("state %q is unreachable from the start state", s.ID)
			}
		}
	}

	if len(issues) == 0 {
		return nil
	}
	return &SchemaError{Issues: issues}
}

// Register validates def and persists it atomically. The stored definition
// gets a fresh id when none is supplied and version max+1 for its name.
func (r Registry) Register(ctx context.Context, def domain.ProcessDefinition) (domain.ProcessDefinition, error) {
	if verr := Validate(def); verr != nil {
		return domain.ProcessDefinition{}, verr
	}
	if r.Now == nil {
		r.Now = time.Now
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.CreatedAt = r.Now().UTC().Format(time.RFC3339)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProcessDefinition{}, err
	}
	defer tx.Rollback()

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM processes WHERE name=?`, def.Name).Scan(&maxVersion); err != nil {
		return domain.ProcessDefinition{}, err
	}
	def.Version = maxVersion + 1

	if _, err := tx.ExecContext(ctx, `INSERT INTO processes(id,name,description,version,created_at) VALUES (?,?,?,?,?)`,
		def.ID, def.Name, def.Description, def.Version, def.CreatedAt); err != nil {
		return domain.ProcessDefinition{}, err
	}
	for _, f := range def.Fields {
		if _, err := tx.ExecContext(ctx, `INSERT INTO process_fields(process_id,id,name,type,required,ord,options) VALUES (?,?,?,?,?,?,?)`,
			def.ID, f.ID, f.Name, string(f.Type), boolInt(f.Required), f.Order, encodeOptions(f.Options)); err != nil {
			return domain.ProcessDefinition{}, err
		}
	}
	for _, s := range def.States {
		if _, err := tx.ExecContext(ctx, `INSERT INTO process_states(process_id,id,name,category) VALUES (?,?,?,?)`,
			def.ID, s.ID, s.Name, string(s.Category)); err != nil {
			return domain.ProcessDefinition{}, err
		}
	}
	for _, a := range def.Actions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO process_actions(process_id,id,name,description,kind) VALUES (?,?,?,?,?)`,
			def.ID, a.ID, a.Name, a.Description, a.Kind); err != nil {
			return domain.ProcessDefinition{}, err
		}
	}
	for _, t := range def.Transitions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO process_transitions(process_id,id,from_state_id,to_state_id) VALUES (?,?,?,?)`,
			def.ID, t.ID, t.FromStateID, t.ToStateID); err != nil {
			return domain.ProcessDefinition{}, err
		}
	}
	for _, at := range def.ActionTransitions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO process_action_transitions(process_id,action_id,transition_id) VALUES (?,?,?)`,
			def.ID, at.ActionID, at.TransitionID); err != nil {
			return domain.ProcessDefinition{}, err
		}
	}
	for _, u := range def.Stakeholders {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO process_stakeholders(process_id,user_id) VALUES (?,?)`, def.ID, u); err != nil {
			return domain.ProcessDefinition{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ProcessDefinition{}, err
	}
	return def, nil
}

// Get loads a full definition by id.
func (r Registry) Get(ctx context.Context, id string) (domain.ProcessDefinition, error) {
	var def domain.ProcessDefinition
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,version,created_at FROM processes WHERE id=?`, id).
		Scan(&def.ID, &def.Name, &def.Description, &def.Version, &def.CreatedAt)
	if err == sql.ErrNoRows {
		return def, ErrNotFound
	}
	if err != nil {
		return def, err
	}

	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,type,required,ord,options FROM process_fields WHERE process_id=? ORDER BY ord, id`, id)
	if err != nil {
		return def, err
	}
	for rows.Next() {
		var f domain.FieldSchema
		var typ string
		var required int
		var options sql.NullString
		if err := rows.Scan(&f.ID, &f.Name, &typ, &required, &f.Order, &options); err != nil {
			rows.Close()
			return def, err
		}
		f.Type = domain.FieldType(typ)
		f.Required = required != 0
		if options.Valid {
			f.Options = decodeOptions(options.String)
		}
		def.Fields = append(def.Fields, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return def, err
	}

	rows, err = r.DB.QueryContext(ctx, `SELECT id,name,category FROM process_states WHERE process_id=? ORDER BY id`, id)
	if err != nil {
		return def, err
	}
	for rows.Next() {
		var s domain.State
		var cat string
		if err := rows.Scan(&s.ID, &s.Name, &cat); err != nil {
			rows.Close()
			return def, err
		}
		s.Category = domain.StateCategory(cat)
		def.States = append(def.States, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return def, err
	}

	rows, err = r.DB.QueryContext(ctx, `SELECT id,name,description,kind FROM process_actions WHERE process_id=? ORDER BY id`, id)
	if err != nil {
		return def, err
	}
	for rows.Next() {
		var a domain.Action
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.Kind); err != nil {
			rows.Close()
			return def, err
		}
		def.Actions = append(def.Actions, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return def, err
	}

	rows, err = r.DB.QueryContext(ctx, `SELECT id,from_state_id,to_state_id FROM process_transitions WHERE process_id=? ORDER BY id`, id)
	if err != nil {
		return def, err
	}
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.ID, &t.FromStateID, &t.ToStateID); err != nil {
			rows.Close()
			return def, err
		}
		def.Transitions = append(def.Transitions, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return def, err
	}

	rows, err = r.DB.QueryContext(ctx, `SELECT action_id,transition_id FROM process_action_transitions WHERE process_id=? ORDER BY action_id, transition_id`, id)
	if err != nil {
		return def, err
	}
	for rows.Next() {
		var at domain.ActionTransition
		if err := rows.Scan(&at.ActionID, &at.TransitionID); err != nil {
			rows.Close()
			return def, err
		}
		def.ActionTransitions = append(def.ActionTransitions, at)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return def, err
	}

	rows, err = r.DB.QueryContext(ctx, `SELECT user_id FROM process_stakeholders WHERE process_id=? ORDER BY user_id`, id)
	if err != nil {
		return def, err
	}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return def, err
		}
		def.Stakeholders = append(def.Stakeholders, u)
	}
	rows.Close()
	return def, rows.Err()
}

type ListFilters struct {
	Search          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// List returns definition summaries, newest first.
func (r Registry) List(ctx context.Context, f ListFilters) ([]domain.ProcessSummary, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Search != "" {
		clauses = append(clauses, "(name LIKE ? OR description LIKE ?)")
		pat := "%" + f.Search + "%"
		args = append(args, pat, pat)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT id,name,description,version,created_at FROM processes WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProcessSummary
	for rows.Next() {
		var p domain.ProcessSummary
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Version, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Options are stored newline-joined.
func encodeOptions(opts []string) any {
	if len(opts) == 0 {
		return nil
	}
	return strings.Join(opts, "\n")
}

func decodeOptions(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
