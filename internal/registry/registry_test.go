package registry_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/migrate"
	"flowdesk/internal/registry"
)

func newTestRegistry(t *testing.T) (registry.Registry, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := registry.Registry{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	return r, context.Background()
}

func leaveRequestDef() domain.ProcessDefinition {
	return domain.ProcessDefinition{
		Name:        "leave-request",
		Description: "Paid leave approval",
		Fields: []domain.FieldSchema{
			{ID: "reason", Name: "Reason", Type: domain.FieldText, Required: true, Order: 1},
			{ID: "days", Name: "Days", Type: domain.FieldNumber, Required: true, Order: 2},
			{ID: "from", Name: "From", Type: domain.FieldDate, Order: 3},
			{ID: "kind", Name: "Kind", Type: domain.FieldSelect, Options: []string{"vacation", "sick"}, Order: 4},
			{ID: "manager", Name: "Manager", Type: domain.FieldAssignee, Required: true, Order: 5},
		},
		States: []domain.State{
			{ID: "draft", Name: "Draft", Category: domain.StateStart},
			{ID: "pending", Name: "Pending", Category: domain.StateIntermediate},
			{ID: "approved", Name: "Approved", Category: domain.StateTerminal},
			{ID: "rejected", Name: "Rejected", Category: domain.StateTerminal},
		},
		Actions: []domain.Action{
			{ID: "submit", Name: "Submit"},
			{ID: "approve", Name: "Approve"},
			{ID: "reject", Name: "Reject"},
		},
		Transitions: []domain.Transition{
			{ID: "t-submit", FromStateID: "draft", ToStateID: "pending"},
			{ID: "t-approve", FromStateID: "pending", ToStateID: "approved"},
			{ID: "t-reject", FromStateID: "pending", ToStateID: "rejected"},
		},
		ActionTransitions: []domain.ActionTransition{
			{ActionID: "submit", TransitionID: "t-submit"},
			{ActionID: "approve", TransitionID: "t-approve"},
			{ActionID: "reject", TransitionID: "t-reject"},
		},
		Stakeholders: []string{"hr-bot"},
	}
}

func TestRegisterAndGetRoundTrip(t *testing.T) {
	r, ctx := newTestRegistry(t)
	stored, err := r.Register(ctx, leaveRequestDef())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if stored.ID == "" || stored.Version != 1 {
		t.Fatalf("stored = id %q version %d, want generated id and version 1", stored.ID, stored.Version)
	}
	got, err := r.Get(ctx, stored.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "leave-request" || len(got.Fields) != 5 || len(got.States) != 4 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Fields[3].ID != "kind" || len(got.Fields[3].Options) != 2 {
		t.Fatalf("select options lost: %+v", got.Fields[3])
	}
	if len(got.Transitions) != 3 || len(got.ActionTransitions) != 3 {
		t.Fatalf("graph lost: %d transitions, %d bindings", len(got.Transitions), len(got.ActionTransitions))
	}
	if len(got.Stakeholders) != 1 || got.Stakeholders[0] != "hr-bot" {
		t.Fatalf("stakeholders lost: %+v", got.Stakeholders)
	}
}

func TestRegisterBumpsVersionPerName(t *testing.T) {
	r, ctx := newTestRegistry(t)
	first, err := r.Register(ctx, leaveRequestDef())
	if err != nil {
		t.Fatalf("register v1: %v", err)
	}
	second, err := r.Register(ctx, leaveRequestDef())
	if err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("versions = %d, %d, want 1, 2", first.Version, second.Version)
	}
	if first.ID == second.ID {
		t.Fatalf("versions must be distinct definitions")
	}
	// Existing version is untouched.
	got, err := r.Get(ctx, first.ID)
	if err != nil || got.Version != 1 {
		t.Fatalf("v1 changed after re-registration: %+v %v", got, err)
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	r, ctx := newTestRegistry(t)
	if _, err := r.Get(ctx, "nope"); err != registry.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListSearch(t *testing.T) {
	r, ctx := newTestRegistry(t)
	if _, err := r.Register(ctx, leaveRequestDef()); err != nil {
		t.Fatalf("register: %v", err)
	}
	other := leaveRequestDef()
	other.Name = "expense-approval"
	other.Description = "Expense reimbursement"
	if _, err := r.Register(ctx, other); err != nil {
		t.Fatalf("register: %v", err)
	}

	all, err := r.List(ctx, registry.ListFilters{})
	if err != nil || len(all) != 2 {
		t.Fatalf("list all = %d defs, err %v", len(all), err)
	}
	hits, err := r.List(ctx, registry.ListFilters{Search: "expense"})
	if err != nil || len(hits) != 1 || hits[0].Name != "expense-approval" {
		t.Fatalf("search = %+v, err %v", hits, err)
	}
	byDesc, err := r.List(ctx, registry.ListFilters{Search: "reimbursement"})
	if err != nil || len(byDesc) != 1 {
		t.Fatalf("description search = %+v, err %v", byDesc, err)
	}
}

func TestValidateCollectsEveryIssue(t *testing.T) {
	def := domain.ProcessDefinition{
		Name: "",
		Fields: []domain.FieldSchema{
			{ID: "a", Name: "A", Type: "mystery"},
			{ID: "a", Name: "A2", Type: domain.FieldText},
			{ID: "sel", Name: "Sel", Type: domain.FieldSelect},
			{ID: "txt", Name: "Txt", Type: domain.FieldText, Options: []string{"x"}},
		},
		States: []domain.State{
			{ID: "s1", Name: "One", Category: domain.StateStart},
			{ID: "s2", Name: "Two", Category: domain.StateStart},
			{ID: "end", Name: "End", Category: domain.StateTerminal},
			{ID: "island", Name: "Island", Category: domain.StateIntermediate},
		},
		Actions: []domain.Action{
			{ID: "go", Name: "Go"},
			{ID: "go", Name: "Again"},
		},
		Transitions: []domain.Transition{
			{ID: "t1", FromStateID: "s1", ToStateID: "end"},
			{ID: "t2", FromStateID: "end", ToStateID: "s1"},
			{ID: "t3", FromStateID: "ghost", ToStateID: "s1"},
		},
		ActionTransitions: []domain.ActionTransition{
			{ActionID: "go", TransitionID: "t1"},
			{ActionID: "missing", TransitionID: "t1"},
			{ActionID: "go", TransitionID: "nowhere"},
		},
		Stakeholders: []string{""},
	}
	verr := registry.Validate(def)
	if verr == nil {
		t.Fatalf("expected schema error")
	}
	wantFragments := []string{
		"name is required",
		"duplicate field id",
		"unknown type",
		"select field \"sel\" has no options",
		"must not declare options",
		"found 2",
		"duplicate action id",
		"leaves terminal state",
		"unknown from state",
		"unknown action",
		"unknown transition",
		"empty user id",
	}
	joined := verr.Error()
	for _, frag := range wantFragments {
		if !strings.Contains(joined, frag) {
			t.Errorf("issues missing %q in: %s", frag, joined)
		}
	}
}

func TestValidateUnreachableState(t *testing.T) {
	def := leaveRequestDef()
	def.States = append(def.States, domain.State{ID: "limbo", Name: "Limbo", Category: domain.StateIntermediate})
	verr := registry.Validate(def)
	if verr == nil || !strings.Contains(verr.Error(), "unreachable") {
		t.Fatalf("verr = %v, want unreachable state issue", verr)
	}
}

func TestRegisterRejectsInvalidDefinition(t *testing.T) {
	r, ctx := newTestRegistry(t)
	def := leaveRequestDef()
	def.States = nil
	def.Transitions = nil
	def.ActionTransitions = nil
	_, err := r.Register(ctx, def)
	var se *registry.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SchemaError", err)
	}
	// Nothing persisted.
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM processes`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("processes count = %d err %v, want 0", n, err)
	}
}

func TestFromYAML(t *testing.T) {
	data := []byte(`
name: ticket
description: Support ticket flow
fields:
  - id: subject
    name: Subject
    type: text
    required: true
states:
  - id: open
    name: Open
    category: start
  - id: closed
    name: Closed
    category: terminal
actions:
  - id: close
    name: Close
transitions:
  - id: t-close
    from_state: open
    to_state: closed
action_transitions:
  - action: close
    transition: t-close
`)
	def, err := registry.FromYAML(data)
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if def.Name != "ticket" || len(def.States) != 2 {
		t.Fatalf("parsed = %+v", def)
	}
	if def.Transitions[0].FromStateID != "open" || def.ActionTransitions[0].ActionID != "close" {
		t.Fatalf("yaml keys not mapped: %+v %+v", def.Transitions[0], def.ActionTransitions[0])
	}
	if verr := registry.Validate(def); verr != nil {
		t.Fatalf("validate: %v", verr)
	}
}
