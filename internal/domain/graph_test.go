package domain

import "testing"

func approvalDef() ProcessDefinition {
	return ProcessDefinition{
		ID:   "proc-1",
		Name: "expense-approval",
		States: []State{
			{ID: "draft", Name: "Draft", Category: StateStart},
			{ID: "review", Name: "In Review", Category: StateIntermediate},
			{ID: "approved", Name: "Approved", Category: StateTerminal},
			{ID: "rejected", Name: "Rejected", Category: StateTerminal},
		},
		Actions: []Action{
			{ID: "submit", Name: "Submit"},
			{ID: "approve", Name: "Approve"},
			{ID: "reject", Name: "Reject"},
		},
		Transitions: []Transition{
			{ID: "t1", FromStateID: "draft", ToStateID: "review"},
			{ID: "t2", FromStateID: "review", ToStateID: "approved"},
			{ID: "t3", FromStateID: "review", ToStateID: "rejected"},
		},
		ActionTransitions: []ActionTransition{
			{ActionID: "submit", TransitionID: "t1"},
			{ActionID: "approve", TransitionID: "t2"},
			{ActionID: "reject", TransitionID: "t3"},
		},
	}
}

func TestGraphRoutes(t *testing.T) {
	g, err := NewGraph(approvalDef())
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	if g.StartState().ID != "draft" {
		t.Fatalf("start state = %s, want draft", g.StartState().ID)
	}
	tr, ok := g.Route("draft", "submit")
	if !ok || tr.ToStateID != "review" {
		t.Fatalf("route draft/submit = %+v ok=%v", tr, ok)
	}
	if _, ok := g.Route("draft", "approve"); ok {
		t.Fatalf("approve must not be routable from draft")
	}
	if _, ok := g.Route("approved", "submit"); ok {
		t.Fatalf("terminal state must have no routes")
	}
}

func TestGraphAvailableActionsOrder(t *testing.T) {
	g, err := NewGraph(approvalDef())
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	actions := g.AvailableActions("review")
	if len(actions) != 2 || actions[0].ID != "approve" || actions[1].ID != "reject" {
		t.Fatalf("review actions = %+v, want approve then reject", actions)
	}
	if got := g.AvailableActions("approved"); len(got) != 0 {
		t.Fatalf("terminal state actions = %+v, want none", got)
	}
}

func TestGraphRejectsMultipleStarts(t *testing.T) {
	def := approvalDef()
	def.States = append(def.States, State{ID: "draft2", Name: "Draft 2", Category: StateStart})
	if _, err := NewGraph(def); err == nil {
		t.Fatalf("expected error for multiple start states")
	}
}

func TestGraphRejectsNoStart(t *testing.T) {
	def := approvalDef()
	def.States[0].Category = StateIntermediate
	if _, err := NewGraph(def); err == nil {
		t.Fatalf("expected error for missing start state")
	}
}

func TestGraphRejectsAmbiguousRoute(t *testing.T) {
	def := approvalDef()
	def.Transitions = append(def.Transitions, Transition{ID: "t4", FromStateID: "review", ToStateID: "rejected"})
	def.ActionTransitions = append(def.ActionTransitions, ActionTransition{ActionID: "approve", TransitionID: "t4"})
	if _, err := NewGraph(def); err == nil {
		t.Fatalf("expected error for ambiguous (state, action) route")
	}
}

func TestGraphRejectsDanglingBinding(t *testing.T) {
	def := approvalDef()
	def.ActionTransitions = append(def.ActionTransitions, ActionTransition{ActionID: "submit", TransitionID: "missing"})
	if _, err := NewGraph(def); err == nil {
		t.Fatalf("expected error for unknown transition in binding")
	}
}

func TestGraphReachable(t *testing.T) {
	def := approvalDef()
	def.States = append(def.States, State{ID: "orphan", Name: "Orphan", Category: StateIntermediate})
	g, err := NewGraph(def)
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	seen := g.Reachable()
	for _, id := range []string{"draft", "review", "approved", "rejected"} {
		if !seen[id] {
			t.Fatalf("state %s should be reachable", id)
		}
	}
	if seen["orphan"] {
		t.Fatalf("orphan state must not be reachable")
	}
}
