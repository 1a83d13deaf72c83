package domain

import "fmt"

type routeKey struct {
	StateID  string
	ActionID string
}

// Graph indexes a process definition for transition lookups. Build it once
// per definition; lookups are map reads.
type Graph struct {
	def             ProcessDefinition
	statesByID      map[string]State
	actionsByID     map[string]Action
	transitionsByID map[string]Transition
	routes          map[routeKey]Transition
	start           State
}

// NewGraph indexes def. It assumes def already passed registration
// validation; a missing start state or dangling reference is reported as an
// error rather than a panic so callers on untrusted input stay safe.
func NewGraph(def ProcessDefinition) (*Graph, error) {
	g := &Graph{
		def:             def,
		statesByID:      make(map[string]State, len(def.States)),
		actionsByID:     make(map[string]Action, len(def.Actions)),
		transitionsByID: make(map[string]Transition, len(def.Transitions)),
		routes:          make(map[routeKey]Transition, len(def.ActionTransitions)),
	}
	var startFound bool
	for _, s := range def.States {
		g.statesByID[s.ID] = s
		if s.Category == StateStart {
			if startFound {
				return nil, fmt.Errorf("process %s: multiple start states", def.ID)
			}
			g.start = s
			startFound = true
		}
	}
	if !startFound {
		return nil, fmt.Errorf("process %s: no start state", def.ID)
	}
	for _, a := range def.Actions {
		g.actionsByID[a.ID] = a
	}
	for _, t := range def.Transitions {
		g.transitionsByID[t.ID] = t
	}
	for _, at := range def.ActionTransitions {
		t, ok := g.transitionsByID[at.TransitionID]
		if !ok {
			return nil, fmt.Errorf("process %s: action %s references unknown transition %s", def.ID, at.ActionID, at.TransitionID)
		}
		if _, ok := g.actionsByID[at.ActionID]; !ok {
			return nil, fmt.Errorf("process %s: binding references unknown action %s", def.ID, at.ActionID)
		}
		key := routeKey{StateID: t.FromStateID, ActionID: at.ActionID}
		if _, dup := g.routes[key]; dup {
			return nil, fmt.Errorf("process %s: action %s is bound to multiple transitions from state %s", def.ID, at.ActionID, t.FromStateID)
		}
		g.routes[key] = t
	}
	return g, nil
}

// Definition returns the indexed definition.
func (g *Graph) Definition() ProcessDefinition { return g.def }

// StartState returns the unique start state.
func (g *Graph) StartState() State { return g.start }

// State looks up a state by id.
func (g *Graph) State(id string) (State, bool) {
	s, ok := g.statesByID[id]
	return s, ok
}

// Action looks up an action by id.
func (g *Graph) Action(id string) (Action, bool) {
	a, ok := g.actionsByID[id]
	return a, ok
}

// Route returns the transition fired by actionID from stateID.
func (g *Graph) Route(stateID, actionID string) (Transition, bool) {
	t, ok := g.routes[routeKey{StateID: stateID, ActionID: actionID}]
	return t, ok
}

// AvailableActions returns the actions bound to outgoing transitions of
// stateID, in definition order. Terminal states have none by construction.
func (g *Graph) AvailableActions(stateID string) []Action {
	var out []Action
	for _, a := range g.def.Actions {
		if _, ok := g.routes[routeKey{StateID: stateID, ActionID: a.ID}]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Reachable returns the set of state ids reachable from the start state by
// following transitions.
func (g *Graph) Reachable() map[string]bool {
	seen := map[string]bool{g.start.ID: true}
	queue := []string{g.start.ID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range g.def.Transitions {
			if t.FromStateID != cur || seen[t.ToStateID] {
				continue
			}
			seen[t.ToStateID] = true
			queue = append(queue, t.ToStateID)
		}
	}
	return seen
}
