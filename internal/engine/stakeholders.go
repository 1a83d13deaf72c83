package engine

import (
	"sort"

	"flowdesk/internal/domain"
)

// resolveStakeholders computes the authorized set for a new task: the
// definition's allow-list, the creator, and every non-empty assignee field
// value. The result is deduplicated and sorted.
func resolveStakeholders(def domain.ProcessDefinition, creatorID string, values []domain.FieldValue) []string {
	set := map[string]bool{creatorID: true}
	for _, u := range def.Stakeholders {
		if u != "" {
			set[u] = true
		}
	}
	assignee := map[string]bool{}
	for _, f := range def.Fields {
		if f.Type == domain.FieldAssignee {
			assignee[f.ID] = true
		}
	}
	for _, v := range values {
		if assignee[v.FieldID] && v.Value != "" {
			set[v.Value] = true
		}
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
