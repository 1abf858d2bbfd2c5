package core

import (
	"fmt"
	"strings"
)

// Subtask is one unit of work of a Plan.
type Subtask struct {
	ID          string   `json:"subtask_id"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
	ToolHint    string   `json:"assigned_tool_hint,omitempty"`
}

// Plan is a set of subtasks forming an acyclic dependency graph.
type Plan struct {
	Subtasks []Subtask `json:"subtasks"`
}

// Len returns the number of subtasks.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Subtasks)
}

// Get returns the subtask with the given id.
func (p *Plan) Get(id string) (Subtask, bool) {
	if p == nil {
		return Subtask{}, false
	}
	for _, s := range p.Subtasks {
		if s.ID == id {
			return s, true
		}
	}
	return Subtask{}, false
}

// Validate checks that ids are unique, every dependency refers to a subtask of
// the same plan and the graph has no cycle.
func (p *Plan) Validate() error {
	if p == nil {
		return nil
	}

	seen := make(map[string]bool, len(p.Subtasks))
	for _, s := range p.Subtasks {
		if s.ID == "" {
			return &ValidationError{Field: "subtask_id", Message: "subtask id must not be empty"}
		}
		if seen[s.ID] {
			return &ValidationError{Field: "subtask_id", Value: s.ID, Message: "duplicate subtask id"}
		}
		seen[s.ID] = true
	}

	for _, s := range p.Subtasks {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return &ValidationError{
					Field:   "depends_on",
					Value:   dep,
					Message: fmt.Sprintf("subtask %q depends on unknown subtask %q", s.ID, dep),
				}
			}
		}
	}

	if _, err := p.Order(); err != nil {
		return err
	}

	return nil
}

// Order returns the subtasks in a topological order. Ties are broken by
// declaration order. A cycle yields a ValidationError naming the subtasks
// involved.
func (p *Plan) Order() ([]Subtask, error) {
	if p == nil {
		return nil, nil
	}

	index := make(map[string]int, len(p.Subtasks))
	for i, s := range p.Subtasks {
		index[s.ID] = i
	}

	indegree := make([]int, len(p.Subtasks))
	dependents := make([][]int, len(p.Subtasks))
	for i, s := range p.Subtasks {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, len(p.Subtasks))
	out := make([]Subtask, 0, len(p.Subtasks))
	for len(out) < len(p.Subtasks) {
		next := -1
		for i := range p.Subtasks {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cyclic []string
			for i, s := range p.Subtasks {
				if !done[i] {
					cyclic = append(cyclic, s.ID)
				}
			}
			return nil, &ValidationError{
				Field:   "depends_on",
				Value:   cyclic,
				Message: "dependency cycle between subtasks " + strings.Join(cyclic, ", "),
			}
		}
		done[next] = true
		out = append(out, p.Subtasks[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}

	return out, nil
}

// NextPending returns the first subtask in topological order that is not in
// satisfied and whose dependencies all are.
func (p *Plan) NextPending(satisfied map[string]bool) (Subtask, bool) {
	order, err := p.Order()
	if err != nil {
		return Subtask{}, false
	}
	for _, s := range order {
		if satisfied[s.ID] {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if !satisfied[dep] {
				ready = false
				break
			}
		}
		if ready {
			return s, true
		}
	}
	return Subtask{}, false
}
