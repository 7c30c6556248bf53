package session

import (
	"github.com/cfteam/coordinator/types"
)

// validateGraph rejects dependency graphs that reference unknown
// tasks or contain a cycle, using Kahn's algorithm over the union of
// existing and newly appended tasks. A dependency on a task that
// neither exists nor arrives in the same batch can never resolve and
// would leave its task queued forever.
func validateGraph(graph map[string][]string) error {
	indegree := make(map[string]int, len(graph))
	dependents := make(map[string][]string, len(graph))

	for id := range graph {
		indegree[id] = 0
	}
	for id, deps := range graph {
		for _, dep := range deps {
			if dep == id {
				return types.NewErrorf(types.ErrDependencyDeadlock, "task %q depends on itself", id)
			}
			if _, known := graph[dep]; !known {
				return types.NewErrorf(types.ErrDependencyDeadlock, "task %q depends on unknown task %q", id, dep)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(graph))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited != len(graph) {
		return types.NewError(types.ErrDependencyDeadlock, "task dependencies form a cycle")
	}
	return nil
}

// graphWith builds the dependency map for a session's tasks plus a
// candidate batch.
func graphWith(existing []*types.Task, batch []*types.Task) map[string][]string {
	graph := make(map[string][]string, len(existing)+len(batch))
	for _, t := range existing {
		graph[t.ID] = t.DependsOn
	}
	for _, t := range batch {
		graph[t.ID] = t.DependsOn
	}
	return graph
}
