package taskmill

import (
	"fmt"
	"sort"
)

// ValidatePlan checks a draft task set and, if it forms a well-formed DAG,
// returns the validated Plan with its reverse-dependency index built and every
// task initialized to pending. It returns a *CycleError naming the offending
// cycle, a *DanglingDependencyError naming the first missing reference, or a
// plain validation error for empty/duplicate ids. Validation is deterministic:
// the same graph always yields the same accept/reject result and the same
// report.
func ValidatePlan(tasks []*Task) (*Plan, error) {
	if len(tasks) == 0 {
		return nil, NewValidationError("validation", "plan contains no tasks", nil)
	}

	taskMap := make(map[string]*Task, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			return nil, NewValidationError("validation", "task with empty id", nil)
		}
		if _, exists := taskMap[task.ID]; exists {
			return nil, NewValidationError("validation", fmt.Sprintf("duplicate task id '%s'", task.ID), nil)
		}
		taskMap[task.ID] = task
	}

	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	sort.Strings(ids)

	// Every referenced dependency must exist before cycle detection runs, so a
	// dangling reference is never reported as part of a bogus cycle.
	for _, id := range ids {
		for _, dep := range taskMap[id].DependsOn {
			if _, exists := taskMap[dep]; !exists {
				return nil, &DanglingDependencyError{TaskID: id, MissingID: dep}
			}
		}
	}

	if cycle := findCycle(ids, taskMap); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	dependents := make(map[string][]string, len(taskMap))
	for _, id := range ids {
		for _, dep := range taskMap[id].DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	for dep := range dependents {
		sort.Strings(dependents[dep])
	}

	for _, task := range tasks {
		task.mu.Lock()
		task.status = TaskStatusPending
		task.err = nil
		task.done = make(chan struct{})
		task.mu.Unlock()
	}

	return &Plan{
		tasks:      tasks,
		taskMap:    taskMap,
		dependents: dependents,
		outcomes:   make(map[string]*Outcome, len(tasks)),
	}, nil
}

// findCycle runs a depth-first traversal with visiting/visited sets and
// returns the first cycle encountered, as the ordered id path from the
// revisited node back to itself. Roots are taken in lexical order so repeated
// validation reports the same cycle.
func findCycle(ids []string, taskMap map[string]*Task) []string {
	visited := make(map[string]bool, len(taskMap))
	visiting := make(map[string]bool, len(taskMap))
	var path []string

	var dfs func(id string) []string
	dfs = func(id string) []string {
		visiting[id] = true
		path = append(path, id)

		deps := append([]string(nil), taskMap[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if visiting[dep] {
				// Slice the current path from the revisited node onward.
				for i, p := range path {
					if p == dep {
						return append([]string(nil), path[i:]...)
					}
				}
				return []string{dep}
			}
			if visited[dep] {
				continue
			}
			if cycle := dfs(dep); cycle != nil {
				return cycle
			}
		}

		path = path[:len(path)-1]
		visiting[id] = false
		visited[id] = true
		return nil
	}

	for _, id := range ids {
		if visited[id] {
			continue
		}
		if cycle := dfs(id); cycle != nil {
			return cycle
		}
	}
	return nil
}
