package scheduler

import "github.com/taskmill-ai/taskmill"

// taskNode is a prioritized entry in the ready queue.
type taskNode struct {
	task     *taskmill.Task
	priority int // Lower value means higher priority (critical path first)
	index    int // Index in the heap
}

// priorityQueue implements heap.Interface over ready tasks. Ties break on
// task id so dispatch order is deterministic for equal priorities.
type priorityQueue []*taskNode

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].task.ID < pq[j].task.ID
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	node := x.(*taskNode)
	node.index = len(*pq)
	*pq = append(*pq, node)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	node := old[n-1]
	old[n-1] = nil
	node.index = -1
	*pq = old[:n-1]
	return node
}

// criticalPathLengths computes, for every task, the length of the longest
// dependent chain hanging off it. Tasks on the critical path are scheduled
// first to minimize total execution time. The plan is already validated
// acyclic, so the traversal needs no cycle guard.
func criticalPathLengths(plan *taskmill.Plan) map[string]int {
	lengths := make(map[string]int, plan.Len())

	var dfs func(id string) int
	dfs = func(id string) int {
		if l, ok := lengths[id]; ok {
			return l
		}
		maxLen := 0
		for _, dep := range plan.Dependents(id) {
			if l := 1 + dfs(dep); l > maxLen {
				maxLen = l
			}
		}
		lengths[id] = maxLen
		return maxLen
	}

	for _, id := range plan.TaskIDs() {
		dfs(id)
	}
	return lengths
}
