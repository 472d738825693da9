package executor

import (
	"container/heap"
	"time"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
)

// stepNode is a ready step waiting for a worker slot.
type stepNode struct {
	step *dragonscale.PlanStep
	// remaining is the longest estimated chain from this step to a leaf,
	// the step itself included.
	remaining time.Duration
	order     int
	index     int
}

// readyQueue orders ready steps by remaining critical path, longest first,
// then by plan order.
type readyQueue []*stepNode

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].remaining != q[j].remaining {
		return q[i].remaining > q[j].remaining
	}
	return q[i].order < q[j].order
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	node := x.(*stepNode)
	node.index = len(*q)
	*q = append(*q, node)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	node := old[n-1]
	old[n-1] = nil
	node.index = -1
	*q = old[:n-1]
	return node
}

func (q *readyQueue) push(node *stepNode) { heap.Push(q, node) }

func (q *readyQueue) pop() *stepNode { return heap.Pop(q).(*stepNode) }

// remainingPaths computes, for every step, the longest estimated chain of
// dependents starting at that step. Steps without an estimate count as one
// nanosecond so hop count still breaks ties between unestimated chains.
// The plan must already be validated.
func remainingPaths(plan *dragonscale.Plan) map[string]time.Duration {
	levels, err := plan.Levels()
	if err != nil {
		return map[string]time.Duration{}
	}
	dependents := plan.Dependents()
	remaining := make(map[string]time.Duration, len(plan.Steps))
	for i := len(levels) - 1; i >= 0; i-- {
		for _, id := range levels[i] {
			step, _ := plan.Step(id)
			own := step.EstimatedTime
			if own <= 0 {
				own = time.Nanosecond
			}
			var longest time.Duration
			for _, child := range dependents[id] {
				if remaining[child] > longest {
					longest = remaining[child]
				}
			}
			remaining[id] = own + longest
		}
	}
	return remaining
}
