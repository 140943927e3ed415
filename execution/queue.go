package execution

import (
	"container/heap"
	"context"

	"github.com/smnsjas/go-pseshost/pipeline"
)

// queuedTask is a task plus its scheduling state.
type queuedTask struct {
	task     *pipeline.Task
	priority pipeline.Priority
	seq      uint64

	ctx    context.Context
	cancel context.CancelCauseFunc
	// stopWatch detaches the cancellation watcher.
	stopWatch func() bool

	// index is the position in the heap, -1 when not queued.
	index int
	// frameDepth is the frame count when the task started running.
	frameDepth int
}

func (qt *queuedTask) release() {
	if qt.stopWatch != nil {
		qt.stopWatch()
	}
	qt.cancel(nil)
}

// taskQueue orders tasks by priority (highest first), then submission order.
type taskQueue []*queuedTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	qt := x.(*queuedTask)
	qt.index = len(*q)
	*q = append(*q, qt)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	qt := old[n-1]
	old[n-1] = nil
	qt.index = -1
	*q = old[:n-1]
	return qt
}

// peek returns the next task without removing it.
func (q taskQueue) peek() *queuedTask {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// remove takes qt out of the queue. It reports false if qt was not queued.
func (q *taskQueue) remove(qt *queuedTask) bool {
	if qt.index < 0 || qt.index >= len(*q) || (*q)[qt.index] != qt {
		return false
	}
	heap.Remove(q, qt.index)
	return true
}
