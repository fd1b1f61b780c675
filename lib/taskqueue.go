package lib

import "sync"

// taskQueue hands finished work (state changes, received payloads) from the
// control goroutine to the callback-dispatch goroutine. The consumer blocks
// on a condition variable, never a busy-wait; interrupt wakes it
// unconditionally so it can observe a disconnect and exit after draining
// whatever is still queued.
type taskQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	tasks       []func()
	interrupted bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a task. Producer side is the control goroutine only.
func (q *taskQueue) push(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until a task is available or the queue has been interrupted.
// Pending tasks are drained even after an interrupt; ok is false only once
// the queue is both interrupted and empty.
func (q *taskQueue) pop() (task func(), ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.tasks) == 0 && !q.interrupted {
		q.cond.Wait()
	}
	if len(q.tasks) == 0 {
		return nil, false
	}
	task = q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, true
}

// interrupt wakes the consumer unconditionally.
func (q *taskQueue) interrupt() {
	q.mu.Lock()
	q.interrupted = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
