// Package dispatch provides cooperating serial task queues: independent
// single-goroutine executors with FIFO ordering and an explicit drain
// barrier. Queues are the scheduling substrate for the capture pipeline's
// configuration handling, delegate notifications, and recorder writes, where
// ordering matters but a shared worker pool would not preserve it.
package dispatch

import "sync"

// Queue executes submitted tasks one at a time, in submission order, on a
// dedicated goroutine. Async never blocks the submitter, which keeps
// real-time producers off the consumer's critical path.
type Queue struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool

	done chan struct{}
}

// New creates a queue and starts its executor goroutine. The name appears in
// diagnostics only.
func New(name string) *Queue {
	q := &Queue{name: name, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Name returns the queue's diagnostic name.
func (q *Queue) Name() string { return q.name }

// Async enqueues fn for execution after all previously submitted tasks and
// returns immediately. Tasks submitted after Close are dropped.
func (q *Queue) Async(fn func()) {
	q.enqueue(fn)
}

// Sync enqueues fn and blocks until it has run. Submitting an empty func
// acts as a drain barrier: when Sync returns, every task enqueued before it
// has completed. Returns immediately if the queue is closed.
//
// Sync must not be called from a task running on the same queue; doing so
// would deadlock.
func (q *Queue) Sync(fn func()) {
	ran := make(chan struct{})
	if !q.enqueue(func() {
		fn()
		close(ran)
	}) {
		return
	}
	<-ran
}

// Close stops accepting new tasks, waits for already-queued tasks to finish,
// and stops the executor goroutine. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) enqueue(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	q.mu.Unlock()
	return true
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			close(q.done)
			return
		}
		fn := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		fn()
	}
}
