package congestion

import (
	"context"
	"sync"
)

// job is one serial action waiting for the worker.
type job struct {
	label   string
	action  Action
	pending *Pending
}

// serialQueue is a mutex-guarded FIFO of jobs.
//
// Admission control lives in the Controller (depth accounting); the queue
// itself is unbounded. The signal channel has a buffer of one so multiple
// enqueues coalesce into one wakeup, and it is closed on Close to wake the
// worker for shutdown.
type serialQueue struct {
	mu     sync.Mutex
	jobs   []job
	closed bool
	signal chan struct{}
}

func newSerialQueue() *serialQueue {
	return &serialQueue{
		jobs:   make([]job, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// push appends j. Returns false if the queue is closed.
func (q *serialQueue) push(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, j)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryPop removes the head without blocking.
func (q *serialQueue) tryPop() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return job{}, false
	}
	j := q.jobs[0]
	// Release the slot so the action closure can be collected.
	q.jobs[0] = job{}
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	return j, true
}

func (q *serialQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *serialQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *serialQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *serialQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Pending is the deferred result of a serial action.
type Pending struct {
	Label string

	done chan struct{}
	err  error
}

func newPending(label string) *Pending {
	return &Pending{Label: label, done: make(chan struct{})}
}

func (p *Pending) resolve(err error) {
	p.err = err
	close(p.done)
}

// Done is closed once the action has finished.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the action's error. Only meaningful after Done is closed.
func (p *Pending) Err() error {
	<-p.done
	return p.err
}

// Wait blocks until the action finishes or ctx is cancelled. Cancelling ctx
// does not cancel the action; it keeps its place in the chain.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
