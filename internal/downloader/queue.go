package downloader

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned once a closed queue has been drained.
var ErrQueueClosed = errors.New("task queue closed")

// Task is one unit of work: fetch URL into Path, tracked under ID.
type Task struct {
	ID         string
	URL        string
	Path       string
	EnqueuedAt time.Time
}

// Queue is an unbounded FIFO of tasks. Enqueue never blocks; Dequeue blocks
// until a task is available, the queue is closed, or the context ends.
type Queue struct {
	mu     sync.Mutex
	items  []Task
	closed bool

	ready chan struct{}
	done  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (q *Queue) Enqueue(task Task) error {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()

		return ErrQueueClosed
	}

	q.items = append(q.items, task)
	q.mu.Unlock()

	q.signal()

	return nil
}

// TryDequeue pops the oldest task without waiting.
func (q *Queue) TryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.popLocked()
}

func (q *Queue) Dequeue(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		task, ok := q.popLocked()
		more := len(q.items) > 0
		closed := q.closed
		q.mu.Unlock()

		if ok {
			// Pass the wake-up on so another waiter sees the remaining items.
			if more {
				q.signal()
			}

			return task, nil
		}

		if closed {
			return Task{}, ErrQueueClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return Task{}, ctx.Err()
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.closed
}

// Close stops new enqueues. Tasks already queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.done)
}

func (q *Queue) popLocked() (Task, bool) {
	if len(q.items) == 0 {
		return Task{}, false
	}

	task := q.items[0]
	q.items[0] = Task{}
	q.items = q.items[1:]

	return task, true
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
