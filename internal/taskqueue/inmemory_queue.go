package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/facebookgo/clock"
)

// InMemoryQueue is a Queue held in a priority queue ordered by NotBefore.
// It is safe for concurrent use.
type InMemoryQueue struct {
	clock clock.Clock

	mu      sync.Mutex
	heap    *priorityqueue.Queue
	byID    map[string]*queuedTask
	seq     uint64
	changed chan struct{}
}

type queuedTask struct {
	task      Task
	seq       uint64
	cancelled bool
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates an empty queue using the wall clock.
func NewInMemoryQueue() *InMemoryQueue {
	return NewInMemoryQueueWithClock(clock.New())
}

// NewInMemoryQueueWithClock creates an empty queue that decides eligibility
// with clk.
func NewInMemoryQueueWithClock(clk clock.Clock) *InMemoryQueue {
	return &InMemoryQueue{
		clock: clk,
		heap: priorityqueue.NewWith(func(a, b interface{}) int {
			x, y := a.(*queuedTask), b.(*queuedTask)
			switch {
			case x.task.NotBefore.Before(y.task.NotBefore):
				return -1
			case y.task.NotBefore.Before(x.task.NotBefore):
				return 1
			case x.seq < y.seq:
				return -1
			case x.seq > y.seq:
				return 1
			}
			return 0
		}),
		byID:    make(map[string]*queuedTask),
		changed: make(chan struct{}),
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if t.ID != "" {
		if _, ok := q.byID[t.ID]; ok {
			return nil
		}
	}
	now := q.clock.Now()
	t.EnqueuedAt = now
	if t.NotBefore.IsZero() {
		t.NotBefore = now
	}

	q.seq++
	qt := &queuedTask{task: t, seq: q.seq}
	q.heap.Enqueue(qt)
	if t.ID != "" {
		q.byID[t.ID] = qt
	}
	q.broadcast()
	return nil
}

// broadcast wakes every blocked Dequeue. Callers hold q.mu.
func (q *InMemoryQueue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		task, wait := q.next()
		changed := q.changed
		q.mu.Unlock()

		if task != nil {
			return task, nil
		}

		var fire <-chan time.Time
		if wait != nil {
			fire = wait.C
		}
		select {
		case <-ctx.Done():
			if wait != nil {
				wait.Stop()
			}
			return nil, ctx.Err()
		case <-changed:
		case <-fire:
		}
		if wait != nil {
			wait.Stop()
		}
	}
}

// next pops the head if it is eligible. Otherwise it returns a timer that
// fires when the head becomes eligible, or nil when the queue is empty.
// Callers hold q.mu.
func (q *InMemoryQueue) next() (*Task, *clock.Timer) {
	for {
		v, ok := q.heap.Peek()
		if !ok {
			return nil, nil
		}
		qt := v.(*queuedTask)
		if qt.cancelled {
			q.heap.Dequeue()
			continue
		}

		now := q.clock.Now()
		if qt.task.NotBefore.After(now) {
			return nil, q.clock.Timer(qt.task.NotBefore.Sub(now))
		}

		q.heap.Dequeue()
		if qt.task.ID != "" {
			delete(q.byID, qt.task.ID)
		}
		t := qt.task
		return &t, nil
	}
}

func (q *InMemoryQueue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if qt, ok := q.byID[id]; ok {
		qt.cancelled = true
		delete(q.byID, id)
	}
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, v := range q.heap.Values() {
		if !v.(*queuedTask).cancelled {
			n++
		}
	}
	return n
}
