package replay

import (
	"errors"
	"fmt"

	"github.com/petrijr/reelflow/pkg/api"
)

var (
	// ErrTimerCancelled is the error of a timer future that was cancelled
	// before it fired.
	ErrTimerCancelled = errors.New("timer cancelled")

	// ErrWaitCancelled is the error of an event wait that was cancelled
	// before an event arrived.
	ErrWaitCancelled = errors.New("event wait cancelled")
)

// Future is the result of an asynchronous orchestration primitive.
type Future interface {
	// Await suspends the orchestrator until the future is resolved, then
	// decodes the result into v (which may be nil) or returns the failure.
	Await(v any) error

	// IsDone reports whether the future has been resolved by the history
	// applied so far. It never suspends.
	IsDone() bool

	// resolvedAt returns the history index of the event that resolved the
	// future.
	resolvedAt() (int, bool)
}

// task is the leaf future behind activities, sub-orchestrations, timers and
// external event waits.
type task struct {
	ctx  *Context
	id   int
	name string

	// scheduled is set once the matching scheduling event has been applied.
	scheduled bool

	done   bool
	index  int
	result []byte
	err    error
}

func (t *task) resolve(index int, result []byte, err error) {
	t.done = true
	t.index = index
	t.result = result
	t.err = err
}

func (t *task) IsDone() bool { return t.done }

func (t *task) resolvedAt() (int, bool) { return t.index, t.done }

func (t *task) Await(v any) error {
	for !t.done {
		t.ctx.suspend()
	}
	if t.err != nil {
		return t.err
	}
	if err := api.UnmarshalPayload(t.result, v); err != nil {
		return fmt.Errorf("decode result of %s: %w", t.name, err)
	}
	return nil
}

// Timer is a durable timer future.
type Timer struct {
	*task
	cancelled bool
}

// Cancel stops a pending timer. The timer future resolves with
// ErrTimerCancelled and a CancelTimer command is issued so the pending
// wake-up is discarded. Cancelling a timer that already fired is a no-op.
func (t *Timer) Cancel() {
	c := t.ctx
	if t.done || t.cancelled || c.aborting {
		return
	}
	t.cancelled = true
	t.resolve(c.applied-1, nil, ErrTimerCancelled)
	c.addAction(&Action{Kind: ActionCancelTimer, TaskID: t.id})
}

// Cancelled reports whether Cancel took effect.
func (t *Timer) Cancelled() bool { return t.cancelled }

// EventWait is the future of WaitForExternalEvent.
type EventWait struct {
	*task
	cancelled bool
}

// Cancel withdraws a pending wait: it resolves with ErrWaitCancelled and the
// next event with its name goes to the following waiter or the buffer.
// Cancelling a wait that already received its event is a no-op.
func (w *EventWait) Cancel() {
	c := w.ctx
	if w.done || w.cancelled || c.aborting {
		return
	}
	w.cancelled = true
	q := c.waiters[w.name]
	for i, t := range q {
		if t == w.task {
			c.waiters[w.name] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	w.resolve(c.applied-1, nil, ErrWaitCancelled)
}

// Cancelled reports whether Cancel took effect.
func (w *EventWait) Cancelled() bool { return w.cancelled }

// failedFuture is returned when a primitive could not even be issued, for
// example because its input failed to marshal.
type failedFuture struct {
	index int
	err   error
}

func (f failedFuture) Await(any) error         { return f.err }
func (f failedFuture) IsDone() bool            { return true }
func (f failedFuture) resolvedAt() (int, bool) { return f.index, true }

// AllFuture resolves once every member has resolved.
type AllFuture struct {
	ctx     *Context
	members []Future
}

// WhenAll returns a future that resolves when all of futures have resolved.
// Await on it returns the first error in member order and ignores v.
func (c *Context) WhenAll(futures ...Future) *AllFuture {
	return &AllFuture{ctx: c, members: futures}
}

func (f *AllFuture) IsDone() bool {
	for _, m := range f.members {
		if !m.IsDone() {
			return false
		}
	}
	return true
}

func (f *AllFuture) resolvedAt() (int, bool) {
	last := -1
	for _, m := range f.members {
		idx, ok := m.resolvedAt()
		if !ok {
			return 0, false
		}
		if idx > last {
			last = idx
		}
	}
	return last, true
}

func (f *AllFuture) Await(any) error {
	for !f.IsDone() {
		f.ctx.suspend()
	}
	for _, m := range f.members {
		if err := m.Await(nil); err != nil {
			return err
		}
	}
	return nil
}

// AnyFuture resolves as soon as one member resolves.
type AnyFuture struct {
	ctx     *Context
	members []Future
}

// WhenAny returns a future that resolves when any of futures resolves. When
// several members are resolved, the one whose resolving event comes first in
// the history wins, so the choice is identical on every replay.
func (c *Context) WhenAny(futures ...Future) *AnyFuture {
	return &AnyFuture{ctx: c, members: futures}
}

func (f *AnyFuture) winner() Future {
	var (
		best    Future
		bestIdx int
	)
	for _, m := range f.members {
		idx, ok := m.resolvedAt()
		if !ok {
			continue
		}
		if best == nil || idx < bestIdx {
			best, bestIdx = m, idx
		}
	}
	return best
}

func (f *AnyFuture) IsDone() bool { return f.winner() != nil }

func (f *AnyFuture) resolvedAt() (int, bool) {
	w := f.winner()
	if w == nil {
		return 0, false
	}
	return w.resolvedAt()
}

// Await waits for the race to be decided and stores the winning member into
// v, which must be a *Future or nil.
func (f *AnyFuture) Await(v any) error {
	w := f.Winner()
	switch p := v.(type) {
	case nil:
	case *Future:
		*p = w
	default:
		return fmt.Errorf("WhenAny result must be decoded into *replay.Future, got %T", v)
	}
	return nil
}

// Winner waits for the race to be decided and returns the winning member.
func (f *AnyFuture) Winner() Future {
	for {
		if w := f.winner(); w != nil {
			return w
		}
		if len(f.members) == 0 {
			return nil
		}
		f.ctx.suspend()
	}
}

// Await is a typed convenience around Future.Await.
func Await[T any](f Future) (T, error) {
	var v T
	err := f.Await(&v)
	return v, err
}
