package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/reelflow/pkg/api"
)

// Orchestrator is the signature of orchestrator programs. The returned value
// is marshaled as the instance output.
type Orchestrator func(ctx *Context) (any, error)

// ActionKind identifies a command issued by orchestrator code.
type ActionKind string

const (
	ActionScheduleTask             ActionKind = "ScheduleTask"
	ActionCreateTimer              ActionKind = "CreateTimer"
	ActionCancelTimer              ActionKind = "CancelTimer"
	ActionScheduleSubOrchestration ActionKind = "ScheduleSubOrchestration"
)

// Action is a command that the coordinator has to persist and dispatch.
type Action struct {
	Kind   ActionKind
	TaskID int
	// Name is the activity or orchestrator name.
	Name  string
	Input []byte
	// FireAt is set for CreateTimer.
	FireAt time.Time
	// InstanceID is the child instance ID for ScheduleSubOrchestration.
	InstanceID string
}

// Event returns the history event that records a.
func (a Action) Event() api.HistoryEvent {
	ev := api.HistoryEvent{TaskID: a.TaskID, Name: a.Name, Input: a.Input, InstanceID: a.InstanceID}
	switch a.Kind {
	case ActionScheduleTask:
		ev.Type = api.EventTaskScheduled
	case ActionCreateTimer:
		ev.Type = api.EventTimerCreated
		ev.FireAt = a.FireAt
	case ActionCancelTimer:
		ev.Type = api.EventTimerCancelled
	case ActionScheduleSubOrchestration:
		ev.Type = api.EventSubOrchestrationScheduled
	}
	return ev
}

func (a Action) String() string {
	if a.Name == "" {
		return fmt.Sprintf("%s#%d", a.Kind, a.TaskID)
	}
	return fmt.Sprintf("%s(%s)#%d", a.Kind, a.Name, a.TaskID)
}

// Input describes one replay pass.
type Input struct {
	InstanceID string
	Name       string
	Generation int

	// History is the current generation's history. Its first event must be
	// OrchestratorStarted.
	History []api.HistoryEvent

	// Checkpoint is the history length consumed by the previous pass. Code
	// running before the executor gets past it is replaying.
	Checkpoint int

	// Logger backs Context.Logger. Nil means slog.Default().
	Logger *slog.Logger
}

// Result is the outcome of a replay pass.
type Result struct {
	// Outcome is StatusRunning, StatusCompleted, StatusFailed or
	// StatusContinuedAsNew.
	Outcome api.Status

	// Actions are the commands issued during this pass that have no
	// scheduling record in the history yet, in issue order.
	Actions []Action

	Output   []byte
	Failure  *api.FailureDetails
	NewInput []byte

	// Consumed is the number of history events the executor applied.
	Consumed int
}

// ErrMalformedHistory is returned by Execute when the history does not start
// with OrchestratorStarted.
var ErrMalformedHistory = errors.New("history must start with OrchestratorStarted")

// Execute runs one replay pass of fn against in.History.
func Execute(fn Orchestrator, in Input) (*Result, error) {
	if len(in.History) == 0 || in.History[0].Type != api.EventOrchestratorStarted {
		return nil, ErrMalformedHistory
	}

	c := newContext(in)
	c.apply(in.History[0])
	c.applied = 1

	go c.run(fn)
	<-c.yield

	for !c.finished && c.applied < len(c.history) {
		ev := c.history[c.applied]
		c.applied++
		woke, err := c.apply(ev)
		if err != nil {
			c.fatal = err
			break
		}
		if woke {
			c.resume <- struct{}{}
			<-c.yield
		}
	}

	if !c.finished {
		// Unwind the suspended orchestrator goroutine.
		c.aborting = true
		c.resume <- struct{}{}
		<-c.yield
	}

	if c.fatal == nil && c.finished {
		c.fatal = c.checkTrailingHistory()
	}
	return c.result(), nil
}

func (c *Context) run(fn Orchestrator) {
	defer func() {
		r := recover()
		switch {
		case c.aborting:
		case r != nil:
			c.err = fmt.Errorf("orchestrator panicked: %v", r)
			c.finished = true
		case c.continued:
			c.finished = true
		case !c.finished:
			c.err = errors.New("orchestrator goroutine exited unexpectedly")
			c.finished = true
		}
		c.yield <- struct{}{}
	}()

	out, err := fn(c)
	c.output, c.err, c.finished = out, err, true
}

// suspend hands control back to the executor until the next event has been
// applied. It never returns when the pass is being torn down.
func (c *Context) suspend() {
	c.checkLive()
	c.yield <- struct{}{}
	<-c.resume
	c.checkLive()
}

// checkTrailingHistory matches scheduling events recorded after the point
// where the program finished. They must all be commands the program issued.
func (c *Context) checkTrailingHistory() error {
	for _, ev := range c.history[c.applied:] {
		if !ev.IsScheduling() {
			continue
		}
		if _, err := c.apply(ev); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) result() *Result {
	res := &Result{Outcome: api.StatusRunning, Consumed: c.applied}

	if c.fatal != nil {
		res.Outcome = api.StatusFailed
		res.Failure = &api.FailureDetails{
			Type:         fmt.Sprintf("%T", c.fatal),
			Message:      c.fatal.Error(),
			NonRetryable: true,
		}
		return res
	}

	for _, a := range c.pending {
		if c.isUnmatched(a) {
			res.Actions = append(res.Actions, *a)
		}
	}

	switch {
	case !c.finished:
	case c.continued:
		res.Outcome = api.StatusContinuedAsNew
		res.NewInput = c.newInput
	case c.err != nil:
		res.Outcome = api.StatusFailed
		res.Failure = api.NewFailureDetails(c.err)
	default:
		out, err := api.MarshalPayload(c.output)
		if err != nil {
			res.Outcome = api.StatusFailed
			res.Failure = api.NewFailureDetails(fmt.Errorf("marshal orchestrator output: %w", err))
			return res
		}
		res.Outcome = api.StatusCompleted
		res.Output = out
	}
	return res
}

func (c *Context) isUnmatched(a *Action) bool {
	if a.Kind == ActionCancelTimer {
		return c.pendingCancels[a.TaskID] == a
	}
	return c.pendingByID[a.TaskID] == a
}

// apply feeds one history event into the context. woke reports whether an
// open future may have been resolved.
func (c *Context) apply(ev api.HistoryEvent) (woke bool, err error) {
	c.now = ev.At

	switch ev.Type {
	case api.EventOrchestratorStarted:
		c.input = ev.Input

	case api.EventTaskScheduled:
		return false, c.match(ev, ActionScheduleTask)
	case api.EventSubOrchestrationScheduled:
		return false, c.match(ev, ActionScheduleSubOrchestration)
	case api.EventTimerCreated:
		return false, c.match(ev, ActionCreateTimer)

	case api.EventTimerCancelled:
		if _, ok := c.pendingCancels[ev.TaskID]; !ok {
			return false, &api.NonDeterminismError{TaskID: ev.TaskID, Expected: describeEvent(ev), Actual: "no timer cancellation"}
		}
		delete(c.pendingCancels, ev.TaskID)

	case api.EventTaskCompleted, api.EventSubOrchestrationCompleted:
		t, err := c.openTask(ev)
		if err != nil || t == nil {
			return false, err
		}
		t.resolve(c.applied-1, ev.Result, nil)
		return true, nil

	case api.EventTaskFailed, api.EventSubOrchestrationFailed:
		t, err := c.openTask(ev)
		if err != nil || t == nil {
			return false, err
		}
		details := ev.Failure
		if details == nil {
			details = &api.FailureDetails{Message: "unknown failure"}
		}
		t.resolve(c.applied-1, nil, &api.TaskFailedError{TaskID: ev.TaskID, Name: t.name, Details: details})
		return true, nil

	case api.EventTimerFired:
		tm, ok := c.timers[ev.TaskID]
		if !ok || !tm.scheduled {
			return false, &api.NonDeterminismError{TaskID: ev.TaskID, Expected: describeEvent(ev), Actual: "no such timer"}
		}
		if tm.cancelled || tm.done {
			return false, nil
		}
		tm.resolve(c.applied-1, nil, nil)
		return true, nil

	case api.EventExternalEventReceived:
		if q := c.waiters[ev.Name]; len(q) > 0 {
			w := q[0]
			c.waiters[ev.Name] = q[1:]
			w.resolve(c.applied-1, ev.Input, nil)
			return true, nil
		}
		c.buffered[ev.Name] = append(c.buffered[ev.Name], bufferedEvent{index: c.applied - 1, payload: ev.Input})
	}
	return false, nil
}

// match pairs a scheduling event with the command the program issued under
// the same sequence number.
func (c *Context) match(ev api.HistoryEvent, kind ActionKind) error {
	a, ok := c.pendingByID[ev.TaskID]
	if !ok {
		return &api.NonDeterminismError{TaskID: ev.TaskID, Expected: describeEvent(ev), Actual: "nothing"}
	}
	if a.Kind != kind || a.Name != ev.Name {
		return &api.NonDeterminismError{TaskID: ev.TaskID, Expected: describeEvent(ev), Actual: a.String()}
	}
	delete(c.pendingByID, ev.TaskID)
	if t, ok := c.tasks[ev.TaskID]; ok {
		t.scheduled = true
	}
	if tm, ok := c.timers[ev.TaskID]; ok {
		tm.scheduled = true
	}
	return nil
}

func (c *Context) openTask(ev api.HistoryEvent) (*task, error) {
	t, ok := c.tasks[ev.TaskID]
	if !ok || !t.scheduled {
		return nil, &api.NonDeterminismError{TaskID: ev.TaskID, Expected: describeEvent(ev), Actual: "no such task"}
	}
	if t.done {
		// Duplicate completion of an at-least-once delivery.
		return nil, nil
	}
	return t, nil
}

func describeEvent(ev api.HistoryEvent) string {
	if ev.Name == "" {
		return fmt.Sprintf("%s#%d", ev.Type, ev.TaskID)
	}
	return fmt.Sprintf("%s(%s)#%d", ev.Type, ev.Name, ev.TaskID)
}
