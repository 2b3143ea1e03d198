package replay

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/petrijr/reelflow/pkg/api"
)

type bufferedEvent struct {
	index   int
	payload []byte
}

// Context is handed to orchestrator code. It is only valid on the
// orchestrator's own goroutine and only for the duration of one pass.
type Context struct {
	instanceID string
	name       string
	generation int
	logger     *slog.Logger

	history    []api.HistoryEvent
	checkpoint int
	applied    int
	now        time.Time
	input      []byte

	seq    int
	tasks  map[int]*task
	timers map[int]*Timer

	// pending holds every command issued in this pass in issue order;
	// pendingByID and pendingCancels track those not yet matched against a
	// scheduling event.
	pending        []*Action
	pendingByID    map[int]*Action
	pendingCancels map[int]*Action

	buffered map[string][]bufferedEvent
	waiters  map[string][]*task

	yield    chan struct{}
	resume   chan struct{}
	aborting bool

	finished  bool
	continued bool
	output    any
	err       error
	newInput  []byte
	fatal     error
}

func newContext(in Input) *Context {
	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		instanceID:     in.InstanceID,
		name:           in.Name,
		generation:     in.Generation,
		logger:         logger,
		history:        in.History,
		checkpoint:     in.Checkpoint,
		tasks:          make(map[int]*task),
		timers:         make(map[int]*Timer),
		pendingByID:    make(map[int]*Action),
		pendingCancels: make(map[int]*Action),
		buffered:       make(map[string][]bufferedEvent),
		waiters:        make(map[string][]*task),
		yield:          make(chan struct{}),
		resume:         make(chan struct{}),
	}
}

// InstanceID returns the ID of the running instance.
func (c *Context) InstanceID() string { return c.instanceID }

// Name returns the orchestrator name the instance was started with.
func (c *Context) Name() string { return c.name }

// Generation returns the current generation, starting at 1.
func (c *Context) Generation() int { return c.generation }

// GetInput decodes the generation's input into v.
func (c *Context) GetInput(v any) error {
	if err := api.UnmarshalPayload(c.input, v); err != nil {
		return fmt.Errorf("decode orchestrator input: %w", err)
	}
	return nil
}

// CurrentTime returns the timestamp of the most recently applied history
// event. Orchestrators use it instead of time.Now.
func (c *Context) CurrentTime() time.Time { return c.now }

// IsReplaying reports whether the code currently running already ran in an
// earlier pass.
func (c *Context) IsReplaying() bool { return c.applied <= c.checkpoint }

// Logger returns a logger that drops records while the orchestrator is
// replaying, so each line is written once per instance.
func (c *Context) Logger() *slog.Logger {
	return slog.New(&replayHandler{inner: c.logger.Handler(), ctx: c}).With(
		slog.String("instance_id", c.instanceID),
		slog.String("orchestrator", c.name),
	)
}

// CallActivity schedules the named activity with input.
func (c *Context) CallActivity(name string, input any) Future {
	return c.schedule(ActionScheduleTask, name, input, "")
}

// CallSubOrchestrator starts the named orchestrator as a child instance. The
// child ID is derived from the parent ID, generation and sequence number.
func (c *Context) CallSubOrchestrator(name string, input any) Future {
	return c.schedule(ActionScheduleSubOrchestration, name, input, "")
}

// CallSubOrchestratorWithID is CallSubOrchestrator with a caller-chosen child
// instance ID. The ID must be derived deterministically.
func (c *Context) CallSubOrchestratorWithID(name, instanceID string, input any) Future {
	return c.schedule(ActionScheduleSubOrchestration, name, input, instanceID)
}

func (c *Context) schedule(kind ActionKind, name string, input any, childID string) Future {
	c.checkLive()
	id := c.nextSeq()
	payload, err := api.MarshalPayload(input)
	if err != nil {
		return failedFuture{index: c.applied - 1, err: fmt.Errorf("marshal input of %s: %w", name, err)}
	}

	a := &Action{Kind: kind, TaskID: id, Name: name, Input: payload}
	if kind == ActionScheduleSubOrchestration {
		a.InstanceID = childID
		if a.InstanceID == "" {
			a.InstanceID = SubOrchestrationID(c.instanceID, c.generation, id)
		}
	}
	c.addAction(a)

	t := &task{ctx: c, id: id, name: name}
	c.tasks[id] = t
	return t
}

// SubOrchestrationID is the deterministic child instance ID used by
// CallSubOrchestrator.
func SubOrchestrationID(parentID string, generation, taskID int) string {
	return fmt.Sprintf("%s:%d:%d", parentID, generation, taskID)
}

// CreateTimer schedules a durable timer that fires at or after fireAt.
func (c *Context) CreateTimer(fireAt time.Time) *Timer {
	c.checkLive()
	id := c.nextSeq()
	c.addAction(&Action{Kind: ActionCreateTimer, TaskID: id, FireAt: fireAt.UTC()})
	t := &Timer{task: &task{ctx: c, id: id, name: "timer"}}
	c.timers[id] = t
	return t
}

// CreateTimerAfter schedules a timer d after CurrentTime.
func (c *Context) CreateTimerAfter(d time.Duration) *Timer {
	return c.CreateTimer(c.now.Add(d))
}

// WaitForExternalEvent returns a future resolved by the next unconsumed
// ExternalEventReceived event with the given name. Events with the same name
// are handed to waiters in the order they were received. A wait that lost a
// race should be cancelled so it does not consume a later event.
func (c *Context) WaitForExternalEvent(name string) *EventWait {
	w := &EventWait{task: &task{ctx: c, id: -1, name: name}}
	if q := c.buffered[name]; len(q) > 0 {
		ev := q[0]
		c.buffered[name] = q[1:]
		w.resolve(ev.index, ev.payload, nil)
		return w
	}
	c.waiters[name] = append(c.waiters[name], w.task)
	return w
}

// ContinueAsNew ends the current generation and starts a new one with input.
// It does not return.
func (c *Context) ContinueAsNew(input any) {
	c.checkLive()
	payload, err := api.MarshalPayload(input)
	if err != nil {
		panic(fmt.Sprintf("marshal continue-as-new input: %v", err))
	}
	c.newInput = payload
	c.continued = true
	runtime.Goexit()
}

// checkLive stops the calling goroutine once the pass is being torn down or
// the generation has already ended.
func (c *Context) checkLive() {
	if c.aborting || c.continued {
		runtime.Goexit()
	}
}

func (c *Context) nextSeq() int {
	id := c.seq
	c.seq++
	return id
}

func (c *Context) addAction(a *Action) {
	c.pending = append(c.pending, a)
	if a.Kind == ActionCancelTimer {
		c.pendingCancels[a.TaskID] = a
		return
	}
	c.pendingByID[a.TaskID] = a
}

// replayHandler suppresses records while the owning context is replaying.
type replayHandler struct {
	inner slog.Handler
	ctx   *Context
}

func (h *replayHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.ctx.IsReplaying() && h.inner.Enabled(ctx, level)
}

func (h *replayHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *replayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replayHandler{inner: h.inner.WithAttrs(attrs), ctx: h.ctx}
}

func (h *replayHandler) WithGroup(name string) slog.Handler {
	return &replayHandler{inner: h.inner.WithGroup(name), ctx: h.ctx}
}
