package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/petrijr/reelflow/internal/persistence"
	"github.com/petrijr/reelflow/internal/taskqueue"
	"github.com/petrijr/reelflow/pkg/api"
	"github.com/petrijr/reelflow/pkg/registry"
	"github.com/petrijr/reelflow/pkg/replay"
)

// maxAppendAttempts bounds the read-modify-commit loop when another process
// keeps winning the compare-and-append.
const maxAppendAttempts = 16

// Engine is the instance coordinator. It serves the client API and the
// worker callbacks.
type Engine interface {
	api.Engine
	api.WorkerDirect
}

// Config describes how to construct an Engine.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Registry    *registry.Registry
	Observer    api.Observer

	// Clock stamps history events. Defaults to the wall clock.
	Clock clock.Clock

	// Logger backs replay.Context.Logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// engineImpl drives replay passes. Passes of one instance are serialized
// in-process with a keyed mutex; across processes the store's
// compare-and-append rejects the slower writer.
type engineImpl struct {
	store    persistence.Store
	queue    taskqueue.Queue
	registry *registry.Registry
	observer api.Observer
	clock    clock.Clock
	logger   *slog.Logger
	locks    *keyedMutex

	// deferred holds committed passes whose dispatch or parent
	// notification failed. The next ProcessInstance of the instance
	// finishes them first. Recover covers the work lost with the process.
	mu       sync.Mutex
	deferred map[string][]*passOutcome
}

var _ Engine = (*engineImpl)(nil)

// NewEngine creates a new Engine using the given configuration.
func NewEngine(cfg Config) (Engine, error) {
	if cfg.Persistence.Instances == nil {
		return nil, errors.New("engine: instance store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: task queue is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}

	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &engineImpl{
		store:    cfg.Persistence.Instances,
		queue:    cfg.Queue,
		registry: cfg.Registry,
		observer: obs,
		clock:    clk,
		logger:   logger,
		locks:    newKeyedMutex(),
		deferred: make(map[string][]*passOutcome),
	}, nil
}

func (e *engineImpl) now() time.Time {
	return e.clock.Now().UTC()
}

func (e *engineImpl) Start(ctx context.Context, name string, input any, opts ...api.StartOption) (*api.Instance, error) {
	if _, err := e.registry.Orchestrator(name); err != nil {
		return nil, err
	}

	var o api.StartOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := o.InstanceID
	if id == "" {
		id = uuid.NewString()
	}

	payload, err := api.MarshalPayload(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input of %s: %w", name, err)
	}

	now := e.now()
	inst := &api.Instance{
		ID:         id,
		Name:       name,
		Status:     api.StatusRunning,
		Generation: 1,
		Input:      payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if parentID, taskID, ok := o.Parent(); ok {
		inst.ParentID = parentID
		inst.ParentTaskID = taskID
	}

	started := api.HistoryEvent{At: now, Type: api.EventOrchestratorStarted, Name: name, Input: payload}
	if err := e.store.CreateInstance(ctx, inst, []api.HistoryEvent{started}); err != nil {
		if errors.Is(err, api.ErrInstanceExists) {
			existing, gerr := e.store.GetInstance(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return existing, fmt.Errorf("start %s: %w", id, api.ErrInstanceExists)
		}
		return nil, err
	}

	e.observer.OnInstanceStarted(ctx, inst)

	if err := e.scheduleReplay(ctx, id); err != nil {
		return inst, err
	}
	return inst.Clone(), nil
}

func (e *engineImpl) RaiseEvent(ctx context.Context, id, name string, payload any) error {
	data, err := api.MarshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal payload of event %s: %w", name, err)
	}

	appended, err := e.appendEvent(ctx, id, func(inst *api.Instance, _ openWork) (*api.HistoryEvent, error) {
		if inst.Status != api.StatusRunning {
			return nil, fmt.Errorf("raise %s on %s (%s): %w", name, id, inst.Status, api.ErrInstanceNotRunning)
		}
		return &api.HistoryEvent{Type: api.EventExternalEventReceived, Name: name, Input: data}, nil
	})
	if err != nil || !appended {
		return err
	}
	return e.scheduleReplay(ctx, id)
}

func (e *engineImpl) CompleteActivity(ctx context.Context, ref api.TaskRef, result []byte) error {
	return e.deliver(ctx, ref, api.HistoryEvent{Type: api.EventTaskCompleted, TaskID: ref.TaskID, Result: result})
}

func (e *engineImpl) FailActivity(ctx context.Context, ref api.TaskRef, failure *api.FailureDetails) error {
	return e.deliver(ctx, ref, api.HistoryEvent{Type: api.EventTaskFailed, TaskID: ref.TaskID, Failure: failure})
}

func (e *engineImpl) FireTimer(ctx context.Context, ref api.TaskRef) error {
	return e.deliver(ctx, ref, api.HistoryEvent{Type: api.EventTimerFired, TaskID: ref.TaskID})
}

// deliver appends the outcome of dispatched work. Outcomes for another
// generation, a finished instance, or work that is already resolved are
// dropped, which makes at-least-once delivery safe. A duplicate for the
// running generation still schedules a pass, in case the delivery that
// appended it failed before doing so.
func (e *engineImpl) deliver(ctx context.Context, ref api.TaskRef, ev api.HistoryEvent) error {
	live := false
	_, err := e.appendEvent(ctx, ref.InstanceID, func(inst *api.Instance, open openWork) (*api.HistoryEvent, error) {
		live = inst.Status == api.StatusRunning && inst.Generation == ref.Generation
		if !live || !open.accepts(ev) {
			return nil, nil
		}
		return &ev, nil
	})
	if errors.Is(err, api.ErrInstanceNotFound) {
		return nil
	}
	if err != nil || !live {
		return err
	}
	return e.scheduleReplay(ctx, ref.InstanceID)
}

// appendEvent commits the event built from the current instance state.
// build may return nil to append nothing.
func (e *engineImpl) appendEvent(ctx context.Context, id string, build func(*api.Instance, openWork) (*api.HistoryEvent, error)) (bool, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		inst, err := e.store.GetInstance(ctx, id)
		if err != nil {
			return false, err
		}
		hist, err := e.store.History(ctx, id)
		if err != nil {
			return false, err
		}

		ev, err := build(inst, scanHistory(hist))
		if err != nil || ev == nil {
			return false, err
		}
		ev.At = e.now()

		next := inst.Clone()
		next.UpdatedAt = ev.At
		err = e.store.Commit(ctx, next, persistence.VersionOf(inst), []api.HistoryEvent{*ev})
		if errors.Is(err, api.ErrHistoryConflict) {
			continue
		}
		return err == nil, err
	}
	return false, fmt.Errorf("append to %s: %w", id, api.ErrHistoryConflict)
}

func (e *engineImpl) scheduleReplay(ctx context.Context, id string) error {
	ref := api.TaskRef{InstanceID: id}
	return e.queue.Enqueue(ctx, taskqueue.Task{
		ID:         taskqueue.TaskID(taskqueue.TaskTypeOrchestration, ref),
		Type:       taskqueue.TaskTypeOrchestration,
		InstanceID: id,
	})
}

// passOutcome is what ProcessInstance has to do after the commit, outside
// the instance lock.
type passOutcome struct {
	inst    *api.Instance
	actions []replay.Action
	outcome api.Status

	// announced is set once the observer has seen the outcome.
	announced bool
}

func (e *engineImpl) ProcessInstance(ctx context.Context, id string) error {
	for _, out := range e.takeDeferred(id) {
		if err := e.finishPass(ctx, out); err != nil {
			return err
		}
	}

	out, err := e.runPass(ctx, id)
	if err != nil || out == nil {
		return err
	}
	return e.finishPass(ctx, out)
}

// finishPass dispatches a committed pass and reports its outcome. On error
// the remaining steps are deferred to the next pass of the instance.
func (e *engineImpl) finishPass(ctx context.Context, out *passOutcome) error {
	if err := e.dispatch(ctx, out.inst, out.actions); err != nil {
		e.deferPass(out)
		return err
	}
	out.actions = nil

	if !out.announced {
		out.announced = true
		switch out.outcome {
		case api.StatusCompleted:
			e.observer.OnInstanceCompleted(ctx, out.inst)
		case api.StatusFailed:
			e.observer.OnInstanceFailed(ctx, out.inst, out.inst.Failure)
		case api.StatusContinuedAsNew:
			e.observer.OnContinuedAsNew(ctx, out.inst)
		}
	}

	var err error
	switch out.outcome {
	case api.StatusCompleted, api.StatusFailed:
		err = e.notifyParent(ctx, out.inst)
	case api.StatusContinuedAsNew:
		err = e.scheduleReplay(ctx, out.inst.ID)
	}
	if err != nil {
		e.deferPass(out)
	}
	return err
}

func (e *engineImpl) deferPass(out *passOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deferred[out.inst.ID] = append(e.deferred[out.inst.ID], out)
}

func (e *engineImpl) takeDeferred(id string) []*passOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	outs := e.deferred[id]
	delete(e.deferred, id)
	return outs
}

// runPass replays the instance once and commits the result.
func (e *engineImpl) runPass(ctx context.Context, id string) (*passOutcome, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, id)
	if errors.Is(err, api.ErrInstanceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if inst.Status != api.StatusRunning {
		return nil, nil
	}
	hist, err := e.store.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(hist) == inst.Checkpoint {
		// Nothing new since the last pass.
		return nil, nil
	}

	started := e.clock.Now()
	res, err := e.execute(inst, hist)
	if err != nil {
		return nil, err
	}

	now := e.now()
	next := inst.Clone()
	next.UpdatedAt = now

	events := make([]api.HistoryEvent, 0, len(res.Actions)+1)
	for _, a := range res.Actions {
		ev := a.Event()
		ev.At = now
		events = append(events, ev)
	}

	switch res.Outcome {
	case api.StatusCompleted:
		next.Status = api.StatusCompleted
		next.Output = res.Output
		events = append(events, api.HistoryEvent{At: now, Type: api.EventOrchestratorCompleted, Result: res.Output})
	case api.StatusFailed:
		next.Status = api.StatusFailed
		next.Failure = res.Failure
		events = append(events, api.HistoryEvent{At: now, Type: api.EventOrchestratorCompleted, Failure: res.Failure})
	case api.StatusContinuedAsNew:
		// The new generation starts with a fresh history; commands the old
		// one issued but never recorded are dropped with it.
		next.Generation++
		next.Input = res.NewInput
		next.Output = nil
		next.Failure = nil
		events = []api.HistoryEvent{{At: now, Type: api.EventOrchestratorStarted, Name: inst.Name, Input: res.NewInput}}
	}

	if res.Outcome == api.StatusContinuedAsNew {
		next.Checkpoint = 0
	} else {
		next.Checkpoint = len(hist) + len(events)
	}

	if err := e.store.Commit(ctx, next, persistence.VersionOf(inst), events); err != nil {
		return nil, fmt.Errorf("commit pass of %s: %w", id, err)
	}

	e.observer.OnReplayPass(ctx, next, api.PassInfo{
		Replayed:  inst.Checkpoint,
		NewEvents: len(hist) - inst.Checkpoint,
		Actions:   len(res.Actions),
		Outcome:   res.Outcome,
		Duration:  e.clock.Now().Sub(started),
	})

	out := &passOutcome{inst: next, outcome: res.Outcome}
	if res.Outcome != api.StatusContinuedAsNew {
		out.actions = res.Actions
	}
	return out, nil
}

func (e *engineImpl) execute(inst *api.Instance, hist []api.HistoryEvent) (*replay.Result, error) {
	fn, err := e.registry.Orchestrator(inst.Name)
	if err != nil {
		return &replay.Result{Outcome: api.StatusFailed, Failure: api.NewFailureDetails(api.NonRetryable(err))}, nil
	}
	res, err := replay.Execute(fn, replay.Input{
		InstanceID: inst.ID,
		Name:       inst.Name,
		Generation: inst.Generation,
		History:    hist,
		Checkpoint: inst.Checkpoint,
		Logger:     e.logger,
	})
	if errors.Is(err, replay.ErrMalformedHistory) {
		return &replay.Result{Outcome: api.StatusFailed, Failure: api.NewFailureDetails(api.NonRetryable(err))}, nil
	}
	return res, err
}

// dispatch hands committed commands to the queue and creates child
// instances. Every step is idempotent, so Recover may repeat it.
func (e *engineImpl) dispatch(ctx context.Context, inst *api.Instance, actions []replay.Action) error {
	for _, a := range actions {
		ref := api.TaskRef{InstanceID: inst.ID, Generation: inst.Generation, TaskID: a.TaskID}

		var err error
		switch a.Kind {
		case replay.ActionScheduleTask:
			err = e.enqueueActivity(ctx, ref, a.Name, a.Input)
		case replay.ActionCreateTimer:
			err = e.enqueueTimer(ctx, ref, a.FireAt)
		case replay.ActionCancelTimer:
			err = e.queue.Cancel(ctx, taskqueue.TaskID(taskqueue.TaskTypeTimer, ref))
		case replay.ActionScheduleSubOrchestration:
			err = e.startChild(ctx, inst, a.TaskID, a.Name, a.InstanceID, a.Input)
		}
		if err != nil {
			return fmt.Errorf("dispatch %s of %s: %w", a, inst.ID, err)
		}
	}
	return nil
}

func (e *engineImpl) enqueueActivity(ctx context.Context, ref api.TaskRef, name string, input []byte) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		ID:         taskqueue.TaskID(taskqueue.TaskTypeActivity, ref),
		Type:       taskqueue.TaskTypeActivity,
		InstanceID: ref.InstanceID,
		Generation: ref.Generation,
		TaskID:     ref.TaskID,
		Name:       name,
		Payload:    input,
	})
}

func (e *engineImpl) enqueueTimer(ctx context.Context, ref api.TaskRef, fireAt time.Time) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		ID:         taskqueue.TaskID(taskqueue.TaskTypeTimer, ref),
		Type:       taskqueue.TaskTypeTimer,
		InstanceID: ref.InstanceID,
		Generation: ref.Generation,
		TaskID:     ref.TaskID,
		NotBefore:  fireAt,
	})
}

// startChild creates the child instance of a sub-orchestration. A child that
// already exists was created by an earlier dispatch; if it has finished, its
// result is routed to the parent again.
func (e *engineImpl) startChild(ctx context.Context, parent *api.Instance, taskID int, name, childID string, input []byte) error {
	child, err := e.Start(ctx, name, json.RawMessage(input),
		api.WithInstanceID(childID),
		api.WithParent(parent.ID, taskID),
	)
	switch {
	case errors.Is(err, api.ErrInstanceExists):
		if child.Status.IsTerminal() {
			return e.notifyParent(ctx, child)
		}
		return nil
	case errors.Is(err, api.ErrUnknownOrchestrator):
		// Resolve the parent's future with the failure instead of leaving it
		// waiting forever.
		_, derr := e.appendEvent(ctx, parent.ID, func(inst *api.Instance, open openWork) (*api.HistoryEvent, error) {
			ev := api.HistoryEvent{
				Type:       api.EventSubOrchestrationFailed,
				TaskID:     taskID,
				InstanceID: childID,
				Failure:    api.NewFailureDetails(api.NonRetryable(err)),
			}
			if inst.Status != api.StatusRunning || inst.Generation != parent.Generation || !open.accepts(ev) {
				return nil, nil
			}
			return &ev, nil
		})
		if derr != nil {
			return derr
		}
		return e.scheduleReplay(ctx, parent.ID)
	}
	return err
}

// notifyParent appends the child's terminal outcome to its parent.
func (e *engineImpl) notifyParent(ctx context.Context, child *api.Instance) error {
	if child.ParentID == "" {
		return nil
	}

	ev := api.HistoryEvent{TaskID: child.ParentTaskID, InstanceID: child.ID}
	if child.Status == api.StatusCompleted {
		ev.Type = api.EventSubOrchestrationCompleted
		ev.Result = child.Output
	} else {
		ev.Type = api.EventSubOrchestrationFailed
		ev.Failure = child.Failure
		if ev.Failure == nil {
			ev.Failure = &api.FailureDetails{Message: fmt.Sprintf("sub-orchestration %s ended with status %s", child.ID, child.Status)}
		}
	}

	appended, err := e.appendEvent(ctx, child.ParentID, func(inst *api.Instance, open openWork) (*api.HistoryEvent, error) {
		if inst.Status != api.StatusRunning || !open.accepts(ev) {
			return nil, nil
		}
		return &ev, nil
	})
	if errors.Is(err, api.ErrInstanceNotFound) {
		return nil
	}
	if err != nil || !appended {
		return err
	}
	return e.scheduleReplay(ctx, child.ParentID)
}

func (e *engineImpl) Terminate(ctx context.Context, id, reason string) error {
	failure := &api.FailureDetails{Type: "Terminated", Message: reason, NonRetryable: true}

	var (
		terminated *api.Instance
		timers     []int
	)
	unlock := e.locks.Lock(id)
	for attempt := 0; ; attempt++ {
		inst, err := e.store.GetInstance(ctx, id)
		if err != nil {
			unlock()
			return err
		}
		if inst.Status != api.StatusRunning {
			unlock()
			return fmt.Errorf("terminate %s (%s): %w", id, inst.Status, api.ErrInstanceNotRunning)
		}
		hist, err := e.store.History(ctx, id)
		if err != nil {
			unlock()
			return err
		}

		now := e.now()
		next := inst.Clone()
		next.Status = api.StatusTerminated
		next.Failure = failure
		next.UpdatedAt = now
		next.Checkpoint = len(hist) + 1
		ev := api.HistoryEvent{At: now, Type: api.EventExecutionTerminated, Failure: failure}

		err = e.store.Commit(ctx, next, persistence.VersionOf(inst), []api.HistoryEvent{ev})
		if errors.Is(err, api.ErrHistoryConflict) && attempt < maxAppendAttempts {
			continue
		}
		if err != nil {
			unlock()
			return err
		}

		terminated = next
		for taskID := range scanHistory(hist).timers {
			timers = append(timers, taskID)
		}
		break
	}
	unlock()

	for _, taskID := range timers {
		ref := api.TaskRef{InstanceID: id, Generation: terminated.Generation, TaskID: taskID}
		if err := e.queue.Cancel(ctx, taskqueue.TaskID(taskqueue.TaskTypeTimer, ref)); err != nil {
			return err
		}
	}

	e.observer.OnInstanceFailed(ctx, terminated, failure)
	return e.notifyParent(ctx, terminated)
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, api.ErrInstanceNotFound) {
			return nil, fmt.Errorf("instance %s: %w", id, err)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.Instance, error) {
	filter := persistence.InstanceFilter{
		Name:   opts.Name,
		Status: opts.Status,
	}
	return e.store.ListInstances(ctx, filter)
}

func (e *engineImpl) History(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	hist, err := e.store.History(ctx, id)
	if err != nil {
		if errors.Is(err, api.ErrInstanceNotFound) {
			return nil, fmt.Errorf("instance %s: %w", id, err)
		}
		return nil, err
	}
	return hist, nil
}

func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	running, err := e.store.ListInstances(ctx, persistence.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	for _, inst := range running {
		hist, err := e.store.History(ctx, inst.ID)
		if err != nil {
			return 0, err
		}
		open := scanHistory(hist)

		for taskID, ev := range open.activities {
			ref := api.TaskRef{InstanceID: inst.ID, Generation: inst.Generation, TaskID: taskID}
			if err := e.enqueueActivity(ctx, ref, ev.Name, ev.Input); err != nil {
				return 0, err
			}
		}
		for taskID, ev := range open.timers {
			ref := api.TaskRef{InstanceID: inst.ID, Generation: inst.Generation, TaskID: taskID}
			if err := e.enqueueTimer(ctx, ref, ev.FireAt); err != nil {
				return 0, err
			}
		}
		for taskID, ev := range open.children {
			if err := e.startChild(ctx, inst, taskID, ev.Name, ev.InstanceID, ev.Input); err != nil {
				return 0, err
			}
		}
		if err := e.scheduleReplay(ctx, inst.ID); err != nil {
			return 0, err
		}
	}
	return len(running), nil
}
