package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/reelflow/pkg/api"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRunner plays the coordinator: it appends the commands of each pass to
// the history and immediately delivers activity results and timer firings.
type fakeRunner struct {
	t          *testing.T
	fn         Orchestrator
	activities map[string]func(input []byte) (any, error)
	logger     *slog.Logger

	history    []api.HistoryEvent
	checkpoint int
	clock      time.Time
	calls      map[string]int
}

func newRunner(t *testing.T, fn Orchestrator, input any) *fakeRunner {
	r := &fakeRunner{
		t:          t,
		fn:         fn,
		activities: map[string]func([]byte) (any, error){},
		clock:      t0,
		calls:      map[string]int{},
	}
	payload, err := api.MarshalPayload(input)
	require.NoError(t, err)
	r.history = []api.HistoryEvent{{Index: 0, At: t0, Type: api.EventOrchestratorStarted, Name: "test", Input: payload}}
	return r
}

func (r *fakeRunner) append(ev api.HistoryEvent) {
	r.clock = r.clock.Add(time.Second)
	ev.Index = len(r.history)
	ev.At = r.clock
	r.history = append(r.history, ev)
}

func (r *fakeRunner) pass() *Result {
	res, err := Execute(r.fn, Input{
		InstanceID: "inst-1",
		Name:       "test",
		Generation: 1,
		History:    r.history,
		Checkpoint: r.checkpoint,
		Logger:     r.logger,
	})
	require.NoError(r.t, err)
	for _, a := range res.Actions {
		r.append(a.Event())
	}
	r.checkpoint = len(r.history)
	return res
}

func (r *fakeRunner) run() *Result {
	for i := 0; i < 100; i++ {
		res := r.pass()
		if res.Outcome != api.StatusRunning || len(res.Actions) == 0 {
			return res
		}
		for _, a := range res.Actions {
			switch a.Kind {
			case ActionScheduleTask:
				r.calls[a.Name]++
				fn, ok := r.activities[a.Name]
				require.True(r.t, ok, "unexpected activity %s", a.Name)
				out, err := fn(a.Input)
				if err != nil {
					r.append(api.HistoryEvent{Type: api.EventTaskFailed, TaskID: a.TaskID, Failure: api.NewFailureDetails(err)})
					continue
				}
				payload, err := api.MarshalPayload(out)
				require.NoError(r.t, err)
				r.append(api.HistoryEvent{Type: api.EventTaskCompleted, TaskID: a.TaskID, Result: payload})
			case ActionCreateTimer:
				r.append(api.HistoryEvent{Type: api.EventTimerFired, TaskID: a.TaskID})
			}
		}
	}
	r.t.Fatalf("orchestration did not settle")
	return nil
}

func execute(t *testing.T, fn Orchestrator, history []api.HistoryEvent, checkpoint int) *Result {
	t.Helper()
	res, err := Execute(fn, Input{InstanceID: "inst-1", Name: "test", Generation: 1, History: history, Checkpoint: checkpoint})
	require.NoError(t, err)
	return res
}

func started(input string) api.HistoryEvent {
	return api.HistoryEvent{Index: 0, At: t0, Type: api.EventOrchestratorStarted, Input: []byte(input)}
}

func at(idx int, ev api.HistoryEvent) api.HistoryEvent {
	ev.Index = idx
	ev.At = t0.Add(time.Duration(idx) * time.Second)
	return ev
}

func TestExecute_SequentialActivities(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		var name string
		if err := ctx.GetInput(&name); err != nil {
			return nil, err
		}
		var greeting string
		if err := ctx.CallActivity("Greet", name).Await(&greeting); err != nil {
			return nil, err
		}
		shout, err := Await[string](ctx.CallActivity("Shout", greeting))
		if err != nil {
			return nil, err
		}
		return shout, nil
	}

	r := newRunner(t, fn, "reel")
	r.activities["Greet"] = func(in []byte) (any, error) {
		var s string
		_ = api.UnmarshalPayload(in, &s)
		return "hello " + s, nil
	}
	r.activities["Shout"] = func(in []byte) (any, error) {
		var s string
		_ = api.UnmarshalPayload(in, &s)
		return s + "!", nil
	}

	res := r.run()
	require.Equal(t, api.StatusCompleted, res.Outcome)
	assert.JSONEq(t, `"hello reel!"`, string(res.Output))
	assert.Equal(t, map[string]int{"Greet": 1, "Shout": 1}, r.calls)

	var types []api.EventType
	for _, ev := range r.history {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []api.EventType{
		api.EventOrchestratorStarted,
		api.EventTaskScheduled, api.EventTaskCompleted,
		api.EventTaskScheduled, api.EventTaskCompleted,
	}, types)
}

func TestExecute_ReplayOfCompletedHistoryIsIdempotent(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		var n int
		if err := ctx.CallActivity("Count", nil).Await(&n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}
	r := newRunner(t, fn, nil)
	r.activities["Count"] = func([]byte) (any, error) { return 21, nil }

	first := r.run()
	require.Equal(t, api.StatusCompleted, first.Outcome)

	again := execute(t, fn, r.history, len(r.history))
	assert.Equal(t, api.StatusCompleted, again.Outcome)
	assert.Equal(t, first.Output, again.Output)
	assert.Empty(t, again.Actions)
	assert.Equal(t, 1, r.calls["Count"])
}

func TestExecute_IsDeterministicForFixedHistory(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		a := ctx.CallActivity("A", 1)
		b := ctx.CallActivity("B", 2)
		if err := a.Await(nil); err != nil {
			return nil, err
		}
		ctx.CreateTimerAfter(time.Minute)
		return nil, b.Await(nil)
	}
	history := []api.HistoryEvent{
		started(""),
		at(1, api.HistoryEvent{Type: api.EventTaskScheduled, TaskID: 0, Name: "A"}),
		at(2, api.HistoryEvent{Type: api.EventTaskScheduled, TaskID: 1, Name: "B"}),
		at(3, api.HistoryEvent{Type: api.EventTaskCompleted, TaskID: 0}),
	}

	first := execute(t, fn, history, 3)
	second := execute(t, fn, history, 3)

	assert.Equal(t, first, second)
	require.Len(t, first.Actions, 1)
	assert.Equal(t, ActionCreateTimer, first.Actions[0].Kind)
	assert.Equal(t, 2, first.Actions[0].TaskID)
	assert.Equal(t, t0.Add(3*time.Second+time.Minute), first.Actions[0].FireAt)
}

func TestExecute_FanOutFanIn(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		bitrates := []int{320, 240, 128}
		futures := make([]Future, 0, len(bitrates))
		for _, b := range bitrates {
			futures = append(futures, ctx.CallActivity("Transcode", b))
		}
		if err := ctx.WhenAll(futures...).Await(nil); err != nil {
			return nil, err
		}
		out := make([]string, 0, len(futures))
		for _, f := range futures {
			var s string
			if err := f.Await(&s); err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}

	history := []api.HistoryEvent{started("")}
	first := execute(t, fn, history, 0)
	require.Equal(t, api.StatusRunning, first.Outcome)
	require.Len(t, first.Actions, 3)
	for i, a := range first.Actions {
		assert.Equal(t, ActionScheduleTask, a.Kind)
		assert.Equal(t, i, a.TaskID)
		assert.Equal(t, "Transcode", a.Name)
		history = append(history, at(len(history), a.Event()))
	}

	// Completions arrive out of order.
	for _, id := range []int{2, 0} {
		history = append(history, at(len(history), api.HistoryEvent{
			Type: api.EventTaskCompleted, TaskID: id, Result: []byte(fmt.Sprintf(`"out-%d"`, id)),
		}))
	}
	partial := execute(t, fn, history, 4)
	assert.Equal(t, api.StatusRunning, partial.Outcome)
	assert.Empty(t, partial.Actions)

	history = append(history, at(len(history), api.HistoryEvent{Type: api.EventTaskCompleted, TaskID: 1, Result: []byte(`"out-1"`)}))
	done := execute(t, fn, history, 6)
	require.Equal(t, api.StatusCompleted, done.Outcome)
	assert.JSONEq(t, `["out-0","out-1","out-2"]`, string(done.Output))
}

func approvalRace(ctx *Context) (any, error) {
	timer := ctx.CreateTimerAfter(30 * time.Second)
	approval := ctx.WaitForExternalEvent("ApprovalResult")

	var result string
	if ctx.WhenAny(approval, timer).Winner() == approval {
		timer.Cancel()
		if err := approval.Await(&result); err != nil {
			return nil, err
		}
	} else {
		result = "Timed Out"
	}
	return result, nil
}

func TestExecute_WhenAnyFollowsHistoryOrder(t *testing.T) {
	base := []api.HistoryEvent{
		started(""),
		at(1, api.HistoryEvent{Type: api.EventTimerCreated, TaskID: 0, FireAt: t0.Add(30 * time.Second)}),
	}
	approved := at(2, api.HistoryEvent{Type: api.EventExternalEventReceived, Name: "ApprovalResult", Input: []byte(`"Approved"`)})
	fired := at(2, api.HistoryEvent{Type: api.EventTimerFired, TaskID: 0})

	t.Run("approval first", func(t *testing.T) {
		late := fired
		late.Index = 3
		res := execute(t, approvalRace, append(append([]api.HistoryEvent{}, base...), approved, late), 2)
		require.Equal(t, api.StatusCompleted, res.Outcome)
		assert.JSONEq(t, `"Approved"`, string(res.Output))
		require.Len(t, res.Actions, 1)
		assert.Equal(t, ActionCancelTimer, res.Actions[0].Kind)
		assert.Equal(t, 0, res.Actions[0].TaskID)
	})

	t.Run("timer first", func(t *testing.T) {
		late := approved
		late.Index = 3
		res := execute(t, approvalRace, append(append([]api.HistoryEvent{}, base...), fired, late), 2)
		require.Equal(t, api.StatusCompleted, res.Outcome)
		assert.JSONEq(t, `"Timed Out"`, string(res.Output))
		assert.Empty(t, res.Actions)
	})
}

func TestExecute_BufferedEventWinsRaceAgainstLaterTimer(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		if err := ctx.CallActivity("Prepare", nil).Await(nil); err != nil {
			return nil, err
		}
		return approvalRace(ctx)
	}
	history := []api.HistoryEvent{
		started(""),
		at(1, api.HistoryEvent{Type: api.EventTaskScheduled, TaskID: 0, Name: "Prepare"}),
		at(2, api.HistoryEvent{Type: api.EventExternalEventReceived, Name: "ApprovalResult", Input: []byte(`"Rejected"`)}),
		at(3, api.HistoryEvent{Type: api.EventTaskCompleted, TaskID: 0}),
	}

	res := execute(t, fn, history, 2)
	require.Equal(t, api.StatusCompleted, res.Outcome)
	assert.JSONEq(t, `"Rejected"`, string(res.Output))

	// The timer is created and cancelled within the same pass.
	require.Len(t, res.Actions, 2)
	assert.Equal(t, ActionCreateTimer, res.Actions[0].Kind)
	assert.Equal(t, ActionCancelTimer, res.Actions[1].Kind)
	assert.Equal(t, res.Actions[0].TaskID, res.Actions[1].TaskID)
}

func TestExecute_CancelledTimerIgnoresLateFiring(t *testing.T) {
	history := []api.HistoryEvent{
		started(""),
		at(1, api.HistoryEvent{Type: api.EventTimerCreated, TaskID: 0, FireAt: t0.Add(30 * time.Second)}),
		at(2, api.HistoryEvent{Type: api.EventExternalEventReceived, Name: "ApprovalResult", Input: []byte(`"Approved"`)}),
		at(3, api.HistoryEvent{Type: api.EventTimerCancelled, TaskID: 0}),
		at(4, api.HistoryEvent{Type: api.EventTimerFired, TaskID: 0}),
	}

	res := execute(t, approvalRace, history, 4)
	require.Equal(t, api.StatusCompleted, res.Outcome)
	assert.JSONEq(t, `"Approved"`, string(res.Output))
	assert.Empty(t, res.Actions)
}

func TestExecute_CancelAfterFireIsNoop(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		timer := ctx.CreateTimerAfter(time.Second)
		if err := timer.Await(nil); err != nil {
			return nil, err
		}
		timer.Cancel()
		return timer.Cancelled(), nil
	}
	history := []api.HistoryEvent{
		started(""),
		at(1, api.HistoryEvent{Type: api.EventTimerCreated, TaskID: 0}),
		at(2, api.HistoryEvent{Type: api.EventTimerFired, TaskID: 0}),
	}
	res := execute(t, fn, history, 2)
	require.Equal(t, api.StatusCompleted, res.Outcome)
	assert.JSONEq(t, `false`, string(res.Output))
	assert.Empty(t, res.Actions)
}

func TestExecute_ExternalEventsAreFIFOPerName(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		var got []string
		for i := 0; i < 3; i++ {
			var s string
			if err := ctx.WaitForExternalEvent("x").Await(&s); err != nil {
				return nil, err
			}
			got = append(got, s)
		}
		return got, nil
	}
	history := []api.HistoryEvent{
		started(""),
		at(1, api.HistoryEvent{Type: api.EventExternalEventReceived, Name: "x", Input: []byte(`"first"`)}),
		at(2, api.HistoryEvent{Type: api.EventExternalEventReceived, Name: "X", Input: []byte(`"other"`)}),
		at(3, api.HistoryEvent{Type: api.EventExternalEventReceived, Name: "x", Input: []byte(`"second"`)}),
	}

	res := execute(t, fn, history, 0)
	assert.Equal(t, api.StatusRunning, res.Outcome)

	history = append(history, at(4, api.HistoryEvent{Type: api.EventExternalEventReceived, Name: "x", Input: []byte(`"third"`)}))
	res = execute(t, fn, history, 4)
	require.Equal(t, api.StatusCompleted, res.Outcome)
	assert.JSONEq(t, `["first","second","third"]`, string(res.Output))
}

func TestExecute_CancelledWaitLeavesEventForNextWait(t *testing.T) {
	var abandoned *EventWait
	fn := func(ctx *Context) (any, error) {
		for round := 0; round < 2; round++ {
			timer := ctx.CreateTimerAfter(time.Minute)
			approval := ctx.WaitForExternalEvent("Approval")
			if ctx.WhenAny(approval, timer).Winner() == approval {
				timer.Cancel()
				return Await[string](approval)
			}
			approval.Cancel()
			abandoned = approval
		}
		return "timed out", nil
	}
	history := []api.HistoryEvent{
		started(""),
		at(1, api.HistoryEvent{Type: api.EventTimerCreated, TaskID: 0}),
		at(2, api.HistoryEvent{Type: api.EventTimerFired, TaskID: 0}),
		at(3, api.HistoryEvent{Type: api.EventTimerCreated, TaskID: 1}),
		at(4, api.HistoryEvent{Type: api.EventExternalEventReceived, Name: "Approval", Input: []byte(`"Approved"`)}),
	}

	res := execute(t, fn, history, 4)
	require.Equal(t, api.StatusCompleted, res.Outcome)
	assert.JSONEq(t, `"Approved"`, string(res.Output))
	require.Len(t, res.Actions, 1)
	assert.Equal(t, ActionCancelTimer, res.Actions[0].Kind)
	assert.Equal(t, 1, res.Actions[0].TaskID)

	require.NotNil(t, abandoned)
	assert.True(t, abandoned.Cancelled())
	assert.ErrorIs(t, abandoned.Await(nil), ErrWaitCancelled)
}

func TestExecute_CancelReceivedWaitIsNoop(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		w := ctx.WaitForExternalEvent("x")
		s, err := Await[string](w)
		if err != nil {
			return nil, err
		}
		w.Cancel()
		return map[string]any{"value": s, "cancelled": w.Cancelled()}, nil
	}
	history := []api.HistoryEvent{
		started(""),
		at(1, api.HistoryEvent{Type: api.EventExternalEventReceived, Name: "x", Input: []byte(`"v"`)}),
	}

	res := execute(t, fn, history, 1)
	require.Equal(t, api.StatusCompleted, res.Outcome)
	assert.JSONEq(t, `{"value":"v","cancelled":false}`, string(res.Output))
}

func TestExecute_ActivityFailureIsCatchable(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		err := ctx.CallActivity("Thumbnail", "error.mp4").Await(nil)
		if err == nil {
			return "ok", nil
		}
		var failed *api.TaskFailedError
		if !errors.As(err, &failed) {
			return nil, fmt.Errorf("unexpected error type %T", err)
		}
		if cerr := ctx.CallActivity("Cleanup", []string{"a.mp4"}).Await(nil); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}

	r := newRunner(t, fn, nil)
	r.activities["Thumbnail"] = func([]byte) (any, error) { return nil, errors.New("thumbnail failed") }
	r.activities["Cleanup"] = func([]byte) (any, error) { return "cleaned", nil }

	res := r.run()
	require.Equal(t, api.StatusFailed, res.Outcome)
	assert.Equal(t, "thumbnail failed", res.Failure.Message)
	assert.Equal(t, 1, r.calls["Cleanup"])
}

func TestExecute_DetectsNameMismatch(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		return nil, ctx.CallActivity("B", nil).Await(nil)
	}
	history := []api.HistoryEvent{
		started(""),
		at(1, api.HistoryEvent{Type: api.EventTaskScheduled, TaskID: 0, Name: "A"}),
	}

	res := execute(t, fn, history, 2)
	require.Equal(t, api.StatusFailed, res.Outcome)
	assert.Contains(t, res.Failure.Message, "non-deterministic")
	assert.True(t, res.Failure.NonRetryable)
	assert.Empty(t, res.Actions)
}

func TestExecute_DetectsMissingCommand(t *testing.T) {
	fn := func(ctx *Context) (any, error) { return "done", nil }
	history := []api.HistoryEvent{
		started(""),
		at(1, api.HistoryEvent{Type: api.EventTaskScheduled, TaskID: 0, Name: "A"}),
	}

	res := execute(t, fn, history, 2)
	require.Equal(t, api.StatusFailed, res.Outcome)
	assert.Contains(t, res.Failure.Message, "task.scheduled(A)#0")
}

func TestExecute_DetectsCompletionForUnknownTask(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		return nil, ctx.WaitForExternalEvent("never").Await(nil)
	}
	history := []api.HistoryEvent{
		started(""),
		at(1, api.HistoryEvent{Type: api.EventTaskCompleted, TaskID: 7}),
	}

	res := execute(t, fn, history, 0)
	require.Equal(t, api.StatusFailed, res.Outcome)
	var nde *api.NonDeterminismError
	assert.Equal(t, fmt.Sprintf("%T", nde), res.Failure.Type)
}

func TestExecute_ContinueAsNewStopsImmediately(t *testing.T) {
	var after bool
	fn := func(ctx *Context) (any, error) {
		var n int
		if err := ctx.GetInput(&n); err != nil {
			return nil, err
		}
		ctx.ContinueAsNew(n + 1)
		after = true
		return nil, nil
	}

	res := execute(t, fn, []api.HistoryEvent{started("4")}, 0)
	require.Equal(t, api.StatusContinuedAsNew, res.Outcome)
	assert.JSONEq(t, `5`, string(res.NewInput))
	assert.False(t, after)
}

func TestExecute_PanicFailsGeneration(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		var m map[string]int
		m["boom"] = 1
		return nil, nil
	}

	res := execute(t, fn, []api.HistoryEvent{started("")}, 0)
	require.Equal(t, api.StatusFailed, res.Outcome)
	assert.Contains(t, res.Failure.Message, "orchestrator panicked")
}

func TestExecute_MalformedHistory(t *testing.T) {
	_, err := Execute(approvalRace, Input{})
	assert.ErrorIs(t, err, ErrMalformedHistory)
}

func TestExecute_SubOrchestrationIDsAreDeterministic(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		ctx.CallActivity("A", nil)
		return nil, ctx.CallSubOrchestrator("Child", "x").Await(nil)
	}

	res := execute(t, fn, []api.HistoryEvent{started("")}, 0)
	require.Len(t, res.Actions, 2)
	sub := res.Actions[1]
	assert.Equal(t, ActionScheduleSubOrchestration, sub.Kind)
	assert.Equal(t, "inst-1:1:1", sub.InstanceID)
	assert.Equal(t, api.EventSubOrchestrationScheduled, sub.Event().Type)
	assert.Equal(t, "inst-1:1:1", sub.Event().InstanceID)
}

func TestExecute_CurrentTimeFollowsHistory(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		before := ctx.CurrentTime()
		if err := ctx.WaitForExternalEvent("go").Await(nil); err != nil {
			return nil, err
		}
		return []time.Time{before, ctx.CurrentTime()}, nil
	}
	history := []api.HistoryEvent{
		started(""),
		at(5, api.HistoryEvent{Type: api.EventExternalEventReceived, Name: "go"}),
	}
	history[1].Index = 1

	res := execute(t, fn, history, 0)
	require.Equal(t, api.StatusCompleted, res.Outcome)
	var times []time.Time
	require.NoError(t, api.UnmarshalPayload(res.Output, &times))
	assert.True(t, times[0].Equal(t0))
	assert.True(t, times[1].Equal(t0.Add(5*time.Second)))
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, r.Message)
	return nil
}
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func TestContext_LoggerSkipsReplayedCode(t *testing.T) {
	fn := func(ctx *Context) (any, error) {
		ctx.Logger().Info("started")
		if err := ctx.CallActivity("A", nil).Await(nil); err != nil {
			return nil, err
		}
		ctx.Logger().Info("after A")
		return nil, nil
	}

	h := &recordingHandler{}
	r := newRunner(t, fn, nil)
	r.logger = slog.New(h)
	r.activities["A"] = func([]byte) (any, error) { return nil, nil }

	res := r.run()
	require.Equal(t, api.StatusCompleted, res.Outcome)
	assert.Equal(t, []string{"started", "after A"}, h.messages)
}
