package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/petrijr/reelflow/pkg/api"
)

func testInstance(status api.Status) *api.Instance {
	return &api.Instance{ID: "inst-1", Name: "O_ProcessVideo", Status: status, Generation: 1}
}

func TestZapObserver(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	obs := NewZapObserver(zap.New(core))
	ctx := context.Background()

	obs.OnInstanceStarted(ctx, testInstance(api.StatusRunning))
	obs.OnInstanceFailed(ctx, testInstance(api.StatusFailed), &api.FailureDetails{Message: "could not extract thumbnail"})
	info := api.ActivityInfo{Ref: api.TaskRef{InstanceID: "inst-1", Generation: 1, TaskID: 1}, Name: "A_ExtractThumbnail", Attempt: 2}
	obs.OnActivityCompleted(ctx, info, errors.New("boom"), time.Millisecond)
	obs.OnActivityCompleted(ctx, info, nil, time.Millisecond)

	require.Equal(t, 1, logs.FilterMessage("instance_started").Len())

	failed := logs.FilterMessage("instance_failed").All()
	require.Len(t, failed, 1)
	require.Equal(t, zapcore.ErrorLevel, failed[0].Level)
	require.Equal(t, "could not extract thumbnail", failed[0].ContextMap()["error"])

	require.Equal(t, 1, logs.FilterMessage("activity_failed").Len())
	require.Equal(t, 1, logs.FilterMessage("activity_completed").Len())

	// A nil logger is accepted.
	NewZapObserver(nil).OnInstanceStarted(ctx, testInstance(api.StatusRunning))
}

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPrometheusObserver(reg)
	ctx := context.Background()

	obs.OnInstanceStarted(ctx, testInstance(api.StatusRunning))
	obs.OnInstanceStarted(ctx, testInstance(api.StatusRunning))
	obs.OnInstanceCompleted(ctx, testInstance(api.StatusCompleted))
	obs.OnInstanceFailed(ctx, testInstance(api.StatusTerminated), nil)
	obs.OnReplayPass(ctx, testInstance(api.StatusRunning), api.PassInfo{Outcome: api.StatusRunning, Duration: time.Millisecond})
	obs.OnActivityCompleted(ctx, api.ActivityInfo{Name: "A_TranscodeVideo"}, nil, time.Second)
	obs.OnActivityCompleted(ctx, api.ActivityInfo{Name: "A_TranscodeVideo"}, errors.New("x"), time.Second)

	require.Equal(t, 2.0, testutil.ToFloat64(obs.instancesStarted.WithLabelValues("O_ProcessVideo")))
	require.Equal(t, 1.0, testutil.ToFloat64(obs.instancesFinished.WithLabelValues("O_ProcessVideo", "COMPLETED")))
	require.Equal(t, 1.0, testutil.ToFloat64(obs.instancesFinished.WithLabelValues("O_ProcessVideo", "TERMINATED")))
	require.Equal(t, 1.0, testutil.ToFloat64(obs.replayPasses.WithLabelValues("O_ProcessVideo", "RUNNING")))
	require.Equal(t, 1.0, testutil.ToFloat64(obs.activityAttempts.WithLabelValues("A_TranscodeVideo", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(obs.activityAttempts.WithLabelValues("A_TranscodeVideo", "failure")))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

// statusEngine serves GetInstance from a mutable status.
type statusEngine struct {
	api.Engine

	mu     sync.Mutex
	status api.Status
}

func (e *statusEngine) set(s api.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
}

func (e *statusEngine) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id != "inst-1" {
		return nil, api.ErrInstanceNotFound
	}
	return testInstance(e.status), nil
}

func TestWaitForInstanceAlreadyTerminal(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	eng := &statusEngine{status: api.StatusCompleted}
	inst, err := n.WaitForInstance(context.Background(), eng, "inst-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, inst.Status)

	_, err = n.WaitForInstance(context.Background(), eng, "missing")
	require.ErrorIs(t, err, api.ErrInstanceNotFound)
}

func TestWaitForInstanceWakesOnCompletion(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()
	eng := &statusEngine{status: api.StatusRunning}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		inst *api.Instance
		err  error
	}
	done := make(chan result, 1)
	go func() {
		inst, err := n.WaitForInstance(ctx, eng, "inst-1")
		done <- result{inst, err}
	}()

	// Unrelated and non-terminal events are skipped.
	n.OnInstanceStarted(ctx, &api.Instance{ID: "other", Status: api.StatusRunning})
	n.OnContinuedAsNew(ctx, testInstance(api.StatusRunning))

	eng.set(api.StatusCompleted)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			require.NoError(t, r.err)
			require.Equal(t, api.StatusCompleted, r.inst.Status)
			return
		case <-ticker.C:
			// Keep publishing until the waiter has subscribed.
			n.OnInstanceCompleted(ctx, testInstance(api.StatusCompleted))
		case <-ctx.Done():
			t.Fatalf("WaitForInstance did not return")
		}
	}
}

func TestWaitForInstanceRespectsContext(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := n.WaitForInstance(ctx, &statusEngine{status: api.StatusRunning}, "inst-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
