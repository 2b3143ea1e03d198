package schedule

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petrijr/reelflow/pkg/api"
)

// startEngine records Start calls and honours instance ID uniqueness.
type startEngine struct {
	api.Engine

	mu        sync.Mutex
	instances map[string]*api.Instance
	calls     int
}

func newStartEngine() *startEngine {
	return &startEngine{instances: make(map[string]*api.Instance)}
}

func (e *startEngine) Start(ctx context.Context, name string, input any, opts ...api.StartOption) (*api.Instance, error) {
	var o api.StartOptions
	for _, opt := range opts {
		opt(&o)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if inst, ok := e.instances[o.InstanceID]; ok {
		return inst, api.ErrInstanceExists
	}
	payload, err := api.MarshalPayload(input)
	if err != nil {
		return nil, err
	}
	inst := &api.Instance{ID: o.InstanceID, Name: name, Status: api.StatusRunning, Input: payload}
	e.instances[o.InstanceID] = inst
	return inst, nil
}

func (e *startEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.instances)
}

func TestTriggerIsIdempotentPerSlot(t *testing.T) {
	eng := newStartEngine()
	s := New(eng, zap.NewNop())
	entry := Entry{Name: "periodic", Spec: "@every 1m", Workflow: "O_PeriodicTask", Input: json.RawMessage(`0`)}
	slot := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)

	first, err := s.Trigger(context.Background(), entry, slot)
	require.NoError(t, err)
	require.Equal(t, "periodic-20240501T030000Z", first.ID)
	require.Equal(t, "0", string(first.Input))

	again, err := s.Trigger(context.Background(), entry, slot)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, 1, eng.count())
	require.Equal(t, 2, eng.calls)

	_, err = s.Trigger(context.Background(), entry, slot.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, eng.count())
}

func TestInstanceIDUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	slot := time.Date(2024, 5, 1, 5, 0, 0, 0, loc)
	require.Equal(t, "nightly-20240501T030000Z", InstanceID("nightly", slot))
}

func TestAddValidatesEntries(t *testing.T) {
	s := New(newStartEngine(), nil)

	require.Error(t, s.Add(Entry{Name: "bad", Spec: "not a cron", Workflow: "O_PeriodicTask"}))
	require.Error(t, s.Add(Entry{Name: "", Spec: "@hourly", Workflow: "O_PeriodicTask"}))
	require.Error(t, s.Add(Entry{Name: "json", Spec: "@hourly", Workflow: "O_PeriodicTask", Input: json.RawMessage(`{`)}))

	require.NoError(t, s.Add(Entry{Name: "five-field", Spec: "0 3 * * *", Workflow: "O_PeriodicTask"}))
	require.NoError(t, s.Add(Entry{Name: "six-field", Spec: "*/5 * * * * *", Workflow: "O_PeriodicTask"}))
	err := s.Add(Entry{Name: "five-field", Spec: "@daily", Workflow: "O_PeriodicTask"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "already registered"))

	require.ElementsMatch(t, []string{"five-field", "six-field"}, s.Names())
	require.NoError(t, s.Remove("six-field"))
	require.Error(t, s.Remove("six-field"))
	require.Equal(t, []string{"five-field"}, s.Names())
}

func TestCronStartsInstances(t *testing.T) {
	eng := newStartEngine()
	s := New(eng, zap.NewNop())
	require.NoError(t, s.Add(Entry{Name: "tick", Spec: "* * * * * *", Workflow: "O_PeriodicTask"}))

	s.Start()
	defer func() { <-s.Stop().Done() }()

	require.Eventually(t, func() bool { return eng.count() >= 1 }, 5*time.Second, 50*time.Millisecond)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	for id, inst := range eng.instances {
		require.True(t, strings.HasPrefix(id, "tick-"), id)
		require.Equal(t, "O_PeriodicTask", inst.Name)
	}
}
