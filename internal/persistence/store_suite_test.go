package persistence

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/reelflow/pkg/api"
)

// StoreSuite is run against every backend. newStore must return a store
// with no instances in it.
type StoreSuite struct {
	suite.Suite
	newStore func() Backend

	store Backend
	ctx   context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newInstance(id, name string, created time.Time) *api.Instance {
	return &api.Instance{
		ID:         id,
		Name:       name,
		Status:     api.StatusRunning,
		Generation: 1,
		Input:      []byte(`"video.mp4"`),
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func startedEvent(at time.Time) api.HistoryEvent {
	return api.HistoryEvent{At: at, Type: api.EventOrchestratorStarted, Name: "wf", Input: []byte(`"video.mp4"`)}
}

func (s *StoreSuite) create(id, name string, created time.Time) *api.Instance {
	inst := newInstance(id, name, created)
	s.Require().NoError(s.store.CreateInstance(s.ctx, inst, []api.HistoryEvent{startedEvent(created)}))
	return inst
}

func (s *StoreSuite) TestCreateAndGet() {
	inst := s.create("inst-1", "wf", baseTime)
	s.Equal(1, inst.HistoryLen)

	got, err := s.store.GetInstance(s.ctx, "inst-1")
	s.Require().NoError(err)
	s.Equal("wf", got.Name)
	s.Equal(api.StatusRunning, got.Status)
	s.Equal(1, got.Generation)
	s.Equal(1, got.HistoryLen)
	s.Equal(`"video.mp4"`, string(got.Input))
	s.Nil(got.Failure)
	s.True(got.CreatedAt.Equal(baseTime), "created at %v", got.CreatedAt)

	hist, err := s.store.History(s.ctx, "inst-1")
	s.Require().NoError(err)
	s.Require().Len(hist, 1)
	s.Equal(0, hist[0].Index)
	s.Equal(api.EventOrchestratorStarted, hist[0].Type)
	s.True(hist[0].At.Equal(baseTime))
	s.True(hist[0].FireAt.IsZero())
}

func (s *StoreSuite) TestCreateDuplicate() {
	s.create("dup", "wf", baseTime)

	err := s.store.CreateInstance(s.ctx, newInstance("dup", "other", baseTime), []api.HistoryEvent{startedEvent(baseTime)})
	s.ErrorIs(err, ErrInstanceExists)

	got, err := s.store.GetInstance(s.ctx, "dup")
	s.Require().NoError(err)
	s.Equal("wf", got.Name)
}

func (s *StoreSuite) TestGetUnknown() {
	_, err := s.store.GetInstance(s.ctx, "missing")
	s.ErrorIs(err, ErrInstanceNotFound)

	_, err = s.store.History(s.ctx, "missing")
	s.ErrorIs(err, ErrInstanceNotFound)
}

func (s *StoreSuite) TestCommitAppends() {
	inst := s.create("inst-1", "wf", baseTime)
	expect := VersionOf(inst)

	fireAt := baseTime.Add(30 * time.Second)
	events := []api.HistoryEvent{
		{At: baseTime, Type: api.EventTaskScheduled, TaskID: 0, Name: "A_Transcode", Input: []byte(`320`)},
		{At: baseTime, Type: api.EventTimerCreated, TaskID: 1, FireAt: fireAt},
	}
	inst.Checkpoint = 3
	inst.UpdatedAt = baseTime.Add(time.Second)
	s.Require().NoError(s.store.Commit(s.ctx, inst, expect, events))
	s.Equal(3, inst.HistoryLen)

	failure := &api.FailureDetails{Type: "*errors.errorString", Message: "boom", NonRetryable: true}
	expect = VersionOf(inst)
	s.Require().NoError(s.store.Commit(s.ctx, inst, expect, []api.HistoryEvent{
		{At: baseTime.Add(2 * time.Second), Type: api.EventTaskFailed, TaskID: 0, Failure: failure},
	}))

	hist, err := s.store.History(s.ctx, "inst-1")
	s.Require().NoError(err)
	s.Require().Len(hist, 4)
	for i, ev := range hist {
		s.Equal(i, ev.Index)
	}
	s.Equal(api.EventTaskScheduled, hist[1].Type)
	s.Equal("A_Transcode", hist[1].Name)
	s.Equal("320", string(hist[1].Input))
	s.True(hist[2].FireAt.Equal(fireAt))
	s.Equal(failure, hist[3].Failure)

	got, err := s.store.GetInstance(s.ctx, "inst-1")
	s.Require().NoError(err)
	s.Equal(4, got.HistoryLen)
	s.Equal(3, got.Checkpoint)
}

func (s *StoreSuite) TestCommitConflict() {
	inst := s.create("inst-1", "wf", baseTime)
	stale := VersionOf(inst)

	ev := api.HistoryEvent{At: baseTime, Type: api.EventExternalEventReceived, Name: "ApprovalResult", Input: []byte(`"Approved"`)}
	s.Require().NoError(s.store.Commit(s.ctx, inst.Clone(), stale, []api.HistoryEvent{ev}))

	err := s.store.Commit(s.ctx, inst.Clone(), stale, []api.HistoryEvent{ev})
	s.ErrorIs(err, ErrHistoryConflict)

	hist, err := s.store.History(s.ctx, "inst-1")
	s.Require().NoError(err)
	s.Len(hist, 2)
}

func (s *StoreSuite) TestCommitUnknown() {
	inst := newInstance("ghost", "wf", baseTime)
	err := s.store.Commit(s.ctx, inst, Version{Generation: 1, HistoryLen: 1}, nil)
	s.ErrorIs(err, ErrInstanceNotFound)
}

func (s *StoreSuite) TestCommitNewGeneration() {
	inst := s.create("periodic", "O_PeriodicTask", baseTime)
	expect := VersionOf(inst)
	s.Require().NoError(s.store.Commit(s.ctx, inst, expect, []api.HistoryEvent{
		{At: baseTime, Type: api.EventTaskScheduled, TaskID: 0, Name: "A_PeriodicActivity"},
	}))

	expect = VersionOf(inst)
	inst.Generation = 2
	inst.Input = []byte(`1`)
	inst.Checkpoint = 0
	s.Require().NoError(s.store.Commit(s.ctx, inst, expect, []api.HistoryEvent{
		{At: baseTime.Add(15 * time.Second), Type: api.EventOrchestratorStarted, Name: "O_PeriodicTask", Input: []byte(`1`)},
	}))
	s.Equal(1, inst.HistoryLen)

	got, err := s.store.GetInstance(s.ctx, "periodic")
	s.Require().NoError(err)
	s.Equal(2, got.Generation)
	s.Equal(1, got.HistoryLen)
	s.Equal("1", string(got.Input))

	hist, err := s.store.History(s.ctx, "periodic")
	s.Require().NoError(err)
	s.Require().Len(hist, 1)
	s.Equal(0, hist[0].Index)
	s.Equal("1", string(hist[0].Input))

	// The previous generation's version is stale now.
	err = s.store.Commit(s.ctx, inst.Clone(), expect, nil)
	s.ErrorIs(err, ErrHistoryConflict)
}

func (s *StoreSuite) TestListInstances() {
	a := s.create("a", "O_ProcessVideo", baseTime)
	s.create("b", "O_PeriodicTask", baseTime.Add(time.Second))
	s.create("c", "O_ProcessVideo", baseTime.Add(2*time.Second))

	expect := VersionOf(a)
	a.Status = api.StatusCompleted
	a.Output = []byte(`{"ok":true}`)
	s.Require().NoError(s.store.Commit(s.ctx, a, expect, []api.HistoryEvent{
		{At: baseTime, Type: api.EventOrchestratorCompleted, Result: a.Output},
	}))

	all, err := s.store.ListInstances(s.ctx, InstanceFilter{})
	s.Require().NoError(err)
	s.Equal([]string{"a", "b", "c"}, ids(all))

	videos, err := s.store.ListInstances(s.ctx, InstanceFilter{Name: "O_ProcessVideo"})
	s.Require().NoError(err)
	s.Equal([]string{"a", "c"}, ids(videos))

	running, err := s.store.ListInstances(s.ctx, InstanceFilter{Status: api.StatusRunning})
	s.Require().NoError(err)
	s.Equal([]string{"b", "c"}, ids(running))

	done, err := s.store.ListInstances(s.ctx, InstanceFilter{Name: "O_ProcessVideo", Status: api.StatusCompleted})
	s.Require().NoError(err)
	s.Equal([]string{"a"}, ids(done))
	s.Equal(`{"ok":true}`, string(done[0].Output))
}

func (s *StoreSuite) TestApprovals() {
	_, err := s.store.GetApproval(s.ctx, "nope")
	s.ErrorIs(err, ErrApprovalNotFound)

	s.Require().NoError(s.store.SaveApproval(s.ctx, api.ApprovalRecord{Code: "c0de", OrchestrationID: "inst-1"}))
	rec, err := s.store.GetApproval(s.ctx, "c0de")
	s.Require().NoError(err)
	s.Equal(api.ApprovalRecord{Code: "c0de", OrchestrationID: "inst-1"}, rec)

	s.Require().NoError(s.store.SaveApproval(s.ctx, api.ApprovalRecord{Code: "c0de", OrchestrationID: "inst-2"}))
	rec, err = s.store.GetApproval(s.ctx, "c0de")
	s.Require().NoError(err)
	s.Equal("inst-2", rec.OrchestrationID)
}

func ids(list []*api.Instance) []string {
	out := make([]string, len(list))
	for i, inst := range list {
		out[i] = inst.ID
	}
	return out
}
