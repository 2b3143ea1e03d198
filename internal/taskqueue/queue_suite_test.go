package taskqueue

import (
	"context"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/suite"
)

// QueueSuite is run against every Queue implementation. newQueue must return
// an empty queue driven by clk.
type QueueSuite struct {
	suite.Suite
	newQueue func(clk clock.Clock) Queue

	clock *clock.Mock
	queue Queue
	ctx   context.Context
}

func (s *QueueSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewMock()
	s.clock.Add(time.Hour)
	s.queue = s.newQueue(s.clock)
}

func (s *QueueSuite) dequeue() *Task {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	t, err := s.queue.Dequeue(ctx)
	s.Require().NoError(err)
	return t
}

func (s *QueueSuite) TestOrderedByNotBefore() {
	now := s.clock.Now()
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{ID: "c", Type: TaskTypeOrchestration, NotBefore: now.Add(-1 * time.Millisecond)}))
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{ID: "a", Type: TaskTypeOrchestration, NotBefore: now.Add(-3 * time.Millisecond)}))
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{ID: "b", Type: TaskTypeOrchestration, NotBefore: now.Add(-2 * time.Millisecond)}))
	s.Equal(3, s.queue.Len())

	s.Equal("a", s.dequeue().ID)
	s.Equal("b", s.dequeue().ID)
	s.Equal("c", s.dequeue().ID)
	s.Equal(0, s.queue.Len())
}

func (s *QueueSuite) TestPreservesFields() {
	in := Task{
		ID:         "activity/inst-1/2/3",
		Type:       TaskTypeActivity,
		InstanceID: "inst-1",
		Generation: 2,
		TaskID:     3,
		Name:       "A_TranscodeVideo",
		Payload:    []byte(`{"bitrate":320}`),
		Attempts:   1,
	}
	s.Require().NoError(s.queue.Enqueue(s.ctx, in))

	got := s.dequeue()
	s.Equal(in.ID, got.ID)
	s.Equal(in.Type, got.Type)
	s.Equal(in.InstanceID, got.InstanceID)
	s.Equal(in.Generation, got.Generation)
	s.Equal(in.TaskID, got.TaskID)
	s.Equal(in.Name, got.Name)
	s.Equal(string(in.Payload), string(got.Payload))
	s.Equal(in.Attempts, got.Attempts)
	s.Equal(in.Ref(), got.Ref())
}

func (s *QueueSuite) TestNotEligibleBeforeNotBefore() {
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{
		ID:        "timer/inst-1/1/0",
		Type:      TaskTypeTimer,
		NotBefore: s.clock.Now().Add(time.Minute),
	}))

	ctx, cancel := context.WithTimeout(s.ctx, 100*time.Millisecond)
	defer cancel()
	_, err := s.queue.Dequeue(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)

	s.clock.Add(time.Minute)
	s.Equal("timer/inst-1/1/0", s.dequeue().ID)
}

func (s *QueueSuite) TestDuplicateIDIsIgnored() {
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{ID: "orchestration/inst-1", Type: TaskTypeOrchestration}))
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{ID: "orchestration/inst-1", Type: TaskTypeOrchestration}))
	s.Equal(1, s.queue.Len())

	s.dequeue()
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{ID: "orchestration/inst-1", Type: TaskTypeOrchestration}))
	s.Equal(1, s.queue.Len())
}

func (s *QueueSuite) TestCancel() {
	now := s.clock.Now()
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{ID: "t1", Type: TaskTypeTimer, NotBefore: now.Add(-2 * time.Millisecond)}))
	s.Require().NoError(s.queue.Enqueue(s.ctx, Task{ID: "t2", Type: TaskTypeTimer, NotBefore: now.Add(-1 * time.Millisecond)}))

	s.Require().NoError(s.queue.Cancel(s.ctx, "t1"))
	s.Require().NoError(s.queue.Cancel(s.ctx, "unknown"))
	s.Equal(1, s.queue.Len())
	s.Equal("t2", s.dequeue().ID)
}

func (s *QueueSuite) TestDequeueRespectsCancelledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.queue.Dequeue(ctx)
	s.ErrorIs(err, context.Canceled)
}
