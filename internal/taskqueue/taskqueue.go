package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/reelflow/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeActivity runs the named activity and reports its outcome.
	TaskTypeActivity TaskType = "activity"
	// TaskTypeTimer fires a durable timer. It becomes eligible at the
	// timer's fire time.
	TaskTypeTimer TaskType = "timer"
	// TaskTypeOrchestration runs one replay pass for an instance.
	TaskTypeOrchestration TaskType = "orchestration"
	// TaskTypeOutcome carries an activity outcome the worker could not
	// report, so it is retried without running the activity again.
	TaskTypeOutcome TaskType = "outcome"
)

// Task represents a unit of work for the worker.
type Task struct {
	// ID is derived from the work it stands for, so re-dispatching the same
	// work does not queue it twice. See TaskID.
	ID   string
	Type TaskType

	InstanceID string
	Generation int
	// TaskID is the orchestrator's sequence number for activities and timers.
	TaskID int

	// Name is the activity name for activity tasks.
	Name    string
	Payload []byte

	// Attempts counts previous failed executions of an activity.
	Attempts int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time
}

// Ref returns the history address of the task's work.
func (t Task) Ref() api.TaskRef {
	return api.TaskRef{InstanceID: t.InstanceID, Generation: t.Generation, TaskID: t.TaskID}
}

// TaskID returns the queue ID of work of the given type. Orchestration tasks
// share one ID per instance, so pending replay requests coalesce.
func TaskID(typ TaskType, ref api.TaskRef) string {
	if typ == TaskTypeOrchestration {
		return fmt.Sprintf("%s/%s", typ, ref.InstanceID)
	}
	return fmt.Sprintf("%s/%s/%d/%d", typ, ref.InstanceID, ref.Generation, ref.TaskID)
}

// Queue is a durable delayed task queue.
type Queue interface {
	// Enqueue adds a task to the queue. Enqueueing a task whose ID is already
	// queued is a no-op.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the eligible task with the earliest
	// NotBefore, blocking until one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Cancel removes a queued task. Cancelling an unknown or already
	// dequeued task is not an error.
	Cancel(ctx context.Context, id string) error

	// Len returns the approximate number of tasks queued.
	Len() int
}
