package api

import "time"

// EventType identifies a history event.
type EventType string

const (
	EventOrchestratorStarted       EventType = "orchestrator.started"
	EventTaskScheduled             EventType = "task.scheduled"
	EventTaskCompleted             EventType = "task.completed"
	EventTaskFailed                EventType = "task.failed"
	EventTimerCreated              EventType = "timer.created"
	EventTimerFired                EventType = "timer.fired"
	EventTimerCancelled            EventType = "timer.cancelled"
	EventExternalEventReceived     EventType = "event.received"
	EventSubOrchestrationScheduled EventType = "suborchestration.scheduled"
	EventSubOrchestrationCompleted EventType = "suborchestration.completed"
	EventSubOrchestrationFailed    EventType = "suborchestration.failed"
	EventOrchestratorCompleted     EventType = "orchestrator.completed"
	EventExecutionTerminated       EventType = "orchestrator.terminated"
)

// HistoryEvent is one entry of an instance's append-only history.
//
// Which fields are meaningful depends on Type:
//
//	OrchestratorStarted        Name (orchestrator), Input
//	TaskScheduled              TaskID, Name (activity), Input
//	TaskCompleted              TaskID, Result
//	TaskFailed                 TaskID, Failure
//	TimerCreated               TaskID, FireAt
//	TimerFired/TimerCancelled  TaskID
//	ExternalEventReceived      Name, Input (payload)
//	SubOrchestrationScheduled  TaskID, Name (orchestrator), Input, InstanceID (child)
//	SubOrchestration{Completed,Failed}  TaskID, Result / Failure
//	OrchestratorCompleted      Result or Failure
//	ExecutionTerminated        Failure (reason)
//
// Continue-as-new leaves no closing event: the successor generation's
// OrchestratorStarted carries the new input.
type HistoryEvent struct {
	// Index is the 0-based position in the generation's history. Stores
	// assign it on append.
	Index int
	At    time.Time
	Type  EventType

	TaskID     int
	Name       string
	InstanceID string
	Input      []byte
	Result     []byte
	Failure    *FailureDetails
	FireAt     time.Time
}

// IsScheduling reports whether the event records a command issued by the
// orchestrator (as opposed to an outcome delivered to it).
func (e HistoryEvent) IsScheduling() bool {
	switch e.Type {
	case EventTaskScheduled, EventTimerCreated, EventSubOrchestrationScheduled, EventTimerCancelled:
		return true
	}
	return false
}
