package api

import "context"

// Engine is the client-facing API of the instance coordinator. It is what the
// trigger layer (HTTP handlers, CLI, schedules) talks to.
type Engine interface {
	// Start creates a new instance of the named orchestrator with the given
	// input and schedules its first replay pass. A reused instance ID is
	// rejected: the existing instance is returned together with
	// ErrInstanceExists and nothing is restarted.
	Start(ctx context.Context, name string, input any, opts ...StartOption) (*Instance, error)

	// RaiseEvent appends an ExternalEventReceived event to a running
	// instance's history and schedules a replay pass.
	RaiseEvent(ctx context.Context, id, name string, payload any) error

	// Terminate stops a running instance. Outstanding work items are
	// discarded when they complete.
	Terminate(ctx context.Context, id, reason string) error

	// GetInstance looks up an instance by ID.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// ListInstances returns instances matching the given options.
	// If options are zero-valued, all instances are returned.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*Instance, error)

	// History returns the current generation's history in append order.
	History(ctx context.Context, id string) ([]HistoryEvent, error)

	// Recover re-dispatches outstanding work (scheduled activities, pending
	// timers, unprocessed events) for every running instance. It is meant to
	// be called on process startup, before workers begin pulling tasks.
	//
	// It returns the number of instances it touched.
	Recover(ctx context.Context) (int, error)
}

// TaskRef addresses one scheduled unit of work within one generation of an
// instance.
type TaskRef struct {
	InstanceID string
	Generation int
	TaskID     int
}

// WorkerDirect is implemented by engines to let workers report outcomes and
// drive replay passes without going through the client API.
type WorkerDirect interface {
	// ProcessInstance runs one replay pass for the instance.
	ProcessInstance(ctx context.Context, id string) error

	// CompleteActivity appends TaskCompleted for ref.
	CompleteActivity(ctx context.Context, ref TaskRef, result []byte) error

	// FailActivity appends TaskFailed for ref.
	FailActivity(ctx context.Context, ref TaskRef, failure *FailureDetails) error

	// FireTimer appends TimerFired for ref.
	FireTimer(ctx context.Context, ref TaskRef) error
}

// ApprovalRecord routes an inbound approval callback to the instance that is
// waiting for it.
type ApprovalRecord struct {
	Code            string
	OrchestrationID string
}

// ApprovalStore is the side table of approval codes. It is outside the
// instance history's consistency domain.
type ApprovalStore interface {
	SaveApproval(ctx context.Context, rec ApprovalRecord) error
	GetApproval(ctx context.Context, code string) (ApprovalRecord, error)
}
