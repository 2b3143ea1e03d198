package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of an orchestration instance.
type Status string

const (
	StatusRunning        Status = "RUNNING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusContinuedAsNew Status = "CONTINUED_AS_NEW"
	StatusTerminated     Status = "TERMINATED"
)

// IsTerminal reports whether no further replay passes will run for the
// current generation of an instance in this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

var (
	// ErrInstanceNotFound is returned when no instance exists for an ID.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists is returned by Start when the caller supplied an
	// instance ID that is already in use.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrInstanceNotRunning is returned when an operation requires a running
	// instance (raising an event, terminating) but the instance is terminal.
	ErrInstanceNotRunning = errors.New("instance is not running")

	// ErrUnknownOrchestrator is returned when no orchestrator is registered
	// under the requested name.
	ErrUnknownOrchestrator = errors.New("unknown orchestrator")

	// ErrUnknownActivity is returned when no activity is registered under the
	// requested name.
	ErrUnknownActivity = errors.New("unknown activity")

	// ErrHistoryConflict is returned by stores when a compare-and-append lost
	// against a concurrent writer: the history length no longer matches.
	ErrHistoryConflict = errors.New("history was modified concurrently")

	// ErrApprovalNotFound is returned when an approval code is unknown.
	ErrApprovalNotFound = errors.New("approval not found")
)

// Instance is the mutable status record of one orchestration instance.
//
// The append-only history lives next to it in the store; Generation selects
// which history segment is current. Continue-as-new bumps Generation and
// starts a fresh, empty history under the same ID.
type Instance struct {
	ID         string
	Name       string
	Status     Status
	Generation int

	Input   []byte
	Output  []byte
	Failure *FailureDetails

	// HistoryLen is the number of events in the current generation's history.
	// Stores use it for compare-and-append.
	HistoryLen int

	// Checkpoint is the history length that had been consumed when the
	// previous replay pass finished. Events past it are new to the program.
	Checkpoint int

	// ParentID and ParentTaskID are set for sub-orchestrations so completion
	// can be routed back into the parent's history.
	ParentID     string
	ParentTaskID int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy that can be mutated without affecting the receiver.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	if i.Failure != nil {
		f := *i.Failure
		c.Failure = &f
	}
	return &c
}

// DecodeOutput unmarshals the instance output into v.
func (i *Instance) DecodeOutput(v any) error {
	return UnmarshalPayload(i.Output, v)
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// Name, if non-empty, limits results to instances of the given orchestrator.
	Name string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}

// StartOptions holds optional parameters for Engine.Start.
type StartOptions struct {
	InstanceID string

	parentID     string
	parentTaskID int
}

// StartOption configures a Start call.
type StartOption func(*StartOptions)

// WithInstanceID makes Start use a caller-supplied instance ID instead of a
// generated one. Reusing an ID that already exists is rejected with
// ErrInstanceExists.
func WithInstanceID(id string) StartOption {
	return func(o *StartOptions) { o.InstanceID = id }
}

// WithParent marks the new instance as a sub-orchestration of parentID whose
// result resolves the parent's task parentTaskID.
func WithParent(parentID string, parentTaskID int) StartOption {
	return func(o *StartOptions) {
		o.parentID = parentID
		o.parentTaskID = parentTaskID
	}
}

// Parent returns the parent set via WithParent, if any.
func (o StartOptions) Parent() (string, int, bool) {
	return o.parentID, o.parentTaskID, o.parentID != ""
}

// FailureDetails is the persisted form of an error that crossed the
// orchestration boundary (activity failures, orchestration failures).
type FailureDetails struct {
	Type         string `json:"type,omitempty"`
	Message      string `json:"message"`
	NonRetryable bool   `json:"non_retryable,omitempty"`
}

func (f *FailureDetails) Error() string {
	if f == nil {
		return ""
	}
	return f.Message
}

// NewFailureDetails captures err for persistence.
func NewFailureDetails(err error) *FailureDetails {
	if err == nil {
		return nil
	}
	var fd *FailureDetails
	if errors.As(err, &fd) {
		c := *fd
		return &c
	}
	return &FailureDetails{
		Type:         fmt.Sprintf("%T", err),
		Message:      err.Error(),
		NonRetryable: IsNonRetryable(err),
	}
}

// TaskFailedError is what orchestrator code observes when an awaited
// activity or sub-orchestration failed.
type TaskFailedError struct {
	TaskID  int
	Name    string
	Details *FailureDetails
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s (#%d) failed: %s", e.Name, e.TaskID, e.Details.Error())
}

// Unwrap exposes the persisted failure details.
func (e *TaskFailedError) Unwrap() error {
	return e.Details
}

// NonDeterminismError reports that orchestrator code issued a scheduling call
// that does not match the recorded history. It is fatal to the generation.
type NonDeterminismError struct {
	TaskID   int
	Expected string
	Actual   string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic orchestration: history has %s at sequence %d, but code issued %s",
		e.Expected, e.TaskID, e.Actual)
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err so the worker reports it as a failed task without
// spending the remaining retry budget.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	if errors.As(err, &nr) {
		return true
	}
	var fd *FailureDetails
	return errors.As(err, &fd) && fd.NonRetryable
}

// MarshalPayload encodes a value as a JSON payload. Raw JSON is passed through.
func MarshalPayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(v)
}

// UnmarshalPayload decodes a JSON payload into v. An empty payload leaves v
// untouched; a nil v discards the payload.
func UnmarshalPayload(data []byte, v any) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}
