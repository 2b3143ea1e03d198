package reelflow

import (
	"context"

	"github.com/petrijr/reelflow/internal/engine"
	"github.com/petrijr/reelflow/pkg/api"
	"github.com/petrijr/reelflow/pkg/registry"
	"github.com/petrijr/reelflow/pkg/replay"
	"github.com/petrijr/reelflow/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	// Engine is the coordinator API plus the hooks workers report through.
	Engine               = engine.Engine
	Instance             = api.Instance
	InstanceListOptions  = api.InstanceListOptions
	HistoryEvent         = api.HistoryEvent
	Status               = api.Status
	FailureDetails       = api.FailureDetails
	TaskFailedError      = api.TaskFailedError
	ApprovalStore        = api.ApprovalStore
	StartOption          = api.StartOption
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	Registry     = registry.Registry
	Context      = replay.Context
	Future       = replay.Future
	Orchestrator = replay.Orchestrator

	RetryPolicy  = worker.RetryPolicy
	RetryBuilder = worker.RetryBuilder
)

var (
	NewRegistry          = registry.New
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	WithInstanceID       = api.WithInstanceID
	NonRetryable         = api.NonRetryable
	Retry                = worker.Retry
)

// Re-export common errors.

var (
	ErrInstanceNotFound    = api.ErrInstanceNotFound
	ErrInstanceExists      = api.ErrInstanceExists
	ErrInstanceNotRunning  = api.ErrInstanceNotRunning
	ErrUnknownOrchestrator = api.ErrUnknownOrchestrator
	ErrUnknownActivity     = api.ErrUnknownActivity
)

const (
	StatusRunning        = api.StatusRunning
	StatusCompleted      = api.StatusCompleted
	StatusFailed         = api.StatusFailed
	StatusContinuedAsNew = api.StatusContinuedAsNew
	StatusTerminated     = api.StatusTerminated
)

// Convenience helpers that just forward to the underlying Engine.

// Start creates a new instance of the named orchestrator.
func Start(ctx context.Context, eng api.Engine, name string, input any, opts ...StartOption) (*Instance, error) {
	return eng.Start(ctx, name, input, opts...)
}

// RaiseEvent delivers an external event to a running instance.
func RaiseEvent(ctx context.Context, eng api.Engine, id, name string, payload any) error {
	return eng.RaiseEvent(ctx, id, name, payload)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng api.Engine, id string) (*Instance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists instances according to the given options.
func ListInstances(ctx context.Context, eng api.Engine, opts InstanceListOptions) ([]*Instance, error) {
	return eng.ListInstances(ctx, opts)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := reelflow.Recover(ctx, bundle.Engine)
func Recover(ctx context.Context, eng api.Engine) (int, error) {
	return eng.Recover(ctx)
}
