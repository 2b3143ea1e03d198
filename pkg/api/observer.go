package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// PassInfo summarizes one replay pass.
type PassInfo struct {
	// Replayed is the number of history events that had already been seen by
	// an earlier pass.
	Replayed int
	// NewEvents is the number of events appended since the previous pass.
	NewEvents int
	// Actions is the number of new commands the pass issued.
	Actions  int
	Outcome  Status
	Duration time.Duration
}

// ActivityInfo identifies one activity invocation attempt.
type ActivityInfo struct {
	Ref     TaskRef
	Name    string
	Attempt int
}

// Observer receives callbacks from the engine and workers for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay replay passes.
type Observer interface {
	// OnInstanceStarted is called once when a new instance is created.
	OnInstanceStarted(ctx context.Context, inst *Instance)

	// OnInstanceCompleted is called when an instance reaches StatusCompleted.
	OnInstanceCompleted(ctx context.Context, inst *Instance)

	// OnInstanceFailed is called when an instance transitions to StatusFailed
	// or StatusTerminated.
	OnInstanceFailed(ctx context.Context, inst *Instance, failure *FailureDetails)

	// OnContinuedAsNew is called after a new generation has been started.
	// inst already carries the new generation and input.
	OnContinuedAsNew(ctx context.Context, inst *Instance)

	// OnReplayPass is called after each committed replay pass.
	OnReplayPass(ctx context.Context, inst *Instance, pass PassInfo)

	// OnActivityStart is called before an activity body is invoked.
	OnActivityStart(ctx context.Context, info ActivityInfo)

	// OnActivityCompleted is called after an activity body returns, for both
	// successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStarted(ctx context.Context, inst *Instance)   {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {}
func (NoopObserver) OnInstanceFailed(ctx context.Context, inst *Instance, failure *FailureDetails) {
}
func (NoopObserver) OnContinuedAsNew(ctx context.Context, inst *Instance)            {}
func (NoopObserver) OnReplayPass(ctx context.Context, inst *Instance, pass PassInfo) {}
func (NoopObserver) OnActivityStart(ctx context.Context, info ActivityInfo)          {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStarted(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceStarted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceFailed(ctx context.Context, inst *Instance, failure *FailureDetails) {
	for _, o := range c.observers {
		o.OnInstanceFailed(ctx, inst, failure)
	}
}

func (c *CompositeObserver) OnContinuedAsNew(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnContinuedAsNew(ctx, inst)
	}
}

func (c *CompositeObserver) OnReplayPass(ctx context.Context, inst *Instance, pass PassInfo) {
	for _, o := range c.observers {
		o.OnReplayPass(ctx, inst, pass)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, info)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, info, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance / activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStarted(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_started",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Int("generation", inst.Generation),
	)
}

func (o *LoggingObserver) OnInstanceFailed(ctx context.Context, inst *Instance, failure *FailureDetails) {
	o.Logger.ErrorContext(ctx, "instance_failed",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.String("status", string(inst.Status)),
		slog.String("error", failure.Error()),
	)
}

func (o *LoggingObserver) OnContinuedAsNew(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_continued_as_new",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Int("generation", inst.Generation),
	)
}

func (o *LoggingObserver) OnReplayPass(ctx context.Context, inst *Instance, pass PassInfo) {
	o.Logger.DebugContext(ctx, "replay_pass",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Int("generation", inst.Generation),
		slog.Int("replayed", pass.Replayed),
		slog.Int("new_events", pass.NewEvents),
		slog.Int("actions", pass.Actions),
		slog.String("outcome", string(pass.Outcome)),
		slog.Duration("duration", pass.Duration),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("activity", info.Name),
		slog.String("instance_id", info.Ref.InstanceID),
		slog.Int("task_id", info.Ref.TaskID),
		slog.Int("attempt", info.Attempt),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("activity", info.Name),
		slog.String("instance_id", info.Ref.InstanceID),
		slog.Int("task_id", info.Ref.TaskID),
		slog.Int("attempt", info.Attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted   atomic.Int64
	instancesCompleted atomic.Int64
	instancesFailed    atomic.Int64
	continuedAsNew     atomic.Int64
	replayPasses       atomic.Int64
	activitiesDone     atomic.Int64
	activitiesFailed   atomic.Int64
	totalActivityNanos atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted   int64
	InstancesCompleted int64
	InstancesFailed    int64
	RunningInstances   int64
	ContinuedAsNew     int64
	ReplayPasses       int64

	ActivitiesCompleted int64
	ActivitiesFailed    int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnInstanceStarted(ctx context.Context, inst *Instance) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnInstanceFailed(ctx context.Context, inst *Instance, failure *FailureDetails) {
	m.instancesFailed.Add(1)
}

func (m *BasicMetrics) OnContinuedAsNew(ctx context.Context, inst *Instance) {
	m.continuedAsNew.Add(1)
}

func (m *BasicMetrics) OnReplayPass(ctx context.Context, inst *Instance, pass PassInfo) {
	m.replayPasses.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	// Only successful attempts count towards the average duration.
	if err != nil {
		m.activitiesFailed.Add(1)
		return
	}
	m.activitiesDone.Add(1)
	m.totalActivityNanos.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	failed := m.instancesFailed.Load()
	done := m.activitiesDone.Load()
	totalNs := m.totalActivityNanos.Load()

	var avg time.Duration
	if done > 0 {
		avg = time.Duration(totalNs / done)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:    started,
		InstancesCompleted:  completed,
		InstancesFailed:     failed,
		RunningInstances:    started - completed - failed,
		ContinuedAsNew:      m.continuedAsNew.Load(),
		ReplayPasses:        m.replayPasses.Load(),
		ActivitiesCompleted: done,
		ActivitiesFailed:    m.activitiesFailed.Load(),
		AvgActivityDuration: avg,
	}
}
