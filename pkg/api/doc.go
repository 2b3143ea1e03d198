// Package api contains the core types shared by the reelflow orchestration
// engine, its stores, workers and trigger layers.
//
// Most users interact with the higher-level reelflow package, which re-exports
// selected types from this package. The api package is intended for custom
// integrations (stores, observers, HTTP front-ends) and for contributors
// extending the engine itself.
//
// # Instances and History
//
// An Instance is the mutable status record of one orchestration. Next to it
// the store keeps an append-only history of HistoryEvent values for the
// current generation. The history is the single source of truth: replaying
// the orchestrator program against it reproduces every decision the program
// made so far.
//
// Continue-as-new ends a generation. The next generation starts with an empty
// history whose first event is OrchestratorStarted carrying the new input.
//
// # Errors
//
// Client errors (ErrInstanceNotFound, ErrInstanceExists, ErrInstanceNotRunning)
// are sentinel values to be matched with errors.Is. Failures that crossed the
// orchestration boundary are persisted as FailureDetails and surface in
// orchestrator code as *TaskFailedError. A *NonDeterminismError is fatal to
// the generation it was detected in.
//
// # Observability
//
// The Observer interface is used by engines and workers to report lifecycle
// events. NoopObserver, LoggingObserver (log/slog) and BasicMetrics are
// provided here; NewCompositeObserver combines several of them.
package api
