// Package replay runs orchestrator code deterministically against an
// instance's recorded history.
//
// An orchestrator is ordinary sequential Go code that talks to the outside
// world only through a *Context: activities, sub-orchestrations, durable
// timers and external events. Every call returns a Future. Awaiting a future
// that the history has already resolved returns the recorded value
// immediately; awaiting one that is still open suspends the orchestrator.
//
// Execute re-runs the orchestrator from the start of the history on every
// pass. The orchestrator runs on its own goroutine and hands control back to
// the executor whenever it awaits an open future. The executor then applies
// the next history event and resumes it. When the history is exhausted the
// orchestrator goroutine is unwound and the pass reports the commands that
// have no record in the history yet.
//
// Orchestrators must be deterministic. They must not read the wall clock
// (use CurrentTime), generate random values, perform I/O, or start goroutines
// that call into the Context. A divergence between the code and the history
// is reported as *api.NonDeterminismError and fails the generation.
package replay
