// Package worker drives instances forward by consuming the task queue.
//
// Three kinds of tasks flow through the queue:
//
//   - Activity tasks run a registered activity and report its result or
//     failure to the engine, which appends TaskCompleted or TaskFailed to
//     the instance history. Failed attempts are re-enqueued with an
//     exponential backoff until the RetryPolicy is exhausted. Errors marked
//     with api.NonRetryable fail the task on the first attempt.
//   - Timer tasks become eligible at the timer's fire time and append
//     TimerFired. A timer is never fired before its fire time.
//   - Orchestration tasks run one replay pass. A pass that loses the
//     compare-and-append against another writer is simply queued again.
//
// Activities are executed at least once. A worker that dies between running
// an activity and reporting it leaves the task to be dispatched again by
// engine Recover, so activity implementations must be idempotent.
//
// Multiple workers can safely operate on the same queue to scale processing.
// Use Run for a long-lived worker pool or ProcessOne to step through tasks
// in tests.
package worker
