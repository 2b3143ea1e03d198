// Package reelflow provides a durable, replay-based orchestration engine for
// Go, together with the video-processing pipeline it was built to run.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Orchestrator
//  2. Activity
//  3. Engine
//  4. Worker
//  5. LocalRunner
//
// # Orchestrator
//
// An orchestrator is ordinary Go code that schedules activities, timers,
// sub-orchestrations and waits for external events through a *Context:
//
//	func Approve(ctx *reelflow.Context, video string) (string, error) {
//	    if err := ctx.CallActivity("SendEmail", video).Await(nil); err != nil {
//	        return "", err
//	    }
//	    approval := ctx.WaitForExternalEvent("ApprovalResult")
//	    timeout := ctx.CreateTimerAfter(30 * time.Second)
//	    if ctx.WhenAny(approval, timeout).Winner() == approval {
//	        timeout.Cancel()
//	        return replay.Await[string](approval)
//	    }
//	    return "Timed Out", nil
//	}
//
// Every outcome is recorded in an append-only history. Each time something
// new happens the orchestrator is run again from the start and previously
// recorded results are fed back in order, so the code must be deterministic:
// no wall-clock reads (use Context.CurrentTime), no random values, no direct
// I/O. Use Context.Logger for logging; it is silent while code is replaying.
//
// # Activity
//
// Activities do the actual work. They receive a context.Context and a JSON
// decoded input and may be retried, so they should be idempotent. Mark errors
// with NonRetryable to fail the awaiting task immediately.
//
// # Engine
//
// The Engine owns instance state: it starts instances, appends events,
// runs replay passes, and dispatches the resulting work. Engines can be
// backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Each backend includes a matching delayed task queue. Use the New*Bundle
// constructors or OpenBundle to build an engine, queue and worker on one
// backend.
//
// # Worker
//
// A Worker pulls tasks from the queue: activity invocations (with retries
// and backoff), durable timers (never fired before their due time), and
// replay passes. Workers can be scaled horizontally; delivery is
// at-least-once and the engine drops duplicate outcomes.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue, and worker into a single,
// process-local helper useful for development and unit testing. It is not
// crash-durable.
package reelflow
