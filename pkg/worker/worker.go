package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/petrijr/reelflow/internal/taskqueue"
	"github.com/petrijr/reelflow/pkg/api"
	"github.com/petrijr/reelflow/pkg/registry"
)

// maxReportBackoff caps the delay between attempts to hand an activity
// outcome or timer firing to the engine.
const maxReportBackoff = time.Minute

// RetryPolicy controls how failed activity attempts are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values <= 0 mean 1.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Zero retries
	// immediately.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay; <= 0 means no cap.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay after each retry. Values <= 0 mean 2.
	BackoffMultiplier float64
}

// Backoff returns the delay before the retry that follows the given failed
// attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Config controls worker behavior.
type Config struct {
	// Concurrency is the number of tasks Run processes in parallel.
	// Defaults to 1.
	Concurrency int

	// Retry is the default policy for activities without an entry in
	// ActivityRetry.
	Retry RetryPolicy

	// ActivityRetry overrides Retry per activity name. Names that match
	// no key exactly are compared case-insensitively.
	ActivityRetry map[string]RetryPolicy

	// ActivityTimeout bounds a single activity attempt. Zero means no limit.
	ActivityTimeout time.Duration

	// ActivitiesPerSecond limits how fast activity bodies are started.
	// Zero means unlimited.
	ActivitiesPerSecond float64

	Observer api.Observer
	Clock    clock.Clock

	// Logger receives task processing errors from Run. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and executes them: activities are run
// through the registry, timers are fired, and orchestration tasks drive
// replay passes on the engine.
type Worker struct {
	engine   api.WorkerDirect
	queue    taskqueue.Queue
	registry *registry.Registry

	cfg      Config
	limiter  *rate.Limiter
	observer api.Observer
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a new Worker with a single attempt per activity.
func New(engine api.WorkerDirect, queue taskqueue.Queue, reg *registry.Registry) *Worker {
	return NewWithConfig(engine, queue, reg, Config{})
}

// NewWithConfig creates a Worker with the given configuration.
func NewWithConfig(engine api.WorkerDirect, queue taskqueue.Queue, reg *registry.Registry, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	w := &Worker{
		engine:   engine,
		queue:    queue,
		registry: reg,
		cfg:      cfg,
		observer: cfg.Observer,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if w.observer == nil {
		w.observer = api.NoopObserver{}
	}
	if w.clock == nil {
		w.clock = clock.New()
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if cfg.ActivitiesPerSecond > 0 {
		burst := int(math.Ceil(cfg.ActivitiesPerSecond))
		w.limiter = rate.NewLimiter(rate.Limit(cfg.ActivitiesPerSecond), burst)
	}
	return w
}

// Run processes tasks with Config.Concurrency goroutines until ctx is
// cancelled. Task errors are logged and do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				_, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					w.logger.ErrorContext(ctx, "task_failed", slog.String("error", err.Error()))
				}
			}
		})
	}
	return g.Wait()
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or the queue failed).
//   - processed == true: a task was handled; err reports infrastructure
//     failures. Activity failures are recorded in the history, not returned.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeActivity:
		return true, w.runActivity(ctx, task)
	case taskqueue.TaskTypeTimer:
		return true, w.fireTimer(ctx, task)
	case taskqueue.TaskTypeOrchestration:
		return true, w.processInstance(ctx, task)
	case taskqueue.TaskTypeOutcome:
		return true, w.redeliver(ctx, task)
	default:
		// Unknown task type; mark as processed but return an error so this isn't silently ignored.
		return true, errors.New("unknown task type: " + string(task.Type))
	}
}

func (w *Worker) policy(name string) RetryPolicy {
	if p, ok := w.cfg.ActivityRetry[name]; ok {
		return p
	}
	for n, p := range w.cfg.ActivityRetry {
		if strings.EqualFold(n, name) {
			return p
		}
	}
	return w.cfg.Retry
}

func (w *Worker) runActivity(ctx context.Context, task *taskqueue.Task) error {
	ref := task.Ref()
	// Outcomes must reach the engine and queue even when the worker is
	// shutting down.
	reportCtx := context.WithoutCancel(ctx)

	fn, err := w.registry.Activity(task.Name)
	if err != nil {
		return w.report(reportCtx, task, activityOutcome{Failure: api.NewFailureDetails(api.NonRetryable(err))}, 0)
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return w.requeue(reportCtx, *task)
		}
	}

	info := api.ActivityInfo{Ref: ref, Name: task.Name, Attempt: task.Attempts + 1}
	w.observer.OnActivityStart(ctx, info)
	started := w.clock.Now()

	result, runErr := w.call(ctx, fn, task.Payload)

	w.observer.OnActivityCompleted(ctx, info, runErr, w.clock.Now().Sub(started))

	if runErr == nil {
		return w.report(reportCtx, task, activityOutcome{Result: result}, 0)
	}
	if ctx.Err() != nil {
		// Interrupted by shutdown rather than failed: run it again later
		// without spending an attempt.
		return w.requeue(reportCtx, *task)
	}

	policy := w.policy(task.Name)
	if api.IsNonRetryable(runErr) || info.Attempt >= policy.maxAttempts() {
		return w.report(reportCtx, task, activityOutcome{Failure: api.NewFailureDetails(runErr)}, 0)
	}

	next := *task
	next.Attempts = info.Attempt
	next.NotBefore = w.clock.Now().Add(policy.Backoff(info.Attempt))
	return w.queue.Enqueue(reportCtx, next)
}

// call runs one activity attempt and turns a panic into an error.
func (w *Worker) call(ctx context.Context, fn registry.ActivityFunc, input []byte) (out []byte, err error) {
	if w.cfg.ActivityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ActivityTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panicked: %v", r)
		}
	}()
	return fn(ctx, input)
}

// activityOutcome is the payload of an outcome task.
type activityOutcome struct {
	Result  []byte              `json:"result,omitempty"`
	Failure *api.FailureDetails `json:"failure,omitempty"`
}

// report hands an activity outcome to the engine. When that fails the
// outcome is queued as an outcome task and retried with backoff; reports
// counts the failed attempts so far.
func (w *Worker) report(ctx context.Context, task *taskqueue.Task, out activityOutcome, reports int) error {
	ref := task.Ref()
	var err error
	if out.Failure != nil {
		err = w.engine.FailActivity(ctx, ref, out.Failure)
	} else {
		err = w.engine.CompleteActivity(ctx, ref, out.Result)
	}
	if err == nil {
		return nil
	}

	payload, merr := json.Marshal(out)
	if merr != nil {
		return errors.Join(err, merr)
	}
	retry := taskqueue.Task{
		ID:         taskqueue.TaskID(taskqueue.TaskTypeOutcome, ref),
		Type:       taskqueue.TaskTypeOutcome,
		InstanceID: ref.InstanceID,
		Generation: ref.Generation,
		TaskID:     ref.TaskID,
		Name:       task.Name,
		Payload:    payload,
		Attempts:   reports + 1,
		NotBefore:  w.clock.Now().Add(w.reportBackoff(reports + 1)),
	}
	if qerr := w.requeue(ctx, retry); qerr != nil {
		return errors.Join(err, qerr)
	}
	return err
}

func (w *Worker) redeliver(ctx context.Context, task *taskqueue.Task) error {
	var out activityOutcome
	if err := json.Unmarshal(task.Payload, &out); err != nil {
		return fmt.Errorf("decode outcome of %s: %w", task.ID, err)
	}
	return w.report(context.WithoutCancel(ctx), task, out, task.Attempts)
}

// reportBackoff is the delay before the next attempt to report an outcome
// or fire a timer. It is capped at maxReportBackoff.
func (w *Worker) reportBackoff(attempt int) time.Duration {
	return min(w.cfg.Retry.Backoff(attempt), maxReportBackoff)
}

func (w *Worker) fireTimer(ctx context.Context, task *taskqueue.Task) error {
	reportCtx := context.WithoutCancel(ctx)
	if w.clock.Now().Before(task.NotBefore) {
		// Never fire early, whatever the queue thinks.
		return w.requeue(reportCtx, *task)
	}
	err := w.engine.FireTimer(reportCtx, task.Ref())
	if err == nil {
		return nil
	}

	retry := *task
	retry.Attempts++
	retry.NotBefore = w.clock.Now().Add(w.reportBackoff(retry.Attempts))
	if qerr := w.requeue(reportCtx, retry); qerr != nil {
		return errors.Join(err, qerr)
	}
	return err
}

func (w *Worker) processInstance(ctx context.Context, task *taskqueue.Task) error {
	err := w.engine.ProcessInstance(ctx, task.InstanceID)
	if err == nil {
		return nil
	}

	retry := *task
	retry.NotBefore = time.Time{}
	if !errors.Is(err, api.ErrHistoryConflict) {
		retry.NotBefore = w.clock.Now().Add(w.cfg.Retry.Backoff(1))
	}
	if qerr := w.requeue(context.WithoutCancel(ctx), retry); qerr != nil {
		return errors.Join(err, qerr)
	}
	if errors.Is(err, api.ErrHistoryConflict) {
		// Another writer got there first; the requeued pass picks up its
		// events.
		return nil
	}
	return err
}

func (w *Worker) requeue(ctx context.Context, t taskqueue.Task) error {
	return w.queue.Enqueue(ctx, t)
}
