package reelflow

import (
	"context"
	"errors"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/reelflow/pkg/api"
	"github.com/petrijr/reelflow/pkg/observe"
)

// LocalRunner bundles an in-memory engine, queue and worker for development
// and tests.
//
// Typical usage:
//
//	reg := reelflow.NewRegistry()
//	// register orchestrators and activities on reg
//	runner, _ := reelflow.NewLocalRunner(reg)
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	inst, err := runner.Run(ctx, "O_ProcessVideo", "video.mp4")
type LocalRunner struct {
	*Bundle

	notifier *observe.Notifier

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewLocalRunner constructs a LocalRunner around reg. cfg.Observer, if set,
// receives callbacks next to the runner's own lifecycle notifier.
func NewLocalRunner(reg *Registry, cfg ...BundleConfig) (*LocalRunner, error) {
	var c BundleConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	notifier := observe.NewNotifier(nil)
	c.Observer = api.NewCompositeObserver(c.Observer, notifier)

	b, err := NewInMemoryBundle(reg, c)
	if err != nil {
		_ = notifier.Close()
		return nil, err
	}
	return &LocalRunner{Bundle: b, notifier: notifier}, nil
}

// StartWorkers starts 'concurrency' goroutines that continuously call
// Worker.ProcessOne until Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("reelflow: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	r.cancel = cancel
	r.group = g
	r.running = true

	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				_, err := r.Worker.ProcessOne(gctx)
				if gctx.Err() != nil {
					return nil
				}
				if err != nil {
					// Keep going so a single bad task doesn't kill the loop.
					log.Printf("reelflow: local runner worker error: %v", err)
				}
			}
		})
	}
	return nil
}

// Stop cancels the worker goroutines and waits for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, g := r.cancel, r.group
	r.running = false
	r.cancel, r.group = nil, nil
	r.mu.Unlock()

	cancel()
	_ = g.Wait()
}

// Close stops the workers and releases the notifier.
func (r *LocalRunner) Close() error {
	r.Stop()
	return errors.Join(r.notifier.Close(), r.Bundle.Close())
}

// Run starts an instance and blocks until it reaches a terminal status or
// ctx is done. Workers must be running.
func (r *LocalRunner) Run(ctx context.Context, name string, input any, opts ...StartOption) (*Instance, error) {
	inst, err := r.Engine.Start(ctx, name, input, opts...)
	if err != nil {
		return inst, err
	}
	return r.Wait(ctx, inst.ID)
}

// Wait blocks until the instance reaches a terminal status.
func (r *LocalRunner) Wait(ctx context.Context, id string) (*Instance, error) {
	return r.notifier.WaitForInstance(ctx, r.Engine, id)
}
