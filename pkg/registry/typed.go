package registry

import (
	"context"
	"fmt"

	"github.com/petrijr/reelflow/pkg/api"
	"github.com/petrijr/reelflow/pkg/replay"
)

// AddActivity registers a typed activity. The input payload is decoded into
// In and the returned Out is encoded as the result. An undecodable input is
// reported as a non-retryable failure.
func AddActivity[In, Out any](r *Registry, name string, fn func(ctx context.Context, in In) (Out, error)) error {
	if fn == nil {
		return r.AddActivity(name, nil)
	}
	return r.AddActivity(name, func(ctx context.Context, input []byte) ([]byte, error) {
		var in In
		if err := api.UnmarshalPayload(input, &in); err != nil {
			return nil, api.NonRetryable(fmt.Errorf("decode input of activity %q: %w", name, err))
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return api.MarshalPayload(out)
	})
}

// AddOrchestrator registers a typed orchestrator. The generation input is
// decoded into In before fn runs.
func AddOrchestrator[In, Out any](r *Registry, name string, fn func(ctx *replay.Context, in In) (Out, error)) error {
	if fn == nil {
		return r.AddOrchestrator(name, nil)
	}
	return r.AddOrchestrator(name, func(ctx *replay.Context) (any, error) {
		var in In
		if err := ctx.GetInput(&in); err != nil {
			return nil, err
		}
		return fn(ctx, in)
	})
}
