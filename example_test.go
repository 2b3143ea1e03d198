package reelflow_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/reelflow"
	"github.com/petrijr/reelflow/pkg/registry"
	"github.com/petrijr/reelflow/pkg/replay"
)

// Example_localRunner runs a two-step orchestration with an in-process
// engine, queue, and worker.
func Example_localRunner() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg := reelflow.NewRegistry()
	_ = registry.AddActivity(reg, "sayHello", sayHello)
	_ = registry.AddActivity(reg, "decorate", decorate)
	_ = registry.AddOrchestrator(reg, "Greeting", func(ctx *replay.Context, name string) (string, error) {
		msg, err := replay.Await[string](ctx.CallActivity("sayHello", name))
		if err != nil {
			return "", err
		}
		return replay.Await[string](ctx.CallActivity("decorate", msg))
	})

	runner, err := reelflow.NewLocalRunner(reg)
	if err != nil {
		log.Fatal(err)
	}
	defer runner.Close()

	if err := runner.StartWorkers(ctx, 1); err != nil {
		log.Fatal(err)
	}

	inst, err := runner.Run(ctx, "Greeting", "Gopher")
	if err != nil {
		log.Fatal(err)
	}

	var out string
	_ = inst.DecodeOutput(&out)
	fmt.Println(inst.Status, out)
	// Output: COMPLETED *** hello, Gopher ***
}

func sayHello(ctx context.Context, name string) (string, error) {
	return fmt.Sprintf("hello, %s", name), nil
}

func decorate(ctx context.Context, msg string) (string, error) {
	return fmt.Sprintf("*** %s ***", msg), nil
}
