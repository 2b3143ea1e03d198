package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/petrijr/reelflow/pkg/api"
	"github.com/petrijr/reelflow/pkg/replay"
)

// ReplayResult is the outcome of the replay command.
type ReplayResult struct {
	InstanceID     string     `json:"instance_id"`
	Name           string     `json:"name"`
	Generation     int        `json:"generation"`
	Events         int        `json:"events"`
	Outcome        api.Status `json:"outcome"`
	Deterministic  bool       `json:"deterministic"`
	MatchesHistory bool       `json:"matches_history"`
	Pending        []string   `json:"pending,omitempty"`
	Differences    []string   `json:"differences,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func NewReplayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <instance-id>",
		Short: "Replay an instance's history and verify determinism",
		Long: `Replay the stored history of an instance twice against the registered
program and check that both passes agree with each other and with the
recorded commands.

Exit codes:
  0 - The history replays deterministically
  1 - Determinism verification failed
  2 - Command error (unknown instance or program, etc.)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer closeRuntime(rt, &err)

			inst, err := rt.bundle.Engine.GetInstance(ctx, args[0])
			if err != nil {
				return commandError("failed to get instance", err)
			}
			history, err := rt.bundle.Engine.History(ctx, args[0])
			if err != nil {
				return commandError("failed to read history", err)
			}
			fn, err := rt.registry.Orchestrator(inst.Name)
			if err != nil {
				return commandError("cannot replay "+inst.ID, err)
			}

			v, err := replay.Verify(fn, replay.Input{
				InstanceID: inst.ID,
				Name:       inst.Name,
				Generation: inst.Generation,
				History:    history,
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot replay "+inst.ID, err)
			}

			result := ReplayResult{
				InstanceID:     inst.ID,
				Name:           inst.Name,
				Generation:     inst.Generation,
				Events:         len(history),
				Outcome:        v.Outcome,
				Deterministic:  v.Deterministic,
				MatchesHistory: v.MatchesHistory,
				Differences:    v.Differences,
			}
			for _, a := range v.Pending {
				result.Pending = append(result.Pending, a.String())
			}
			if v.Failure != nil {
				result.Error = v.Failure.Message
			}

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			text := func(w io.Writer) { writeReplay(w, result) }
			if !v.OK() {
				_ = out.Failure(result, "replay is not deterministic", text)
				return NewExitError(ExitFailure, "replay of "+inst.ID+" is not deterministic")
			}
			return out.Success(result, text)
		},
	}
}

func writeReplay(w io.Writer, r ReplayResult) {
	fmt.Fprintf(w, "Instance %s (%s, generation %d): %d events replayed\n", r.InstanceID, r.Name, r.Generation, r.Events)
	fmt.Fprintf(w, "Outcome: %s\n", r.Outcome)
	for _, p := range r.Pending {
		fmt.Fprintf(w, "Pending: %s\n", p)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
	}
	for _, d := range r.Differences {
		fmt.Fprintf(w, "Difference: %s\n", d)
	}
	switch {
	case !r.MatchesHistory:
		fmt.Fprintln(w, "Result: program diverges from the recorded history")
	case !r.Deterministic:
		fmt.Fprintln(w, "Result: NOT deterministic")
	default:
		fmt.Fprintln(w, "Result: deterministic")
	}
}
