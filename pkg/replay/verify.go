package replay

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/petrijr/reelflow/pkg/api"
)

var nonDeterminismType = fmt.Sprintf("%T", (*api.NonDeterminismError)(nil))

// Verification reports whether a program replays a recorded history
// consistently.
type Verification struct {
	// Deterministic is true when two replays of the same history produced
	// identical results.
	Deterministic bool
	// MatchesHistory is false when the program's commands diverge from the
	// recorded history.
	MatchesHistory bool

	Outcome  api.Status
	Consumed int
	// Pending are commands the program would issue next.
	Pending     []Action
	Failure     *api.FailureDetails
	Differences []string
}

// OK reports whether the history replays cleanly.
func (v *Verification) OK() bool {
	return v.Deterministic && v.MatchesHistory
}

// Verify replays in.History twice and compares the two results. The whole
// history is treated as already seen, so Context.Logger stays quiet.
func Verify(fn Orchestrator, in Input) (*Verification, error) {
	in.Checkpoint = len(in.History)

	first, err := Execute(fn, in)
	if err != nil {
		return nil, err
	}
	second, err := Execute(fn, in)
	if err != nil {
		return nil, err
	}

	v := &Verification{
		Outcome:        first.Outcome,
		Consumed:       first.Consumed,
		Pending:        first.Actions,
		Failure:        first.Failure,
		Differences:    diffResults(first, second),
		MatchesHistory: first.Failure == nil || first.Failure.Type != nonDeterminismType,
	}
	v.Deterministic = len(v.Differences) == 0
	return v, nil
}

func diffResults(a, b *Result) []string {
	var diffs []string
	if a.Outcome != b.Outcome {
		diffs = append(diffs, fmt.Sprintf("outcome: %s vs %s", a.Outcome, b.Outcome))
	}
	if a.Consumed != b.Consumed {
		diffs = append(diffs, fmt.Sprintf("consumed events: %d vs %d", a.Consumed, b.Consumed))
	}
	if !bytes.Equal(a.Output, b.Output) {
		diffs = append(diffs, fmt.Sprintf("output: %s vs %s", a.Output, b.Output))
	}
	if !bytes.Equal(a.NewInput, b.NewInput) {
		diffs = append(diffs, fmt.Sprintf("continue-as-new input: %s vs %s", a.NewInput, b.NewInput))
	}
	if a.Failure.Error() != b.Failure.Error() {
		diffs = append(diffs, fmt.Sprintf("failure: %q vs %q", a.Failure.Error(), b.Failure.Error()))
	}
	if !slices.EqualFunc(a.Actions, b.Actions, sameAction) {
		diffs = append(diffs, fmt.Sprintf("commands: %v vs %v", a.Actions, b.Actions))
	}
	return diffs
}

func sameAction(a, b Action) bool {
	return a.Kind == b.Kind &&
		a.TaskID == b.TaskID &&
		a.Name == b.Name &&
		a.InstanceID == b.InstanceID &&
		a.FireAt.Equal(b.FireAt) &&
		bytes.Equal(a.Input, b.Input)
}
