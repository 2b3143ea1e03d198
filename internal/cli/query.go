package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/reelflow/pkg/api"
)

func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show an instance's status and output",
		Args:  cobra.ExactArgs(1),
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

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(newInstanceView(inst), func(w io.Writer) {
				writeInstance(w, inst)
			})
		},
	}
}

// EventView is the CLI rendering of a history event.
type EventView struct {
	Index      int                 `json:"index"`
	At         time.Time           `json:"at"`
	Type       api.EventType       `json:"type"`
	TaskID     int                 `json:"task_id"`
	Name       string              `json:"name,omitempty"`
	InstanceID string              `json:"instance_id,omitempty"`
	Input      json.RawMessage     `json:"input,omitempty"`
	Result     json.RawMessage     `json:"result,omitempty"`
	Failure    *api.FailureDetails `json:"failure,omitempty"`
	FireAt     *time.Time          `json:"fire_at,omitempty"`
}

func newEventViews(events []api.HistoryEvent) []EventView {
	views := make([]EventView, 0, len(events))
	for _, ev := range events {
		v := EventView{
			Index:      ev.Index,
			At:         ev.At,
			Type:       ev.Type,
			TaskID:     ev.TaskID,
			Name:       ev.Name,
			InstanceID: ev.InstanceID,
			Input:      rawJSON(ev.Input),
			Result:     rawJSON(ev.Result),
			Failure:    ev.Failure,
		}
		if !ev.FireAt.IsZero() {
			fireAt := ev.FireAt
			v.FireAt = &fireAt
		}
		views = append(views, v)
	}
	return views
}

func writeEvent(w io.Writer, ev api.HistoryEvent) {
	detail := ev.Name
	switch {
	case ev.Failure != nil:
		detail += " error=" + ev.Failure.Message
	case len(ev.Result) > 0:
		detail += " result=" + string(ev.Result)
	case !ev.FireAt.IsZero():
		detail += " fire_at=" + ev.FireAt.Format(time.RFC3339)
	}
	fmt.Fprintf(w, "%4d  %s  %-32s #%-3d %s\n", ev.Index, ev.At.Format(time.RFC3339), ev.Type, ev.TaskID, detail)
}

func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <instance-id>",
		Short: "Print the current generation's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer closeRuntime(rt, &err)

			events, err := rt.bundle.Engine.History(ctx, args[0])
			if err != nil {
				return commandError("failed to read history", err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(newEventViews(events), func(w io.Writer) {
				for _, ev := range events {
					writeEvent(w, ev)
				}
			})
		},
	}
}
