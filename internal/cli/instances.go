package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/reelflow/pkg/api"
)

// InstanceView is the CLI rendering of an instance.
type InstanceView struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Status     api.Status          `json:"status"`
	Generation int                 `json:"generation"`
	Input      json.RawMessage     `json:"input,omitempty"`
	Output     json.RawMessage     `json:"output,omitempty"`
	Failure    *api.FailureDetails `json:"failure,omitempty"`
	ParentID   string              `json:"parent_id,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

func newInstanceView(inst *api.Instance) InstanceView {
	return InstanceView{
		ID:         inst.ID,
		Name:       inst.Name,
		Status:     inst.Status,
		Generation: inst.Generation,
		Input:      rawJSON(inst.Input),
		Output:     rawJSON(inst.Output),
		Failure:    inst.Failure,
		ParentID:   inst.ParentID,
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
	}
}

func writeInstance(w io.Writer, inst *api.Instance) {
	fmt.Fprintf(w, "Instance:   %s\n", inst.ID)
	fmt.Fprintf(w, "Name:       %s\n", inst.Name)
	fmt.Fprintf(w, "Status:     %s\n", inst.Status)
	fmt.Fprintf(w, "Generation: %d\n", inst.Generation)
	fmt.Fprintf(w, "Input:      %s\n", payloadText(inst.Input))
	if inst.Status == api.StatusCompleted {
		fmt.Fprintf(w, "Output:     %s\n", payloadText(inst.Output))
	}
	if inst.Failure != nil {
		fmt.Fprintf(w, "Error:      %s\n", inst.Failure.Message)
	}
}

// parseJSONArg validates an optional JSON argument.
func parseJSONArg(args []string, i int, what string) (any, error) {
	if len(args) <= i || args[i] == "" {
		return nil, nil
	}
	if !json.Valid([]byte(args[i])) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("%s must be valid JSON (quote strings: '\"video.mp4\"')", what))
	}
	return json.RawMessage(args[i]), nil
}

// StartOptions holds flags for the start command.
type StartOptions struct {
	*RootOptions
	InstanceID string
}

func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start <workflow> [json-input]",
		Short: "Start a workflow instance",
		Long: `Start a workflow instance. The input is a JSON document.

Examples:
  reelflow start O_ProcessVideo '"video.mp4"'
  reelflow start O_PeriodicTask 0 --id nightly`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			input, err := parseJSONArg(args, 1, "input")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, opts.RootOptions)
			if err != nil {
				return err
			}
			defer closeRuntime(rt, &err)

			var startOpts []api.StartOption
			if opts.InstanceID != "" {
				startOpts = append(startOpts, api.WithInstanceID(opts.InstanceID))
			}
			inst, err := rt.bundle.Engine.Start(ctx, args[0], input, startOpts...)
			if errors.Is(err, api.ErrInstanceExists) && inst != nil {
				out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
				_ = out.Failure(newInstanceView(inst), err.Error(), func(w io.Writer) {
					writeInstance(w, inst)
				})
			}
			if err != nil {
				return commandError("failed to start "+args[0], err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(newInstanceView(inst), func(w io.Writer) {
				fmt.Fprintf(w, "Started %s as %s\n", inst.Name, inst.ID)
			})
		},
	}

	cmd.Flags().StringVar(&opts.InstanceID, "id", "", "instance ID (generated when empty)")

	return cmd
}

func NewRaiseCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "raise <instance-id> <event> [json-payload]",
		Short: "Raise an external event on a running instance",
		Long: `Raise an external event on a running instance.

Examples:
  reelflow raise 6f1c0d2e ApprovalResult '"Approved"'`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			payload, err := parseJSONArg(args, 2, "payload")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer closeRuntime(rt, &err)

			if err := rt.bundle.Engine.RaiseEvent(ctx, args[0], args[1], payload); err != nil {
				return commandError("failed to raise "+args[1], err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(map[string]string{"instance_id": args[0], "event": args[1]}, func(w io.Writer) {
				fmt.Fprintf(w, "Raised %s on %s\n", args[1], args[0])
			})
		},
	}
}
