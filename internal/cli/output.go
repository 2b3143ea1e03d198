package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/petrijr/reelflow/pkg/api"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Non-deterministic replay or an internal failure
	ExitCommandError = 2 // Command error (bad arguments, unknown instance, bad config)
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope of every command's output.
type Response struct {
	Status string `json:"status"` // "ok" or "error"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Success writes data as JSON, or calls text to render it for humans.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Failure writes data with an error status. It is used when a command has a
// result to show but still exits non-zero.
func (f *OutputFormatter) Failure(data any, message string, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "error", Data: data, Error: message})
	}
	text(f.Writer)
	return nil
}

// payloadText renders a stored JSON payload for text output.
func payloadText(b []byte) string {
	if len(b) == 0 {
		return "-"
	}
	return string(b)
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}

// commandError maps engine errors onto exit codes: client mistakes exit 2,
// anything else exits 1.
func commandError(message string, err error) error {
	switch {
	case errors.Is(err, api.ErrInstanceNotFound),
		errors.Is(err, api.ErrInstanceExists),
		errors.Is(err, api.ErrInstanceNotRunning),
		errors.Is(err, api.ErrUnknownOrchestrator):
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}
