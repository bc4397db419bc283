package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the daemon or a delivery reported failure
	ExitCommandError = 2 // bad flags, unreadable config, unreachable daemon
)

// ExitError carries a process exit code.
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

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns ExitFailure for errors that are not an *ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Printer writes either JSON or aligned text.
type Printer struct {
	Format string
	W      io.Writer
}

func (p *Printer) JSON() bool { return p.Format == "json" }

// Emit writes v as JSON, or calls text with a tabwriter.
func (p *Printer) Emit(v any, text func(w io.Writer)) error {
	if p.JSON() {
		enc := json.NewEncoder(p.W)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(p.W, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}
