// Package render drives the headless 3D tool that turns a template and a
// parameter set into a GLB file.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTimeout is returned when the invocation deadline passes before the
	// tool exits.
	ErrTimeout = errors.New("tool invocation timed out")
	// ErrNoOutput is returned when the tool exits cleanly without writing
	// its output file.
	ErrNoOutput = errors.New("tool produced no output")
)

// Tool is the capability the executor invokes once per job attempt.
// Implementations must stop work and return promptly when ctx is done.
type Tool interface {
	Run(ctx context.Context, req Request) (*Result, error)
	Name() string
}

// Request describes one invocation. TemplatePath points at a local copy of
// the style template; the tool writes the GLB to OutputPath.
type Request struct {
	JobID        uuid.UUID
	TemplatePath string
	Parameters   map[string]any
	OutputPath   string
}

// Result is a successful invocation's output.
type Result struct {
	GLB      []byte
	Duration time.Duration
}

// ToolError is a failed invocation. Permanent failures are deterministic for
// the given inputs and are never retried.
type ToolError struct {
	ExitCode  int
	Output    string
	Permanent bool
	Err       error
}

func (e *ToolError) Error() string {
	msg := e.Summary()
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

// Summary describes the failure without the captured output.
func (e *ToolError) Summary() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("tool exited with code %d", e.ExitCode)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Exit codes the generation script uses to reject its inputs.
const (
	ExitInvalidTemplate   = 2
	ExitInvalidParameters = 3
)

// IsPermanentExit reports whether an exit code means retrying cannot help.
// Crashes, signals and unknown codes are treated as transient.
func IsPermanentExit(code int) bool {
	return code == ExitInvalidTemplate || code == ExitInvalidParameters
}

// IsTransient reports whether err is a tool failure worth retrying.
func IsTransient(err error) bool {
	var te *ToolError
	return errors.As(err, &te) && !te.Permanent
}
