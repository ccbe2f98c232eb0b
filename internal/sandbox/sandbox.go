// Package sandbox runs EDA tool commands inside resource-limited, network-
// isolated containers. All tool commands go through an Executor; nothing
// runs directly on the host.
package sandbox

import (
	"context"
	"time"
)

// Sentinel exit codes for runs that never produced a program exit status.
// Real exit codes are never negative, so callers can tell them apart.
const (
	ExitRuntimeMissing   = -1 // container runtime not installed or daemon unreachable
	ExitTimeout          = -2 // wall-clock timeout elapsed; the run was killed
	ExitPermissionDenied = -3 // not allowed to launch the runtime or reach its daemon
	ExitLaunchFailed     = -4 // any other OS-level launch failure, or cancellation
	ExitInvalidSpec      = -5 // the CommandSpec was rejected before launch
)

// FailureKind classifies an ExecutionResult.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureRuntimeMissing   FailureKind = "runtime_missing"
	FailureTimeout          FailureKind = "timeout"
	FailurePermissionDenied FailureKind = "permission_denied"
	FailureLaunch           FailureKind = "launch_failed"
	FailureInvalidSpec      FailureKind = "invalid_spec"
	FailureProgram          FailureKind = "program_failed"
)

// Executor runs a CommandSpec. Implementations never return an error:
// every failure mode is reported in the result.
type Executor interface {
	Run(ctx context.Context, spec CommandSpec) *ExecutionResult
}

// CommandSpec describes one containerized invocation.
type CommandSpec struct {
	// Image is the container image reference.
	Image string

	// Volumes maps absolute host paths to absolute container paths.
	Volumes map[string]string

	// Command is passed to the container shell as a single argument.
	Command string

	// WorkDir sets the container working directory. Empty = image default.
	WorkDir string

	// Env adds environment variables inside the container.
	Env map[string]string

	// Timeout overrides the executor default. Zero = use default.
	Timeout time.Duration
}

// ExecutionResult captures the outcome of a run. Immutable once returned.
type ExecutionResult struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Failure classifies the result. Program failures carry a non-negative
// exit code; the other kinds map one-to-one onto the sentinel codes.
func (r *ExecutionResult) Failure() FailureKind {
	if r.Success {
		return FailureNone
	}
	switch r.ExitCode {
	case ExitRuntimeMissing:
		return FailureRuntimeMissing
	case ExitTimeout:
		return FailureTimeout
	case ExitPermissionDenied:
		return FailurePermissionDenied
	case ExitLaunchFailed:
		return FailureLaunch
	case ExitInvalidSpec:
		return FailureInvalidSpec
	default:
		return FailureProgram
	}
}

// Log returns stdout and stderr joined, for log extraction.
func (r *ExecutionResult) Log() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}
