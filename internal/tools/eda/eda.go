// Package eda implements the tools that launch containerized EDA runs:
// Yosys synthesis and the OpenLane RTL-to-GDSII flow.
//
// Tools generate their script or config into the project, hand a
// CommandSpec to the sandbox executor, and reduce the raw log with
// logextract before returning it. Only sanitized project names,
// validated module identifiers and source names restricted to
// [a-zA-Z0-9_.+-] are interpolated into commands and scripts.
package eda

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jkaninda/edagate/internal/gateway"
	"github.com/jkaninda/edagate/internal/logextract"
	"github.com/jkaninda/edagate/internal/sandbox"
	"github.com/jkaninda/edagate/internal/security"
	"github.com/jkaninda/edagate/internal/tools"
	"github.com/jkaninda/edagate/internal/workspace"
)

// ErrInvalidModule reports a top module that is not a plain Verilog
// identifier. It matches tools.ErrInvalidArgs under errors.Is.
var ErrInvalidModule = fmt.Errorf("%w: invalid top module", tools.ErrInvalidArgs)

// DefaultFlowTimeout bounds an OpenLane run when Config.FlowTimeout is unset.
const DefaultFlowTimeout = time.Hour

const flowTailLines = 30

// Config configures the EDA tools.
type Config struct {
	YosysImage    string
	OpenLaneImage string
	PDKCacheDir   string        // host directory mounted at /root/.volare
	FlowTimeout   time.Duration // 0 = one hour
}

// Runner holds what every EDA tool needs to launch a run.
type Runner struct {
	cfg    Config
	ws     *workspace.Workspace
	exec   sandbox.Executor
	audit  security.Auditor
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner creates a runner. audit may be nil.
func NewRunner(cfg Config, ws *workspace.Workspace, exec sandbox.Executor, audit security.Auditor, logger *slog.Logger) *Runner {
	if cfg.FlowTimeout <= 0 {
		cfg.FlowTimeout = DefaultFlowTimeout
	}
	return &Runner{
		cfg:    cfg,
		ws:     ws,
		exec:   exec,
		audit:  audit,
		logger: logger,
		now:    time.Now,
	}
}

// Tools returns the EDA tools bound to r.
func (r *Runner) Tools() []tools.Tool {
	return []tools.Tool{
		&SynthesisTool{runner: r},
		&FlowTool{runner: r},
	}
}

var verilogIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]{0,127}$`)

// checkModule validates a top module name.
func checkModule(name string) error {
	if !verilogIdent.MatchString(name) {
		return fmt.Errorf("%w: %q is not a Verilog identifier", ErrInvalidModule, name)
	}
	return nil
}

// run executes spec without inheriting the caller's cancellation: a client
// disconnect does not abort a run, only the executor timeout does.
func (r *Runner) run(ctx context.Context, tool, project string, spec sandbox.CommandSpec) *sandbox.ExecutionResult {
	res := r.exec.Run(context.WithoutCancel(ctx), spec)

	if r.audit != nil {
		result := security.ResultSuccess
		if !res.Success {
			result = security.ResultFailure
		}
		r.audit.Record(security.AuditEvent{
			RequestID:  gateway.RequestIDFromContext(ctx),
			Action:     security.ActionSandbox,
			Target:     tool + " " + project,
			Result:     result,
			Reason:     string(res.Failure()),
			ExitCode:   res.ExitCode,
			DurationMS: res.Duration.Milliseconds(),
		})
	}
	return res
}

// failureReport formats a failed run with the extracted diagnostics.
func failureReport(title string, res *sandbox.ExecutionResult) string {
	return fmt.Sprintf("ERROR: %s failed (exit %d, %.1fs).\n\n### Diagnostic Log\n```\n%s\n```\n",
		title, res.ExitCode, res.Duration.Seconds(), logextract.ExtractErrors(res.Log()))
}

var topModuleParam = tools.Param{
	Name:        "top_module",
	Type:        tools.TypeString,
	Description: "Name of the top-level Verilog module",
	Required:    true,
}

var projectNameParam = tools.Param{
	Name:        "project_name",
	Type:        tools.TypeString,
	Description: "Project whose src/ contains the Verilog sources",
	Required:    true,
}
