package eda

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jkaninda/edagate/internal/logextract"
	"github.com/jkaninda/edagate/internal/sandbox"
	"github.com/jkaninda/edagate/internal/tools"
	"github.com/jkaninda/edagate/internal/workspace"
)

// Container-side layout for synthesis runs. The project directory is
// mounted read-write at synthWorkDir.
const (
	synthWorkDir = "/work"
	synthScript  = "synth.tcl"
	synthNetlist = "synth.v"
	synthStats   = "synth_stats.txt"
)

// SynthesisTool synthesizes a project's RTL to a gate-level netlist with Yosys.
type SynthesisTool struct {
	runner *Runner
}

func (t *SynthesisTool) Name() string { return "run_yosys_synthesis" }
func (t *SynthesisTool) Description() string {
	return "Synthesize the project's Verilog sources (src/*.v) to a gate-level netlist with Yosys; writes reports/synth.v and reports/synth_stats.txt"
}
func (t *SynthesisTool) Params() []tools.Param {
	return []tools.Param{projectNameParam, topModuleParam}
}

func (t *SynthesisTool) Execute(ctx context.Context, args tools.Args) (*tools.Result, error) {
	project, top := args.String("project_name"), args.String("top_module")
	if err := checkModule(top); err != nil {
		return nil, err
	}
	r := t.runner

	sources, err := r.ws.SourceFiles(project)
	if err != nil {
		return nil, err
	}
	dir, err := r.ws.Project(project)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return &tools.Result{
			Output: fmt.Sprintf("ERROR: No Verilog files (*.v) found in `%s`.\n\nUse `write_file` to add your RTL sources first.",
				filepath.Join(dir, workspace.SrcDir)),
		}, nil
	}

	rel := path.Join(workspace.ScriptsDir, synthScript)
	if _, _, err := r.ws.WriteFile(project, rel, SynthScript(top, sources)); err != nil {
		return nil, fmt.Errorf("writing synthesis script: %w", err)
	}
	r.logger.Info("synthesis script generated",
		slog.String("project", project),
		slog.String("top", top),
		slog.Int("sources", len(sources)),
	)

	res := r.run(ctx, t.Name(), project, sandbox.CommandSpec{
		Image:   r.cfg.YosysImage,
		Volumes: map[string]string{dir: synthWorkDir},
		Command: "yosys -s " + path.Join(synthWorkDir, rel),
		WorkDir: synthWorkDir,
	})
	if !res.Success {
		return &tools.Result{
			Output:   failureReport("Yosys synthesis", res),
			Metadata: runMetadata(res),
		}, nil
	}

	netlist := filepath.Join(dir, workspace.ReportsDir, synthNetlist)
	state := "exists"
	if _, err := os.Stat(netlist); err != nil {
		state = "NOT FOUND"
	}
	var sb strings.Builder
	sb.WriteString("## Yosys synthesis complete\n\n")
	fmt.Fprintf(&sb, "- **Top module:** `%s`\n", top)
	fmt.Fprintf(&sb, "- **Duration:** %.1fs\n", res.Duration.Seconds())
	fmt.Fprintf(&sb, "- **Netlist:** `%s` (%s)\n", netlist, state)
	fmt.Fprintf(&sb, "- **Stats:** `%s`\n\n", filepath.Join(dir, workspace.ReportsDir, synthStats))
	fmt.Fprintf(&sb, "### Log Tail (last %d lines)\n```\n%s\n```\n",
		logextract.DefaultTailLines, logextract.Tail(res.Log(), logextract.DefaultTailLines))
	return &tools.Result{
		Output:   sb.String(),
		Metadata: runMetadata(res),
		Success:  true,
	}, nil
}

// SynthScript renders the Yosys script reading sources from the mounted
// src/ directory and writing reports under reports/.
func SynthScript(top string, sources []string) string {
	src := path.Join(synthWorkDir, workspace.SrcDir)
	reports := path.Join(synthWorkDir, workspace.ReportsDir)

	var sb strings.Builder
	sb.WriteString("# Generated Yosys synthesis script\n")
	fmt.Fprintf(&sb, "# Top module: %s\n\n", top)
	for _, f := range sources {
		fmt.Fprintf(&sb, "read_verilog %s/%s\n", src, f)
	}
	fmt.Fprintf(&sb, "\nhierarchy -check -top %s\n\n", top)
	sb.WriteString("proc; opt; fsm; opt; memory; opt\n\n")
	fmt.Fprintf(&sb, "synth -top %s\n\n", top)
	sb.WriteString("opt_clean -purge\n\n")
	sb.WriteString("stat\n")
	fmt.Fprintf(&sb, "tee -a %s/%s stat\n\n", reports, synthStats)
	fmt.Fprintf(&sb, "write_verilog -noattr %s/%s\n", reports, synthNetlist)
	return sb.String()
}

func runMetadata(res *sandbox.ExecutionResult) map[string]any {
	md := map[string]any{
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if kind := res.Failure(); kind != sandbox.FailureNone {
		md["failure"] = string(kind)
	}
	return md
}
