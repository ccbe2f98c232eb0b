package eda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/jkaninda/edagate/internal/logextract"
	"github.com/jkaninda/edagate/internal/sandbox"
	"github.com/jkaninda/edagate/internal/tools"
	"github.com/jkaninda/edagate/internal/workspace"
)

// Container-side layout for flow runs. The project is mounted at
// flowHostMount and copied to flowWorkDir so the flow never edits the
// mounted tree in place; only the finished run directory is copied back.
const (
	flowHostMount = "/mnt/host_ws"
	flowWorkDir   = "/work"
	flowPDKRoot   = "/root/.volare"
	flowConfig    = "config.json"
)

// PDKs accepted by run_openlane_flow.
var PDKs = []string{"sky130A", "sky130B", "gf180mcuD"}

// FlowConfig is the OpenLane design configuration written to config.json.
type FlowConfig struct {
	DesignName      string  `json:"DESIGN_NAME"`
	VerilogFiles    string  `json:"VERILOG_FILES"`
	ClockPort       string  `json:"CLOCK_PORT"`
	ClockPeriod     float64 `json:"CLOCK_PERIOD"`
	CoreUtil        float64 `json:"FP_CORE_UTIL"`
	PDK             string  `json:"PDK"`
	PDNAutoAdjust   int     `json:"FP_PDN_AUTO_ADJUST"`
	PDNVPitch       int     `json:"FP_PDN_VPITCH"`
	PDNHPitch       int     `json:"FP_PDN_HPITCH"`
	PDNVOffset      int     `json:"FP_PDN_VOFFSET"`
	PDNHOffset      int     `json:"FP_PDN_HOFFSET"`
	FloorplanSizing string  `json:"FP_SIZING"`
	DieArea         string  `json:"DIE_AREA"`
}

// NewFlowConfig returns the design configuration for one flow run. The
// PDN pitch is pinned and auto-adjust disabled so the fixed die fits the
// grid for small designs.
func NewFlowConfig(top string, clockPeriodNS, coreUtil float64, pdk string) FlowConfig {
	return FlowConfig{
		DesignName:      top,
		VerilogFiles:    "dir::src/*.v",
		ClockPort:       "clk",
		ClockPeriod:     clockPeriodNS,
		CoreUtil:        coreUtil,
		PDK:             pdk,
		PDNAutoAdjust:   0,
		PDNVPitch:       50,
		PDNHPitch:       50,
		PDNVOffset:      5,
		PDNHOffset:      5,
		FloorplanSizing: "absolute",
		DieArea:         "0 0 200 200",
	}
}

// FlowTool runs the complete OpenLane RTL-to-GDSII flow.
type FlowTool struct {
	runner *Runner
}

func (t *FlowTool) Name() string { return "run_openlane_flow" }
func (t *FlowTool) Description() string {
	return "Run the complete OpenLane RTL-to-GDSII flow (synthesis, floorplan, placement, CTS, routing, signoff) for a project; results land in runs/<run_id>/"
}
func (t *FlowTool) Params() []tools.Param {
	return []tools.Param{
		projectNameParam,
		topModuleParam,
		{Name: "clock_period_ns", Type: tools.TypeNumber, Default: 10.0, Description: "Target clock period in nanoseconds"},
		{Name: "core_utilization", Type: tools.TypeNumber, Default: 50.0, Description: "Core area utilization percentage, at most 100"},
		{Name: "pdk", Type: tools.TypeString, Default: "sky130A", Enum: PDKs, Description: "Process design kit"},
	}
}

func (t *FlowTool) Execute(ctx context.Context, args tools.Args) (*tools.Result, error) {
	project, top := args.String("project_name"), args.String("top_module")
	clock, util, pdk := args.Float("clock_period_ns"), args.Float("core_utilization"), args.String("pdk")
	if err := checkModule(top); err != nil {
		return nil, err
	}
	if clock <= 0 {
		return nil, fmt.Errorf("%w: clock_period_ns must be positive", tools.ErrInvalidArgs)
	}
	if util <= 0 || util > 100 {
		return nil, fmt.Errorf("%w: core_utilization must be in (0, 100]", tools.ErrInvalidArgs)
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
			Output: fmt.Sprintf("ERROR: No Verilog files found in `%s`.", filepath.Join(dir, workspace.SrcDir)),
		}, nil
	}

	cfg, err := json.MarshalIndent(NewFlowConfig(top, clock, util, pdk), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding flow config: %w", err)
	}
	if _, _, err := r.ws.WriteFile(project, flowConfig, string(cfg)); err != nil {
		return nil, fmt.Errorf("writing flow config: %w", err)
	}

	runID := fmt.Sprintf("run_%d", r.now().Unix())
	r.logger.Info("openlane flow starting",
		slog.String("project", project),
		slog.String("top", top),
		slog.String("pdk", pdk),
		slog.String("run_id", runID),
	)

	res := r.run(ctx, t.Name(), project, sandbox.CommandSpec{
		Image: r.cfg.OpenLaneImage,
		Volumes: map[string]string{
			dir:               flowHostMount,
			r.cfg.PDKCacheDir: flowPDKRoot,
		},
		Command: FlowCommand(runID),
		WorkDir: flowWorkDir,
		Env:     map[string]string{"PDK_ROOT": flowPDKRoot},
		Timeout: r.cfg.FlowTimeout,
	})
	md := runMetadata(res)
	md["run_id"] = runID
	if !res.Success {
		return &tools.Result{
			Output:   failureReport("OpenLane flow", res),
			Metadata: md,
		}, nil
	}

	var sb strings.Builder
	sb.WriteString("## OpenLane flow complete\n\n")
	fmt.Fprintf(&sb, "- **Run ID:** `%s`\n", runID)
	fmt.Fprintf(&sb, "- **Top module:** `%s`\n", top)
	fmt.Fprintf(&sb, "- **PDK:** `%s`\n", pdk)
	fmt.Fprintf(&sb, "- **Clock period:** %g ns\n", clock)
	fmt.Fprintf(&sb, "- **Core utilization:** %g%%\n", util)
	fmt.Fprintf(&sb, "- **Duration:** %.1fs\n\n", res.Duration.Seconds())
	fmt.Fprintf(&sb, "### Log Tail\n```\n%s\n```\n\n", logextract.Tail(res.Log(), flowTailLines))
	fmt.Fprintf(&sb, "Reports are in `%s`.\n", filepath.Join(dir, workspace.RunsDir, runID, "reports"))
	return &tools.Result{
		Output:   sb.String(),
		Metadata: md,
		Success:  true,
	}, nil
}

// FlowCommand returns the container command for one flow run tagged runID.
func FlowCommand(runID string) string {
	steps := []string{
		"mkdir -p " + flowWorkDir,
		fmt.Sprintf("cp -r %s/src %s/src", flowHostMount, flowWorkDir),
		fmt.Sprintf("cp %s/%s %s/%s", flowHostMount, flowConfig, flowWorkDir, flowConfig),
		fmt.Sprintf("flow.tcl -design %s -tag %s -overwrite", flowWorkDir, runID),
		fmt.Sprintf("cp -r %s/runs/%s %s/runs/", flowWorkDir, runID, flowHostMount),
	}
	return strings.Join(steps, " && ")
}
