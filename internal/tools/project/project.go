// Package project implements the workspace tools: project scaffolding,
// writing source files, and listing projects and their files.
//
// These tools never launch a container. Every path they touch is derived
// from a sanitized project name and checked by the workspace package.
package project

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/edagate/internal/tools"
	"github.com/jkaninda/edagate/internal/workspace"
)

// Tools returns every workspace tool bound to ws.
func Tools(ws *workspace.Workspace, logger *slog.Logger) []tools.Tool {
	return []tools.Tool{
		&InitTool{ws: ws, logger: logger},
		&WriteTool{ws: ws, logger: logger},
		&ListProjectsTool{ws: ws},
		&ListFilesTool{ws: ws},
	}
}

var projectNameParam = tools.Param{
	Name:        "project_name",
	Type:        tools.TypeString,
	Description: "Project name: letters, digits, hyphens and underscores, at most 64 characters",
	Required:    true,
}

// ---- InitTool ----

// InitTool creates a project directory with its standard layout.
type InitTool struct {
	ws     *workspace.Workspace
	logger *slog.Logger
}

func (t *InitTool) Name() string { return "initialize_project" }
func (t *InitTool) Description() string {
	return "Create an isolated workspace for a chip-design project with src/, scripts/, reports/ and runs/ directories"
}
func (t *InitTool) Params() []tools.Param { return []tools.Param{projectNameParam} }

func (t *InitTool) Execute(_ context.Context, args tools.Args) (*tools.Result, error) {
	name := args.String("project_name")
	dir, err := t.ws.Project(name)
	if err != nil {
		return nil, err
	}
	t.logger.Info("project initialized", slog.String("project", name), slog.String("dir", dir))

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Project `%s` initialized\n\n", name)
	fmt.Fprintf(&sb, "**Workspace:** `%s`\n\n", dir)
	sb.WriteString("| Directory  | Purpose                        |\n")
	sb.WriteString("|------------|--------------------------------|\n")
	sb.WriteString("| `src/`     | Verilog / SystemVerilog sources |\n")
	sb.WriteString("| `scripts/` | Generated tool scripts         |\n")
	sb.WriteString("| `reports/` | Synthesis and PnR reports      |\n")
	sb.WriteString("| `runs/`    | OpenLane full-flow runs        |\n\n")
	sb.WriteString("Next step: use `write_file` to add RTL sources to `src/`.\n")
	return &tools.Result{
		Output:   sb.String(),
		Metadata: map[string]any{"dir": dir},
		Success:  true,
	}, nil
}

// ---- WriteTool ----

// WriteTool writes a text file inside a project.
type WriteTool struct {
	ws     *workspace.Workspace
	logger *slog.Logger
}

func (t *WriteTool) Name() string { return "write_file" }
func (t *WriteTool) Description() string {
	return "Write a file (Verilog, TCL, constraints, config) into a project; parent directories are created"
}
func (t *WriteTool) Params() []tools.Param {
	return []tools.Param{
		projectNameParam,
		{Name: "filename", Type: tools.TypeString, Required: true, Description: "Path relative to the project, e.g. src/counter.v. Each path element may use letters, digits and _ . + -; '..' is rejected"},
		{Name: "content", Type: tools.TypeString, Description: "Full text content of the file"},
	}
}

func (t *WriteTool) Execute(_ context.Context, args tools.Args) (*tools.Result, error) {
	content := args.String("content")
	path, size, err := t.ws.WriteFile(args.String("project_name"), args.String("filename"), content)
	if err != nil {
		return nil, err
	}
	t.logger.Info("file written", slog.String("path", path), slog.Int64("bytes", size))

	lines := strings.Count(content, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		lines++
	}
	return &tools.Result{
		Output: fmt.Sprintf("## File written\n\n- **Path:** `%s`\n- **Size:** %s bytes\n- **Lines:** %d\n",
			path, groupDigits(size), lines),
		Metadata: map[string]any{"path": path, "bytes": size},
		Success:  true,
	}, nil
}

// ---- ListProjectsTool ----

// ListProjectsTool summarizes every project in the workspace.
type ListProjectsTool struct {
	ws *workspace.Workspace
}

func (t *ListProjectsTool) Name() string { return "list_projects" }
func (t *ListProjectsTool) Description() string {
	return "List all chip-design projects in the workspace with file counts, sizes and netlist status"
}
func (t *ListProjectsTool) Params() []tools.Param { return nil }

func (t *ListProjectsTool) Execute(_ context.Context, _ tools.Args) (*tools.Result, error) {
	projects, err := t.ws.ListProjects()
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return &tools.Result{
			Output:  "No projects found. Use `initialize_project` to create one.",
			Success: true,
		}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Projects (%d)\n\n", len(projects))
	sb.WriteString("| Name | Files | Size | Netlist? |\n")
	sb.WriteString("|------|-------|------|----------|\n")
	for _, p := range projects {
		netlist := "no"
		if p.HasNetlist {
			netlist = "yes"
		}
		fmt.Fprintf(&sb, "| `%s` | %d | %s B | %s |\n", p.Name, p.Files, groupDigits(p.Bytes), netlist)
	}
	return &tools.Result{
		Output:   sb.String(),
		Metadata: map[string]any{"count": len(projects)},
		Success:  true,
	}, nil
}

// ---- ListFilesTool ----

// ListFilesTool lists the files of one project, hiding per-run scratch
// directories.
type ListFilesTool struct {
	ws *workspace.Workspace
}

func (t *ListFilesTool) Name() string { return "list_project_files" }
func (t *ListFilesTool) Description() string {
	return "List files in a project with their sizes; runs/*/tmp, logs and reports are hidden and output is capped at 200 files"
}
func (t *ListFilesTool) Params() []tools.Param { return []tools.Param{projectNameParam} }

func (t *ListFilesTool) Execute(_ context.Context, args tools.Args) (*tools.Result, error) {
	name := args.String("project_name")
	files, skipped, err := t.ws.ListFiles(name, workspace.DefaultMaxListedFiles)
	if err != nil {
		return nil, err
	}
	dir, err := t.ws.Project(name)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Project `%s`\n\n**Root:** `%s`\n\n", name, dir)
	for _, f := range files {
		fmt.Fprintf(&sb, "  - `%s` (%s B)\n", f.Path, groupDigits(f.Size))
	}
	if skipped > 0 {
		fmt.Fprintf(&sb, "\n  ... and %d more files (hidden to reduce output size).\n", skipped)
	}
	return &tools.Result{
		Output:   sb.String(),
		Metadata: map[string]any{"files": len(files), "skipped": skipped},
		Success:  true,
	}, nil
}

// groupDigits formats n with comma thousands separators.
func groupDigits(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	if neg {
		s = "-" + s
	}
	return s
}
