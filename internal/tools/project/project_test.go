package project

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/edagate/internal/tools"
	"github.com/jkaninda/edagate/internal/workspace"
)

func newRegistry(t *testing.T) (*tools.Registry, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := tools.NewRegistry(logger)
	for _, tool := range Tools(ws, logger) {
		reg.Register(tool)
	}
	return reg, ws
}

func TestInitializeProject(t *testing.T) {
	reg, ws := newRegistry(t)
	res, err := reg.Invoke(context.Background(), "initialize_project", map[string]any{"project_name": "counter"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success || !strings.Contains(res.Output, "`counter`") || !strings.Contains(res.Output, "`runs/`") {
		t.Errorf("output = %q", res.Output)
	}
	if _, err := os.Stat(filepath.Join(ws.Root, "counter", "src")); err != nil {
		t.Errorf("src not created: %v", err)
	}

	_, err = reg.Invoke(context.Background(), "initialize_project", map[string]any{"project_name": "../etc"})
	if !errors.Is(err, workspace.ErrInvalidName) {
		t.Errorf("err = %v, want ErrInvalidName", err)
	}
}

func TestWriteFile(t *testing.T) {
	reg, ws := newRegistry(t)
	content := "module counter(input clk);\nendmodule"
	res, err := reg.Invoke(context.Background(), "write_file", map[string]any{
		"project_name": "counter",
		"filename":     "src/counter.v",
		"content":      content,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(res.Output, "**Lines:** 2") || !strings.Contains(res.Output, "**Size:** 36 bytes") {
		t.Errorf("output = %q", res.Output)
	}
	data, err := os.ReadFile(filepath.Join(ws.Root, "counter", "src", "counter.v"))
	if err != nil || string(data) != content {
		t.Errorf("file = %q, %v", data, err)
	}

	_, err = reg.Invoke(context.Background(), "write_file", map[string]any{
		"project_name": "counter",
		"filename":     "../other/x.v",
		"content":      "x",
	})
	if !errors.Is(err, workspace.ErrInvalidPath) {
		t.Errorf("err = %v, want ErrInvalidPath", err)
	}
}

func TestListProjects(t *testing.T) {
	reg, ws := newRegistry(t)
	res, err := reg.Invoke(context.Background(), "list_projects", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Output, "No projects found") {
		t.Errorf("empty output = %q", res.Output)
	}

	if _, _, err := ws.WriteFile("alu", "reports/synth.v", strings.Repeat("x", 1500)); err != nil {
		t.Fatal(err)
	}
	res, err = reg.Invoke(context.Background(), "list_projects", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Output, "| `alu` | 1 | 1,500 B | yes |") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestListProjectFiles(t *testing.T) {
	reg, ws := newRegistry(t)
	for _, f := range []string{"src/top.v", "runs/run_1/logs/flow.log"} {
		if _, _, err := ws.WriteFile("p", f, "x"); err != nil {
			t.Fatal(err)
		}
	}
	res, err := reg.Invoke(context.Background(), "list_project_files", map[string]any{"project_name": "p"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Output, "`src/top.v` (1 B)") {
		t.Errorf("output = %q", res.Output)
	}
	if strings.Contains(res.Output, "flow.log") {
		t.Errorf("run logs not hidden: %q", res.Output)
	}
}

func TestGroupDigits(t *testing.T) {
	for n, want := range map[int64]string{0: "0", 999: "999", 1000: "1,000", 1234567: "1,234,567", -4500: "-4,500"} {
		if got := groupDigits(n); got != want {
			t.Errorf("groupDigits(%d) = %q, want %q", n, got, want)
		}
	}
}
