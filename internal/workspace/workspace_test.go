package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspace")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}

	// Root directory should exist.
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"counter", "counter", true},
		{"  alu_8-bit ", "alu_8-bit", true},
		{strings.Repeat("a", 64), strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), "", false},
		{"", "", false},
		{"   ", "", false},
		{"a/b", "", false},
		{"a\\b", "", false},
		{"..", "", false},
		{"../etc", "", false},
		{"proj;rm -rf /", "", false},
		{"proj$(id)", "", false},
		{"naïve", "", false},
	}
	for _, tc := range tests {
		got, err := SanitizeName(tc.input)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Errorf("SanitizeName(%q) = %q, %v; want %q", tc.input, got, err, tc.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidName) {
			t.Errorf("SanitizeName(%q) err = %v, want ErrInvalidName", tc.input, err)
		}
	}
}

func TestProject_Scaffolds(t *testing.T) {
	ws := newTestWorkspace(t)
	dir, err := ws.Project("counter")
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if dir != filepath.Join(ws.Root, "counter") {
		t.Errorf("dir = %q", dir)
	}
	for _, sub := range []string{"src", "scripts", "reports", "runs"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", sub, err)
		}
	}

	// Idempotent.
	if _, err := ws.Project("counter"); err != nil {
		t.Errorf("second Project: %v", err)
	}
	if _, err := ws.Project("../x"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("err = %v, want ErrInvalidName", err)
	}
}

func TestWriteFile(t *testing.T) {
	ws := newTestWorkspace(t)

	const content = "module counter; endmodule\n"
	path, n, err := ws.WriteFile("counter", "src/counter.v", content)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if want := filepath.Join(ws.Root, "counter", "src", "counter.v"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	if n != int64(len(content)) {
		t.Errorf("size = %d, want %d", n, len(content))
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != content {
		t.Errorf("content = %q, %v", data, err)
	}

	// Nested directories are created.
	if _, _, err := ws.WriteFile("counter", "constraints/deep/top.sdc", "create_clock"); err != nil {
		t.Errorf("nested WriteFile: %v", err)
	}
}

func TestWriteFile_RejectsEscapes(t *testing.T) {
	ws := newTestWorkspace(t)
	for _, rel := range []string{
		"../other/src/x.v",
		"src/../../x.v",
		"..\\x.v",
		"/etc/passwd",
		"",
		"src/x.v; !touch pwned; #.v",
		"src/a b.v",
		"src/$(id).v",
	} {
		if _, _, err := ws.WriteFile("counter", rel, "x"); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("WriteFile(%q) err = %v, want ErrInvalidPath", rel, err)
		}
	}
}

func TestWriteFile_SymlinkEscape(t *testing.T) {
	ws := newTestWorkspace(t)
	dir, err := ws.Project("counter")
	if err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(dir, "out")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ws.WriteFile("counter", "out/pwned.txt", "x"); err == nil {
		t.Fatal("write through symlink should fail")
	}
	if _, err := os.Stat(filepath.Join(outside, "pwned.txt")); err == nil {
		t.Fatal("file written outside the project")
	}
}

func TestSourceFiles(t *testing.T) {
	ws := newTestWorkspace(t)
	for _, f := range []string{"src/b.v", "src/a.v", "src/notes.txt", "src/sub/c.v"} {
		if _, _, err := ws.WriteFile("p", f, "x"); err != nil {
			t.Fatal(err)
		}
	}
	got, err := ws.SourceFiles("p")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "a.v,b.v" {
		t.Errorf("SourceFiles = %v, want [a.v b.v]", got)
	}
}

func TestSourceFiles_SkipsUnsafeNames(t *testing.T) {
	ws := newTestWorkspace(t)
	dir, err := ws.Project("p")
	if err != nil {
		t.Fatal(err)
	}
	// Placed directly on disk, bypassing WriteFile.
	for _, name := range []string{"top.v", "x.v; !touch pwned; #.v", "a b.v"} {
		if err := os.WriteFile(filepath.Join(dir, SrcDir, name), []byte("x"), 0o640); err != nil {
			t.Fatal(err)
		}
	}
	got, err := ws.SourceFiles("p")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "top.v" {
		t.Errorf("SourceFiles = %q, want [top.v]", got)
	}
}

func TestListProjects(t *testing.T) {
	ws := newTestWorkspace(t)
	if got, err := ws.ListProjects(); err != nil || len(got) != 0 {
		t.Fatalf("empty workspace: %v, %v", got, err)
	}

	ws.WriteFile("beta", "src/top.v", "12345")
	ws.WriteFile("alpha", "src/top.v", "abc")
	ws.WriteFile("alpha", "reports/synth.v", "netlist")

	got, err := ws.ListProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "alpha" || got[1].Name != "beta" {
		t.Fatalf("projects = %+v", got)
	}
	if got[0].Files != 2 || got[0].Bytes != 10 || !got[0].HasNetlist {
		t.Errorf("alpha = %+v", got[0])
	}
	if got[1].Files != 1 || got[1].HasNetlist {
		t.Errorf("beta = %+v", got[1])
	}
}

func TestListFiles_FiltersRunNoise(t *testing.T) {
	ws := newTestWorkspace(t)
	for _, f := range []string{
		"src/top.v",
		"config.json",
		"runs/run_1/results/final/gds/top.gds",
		"runs/run_1/tmp/scratch.txt",
		"runs/run_1/logs/flow.log",
		"runs/run_1/reports/metrics.csv",
	} {
		if _, _, err := ws.WriteFile("p", f, "x"); err != nil {
			t.Fatal(err)
		}
	}

	files, skipped, err := ws.ListFiles("p", 0)
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	want := "config.json,runs/run_1/results/final/gds/top.gds,src/top.v"
	if strings.Join(paths, ",") != want {
		t.Errorf("paths = %v, want %s", paths, want)
	}
	if skipped != 0 {
		t.Errorf("skipped = %d", skipped)
	}
}

func TestListFiles_Cap(t *testing.T) {
	ws := newTestWorkspace(t)
	for i := 0; i < 5; i++ {
		if _, _, err := ws.WriteFile("p", filepath.Join("src", string(rune('a'+i))+".v"), "x"); err != nil {
			t.Fatal(err)
		}
	}
	files, skipped, err := ws.ListFiles("p", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 || skipped != 2 {
		t.Errorf("files=%d skipped=%d, want 3/2", len(files), skipped)
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
