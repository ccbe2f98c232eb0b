// Package workspace manages the per-project directory tree that EDA tool
// runs read from and write to. Every project lives directly under a single
// workspace root:
//
//	<root>/<project>/src/      RTL sources
//	<root>/<project>/scripts/  generated tool scripts
//	<root>/<project>/reports/  synthesis reports and netlists
//	<root>/<project>/runs/     full-flow run directories
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// MaxNameLen is the longest accepted project name.
const MaxNameLen = 64

// DefaultMaxListedFiles caps ListFiles output.
const DefaultMaxListedFiles = 200

// Project subdirectories, created lazily on first use.
const (
	SrcDir     = "src"
	ScriptsDir = "scripts"
	ReportsDir = "reports"
	RunsDir    = "runs"
)

var projectDirs = []string{SrcDir, ScriptsDir, ReportsDir, RunsDir}

var safeName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// safeComponent bounds each element of a file path. Source names end up
// in tool scripts, where ';' and '!' are command separators.
var safeComponent = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+$`)

var sourceName = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+\.v$`)

var (
	// ErrInvalidName reports a project name outside [a-zA-Z0-9_-]{1,64}.
	ErrInvalidName = errors.New("invalid name")
	// ErrInvalidPath reports a file path that is absolute or climbs out
	// of the project.
	ErrInvalidPath = errors.New("invalid path")
)

// Workspace manages project directories under Root.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// ProjectInfo summarizes one project for listings.
type ProjectInfo struct {
	Name       string
	Files      int
	Bytes      int64
	HasNetlist bool
}

// FileInfo is one entry of a project file listing.
type FileInfo struct {
	Path string // relative to the project directory, slash-separated
	Size int64
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// SanitizeName trims name and validates it as a project name.
func SanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	case len(name) > MaxNameLen:
		return "", fmt.Errorf("%w: name must be %d characters or fewer", ErrInvalidName, MaxNameLen)
	case !safeName.MatchString(name):
		return "", fmt.Errorf("%w: %q: use only letters, digits, hyphens, and underscores", ErrInvalidName, name)
	}
	return name, nil
}

// Project returns the directory of the named project, creating it and its
// standard subdirectories if needed.
func (w *Workspace) Project(name string) (string, error) {
	safe, err := SanitizeName(name)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(w.Root, safe)
	for _, sub := range projectDirs {
		if err := w.ensureDir(filepath.Join(dir, sub), 0750); err != nil {
			return "", err
		}
	}
	return dir, nil
}

// WriteFile writes content to rel inside the project, creating parent
// directories. rel must be a local path: no "..", not absolute. Writes go
// through an os.Root so symlinks inside the project cannot redirect them
// outside. Returns the absolute path and the number of bytes written.
func (w *Workspace) WriteFile(project, rel, content string) (string, int64, error) {
	dir, err := w.Project(project)
	if err != nil {
		return "", 0, err
	}
	clean, err := localPath(rel)
	if err != nil {
		return "", 0, err
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return "", 0, fmt.Errorf("opening project %s: %w", project, err)
	}
	defer root.Close()

	if parent := filepath.Dir(clean); parent != "." {
		if err := root.MkdirAll(parent, 0750); err != nil {
			return "", 0, fmt.Errorf("creating %s: %w", parent, err)
		}
	}
	if err := root.WriteFile(clean, []byte(content), 0640); err != nil {
		return "", 0, fmt.Errorf("writing %s: %w", clean, err)
	}
	return filepath.Join(dir, clean), int64(len(content)), nil
}

// SourceFiles returns the sorted base names of *.v files directly under
// the project's src/ directory. Names outside [a-zA-Z0-9_.+-] are skipped.
func (w *Workspace) SourceFiles(project string) ([]string, error) {
	dir, err := w.Project(project)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(dir, SrcDir, "*.v"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := filepath.Base(m)
		if !sourceName.MatchString(name) {
			continue
		}
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListProjects returns every project directory under Root, sorted by name.
func (w *Workspace) ListProjects() ([]ProjectInfo, error) {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading workspace: %w", err)
	}

	var out []ProjectInfo
	for _, e := range entries {
		if !e.IsDir() || !safeName.MatchString(e.Name()) {
			continue
		}
		dir := filepath.Join(w.Root, e.Name())
		info := ProjectInfo{Name: e.Name()}
		_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
			if err != nil || !d.Type().IsRegular() {
				return nil
			}
			if fi, err := d.Info(); err == nil {
				info.Files++
				info.Bytes += fi.Size()
			}
			return nil
		})
		if fi, err := os.Stat(filepath.Join(dir, ReportsDir, "synth.v")); err == nil && fi.Mode().IsRegular() {
			info.HasNetlist = true
		}
		out = append(out, info)
	}
	return out, nil
}

// ListFiles lists regular files in the project, sorted by path, skipping
// the tmp/, logs/ and reports/ directories inside each run. At most max
// files are returned; skipped counts the rest.
func (w *Workspace) ListFiles(project string, max int) (files []FileInfo, skipped int, err error) {
	if max <= 0 {
		max = DefaultMaxListedFiles
	}
	dir, err := w.Project(project)
	if err != nil {
		return nil, 0, err
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if noisyRunDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if len(files) >= max {
			skipped++
			return nil
		}
		fi, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		files = append(files, FileInfo{Path: filepath.ToSlash(rel), Size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("listing project %s: %w", project, err)
	}
	return files, skipped, nil
}

// noisyRunDir matches runs/<run>/{tmp,logs,reports}.
func noisyRunDir(rel string) bool {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 || parts[0] != RunsDir {
		return false
	}
	switch parts[2] {
	case "tmp", "logs", "reports":
		return true
	}
	return false
}

// localPath validates rel as a path inside a project and cleans it.
func localPath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty filename", ErrInvalidPath)
	}
	for _, part := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return "", fmt.Errorf("%w: filename must not contain '..' path components", ErrInvalidPath)
		}
		if !safeComponent.MatchString(part) {
			return "", fmt.Errorf("%w: %q may only contain letters, digits and _ . + -", ErrInvalidPath, part)
		}
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q must be relative to the project", ErrInvalidPath, rel)
	}
	return clean, nil
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
