// Package fileserver serves workspace artifacts over HTTP. Every request
// path is resolved against the canonical workspace root and anything that
// would land outside it is refused.
package fileserver

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrForbidden reports a request path that resolves outside the root.
var ErrForbidden = errors.New("path escapes workspace root")

// forbiddenName is the sentinel leaf returned in place of an escaping path.
const forbiddenName = "FORBIDDEN"

// WorkspacePath is an absolute, symlink-free path proven to be the root
// or a descendant of it. Only Resolve produces values that satisfy this.
type WorkspacePath string

// String returns the path.
func (p WorkspacePath) String() string { return string(p) }

// Resolver maps raw request paths to paths under a fixed root.
// Immutable after construction; safe for concurrent use.
type Resolver struct {
	root string // canonical
}

// NewResolver canonicalizes root. The directory must exist.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %s: %w", abs, err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", canon)
	}
	return &Resolver{root: canon}, nil
}

// Root returns the canonical root.
func (r *Resolver) Root() string { return r.root }

// Forbidden returns the sentinel path reported for escapes.
func (r *Resolver) Forbidden() WorkspacePath {
	return WorkspacePath(filepath.Join(r.root, forbiddenName))
}

// Resolve strips any query string, percent-decodes raw, drops leading
// separators, joins the rest onto the root and canonicalizes the result.
// Paths that escape the root, lexically or through symbolic links, yield
// the sentinel path and ErrForbidden. The returned path may not exist.
func (r *Resolver) Resolve(raw string) (WorkspacePath, error) {
	p, _, _ := strings.Cut(raw, "?")
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return r.Forbidden(), fmt.Errorf("%w: malformed escape: %v", ErrForbidden, err)
	}
	if strings.ContainsRune(decoded, 0) {
		return r.Forbidden(), fmt.Errorf("%w: NUL byte in path", ErrForbidden)
	}
	decoded = strings.TrimLeft(decoded, "/"+string(filepath.Separator))

	joined := filepath.Join(r.root, decoded)
	canon, err := canonicalize(joined)
	if err != nil {
		return r.Forbidden(), fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if !r.Contains(canon) {
		return r.Forbidden(), ErrForbidden
	}
	return WorkspacePath(canon), nil
}

// Contains reports whether path is the root or a descendant of it.
// Prefix matching is separator-safe: "/ws" does not contain "/wsevil".
func (r *Resolver) Contains(path string) bool {
	rel, err := filepath.Rel(r.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// canonicalize resolves symlinks in path. When the leaf (or a suffix of
// components) does not exist yet, the deepest existing ancestor is
// resolved and the missing components are appended.
func canonicalize(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !isMissing(err) {
		return "", err
	}

	var missing []string
	cur := path
	for {
		parent := filepath.Dir(cur)
		missing = append(missing, filepath.Base(cur))
		if parent == cur {
			return "", err
		}
		resolvedParent, perr := filepath.EvalSymlinks(parent)
		if perr == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolvedParent = filepath.Join(resolvedParent, missing[i])
			}
			return resolvedParent, nil
		}
		if !isMissing(perr) {
			return "", perr
		}
		cur = parent
	}
}

// isMissing reports errors meaning "no such path", including a file used
// as a directory component.
func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
