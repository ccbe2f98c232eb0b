package fileserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jkaninda/edagate/internal/observability"
	"github.com/jkaninda/edagate/internal/security"
)

// Authenticator decides whether a request carries valid credentials.
type Authenticator interface {
	Authenticate(r *http.Request) bool
}

// Server serves files under a Resolver's root. Read-only: GET and HEAD.
type Server struct {
	addr     string
	resolver *Resolver
	auth     Authenticator
	audit    security.Auditor
	metrics  *observability.MetricsCollector
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a file server listening on addr.
func NewServer(addr string, resolver *Resolver, auth Authenticator, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		resolver: resolver,
		auth:     auth,
		logger:   logger,
	}
}

// WithAuditor records denied requests in the security audit trail.
func (s *Server) WithAuditor(a security.Auditor) *Server {
	s.audit = a
	return s
}

// WithMetrics counts responses by status code.
func (s *Server) WithMetrics(m *observability.MetricsCollector) *Server {
	s.metrics = m
	return s
}

// Handler returns the HTTP handler. It must be mounted at the server root:
// the whole request path is resolved against the workspace.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

// Start listens on the configured address and blocks until ctx is canceled
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	var handler http.Handler = s.Handler()
	if s.metrics != nil {
		handler = observability.HTTPMetricsMiddleware(s.metrics, nil, handler)
	}
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("file server starting",
		slog.String("addr", s.addr),
		slog.String("root", s.resolver.Root()),
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("file server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("file server stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Access-Control-Allow-Origin", "*")

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.Set("Allow", "GET, HEAD")
		s.fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	clientIP := security.ClientIP(r)
	raw := r.URL.EscapedPath()

	if !s.auth.Authenticate(r) {
		s.logger.Warn("file request rejected",
			slog.String("reason", security.ReasonUnauthorized),
			slog.String("client_ip", clientIP),
			slog.String("path", raw),
		)
		s.record(clientIP, raw, security.ReasonUnauthorized)
		s.fail(w, http.StatusUnauthorized, "Unauthorized: invalid or missing API key")
		return
	}

	path, err := s.resolver.Resolve(raw)
	if err != nil {
		s.forbidden(w, clientIP, raw, err)
		return
	}

	f, err := os.Open(path.String())
	if err != nil {
		if isMissing(err) {
			s.fail(w, http.StatusNotFound, "not found")
			return
		}
		s.logger.Error("opening workspace file",
			slog.String("path", path.String()),
			slog.String("error", err.Error()),
		)
		s.fail(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer f.Close()

	// The path was checked before open; a symlink swapped in between would
	// be caught here.
	if opened, ok := openedPath(f); ok && !s.resolver.Contains(opened) {
		s.forbidden(w, clientIP, raw, fmt.Errorf("%w: opened %s", ErrForbidden, opened))
		return
	}

	info, err := f.Stat()
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "internal error")
		return
	}
	if info.IsDir() {
		s.fail(w, http.StatusNotFound, "not found")
		return
	}

	s.metrics.RecordFileRequest(http.StatusOK)
	http.ServeContent(w, r, filepath.Base(path.String()), info.ModTime(), f)
}

func (s *Server) forbidden(w http.ResponseWriter, clientIP, raw string, err error) {
	s.logger.Warn("path escape blocked",
		slog.String("reason", security.ReasonPathEscape),
		slog.String("client_ip", clientIP),
		slog.String("raw_path", strconv.Quote(raw)),
		slog.String("error", err.Error()),
	)
	s.record(clientIP, raw, security.ReasonPathEscape)
	s.fail(w, http.StatusForbidden, "forbidden")
}

func (s *Server) record(clientIP, target, reason string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(security.AuditEvent{
		ClientIP: clientIP,
		Action:   security.ActionFile,
		Target:   target,
		Result:   security.ResultDenied,
		Reason:   reason,
	})
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.metrics.RecordFileRequest(status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// openedPath reports the path the kernel resolved for f, where the
// platform exposes it.
func openedPath(f *os.File) (string, bool) {
	target, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(int(f.Fd())))
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
		return "", false
	}
	return target, true
}
