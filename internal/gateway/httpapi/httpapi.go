// Package httpapi implements the main HTTP server of edagate.
//
// Routes:
//   - /mcp                  MCP streamable HTTP transport
//   - GET  /v1/tools        tool catalogue with input schemas
//   - POST /v1/tools/{name} JSON tool invocation
//   - /healthz, /readyz     probes (unauthenticated)
//   - /metrics              Prometheus exposition (unauthenticated, optional)
//
// Every other request, routed or not, passes the RequestGuard: CORS
// pre-flight, per-client rate limiting, then API key authentication. The
// public endpoints still get CORS headers and pre-flight answers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/edagate/internal/gateway"
	"github.com/jkaninda/edagate/internal/observability"
	"github.com/jkaninda/edagate/internal/tools"
	"github.com/jkaninda/edagate/internal/workspace"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr   string // e.g., "0.0.0.0:3334"
	EnableDocs   bool
	Version      string
	WriteTimeout time.Duration // 0 = no limit; tool runs are bounded by the sandbox timeout

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	registry *tools.Registry
	mcp      http.Handler
	guard    *gateway.RequestGuard
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway. mcp may be nil to serve only the
// JSON API.
func NewGateway(cfg Config, registry *tools.Registry, mcp http.Handler, guard *gateway.RequestGuard, logger *slog.Logger) *Gateway {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Gateway{
		config:   cfg,
		registry: registry,
		mcp:      mcp,
		guard:    guard,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs serves generated API docs.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "edagate",
			Version: g.config.Version,
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.okapi.UseMiddleware(g.middleware)
	g.okapi.NoRoute(g.unrouted(http.StatusNotFound, "not found"))
	g.okapi.NoMethod(g.unrouted(http.StatusMethodNotAllowed, "method not allowed"))
	g.routes()
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      g.config.WriteTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	if err := g.okapi.StartServer(g.server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// middleware wraps every route with metrics and the guard. Metrics sit
// outermost so rejections are counted.
func (g *Gateway) middleware(next http.Handler) http.Handler {
	inner := g.guarded(next)
	if g.config.Metrics == nil && g.config.Tracer == nil {
		return inner
	}
	return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, inner)
}

// guarded sends public endpoints through the CORS-only wrapper and
// everything else through the full request guard.
func (g *Gateway) guarded(next http.Handler) http.Handler {
	public := g.guard.Public(next)
	private := g.guard.Middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.public(r.URL.Path) {
			public.ServeHTTP(w, r)
			return
		}
		private.ServeHTTP(w, r)
	})
}

// unrouted answers requests the router cannot match. Route middleware does
// not run for them, so the guard is applied here. They skip HTTP metrics to
// keep client-chosen paths out of the label set.
func (g *Gateway) unrouted(status int, msg string) okapi.HandlerFunc {
	h := g.guarded(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(ErrorBody{Error: msg})
	}))
	return func(c *okapi.Context) error {
		h.ServeHTTP(c.ResponseWriter(), c.Request())
		return nil
	}
}

// public reports whether path bypasses the guard.
func (g *Gateway) public(path string) bool {
	switch path {
	case "/healthz", "/readyz":
		return true
	case g.config.MetricsPath:
		return g.config.MetricsRegistry != nil
	}
	if g.config.EnableDocs {
		return path == "/openapi.json" || path == "/docs" || strings.HasPrefix(path, "/docs/")
	}
	return false
}

func (g *Gateway) routes() {
	g.group = g.okapi.Group("/v1")

	g.group.Get("/tools", g.handleListTools,
		okapi.DocSummary("List available tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolInfo{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/tools/{name}", g.handleInvoke,
		okapi.DocSummary("Invoke a tool"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("name", "string", "Tool name, e.g. run_yosys_synthesis"),
		okapi.DocRequestBody(InvokeRequest{}),
		okapi.DocResponse(InvokeResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Pre-flight requests are answered by the guard; the routes only need
	// to exist so the router does not reject the method first.
	preflight := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }
	for _, path := range []string{"/v1/tools", "/v1/tools/{name}"} {
		g.okapi.HandleStd(http.MethodOptions, path, preflight)
	}

	if g.mcp != nil {
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
			g.okapi.HandleStd(method, "/mcp", g.mcp.ServeHTTP)
		}
		g.okapi.HandleStd(http.MethodOptions, "/mcp", preflight)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		g.okapi.HandleStd("GET", g.config.MetricsPath, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
}

// --- Handlers ---

// ToolInfo describes one tool in GET /v1/tools.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

func (g *Gateway) handleListTools(c *okapi.Context) error {
	all := g.registry.All()
	out := make([]ToolInfo, len(all))
	for i, t := range all {
		out[i] = ToolInfo{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: tools.InputSchema(t),
		}
	}
	return c.OK(out)
}

// InvokeRequest is the JSON body for POST /v1/tools/{name}.
type InvokeRequest struct {
	Arguments map[string]any `json:"arguments"`
}

// InvokeResponse is the JSON response for POST /v1/tools/{name}. Success is
// false when the tool ran but its run failed; Output then carries the
// extracted diagnostics.
type InvokeResponse struct {
	Tool      string         `json:"tool"`
	Output    string         `json:"output"`
	Success   bool           `json:"success"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func (g *Gateway) handleInvoke(c *okapi.Context) error {
	name := c.Param("name")

	var req InvokeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
		}
	}

	requestID := gateway.RequestIDFromContext(c.Context())
	res, err := g.registry.Invoke(c.Context(), name, req.Arguments)
	if err != nil {
		return g.invokeError(c, name, requestID, err)
	}

	return c.OK(InvokeResponse{
		Tool:      name,
		Output:    res.Output,
		Success:   res.Success,
		Metadata:  res.Metadata,
		RequestID: requestID,
	})
}

// invokeError maps tool errors to HTTP responses. Caller mistakes are 4xx
// with the message; anything else is logged and reported generically.
func (g *Gateway) invokeError(c *okapi.Context, name, requestID string, err error) error {
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: err.Error()})
	case errors.Is(err, tools.ErrInvalidArgs),
		errors.Is(err, workspace.ErrInvalidName),
		errors.Is(err, workspace.ErrInvalidPath):
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	default:
		g.logger.Error("tool invocation error",
			slog.String("tool", name),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "tool execution failed"})
	}
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	return c.JSON(status.HTTPStatus(), status)
}
