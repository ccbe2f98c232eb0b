package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/jkaninda/edagate/internal/observability"
	"github.com/jkaninda/edagate/internal/ratelimit"
	"github.com/jkaninda/edagate/internal/security"
)

// Rejection bodies. Clients match on these strings.
const (
	msgRateLimited  = "Rate limit exceeded. Try again later."
	msgUnauthorized = "Unauthorized: invalid or missing API key"
)

// Response headers set by RequestGuard.
const (
	RequestIDHeader          = "X-Request-ID"
	RateLimitHeader          = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
)

type requestIDKey struct{}

// RequestIDFromContext returns the ID assigned by RequestGuard, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestGuard composes the per-request checks in front of the tool
// endpoints: CORS pre-flight, rate limiting, then authentication. CORS
// headers are set on every response, including rejections.
type RequestGuard struct {
	limiter *ratelimit.Limiter
	auth    *security.Guard
	cors    *security.CORSPolicy
	audit   security.Auditor
	metrics *observability.MetricsCollector
	logger  *slog.Logger
}

// NewRequestGuard creates a guard. limiter may be nil to disable throttling.
func NewRequestGuard(limiter *ratelimit.Limiter, auth *security.Guard, cors *security.CORSPolicy, logger *slog.Logger) *RequestGuard {
	return &RequestGuard{
		limiter: limiter,
		auth:    auth,
		cors:    cors,
		logger:  logger,
	}
}

// WithAuditor records every rejection in the security audit trail.
func (g *RequestGuard) WithAuditor(a security.Auditor) *RequestGuard {
	g.audit = a
	return g
}

// WithMetrics counts every decision in edagate_security_checks_total.
func (g *RequestGuard) WithMetrics(m *observability.MetricsCollector) *RequestGuard {
	g.metrics = m
	return g
}

// Middleware wraps next with the guard.
func (g *RequestGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.cors.Apply(w.Header())

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		requestID := uuid.NewString()
		w.Header().Set(RequestIDHeader, requestID)
		clientIP := security.ClientIP(r)

		if g.limiter != nil && g.limiter.Limit() > 0 {
			h := w.Header()
			h.Set(RateLimitHeader, strconv.Itoa(g.limiter.Limit()))
			if !g.limiter.Allow(clientIP) {
				h.Set(RateLimitRemainingHeader, "0")
				h.Set("Retry-After", strconv.Itoa(int(ratelimit.Window.Seconds())))
				g.reject(w, r, requestID, clientIP, http.StatusTooManyRequests, security.ReasonRateLimited, msgRateLimited)
				return
			}
			h.Set(RateLimitRemainingHeader, strconv.Itoa(g.limiter.Remaining(clientIP)))
			g.metrics.RecordSecurityCheck("rate_limit", "allowed")
		}

		if !g.Authenticate(r) {
			g.reject(w, r, requestID, clientIP, http.StatusUnauthorized, security.ReasonUnauthorized, msgUnauthorized)
			return
		}
		g.metrics.RecordSecurityCheck("auth", "allowed")

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Public wraps an unauthenticated endpoint: CORS headers and pre-flight
// handling only, no rate limit or credential check.
func (g *RequestGuard) Public(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.cors.Apply(w.Header())
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate reports whether r carries the configured credential. In
// open mode every request passes.
func (g *RequestGuard) Authenticate(r *http.Request) bool {
	return g.auth.Check(security.ExtractCredential(r))
}

func (g *RequestGuard) reject(w http.ResponseWriter, r *http.Request, requestID, clientIP string, status int, reason, msg string) {
	g.logger.Warn("request rejected",
		slog.String("reason", reason),
		slog.String("client_ip", clientIP),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", requestID),
	)

	check := "auth"
	if reason == security.ReasonRateLimited {
		check = "rate_limit"
	}
	g.metrics.RecordSecurityCheck(check, "denied")

	if g.audit != nil {
		g.audit.Record(security.AuditEvent{
			RequestID: requestID,
			ClientIP:  clientIP,
			Action:    security.ActionRequest,
			Target:    r.Method + " " + r.URL.Path,
			Result:    security.ResultDenied,
			Reason:    reason,
		})
	}

	writeJSONError(w, status, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
