package security

import (
	"net/http"
	"slices"
	"strings"
)

// CORS response values.
const (
	CORSAllowMethods = "GET, POST, DELETE, OPTIONS"
	CORSAllowHeaders = "Content-Type, X-API-Key, Authorization"

	// Response headers browsers may read: the request ID, the rate limit
	// budget and the MCP session.
	CORSExposeHeaders = "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, Mcp-Session-Id"
)

// CORSPolicy decorates responses with the configured cross-origin headers.
// Immutable after construction.
type CORSPolicy struct {
	origin string
}

// NewCORSPolicy builds a policy from the allowed origin list. A list
// containing "*" allows any origin. An empty list emits no
// Access-Control-Allow-Origin header, so browsers refuse cross-origin reads.
func NewCORSPolicy(origins []string) *CORSPolicy {
	var cleaned []string
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			cleaned = append(cleaned, o)
		}
	}
	if slices.Contains(cleaned, "*") {
		return &CORSPolicy{origin: "*"}
	}
	return &CORSPolicy{origin: strings.Join(cleaned, ", ")}
}

// Origin returns the Access-Control-Allow-Origin value, or "" if none is set.
func (p *CORSPolicy) Origin() string {
	return p.origin
}

// Apply sets the CORS headers on h, overwriting any existing values.
func (p *CORSPolicy) Apply(h http.Header) {
	if p.origin != "" {
		h.Set("Access-Control-Allow-Origin", p.origin)
	}
	h.Set("Access-Control-Allow-Methods", CORSAllowMethods)
	h.Set("Access-Control-Allow-Headers", CORSAllowHeaders)
	h.Set("Access-Control-Expose-Headers", CORSExposeHeaders)
}
