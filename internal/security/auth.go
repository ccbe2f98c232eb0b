package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Credential locations, in precedence order.
const (
	APIKeyHeader     = "X-API-Key"
	AuthorizationHdr = "Authorization"
	APIKeyQueryParam = "api_key"

	bearerPrefix = "Bearer "
)

// Guard validates a presented credential against the configured shared
// secret. A Guard built with an empty secret runs in open mode and admits
// every request; the caller is expected to have opted into that mode
// explicitly.
type Guard struct {
	digest  [sha256.Size]byte
	enabled bool
}

// NewGuard creates an auth guard for secret.
func NewGuard(secret string) *Guard {
	if secret == "" {
		return &Guard{}
	}
	return &Guard{
		digest:  sha256.Sum256([]byte(secret)),
		enabled: true,
	}
}

// Enabled reports whether a secret is configured.
func (g *Guard) Enabled() bool {
	return g.enabled
}

// Check reports whether credential matches the configured secret.
// Both sides are hashed to fixed-length digests before the constant-time
// comparison, so neither the mismatch position nor the presented length
// affects timing. An empty credential is always rejected in secured mode.
func (g *Guard) Check(credential string) bool {
	if !g.enabled {
		return true
	}
	if credential == "" {
		return false
	}
	sum := sha256.Sum256([]byte(credential))
	return subtle.ConstantTimeCompare(sum[:], g.digest[:]) == 1
}

// ExtractCredential returns the first non-empty credential found in the
// X-API-Key header, an "Authorization: Bearer" token, or the api_key query
// parameter, in that order. The query parameter serves EventSource clients.
func ExtractCredential(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	if auth := r.Header.Get(AuthorizationHdr); strings.HasPrefix(auth, bearerPrefix) {
		if token := strings.TrimSpace(auth[len(bearerPrefix):]); token != "" {
			return token
		}
	}
	return r.URL.Query().Get(APIKeyQueryParam)
}
