package security

import (
	"net"
	"net/http"
)

// ClientIP returns the host part of the request's remote address.
// Forwarding headers are client-controlled and ignored.
func ClientIP(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
