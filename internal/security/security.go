// Package security implements the request-boundary checks of edagate:
// shared-secret authentication, CORS response policy, and the security
// audit trail.
package security

import (
	"context"
	"time"
)

// Audit actions.
const (
	ActionRequest = "request" // inbound HTTP request checked by the guard
	ActionFile    = "file"    // static file request
	ActionSandbox = "sandbox" // containerized tool run
)

// Audit results.
const (
	ResultDenied  = "denied"
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Rejection reason codes. They appear in logs, audit events and metric
// labels, never the credential itself.
const (
	ReasonRateLimited  = "rate_limited"
	ReasonUnauthorized = "unauthorized"
	ReasonPathEscape   = "path_escape"
)

// AuditEvent is a single entry in the append-only security audit trail.
type AuditEvent struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	ClientIP   string    `json:"client_ip,omitempty"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	Result     string    `json:"result"`
	Reason     string    `json:"reason,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// AuditSink persists audit events.
type AuditSink interface {
	LogAction(ctx context.Context, event AuditEvent) error
	Close() error
}

// Auditor accepts audit events without blocking the caller.
type Auditor interface {
	Record(event AuditEvent)
}
