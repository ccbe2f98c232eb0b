package security

import (
	"context"
	"time"
)

// AuditStore is an append-only store for audit events.
// No update methods; old events are only removed by retention pruning.
type AuditStore interface {
	// Append writes a single audit event.
	Append(ctx context.Context, event AuditEvent) error
	// Query returns the newest events first. Limit defaults to 100.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	// Prune deletes events older than before and returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	Action   string
	Result   string
	ClientIP string
	Limit    int
}
