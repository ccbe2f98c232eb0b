package security

import (
	"context"
	"log/slog"
)

// StoreAuditLogger adapts an AuditStore to the AuditSink interface.
type StoreAuditLogger struct {
	store  AuditStore
	logger *slog.Logger
}

// NewStoreAuditLogger creates a database-backed audit sink.
func NewStoreAuditLogger(store AuditStore, logger *slog.Logger) *StoreAuditLogger {
	return &StoreAuditLogger{
		store:  store,
		logger: logger,
	}
}

// LogAction appends an audit event to the database.
func (a *StoreAuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	if err := a.store.Append(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "failed to log audit event",
			slog.String("action", event.Action),
			slog.String("error", err.Error()),
		)
		return err
	}
	a.logger.DebugContext(ctx, "audit event logged (db)",
		slog.String("action", event.Action),
		slog.String("result", event.Result),
		slog.String("reason", event.Reason),
	)
	return nil
}

// Close is a no-op. The database connection is managed by the storage
// layer and closed separately.
func (a *StoreAuditLogger) Close() error {
	return nil
}
