package postgres

import (
	"github.com/google/uuid"

	"github.com/jkaninda/edagate/internal/security"
)

func toAuditModel(event security.AuditEvent) AuditEventModel {
	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	return AuditEventModel{
		ID:         id,
		RequestID:  event.RequestID,
		ClientIP:   event.ClientIP,
		Action:     event.Action,
		Target:     event.Target,
		Result:     event.Result,
		Reason:     event.Reason,
		ExitCode:   event.ExitCode,
		DurationMS: event.DurationMS,
		CreatedAt:  event.Timestamp.UTC(),
	}
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	return security.AuditEvent{
		ID:         m.ID,
		Timestamp:  m.CreatedAt,
		RequestID:  m.RequestID,
		ClientIP:   m.ClientIP,
		Action:     m.Action,
		Target:     m.Target,
		Result:     m.Result,
		Reason:     m.Reason,
		ExitCode:   m.ExitCode,
		DurationMS: m.DurationMS,
	}
}
