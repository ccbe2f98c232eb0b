package postgres

import "time"

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt; rows are only ever inserted or pruned.
type AuditEventModel struct {
	ID         string `gorm:"type:varchar(36);primaryKey"`
	RequestID  string `gorm:"index"`
	ClientIP   string `gorm:"index"`
	Action     string `gorm:"not null;index"`
	Target     string `gorm:"type:text;not null"`
	Result     string `gorm:"not null"`
	Reason     string
	ExitCode   int
	DurationMS int64
	CreatedAt  time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }
