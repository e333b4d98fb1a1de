package domain

import "time"

// AuditField names a tracked ticket field.
type AuditField string

const (
	AuditFieldStatus     AuditField = "status"
	AuditFieldAssignedTo AuditField = "assignedTo"
	AuditFieldPriority   AuditField = "priority"
)

// AuditLogEntry is an immutable record of one field change on one ticket.
type AuditLogEntry struct {
	ID        string
	TicketID  string
	FieldName AuditField
	OldValue  *string
	NewValue  *string
	ChangedBy string
	CreatedAt time.Time
	// Seq is assigned by the store and orders entries sharing a timestamp.
	Seq int64
}
