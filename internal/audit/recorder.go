// Package audit computes field-level audit entries for ticket mutations.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

type trackedField struct {
	name  domain.AuditField
	value func(*domain.Ticket) *string
}

// trackedFields is evaluated in order, so entries of one mutation are
// always emitted status, assignedTo, priority.
var trackedFields = []trackedField{
	{name: domain.AuditFieldStatus, value: func(t *domain.Ticket) *string { return stringPtr(string(t.Status)) }},
	{name: domain.AuditFieldAssignedTo, value: func(t *domain.Ticket) *string { return t.AssignedTo }},
	{name: domain.AuditFieldPriority, value: func(t *domain.Ticket) *string { return stringPtr(string(t.Priority)) }},
}

// Recorder turns before/after snapshots into audit entries.
type Recorder struct {
	newID func() string
}

// NewRecorder builds a recorder generating uuid entry ids.
func NewRecorder() *Recorder {
	return &Recorder{newID: uuid.NewString}
}

// Diff returns one entry per tracked field whose value differs between
// before and after. Unchanged fields produce nothing.
func (r *Recorder) Diff(before, after *domain.Ticket, changedBy string, at time.Time) []domain.AuditLogEntry {
	var entries []domain.AuditLogEntry
	for _, field := range trackedFields {
		oldValue := field.value(before)
		newValue := field.value(after)
		if equal(oldValue, newValue) {
			continue
		}
		entries = append(entries, domain.AuditLogEntry{
			ID:        r.newID(),
			TicketID:  after.ID,
			FieldName: field.name,
			OldValue:  copyPtr(oldValue),
			NewValue:  copyPtr(newValue),
			ChangedBy: changedBy,
			CreatedAt: at,
		})
	}
	return entries
}

func equal(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func stringPtr(s string) *string {
	return &s
}

func copyPtr(s *string) *string {
	if s == nil {
		return nil
	}
	return stringPtr(*s)
}
