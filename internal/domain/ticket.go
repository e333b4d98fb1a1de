package domain

import "time"

// TicketType selects the typed variant of a ticket.
type TicketType string

const (
	TicketTypeTesting  TicketType = "testing"
	TicketTypeSupport  TicketType = "support"
	TicketTypeQuestion TicketType = "question"
)

// Valid reports whether t is one of the known ticket types.
func (t TicketType) Valid() bool {
	switch t {
	case TicketTypeTesting, TicketTypeSupport, TicketTypeQuestion:
		return true
	}
	return false
}

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusResolved   TicketStatus = "resolved"
	TicketStatusClosed     TicketStatus = "closed"
)

// TicketStatuses lists every status in workflow order.
var TicketStatuses = []TicketStatus{
	TicketStatusOpen,
	TicketStatusInProgress,
	TicketStatusResolved,
	TicketStatusClosed,
}

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	for _, candidate := range TicketStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// TicketPriority enumerates urgency.
type TicketPriority string

const (
	TicketPriorityLow    TicketPriority = "low"
	TicketPriorityMedium TicketPriority = "medium"
	TicketPriorityHigh   TicketPriority = "high"
)

// Valid reports whether p is a known priority.
func (p TicketPriority) Valid() bool {
	switch p {
	case TicketPriorityLow, TicketPriorityMedium, TicketPriorityHigh:
		return true
	}
	return false
}

// Ticket is the aggregate for testing, support and question requests.
type Ticket struct {
	ID          string
	Type        TicketType
	Title       string
	Description string
	Status      TicketStatus
	Priority    TicketPriority
	AssignedTo  *string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// Version is bumped by every persisted mutation and guards conditional writes.
	Version int64
	// Details is nil for question tickets.
	Details Details
}

// Clone returns a deep copy so callers can diff before/after snapshots.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	out := *t
	out.AssignedTo = cloneString(t.AssignedTo)
	if t.Details != nil {
		out.Details = t.Details.clone()
	}
	return &out
}

// Testing returns the testing details, if any.
func (t *Ticket) Testing() (*TestingDetails, bool) {
	d, ok := t.Details.(*TestingDetails)
	return d, ok
}

// Support returns the support details, if any.
func (t *Ticket) Support() (*SupportDetails, bool) {
	d, ok := t.Details.(*SupportDetails)
	return d, ok
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
