// Package lifecycle holds the ticket status state machine.
package lifecycle

import (
	"fmt"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// allowedTransitions is the complete edge set. No status is terminal:
// closed tickets can always be reopened.
var allowedTransitions = map[domain.TicketStatus][]domain.TicketStatus{
	domain.TicketStatusOpen:       {domain.TicketStatusInProgress},
	domain.TicketStatusInProgress: {domain.TicketStatusResolved},
	domain.TicketStatusResolved:   {domain.TicketStatusClosed, domain.TicketStatusInProgress},
	domain.TicketStatusClosed:     {domain.TicketStatusInProgress},
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	From domain.TicketStatus
	To   domain.TicketStatus
}

func (e *TransitionError) Error() string {
	switch {
	case !e.To.Valid():
		return fmt.Sprintf("unknown target status %q", e.To)
	case e.From == e.To:
		return fmt.Sprintf("ticket is already %s", e.From)
	default:
		return fmt.Sprintf("transition %s -> %s is not allowed", e.From, e.To)
	}
}

// NextAllowed returns the statuses reachable from status in one step.
func NextAllowed(status domain.TicketStatus) []domain.TicketStatus {
	next := allowedTransitions[status]
	out := make([]domain.TicketStatus, len(next))
	copy(out, next)
	return out
}

// ValidateTransition returns nil when from -> to is an edge of the table.
// Self-loops are rejected.
func ValidateTransition(from, to domain.TicketStatus) error {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// LeavesClosed reports whether from -> to reopens a closed ticket.
func LeavesClosed(from, to domain.TicketStatus) bool {
	return from == domain.TicketStatusClosed && to != domain.TicketStatusClosed
}
