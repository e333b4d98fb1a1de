// Package assignment decides who may change a ticket's assignee.
package assignment

import (
	"fmt"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// Reason enumerates why an assignment change was denied.
type Reason string

const (
	ReasonNotAdmin           Reason = "NOT_ADMIN"
	ReasonNotCurrentAssignee Reason = "NOT_CURRENT_ASSIGNEE"
	ReasonTicketClosed       Reason = "TICKET_CLOSED"
)

// Request describes a requested change of assignedTo.
type Request struct {
	Actor     domain.Actor
	Current   *string
	Requested *string
	Status    domain.TicketStatus
	// Reopening is set when the same operation moves the ticket out of closed.
	Reopening bool
}

// Decision is the authority's verdict.
type Decision struct {
	Allowed bool
	// NoOp is set when the requested assignee equals the current one.
	NoOp   bool
	Reason Reason
}

// DeniedError carries a denial reason through error chains.
type DeniedError struct {
	Reason Reason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("assignment denied: %s", e.Reason)
}

// Err returns nil for allowed decisions and a *DeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Reason: d.Reason}
}

// Authorize evaluates the assignment rules in order: no-op, unassign,
// assign/reassign, then the closed-ticket gate.
func Authorize(req Request) Decision {
	if sameAssignee(req.Current, req.Requested) {
		return Decision{Allowed: true, NoOp: true}
	}

	if req.Requested == nil {
		if !req.Actor.IsAdmin() && !isAssignee(req.Actor, req.Current) {
			return deny(ReasonNotCurrentAssignee)
		}
	} else if req.Current != nil {
		// A holder never hands off their own ticket, admins included;
		// admins only reassign away from someone else.
		if isAssignee(req.Actor, req.Current) {
			return deny(ReasonNotAdmin)
		}
		if !req.Actor.IsAdmin() {
			return deny(ReasonNotCurrentAssignee)
		}
	}

	if req.Status == domain.TicketStatusClosed && !req.Reopening {
		return deny(ReasonTicketClosed)
	}
	return Decision{Allowed: true}
}

func deny(reason Reason) Decision {
	return Decision{Reason: reason}
}

func isAssignee(actor domain.Actor, current *string) bool {
	return current != nil && *current == actor.ID
}

func sameAssignee(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
