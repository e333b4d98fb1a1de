package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/assignment"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/lifecycle"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// TicketFieldsPatch updates free-text fields and priority. Nil fields are untouched.
type TicketFieldsPatch struct {
	Title       *string
	Description *string
	Priority    *domain.TicketPriority
}

// DetailsPatch updates the typed detail record. An empty string clears an
// optional field.
type DetailsPatch struct {
	FeatureID       *string
	Deadline        *time.Time
	ValidationID    *string
	Category        *domain.SupportCategory
	ProjectID       *string
	AIResponse      *string
	ResolutionNotes *string
}

// mutation edits a private copy of the ticket and reports whether anything changed.
type mutation func(ticket *domain.Ticket) (bool, error)

// mutationResult describes a committed (or skipped) change.
type mutationResult struct {
	before  *domain.Ticket
	after   *domain.Ticket
	entries []domain.AuditLogEntry
}

// mutate runs read-validate-write against the store, retrying when another
// writer got there first. The cache is never read here.
func (s *TicketService) mutate(ctx context.Context, op, id string, actor domain.Actor, apply mutation) (mutationResult, error) {
	for attempt := 0; ; attempt++ {
		current, err := s.load(ctx, id)
		if err != nil {
			return mutationResult{}, err
		}

		next := current.Clone()
		changed, err := apply(next)
		if err != nil {
			s.metrics.RecordMutation(op, "rejected")
			return mutationResult{}, err
		}
		if !changed {
			s.metrics.RecordMutation(op, "noop")
			return mutationResult{before: current, after: current}, nil
		}

		now := s.now()
		entries := s.recorder.Diff(current, next, actor.ID, now)
		next.UpdatedAt = now

		err = s.tickets.Update(ctx, next, current.Version, entries)
		switch {
		case err == nil:
			s.metrics.RecordMutation(op, "ok")
			s.writeThrough(ctx, next)
			return mutationResult{before: current, after: next, entries: entries}, nil
		case errors.Is(err, repository.ErrConflict):
			s.metrics.RecordConflict(op)
			if attempt < s.maxConflictRetries {
				s.logger.Debug("version conflict, retrying",
					zap.String("op", op),
					zap.String("ticket_id", id),
					zap.Int("attempt", attempt+1))
				continue
			}
			s.metrics.RecordMutation(op, "conflict")
			return mutationResult{}, apperrors.NewConflict("ticket was modified concurrently", map[string]any{
				"ticket_id": id,
				"attempts":  attempt + 1,
			})
		case errors.Is(err, repository.ErrNotFound):
			return mutationResult{}, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
		default:
			s.metrics.RecordMutation(op, "error")
			return mutationResult{}, apperrors.NewStoreError(err)
		}
	}
}

// writeThrough replaces the cached snapshot with the committed one. The
// version guard in Set keeps a concurrent reader's older copy from landing
// afterwards; a failed write falls back to dropping the entry.
func (s *TicketService) writeThrough(ctx context.Context, committed *domain.Ticket) {
	if s.cache == nil {
		return
	}
	err := s.cache.Set(ctx, committed)
	if err == nil {
		return
	}
	s.logger.Warn("ticket cache write-through failed", zap.String("ticket_id", committed.ID), zap.Error(err))
	if err := s.cache.Invalidate(ctx, committed.ID); err != nil {
		s.logger.Warn("ticket cache invalidation failed", zap.String("ticket_id", committed.ID), zap.Error(err))
	}
}

// UpdateFields edits title, description and priority. Only the priority
// change is audited.
func (s *TicketService) UpdateFields(ctx context.Context, actor domain.Actor, id string, patch TicketFieldsPatch) (*domain.Ticket, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	title, description := trimmed(patch.Title), trimmed(patch.Description)
	if title != nil && *title == "" {
		return nil, apperrors.NewValidationError("title must not be empty", nil)
	}
	if description != nil && *description == "" {
		return nil, apperrors.NewValidationError("description must not be empty", nil)
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		return nil, apperrors.NewValidationError("invalid priority", map[string]any{"priority": *patch.Priority})
	}

	var textFields []string
	res, err := s.mutate(ctx, "update_fields", id, actor, func(t *domain.Ticket) (bool, error) {
		textFields = textFields[:0]
		if title != nil && *title != t.Title {
			t.Title = *title
			textFields = append(textFields, "title")
		}
		if description != nil && *description != t.Description {
			t.Description = *description
			textFields = append(textFields, "description")
		}
		priorityChanged := patch.Priority != nil && *patch.Priority != t.Priority
		if priorityChanged {
			t.Priority = *patch.Priority
		}
		return priorityChanged || len(textFields) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	s.publishChanges(ctx, actor, res)
	if res.after != res.before && len(textFields) > 0 {
		s.publishEvent(ctx, actor, events.Event{
			Type:     events.EventTicketUpdated,
			TicketID: id,
			Payload:  events.TicketUpdatedPayload{Fields: textFields},
		})
	}
	return res.after, nil
}

// UpdateDetails edits the type-specific detail record. Detail edits are not
// audited.
func (s *TicketService) UpdateDetails(ctx context.Context, actor domain.Actor, id string, patch DetailsPatch) (*domain.Ticket, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	res, err := s.mutate(ctx, "update_details", id, actor, func(t *domain.Ticket) (bool, error) {
		return applyDetailsPatch(t, patch)
	})
	if err != nil {
		return nil, err
	}
	if res.after != res.before {
		s.publishEvent(ctx, actor, events.Event{
			Type:     events.EventTicketDetailsUpdated,
			TicketID: id,
			Payload:  events.TicketDetailsUpdatedPayload{Type: res.after.Type},
		})
	}
	return res.after, nil
}

func applyDetailsPatch(t *domain.Ticket, patch DetailsPatch) (bool, error) {
	switch d := t.Details.(type) {
	case *domain.TestingDetails:
		if patch.Category != nil || patch.ProjectID != nil || patch.AIResponse != nil || patch.ResolutionNotes != nil {
			return false, apperrors.NewValidationError("support fields do not apply to testing tickets", nil)
		}
		// The feature under test is fixed at creation.
		if patch.FeatureID != nil {
			return false, apperrors.NewValidationError("featureId of a testing ticket cannot be changed", nil)
		}
		changed := false
		if patch.Deadline != nil {
			if patch.Deadline.IsZero() {
				return false, apperrors.NewValidationError("deadline must be set", nil)
			}
			changed = changed || !patch.Deadline.Equal(d.Deadline)
			d.Deadline = patch.Deadline.UTC()
		}
		changed = setOptional(&d.ValidationID, patch.ValidationID) || changed
		return changed, nil
	case *domain.SupportDetails:
		if patch.Deadline != nil || patch.ValidationID != nil {
			return false, apperrors.NewValidationError("testing fields do not apply to support tickets", nil)
		}
		changed := false
		if patch.Category != nil {
			if !patch.Category.Valid() {
				return false, apperrors.NewValidationError("invalid support category", map[string]any{"category": *patch.Category})
			}
			changed = changed || *patch.Category != d.Category
			d.Category = *patch.Category
		}
		changed = setOptional(&d.ProjectID, patch.ProjectID) || changed
		changed = setOptional(&d.FeatureID, patch.FeatureID) || changed
		changed = setOptional(&d.AIResponse, patch.AIResponse) || changed
		changed = setOptional(&d.ResolutionNotes, patch.ResolutionNotes) || changed
		return changed, nil
	default:
		return false, apperrors.NewValidationError("question tickets have no details", map[string]any{"type": t.Type})
	}
}

// setOptional applies a patch value to a nullable field and reports a change.
func setOptional(field **string, value *string) bool {
	if value == nil {
		return false
	}
	next := normalizeOptional(value)
	if sameString(*field, next) {
		return false
	}
	*field = next
	return true
}

// Transition moves a ticket to a new status along an allowed edge.
func (s *TicketService) Transition(ctx context.Context, actor domain.Actor, id string, status domain.TicketStatus) (*domain.Ticket, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	res, err := s.mutate(ctx, "transition", id, actor, func(t *domain.Ticket) (bool, error) {
		if err := lifecycle.ValidateTransition(t.Status, status); err != nil {
			return false, apperrors.NewInvalidTransition(string(t.Status), string(status), err)
		}
		t.Status = status
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("ticket status changed",
		zap.String("ticket_id", id),
		zap.String("from", string(res.before.Status)),
		zap.String("to", string(res.after.Status)),
		zap.String("actor_id", actor.ID))
	s.publishChanges(ctx, actor, res)
	return res.after, nil
}

// Assign sets or clears the assignee. A nil or blank assignee unassigns.
// Requesting the current assignee is a no-op that writes nothing.
func (s *TicketService) Assign(ctx context.Context, actor domain.Actor, id string, assignee *string) (*domain.Ticket, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	requested := normalizeActorRef(assignee)
	res, err := s.mutate(ctx, "assign", id, actor, func(t *domain.Ticket) (bool, error) {
		decision := assignment.Authorize(assignment.Request{
			Actor:     actor,
			Current:   t.AssignedTo,
			Requested: requested,
			Status:    t.Status,
		})
		if !decision.Allowed {
			return false, apperrors.NewAssignmentDenied(string(decision.Reason), decision.Err())
		}
		if decision.NoOp {
			return false, nil
		}
		t.AssignedTo = requested
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.publishChanges(ctx, actor, res)
	return res.after, nil
}

// AssignWithTransition changes status and assignee in one atomic write. A
// transition out of closed lifts the closed-ticket gate for the assignment.
func (s *TicketService) AssignWithTransition(ctx context.Context, actor domain.Actor, id string, status domain.TicketStatus, assignee *string) (*domain.Ticket, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	requested := normalizeActorRef(assignee)
	res, err := s.mutate(ctx, "assign_transition", id, actor, func(t *domain.Ticket) (bool, error) {
		if err := lifecycle.ValidateTransition(t.Status, status); err != nil {
			return false, apperrors.NewInvalidTransition(string(t.Status), string(status), err)
		}
		decision := assignment.Authorize(assignment.Request{
			Actor:     actor,
			Current:   t.AssignedTo,
			Requested: requested,
			Status:    t.Status,
			Reopening: lifecycle.LeavesClosed(t.Status, status),
		})
		if !decision.Allowed {
			return false, apperrors.NewAssignmentDenied(string(decision.Reason), decision.Err())
		}
		t.Status = status
		if !decision.NoOp {
			t.AssignedTo = requested
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.publishChanges(ctx, actor, res)
	return res.after, nil
}

// publishChanges emits one event per audited field change.
func (s *TicketService) publishChanges(ctx context.Context, actor domain.Actor, res mutationResult) {
	for _, entry := range res.entries {
		event := events.Event{TicketID: entry.TicketID, Timestamp: entry.CreatedAt}
		switch entry.FieldName {
		case domain.AuditFieldStatus:
			event.Type = events.EventTicketStatusChanged
			event.Payload = events.TicketStatusChangedPayload{
				OldStatus: res.before.Status,
				NewStatus: res.after.Status,
			}
		case domain.AuditFieldAssignedTo:
			event.Type = events.EventTicketAssigned
			event.Payload = events.TicketAssignedPayload{
				OldAssignee: res.before.AssignedTo,
				NewAssignee: res.after.AssignedTo,
			}
		case domain.AuditFieldPriority:
			event.Type = events.EventTicketPriorityChanged
			event.Payload = events.TicketPriorityChangedPayload{
				OldPriority: res.before.Priority,
				NewPriority: res.after.Priority,
			}
		default:
			continue
		}
		s.publishEvent(ctx, actor, event)
	}
}

func trimmed(value *string) *string {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	return &v
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
