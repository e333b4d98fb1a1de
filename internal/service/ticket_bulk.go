package service

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/lifecycle"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// BulkPatch is applied to every ticket of a bulk update.
type BulkPatch struct {
	Status   *domain.TicketStatus
	Priority *domain.TicketPriority
}

// BulkFailure reports why one ticket of a bulk update was not changed.
type BulkFailure struct {
	ID     string
	Code   string
	Reason string
}

// BulkResult partitions the requested ids. Both lists keep input order.
type BulkResult struct {
	Succeeded []string
	Failed    []BulkFailure
}

// BulkUpdate applies patch to each ticket independently. One ticket
// failing never prevents the others from being updated, and there is no
// top-level failure: a malformed request fails every id.
func (s *TicketService) BulkUpdate(ctx context.Context, actor domain.Actor, ids []string, patch BulkPatch) BulkResult {
	ids = uniqueIDs(ids)
	result := BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}

	if err := validateBulkRequest(actor, patch); err != nil {
		for _, id := range ids {
			result.Failed = append(result.Failed, bulkFailure(id, err))
		}
		return result
	}

	outcomes := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(s.bulkConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = s.applyBulkPatch(ctx, actor, id, patch)
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range ids {
		if outcomes[i] != nil {
			result.Failed = append(result.Failed, bulkFailure(id, outcomes[i]))
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	s.logger.Info("bulk update finished",
		zap.String("actor_id", actor.ID),
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)))
	return result
}

func (s *TicketService) applyBulkPatch(ctx context.Context, actor domain.Actor, id string, patch BulkPatch) error {
	res, err := s.mutate(ctx, "bulk_update", id, actor, func(t *domain.Ticket) (bool, error) {
		changed := false
		if patch.Status != nil {
			if err := lifecycle.ValidateTransition(t.Status, *patch.Status); err != nil {
				return false, apperrors.NewInvalidTransition(string(t.Status), string(*patch.Status), err)
			}
			t.Status = *patch.Status
			changed = true
		}
		if patch.Priority != nil && *patch.Priority != t.Priority {
			t.Priority = *patch.Priority
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return err
	}
	s.publishChanges(ctx, actor, res)
	return nil
}

func validateBulkRequest(actor domain.Actor, patch BulkPatch) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if patch.Status == nil && patch.Priority == nil {
		return apperrors.NewValidationError("bulk patch must set status or priority", nil)
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		return apperrors.NewValidationError("invalid priority", map[string]any{"priority": *patch.Priority})
	}
	return nil
}

func bulkFailure(id string, err error) BulkFailure {
	return BulkFailure{ID: id, Code: apperrors.CodeOf(err), Reason: err.Error()}
}

// uniqueIDs drops repeated ids, keeping the first occurrence.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
