package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/assignment"
	"github.com/spec-kit/ticket-lifecycle/internal/audit"
	"github.com/spec-kit/ticket-lifecycle/internal/cache"
	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// TicketService coordinates ticket workflows. It is the only component
// allowed to mutate tickets.
type TicketService struct {
	tickets    repository.TicketRepository
	auditLog   repository.AuditLogRepository
	recorder   *audit.Recorder
	cache      cache.TicketCache
	dispatcher events.Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	newID      func() string

	maxConflictRetries int
	bulkConcurrency    int
	recentAuditLimit   int
}

// TicketDependencies bundles collaborators for the ticket service. Cache,
// Dispatcher, Metrics and Clock are optional.
type TicketDependencies struct {
	TicketRepo repository.TicketRepository
	AuditRepo  repository.AuditLogRepository
	Cache      cache.TicketCache
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Config     config.TicketConfig
	Clock      func() time.Time
}

// TicketCreateInput describes ticket creation payload.
type TicketCreateInput struct {
	Type        domain.TicketType
	Title       string
	Description string
	Priority    domain.TicketPriority
	AssignedTo  *string
	Testing     *TestingInput
	Support     *SupportInput
}

// TestingInput carries testing-specific creation fields.
type TestingInput struct {
	FeatureID    string
	Deadline     time.Time
	ValidationID *string
}

// SupportInput carries support-specific creation fields.
type SupportInput struct {
	Category   domain.SupportCategory
	ProjectID  *string
	FeatureID  *string
	AIResponse *string
}

// TicketListFilter describes list filters. Nil fields do not filter.
type TicketListFilter struct {
	Type       *domain.TicketType
	Status     *domain.TicketStatus
	Priority   *domain.TicketPriority
	AssignedTo *string
	Unassigned bool
	Limit      int
	Offset     int
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	svc := &TicketService{
		tickets:            deps.TicketRepo,
		auditLog:           deps.AuditRepo,
		recorder:           audit.NewRecorder(),
		cache:              deps.Cache,
		dispatcher:         deps.Dispatcher,
		logger:             deps.Logger,
		metrics:            deps.Metrics,
		now:                deps.Clock,
		newID:              uuid.NewString,
		maxConflictRetries: deps.Config.MaxConflictRetries,
		bulkConcurrency:    deps.Config.BulkConcurrency,
		recentAuditLimit:   deps.Config.RecentAuditLimit,
	}
	if svc.logger == nil {
		svc.logger = zap.NewNop()
	}
	if svc.now == nil {
		svc.now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	}
	if svc.maxConflictRetries < 0 {
		svc.maxConflictRetries = 0
	}
	if svc.bulkConcurrency <= 0 {
		svc.bulkConcurrency = 1
	}
	if svc.recentAuditLimit <= 0 {
		svc.recentAuditLimit = 50
	}
	return svc
}

// CreateTicket validates and persists a ticket together with its typed
// detail record. New tickets always start open.
func (s *TicketService) CreateTicket(ctx context.Context, actor domain.Actor, input TicketCreateInput) (*domain.Ticket, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if !input.Type.Valid() {
		return nil, apperrors.NewInvalidType(string(input.Type))
	}

	ticket := &domain.Ticket{
		ID:          s.newID(),
		Type:        input.Type,
		Title:       strings.TrimSpace(input.Title),
		Description: strings.TrimSpace(input.Description),
		Status:      domain.TicketStatusOpen,
		Priority:    input.Priority,
		AssignedTo:  normalizeActorRef(input.AssignedTo),
		CreatedBy:   actor.ID,
		Version:     1,
	}
	if ticket.Priority == "" {
		ticket.Priority = domain.TicketPriorityMedium
	}

	var missing []string
	if ticket.Title == "" {
		missing = append(missing, "title")
	}
	if ticket.Description == "" {
		missing = append(missing, "description")
	}
	details, detailMissing, err := buildDetails(ticket.ID, input)
	if err != nil {
		return nil, err
	}
	missing = append(missing, detailMissing...)
	if len(missing) > 0 {
		return nil, apperrors.NewValidationError("missing required fields", map[string]any{"fields": missing})
	}
	if !ticket.Priority.Valid() {
		return nil, apperrors.NewValidationError("invalid priority", map[string]any{"priority": ticket.Priority})
	}
	if ticket.AssignedTo != nil {
		// A new ticket has no holder, so the claim rule decides.
		decision := assignment.Authorize(assignment.Request{
			Actor:     actor,
			Requested: ticket.AssignedTo,
			Status:    ticket.Status,
		})
		if !decision.Allowed {
			return nil, apperrors.NewAssignmentDenied(string(decision.Reason), decision.Err())
		}
	}
	ticket.Details = details

	now := s.now()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now

	if err := s.tickets.Create(ctx, ticket); err != nil {
		s.metrics.RecordMutation("create", "error")
		return nil, apperrors.NewStoreError(err)
	}
	s.metrics.RecordMutation("create", "ok")
	s.logger.Info("ticket created",
		zap.String("ticket_id", ticket.ID),
		zap.String("type", string(ticket.Type)),
		zap.String("actor_id", actor.ID))

	s.publishEvent(ctx, actor, events.Event{
		Type:     events.EventTicketCreated,
		TicketID: ticket.ID,
		Payload: events.TicketCreatedPayload{
			Type:       ticket.Type,
			Priority:   ticket.Priority,
			Title:      ticket.Title,
			AssignedTo: ticket.AssignedTo,
		},
	})
	return ticket, nil
}

// buildDetails maps the creation input to exactly one detail record for
// the ticket type, reporting missing type-specific fields.
func buildDetails(ticketID string, input TicketCreateInput) (domain.Details, []string, error) {
	switch input.Type {
	case domain.TicketTypeTesting:
		if input.Support != nil {
			return nil, nil, apperrors.NewValidationError("support details not allowed for testing tickets", nil)
		}
		var missing []string
		if input.Testing == nil || strings.TrimSpace(input.Testing.FeatureID) == "" {
			missing = append(missing, "featureId")
		}
		if input.Testing == nil || input.Testing.Deadline.IsZero() {
			missing = append(missing, "deadline")
		}
		if len(missing) > 0 {
			return nil, missing, nil
		}
		return &domain.TestingDetails{
			TicketID:     ticketID,
			FeatureID:    strings.TrimSpace(input.Testing.FeatureID),
			Deadline:     input.Testing.Deadline.UTC(),
			ValidationID: normalizeOptional(input.Testing.ValidationID),
		}, nil, nil
	case domain.TicketTypeSupport:
		if input.Testing != nil {
			return nil, nil, apperrors.NewValidationError("testing details not allowed for support tickets", nil)
		}
		if input.Support == nil || input.Support.Category == "" {
			return nil, []string{"category"}, nil
		}
		if !input.Support.Category.Valid() {
			return nil, nil, apperrors.NewValidationError("invalid support category", map[string]any{"category": input.Support.Category})
		}
		return &domain.SupportDetails{
			TicketID:   ticketID,
			Category:   input.Support.Category,
			ProjectID:  normalizeOptional(input.Support.ProjectID),
			FeatureID:  normalizeOptional(input.Support.FeatureID),
			AIResponse: normalizeOptional(input.Support.AIResponse),
		}, nil, nil
	case domain.TicketTypeQuestion:
		if input.Testing != nil || input.Support != nil {
			return nil, nil, apperrors.NewValidationError("question tickets carry no details", nil)
		}
		return nil, nil, nil
	default:
		return nil, nil, apperrors.NewInvalidType(string(input.Type))
	}
}

// GetTicket returns a ticket with its details, served from cache when possible.
func (s *TicketService) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	if s.cache != nil {
		ticket, ok, err := s.cache.Get(ctx, id)
		if err != nil {
			s.logger.Warn("ticket cache read failed", zap.String("ticket_id", id), zap.Error(err))
		} else if ok {
			return ticket, nil
		}
	}
	ticket, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, ticket); err != nil {
			s.logger.Warn("ticket cache write failed", zap.String("ticket_id", id), zap.Error(err))
		}
	}
	return ticket, nil
}

// ListTickets returns tickets matching filter, newest first.
func (s *TicketService) ListTickets(ctx context.Context, filter TicketListFilter) ([]domain.Ticket, error) {
	tickets, err := s.tickets.ListWithFilter(ctx, repository.TicketFilter{
		Type:       filter.Type,
		Status:     filter.Status,
		Priority:   filter.Priority,
		AssignedTo: filter.AssignedTo,
		Unassigned: filter.Unassigned,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	})
	if err != nil {
		return nil, apperrors.NewStoreError(err)
	}
	return tickets, nil
}

// Summary counts tickets per status and type.
func (s *TicketService) Summary(ctx context.Context) (repository.TicketSummary, error) {
	summary, err := s.tickets.Summary(ctx)
	if err != nil {
		return summary, apperrors.NewStoreError(err)
	}
	return summary, nil
}

// GetAuditLog returns the most recent entries across all tickets when
// ticketID is nil, or the full history of one ticket. Both newest first.
func (s *TicketService) GetAuditLog(ctx context.Context, ticketID *string) ([]domain.AuditLogEntry, error) {
	if ticketID == nil {
		entries, err := s.auditLog.ListRecent(ctx, s.recentAuditLimit)
		if err != nil {
			return nil, apperrors.NewStoreError(err)
		}
		return entries, nil
	}
	if _, err := s.load(ctx, *ticketID); err != nil {
		return nil, err
	}
	entries, err := s.auditLog.ListByTicket(ctx, *ticketID)
	if err != nil {
		return nil, apperrors.NewStoreError(err)
	}
	return entries, nil
}

func (s *TicketService) load(ctx context.Context, id string) (*domain.Ticket, error) {
	ticket, err := s.tickets.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}
	if err != nil {
		return nil, apperrors.NewStoreError(err)
	}
	return ticket, nil
}

func (s *TicketService) publishEvent(ctx context.Context, actor domain.Actor, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	event.Actor = events.Actor{ID: actor.ID, Role: actor.Role}
	_ = s.dispatcher.Publish(ctx, event)
}

func requireActor(actor domain.Actor) error {
	if strings.TrimSpace(actor.ID) == "" || !actor.Role.Valid() {
		return apperrors.NewUnauthorized("authenticated actor required")
	}
	return nil
}

// normalizeActorRef treats blank references as "nobody".
func normalizeActorRef(ref *string) *string {
	return normalizeOptional(ref)
}

func normalizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
