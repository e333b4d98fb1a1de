package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-lifecycle/internal/api/dto"
	"github.com/spec-kit/ticket-lifecycle/internal/auth"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/lifecycle"
	"github.com/spec-kit/ticket-lifecycle/internal/service"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// maxPageSize caps an explicit limit. Omitting limit returns every match.
const maxPageSize = 200

// TicketsHandler exposes the ticket lifecycle endpoints.
type TicketsHandler struct {
	service *service.TicketService
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(ticketService *service.TicketService) *TicketsHandler {
	return &TicketsHandler{service: ticketService}
}

// CreateTicket POST /tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.CreateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	input := service.TicketCreateInput{
		Type:        req.Type,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		AssignedTo:  req.AssignedTo,
	}
	if req.Testing != nil {
		input.Testing = &service.TestingInput{
			FeatureID:    req.Testing.FeatureID,
			Deadline:     req.Testing.Deadline,
			ValidationID: req.Testing.ValidationID,
		}
	}
	if req.Support != nil {
		input.Support = &service.SupportInput{
			Category:   req.Support.Category,
			ProjectID:  req.Support.ProjectID,
			FeatureID:  req.Support.FeatureID,
			AIResponse: req.Support.AIResponse,
		}
	}

	ticket, err := h.service.CreateTicket(c.UserContext(), actor, input)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// ListTickets GET /tickets.
func (h *TicketsHandler) ListTickets(c *fiber.Ctx) error {
	filter, err := parseTicketQuery(c)
	if err != nil {
		return err
	}
	tickets, err := h.service.ListTickets(c.UserContext(), filter)
	if err != nil {
		return err
	}
	items := make([]dto.TicketResponse, 0, len(tickets))
	for i := range tickets {
		items = append(items, ticketResponse(&tickets[i]))
	}
	resp := fiber.Map{"data": items, "count": len(items), "offset": filter.Offset}
	if filter.Limit > 0 {
		resp["limit"] = filter.Limit
		// a full page may have more behind it
		if len(items) == filter.Limit {
			resp["next_offset"] = filter.Offset + filter.Limit
		}
	}
	return c.JSON(resp)
}

// Summary GET /tickets/summary.
func (h *TicketsHandler) Summary(c *fiber.Ctx) error {
	summary, err := h.service.Summary(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.SummaryResponse{
		Total:    summary.Total,
		ByStatus: summary.ByStatus,
		ByType:   summary.ByType,
	}})
}

// GetTicket GET /tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	ticket, err := h.service.GetTicket(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// UpdateTicket PATCH /tickets/:id.
func (h *TicketsHandler) UpdateTicket(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.UpdateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	ticket, err := h.service.UpdateFields(c.UserContext(), actor, c.Params("id"), service.TicketFieldsPatch{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// UpdateDetails PATCH /tickets/:id/details.
func (h *TicketsHandler) UpdateDetails(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.UpdateDetailsRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	ticket, err := h.service.UpdateDetails(c.UserContext(), actor, c.Params("id"), service.DetailsPatch{
		FeatureID:       req.FeatureID,
		Deadline:        req.Deadline,
		ValidationID:    req.ValidationID,
		Category:        req.Category,
		ProjectID:       req.ProjectID,
		AIResponse:      req.AIResponse,
		ResolutionNotes: req.ResolutionNotes,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// Transition POST /tickets/:id/transition.
func (h *TicketsHandler) Transition(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.TransitionRequest
	if err := c.BodyParser(&req); err != nil || req.Status == "" {
		return apperrors.NewValidationError("status required", nil)
	}
	ticket, err := h.service.Transition(c.UserContext(), actor, c.Params("id"), req.Status)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// Assign POST /tickets/:id/assign.
func (h *TicketsHandler) Assign(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.AssignRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	var ticket *domain.Ticket
	if req.Status != nil {
		ticket, err = h.service.AssignWithTransition(c.UserContext(), actor, c.Params("id"), *req.Status, req.AssignedTo)
	} else {
		ticket, err = h.service.Assign(c.UserContext(), actor, c.Params("id"), req.AssignedTo)
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// BulkUpdate POST /tickets/bulk. Per-ticket failures are part of a 200 response.
func (h *TicketsHandler) BulkUpdate(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.BulkUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if len(req.IDs) == 0 {
		return apperrors.NewValidationError("ids required", nil)
	}
	result := h.service.BulkUpdate(c.UserContext(), actor, req.IDs, service.BulkPatch{
		Status:   req.Status,
		Priority: req.Priority,
	})

	resp := dto.BulkUpdateResponse{
		Succeeded: result.Succeeded,
		Failed:    make([]dto.BulkFailureResponse, 0, len(result.Failed)),
	}
	for _, failure := range result.Failed {
		resp.Failed = append(resp.Failed, dto.BulkFailureResponse{ID: failure.ID, Code: failure.Code, Reason: failure.Reason})
	}
	return c.JSON(fiber.Map{"data": resp})
}

// TicketAudit GET /tickets/:id/audit.
func (h *TicketsHandler) TicketAudit(c *fiber.Ctx) error {
	id := c.Params("id")
	entries, err := h.service.GetAuditLog(c.UserContext(), &id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": auditResponses(entries)})
}

// RecentAudit GET /audit.
func (h *TicketsHandler) RecentAudit(c *fiber.Ctx) error {
	entries, err := h.service.GetAuditLog(c.UserContext(), nil)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": auditResponses(entries)})
}

func actorFrom(c *fiber.Ctx) (domain.Actor, error) {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return domain.Actor{}, apperrors.NewUnauthorized("authentication required")
	}
	return actor, nil
}

func parseTicketQuery(c *fiber.Ctx) (service.TicketListFilter, error) {
	filter := service.TicketListFilter{
		Limit:  parseInt(c.Query("limit"), 0),
		Offset: parseInt(c.Query("offset"), 0),
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if v := strings.TrimSpace(c.Query("type")); v != "" {
		typ := domain.TicketType(v)
		if !typ.Valid() {
			return filter, apperrors.NewInvalidType(v)
		}
		filter.Type = &typ
	}
	if v := strings.TrimSpace(c.Query("status")); v != "" {
		status := domain.TicketStatus(v)
		if !status.Valid() {
			return filter, apperrors.NewValidationError("invalid status filter", map[string]any{"status": v})
		}
		filter.Status = &status
	}
	if v := strings.TrimSpace(c.Query("priority")); v != "" {
		priority := domain.TicketPriority(v)
		if !priority.Valid() {
			return filter, apperrors.NewValidationError("invalid priority filter", map[string]any{"priority": v})
		}
		filter.Priority = &priority
	}
	if v := strings.TrimSpace(c.Query("assigned_to")); v != "" {
		filter.AssignedTo = &v
	}
	filter.Unassigned = c.QueryBool("unassigned", false)
	return filter, nil
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func ticketResponse(ticket *domain.Ticket) dto.TicketResponse {
	resp := dto.TicketResponse{
		ID:          ticket.ID,
		Type:        ticket.Type,
		Title:       ticket.Title,
		Description: ticket.Description,
		Status:      ticket.Status,
		Priority:    ticket.Priority,
		AssignedTo:  ticket.AssignedTo,
		CreatedBy:   ticket.CreatedBy,
		CreatedAt:   ticket.CreatedAt,
		UpdatedAt:   ticket.UpdatedAt,
		Version:     ticket.Version,
		NextStatus:  lifecycle.NextAllowed(ticket.Status),
	}
	switch d := ticket.Details.(type) {
	case *domain.TestingDetails:
		resp.Testing = &dto.TestingDetailsResponse{
			FeatureID:    d.FeatureID,
			Deadline:     d.Deadline,
			ValidationID: d.ValidationID,
		}
	case *domain.SupportDetails:
		resp.Support = &dto.SupportDetailsResponse{
			Category:        d.Category,
			ProjectID:       d.ProjectID,
			FeatureID:       d.FeatureID,
			AIResponse:      d.AIResponse,
			ResolutionNotes: d.ResolutionNotes,
		}
	}
	return resp
}

func auditResponses(entries []domain.AuditLogEntry) []dto.AuditEntryResponse {
	out := make([]dto.AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, dto.AuditEntryResponse{
			ID:        e.ID,
			TicketID:  e.TicketID,
			FieldName: e.FieldName,
			OldValue:  e.OldValue,
			NewValue:  e.NewValue,
			ChangedBy: e.ChangedBy,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}
