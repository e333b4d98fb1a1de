package dto

import (
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// CreateTicketRequest payload. Exactly one of Testing or Support must be
// set for testing and support tickets; questions carry neither.
type CreateTicketRequest struct {
	Type        domain.TicketType      `json:"type"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Priority    domain.TicketPriority  `json:"priority"`
	AssignedTo  *string                `json:"assigned_to"`
	Testing     *TestingDetailsRequest `json:"testing"`
	Support     *SupportDetailsRequest `json:"support"`
}

// TestingDetailsRequest payload.
type TestingDetailsRequest struct {
	FeatureID    string    `json:"feature_id"`
	Deadline     time.Time `json:"deadline"`
	ValidationID *string   `json:"validation_id"`
}

// SupportDetailsRequest payload.
type SupportDetailsRequest struct {
	Category   domain.SupportCategory `json:"category"`
	ProjectID  *string                `json:"project_id"`
	FeatureID  *string                `json:"feature_id"`
	AIResponse *string                `json:"ai_response"`
}

// UpdateTicketRequest payload. Omitted fields are left unchanged.
type UpdateTicketRequest struct {
	Title       *string                `json:"title"`
	Description *string                `json:"description"`
	Priority    *domain.TicketPriority `json:"priority"`
}

// UpdateDetailsRequest payload. An empty string clears an optional field.
type UpdateDetailsRequest struct {
	FeatureID       *string                 `json:"feature_id"`
	Deadline        *time.Time              `json:"deadline"`
	ValidationID    *string                 `json:"validation_id"`
	Category        *domain.SupportCategory `json:"category"`
	ProjectID       *string                 `json:"project_id"`
	AIResponse      *string                 `json:"ai_response"`
	ResolutionNotes *string                 `json:"resolution_notes"`
}

// TransitionRequest payload.
type TransitionRequest struct {
	Status domain.TicketStatus `json:"status"`
}

// AssignRequest payload. A null or empty assigned_to unassigns. When status
// is set the transition and the assignment are applied together.
type AssignRequest struct {
	AssignedTo *string              `json:"assigned_to"`
	Status     *domain.TicketStatus `json:"status"`
}

// BulkUpdateRequest payload.
type BulkUpdateRequest struct {
	IDs      []string               `json:"ids"`
	Status   *domain.TicketStatus   `json:"status"`
	Priority *domain.TicketPriority `json:"priority"`
}

// TicketResponse represents a ticket with its typed details.
type TicketResponse struct {
	ID          string                  `json:"id"`
	Type        domain.TicketType       `json:"type"`
	Title       string                  `json:"title"`
	Description string                  `json:"description"`
	Status      domain.TicketStatus     `json:"status"`
	Priority    domain.TicketPriority   `json:"priority"`
	AssignedTo  *string                 `json:"assigned_to"`
	CreatedBy   string                  `json:"created_by"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	Version     int64                   `json:"version"`
	NextStatus  []domain.TicketStatus   `json:"next_status"`
	Testing     *TestingDetailsResponse `json:"testing,omitempty"`
	Support     *SupportDetailsResponse `json:"support,omitempty"`
}

// TestingDetailsResponse details.
type TestingDetailsResponse struct {
	FeatureID    string    `json:"feature_id"`
	Deadline     time.Time `json:"deadline"`
	ValidationID *string   `json:"validation_id"`
}

// SupportDetailsResponse details.
type SupportDetailsResponse struct {
	Category        domain.SupportCategory `json:"category"`
	ProjectID       *string                `json:"project_id"`
	FeatureID       *string                `json:"feature_id"`
	AIResponse      *string                `json:"ai_response"`
	ResolutionNotes *string                `json:"resolution_notes"`
}

// AuditEntryResponse is one field change.
type AuditEntryResponse struct {
	ID        string            `json:"id"`
	TicketID  string            `json:"ticket_id"`
	FieldName domain.AuditField `json:"field_name"`
	OldValue  *string           `json:"old_value"`
	NewValue  *string           `json:"new_value"`
	ChangedBy string            `json:"changed_by"`
	CreatedAt time.Time         `json:"created_at"`
}

// BulkUpdateResponse partitions the requested ids.
type BulkUpdateResponse struct {
	Succeeded []string              `json:"succeeded"`
	Failed    []BulkFailureResponse `json:"failed"`
}

// BulkFailureResponse explains one failed id.
type BulkFailureResponse struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// SummaryResponse counts tickets.
type SummaryResponse struct {
	Total    int                         `json:"total"`
	ByStatus map[domain.TicketStatus]int `json:"by_status"`
	ByType   map[domain.TicketType]int   `json:"by_type"`
}
