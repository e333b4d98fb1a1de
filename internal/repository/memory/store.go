// Package memory provides an in-memory implementation of the ticket store
// used for tests and for running without a database.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
)

var (
	_ repository.TicketRepository   = (*Store)(nil)
	_ repository.AuditLogRepository = (*Store)(nil)
)

// Store keeps tickets and audit entries behind a single mutex, so every
// write is atomic with respect to readers.
type Store struct {
	mu      sync.RWMutex
	tickets map[string]*domain.Ticket
	audit   []domain.AuditLogEntry
	seq     int64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{tickets: map[string]*domain.Ticket{}}
}

// Create stores a copy of ticket.
func (s *Store) Create(_ context.Context, ticket *domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tickets[ticket.ID]; exists {
		return repository.ErrConflict
	}
	s.tickets[ticket.ID] = ticket.Clone()
	return nil
}

// GetByID returns a copy of the stored ticket.
func (s *Store) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.tickets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return ticket.Clone(), nil
}

// Update replaces the ticket when its stored version equals expectedVersion
// and appends entries in the same critical section.
func (s *Store) Update(_ context.Context, ticket *domain.Ticket, expectedVersion int64, entries []domain.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tickets[ticket.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != expectedVersion {
		return repository.ErrConflict
	}

	stored := ticket.Clone()
	stored.Version = expectedVersion + 1
	s.tickets[ticket.ID] = stored
	for i := range entries {
		s.seq++
		entries[i].Seq = s.seq
		s.audit = append(s.audit, entries[i])
	}
	ticket.Version = stored.Version
	return nil
}

// ListWithFilter returns matching tickets, newest first.
func (s *Store) ListWithFilter(_ context.Context, filter repository.TicketFilter) ([]domain.Ticket, error) {
	s.mu.RLock()
	result := []domain.Ticket{}
	for _, ticket := range s.tickets {
		if matches(ticket, filter) {
			result = append(result, *ticket.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []domain.Ticket{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Summary counts tickets per status and type.
func (s *Store) Summary(_ context.Context) (repository.TicketSummary, error) {
	summary := repository.NewTicketSummary()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ticket := range s.tickets {
		summary.Total++
		summary.ByStatus[ticket.Status]++
		summary.ByType[ticket.Type]++
	}
	return summary, nil
}

// ListByTicket returns the ticket's entries, newest first.
func (s *Store) ListByTicket(_ context.Context, ticketID string) ([]domain.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []domain.AuditLogEntry{}
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].TicketID == ticketID {
			result = append(result, s.audit[i])
		}
	}
	return result, nil
}

// ListRecent returns up to limit entries across all tickets, newest first.
func (s *Store) ListRecent(_ context.Context, limit int) ([]domain.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	result := make([]domain.AuditLogEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, s.audit[i])
	}
	return result, nil
}

func matches(ticket *domain.Ticket, filter repository.TicketFilter) bool {
	if filter.Type != nil && ticket.Type != *filter.Type {
		return false
	}
	if filter.Status != nil && ticket.Status != *filter.Status {
		return false
	}
	if filter.Priority != nil && ticket.Priority != *filter.Priority {
		return false
	}
	if filter.AssignedTo != nil && (ticket.AssignedTo == nil || *ticket.AssignedTo != *filter.AssignedTo) {
		return false
	}
	if filter.Unassigned && ticket.AssignedTo != nil {
		return false
	}
	return true
}
