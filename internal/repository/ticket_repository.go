package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

var (
	// ErrNotFound is returned when a ticket id does not resolve.
	ErrNotFound = errors.New("ticket not found")
	// ErrConflict is returned when a conditional update observes a newer version.
	ErrConflict = errors.New("ticket modified concurrently")
)

// TicketFilter captures list parameters. Nil fields do not filter.
type TicketFilter struct {
	Type       *domain.TicketType
	Status     *domain.TicketStatus
	Priority   *domain.TicketPriority
	AssignedTo *string
	Unassigned bool
	Limit      int
	Offset     int
}

// TicketSummary counts tickets for dashboard widgets.
type TicketSummary struct {
	Total    int
	ByStatus map[domain.TicketStatus]int
	ByType   map[domain.TicketType]int
}

// NewTicketSummary returns a summary with every known status and type zeroed.
func NewTicketSummary() TicketSummary {
	summary := TicketSummary{
		ByStatus: make(map[domain.TicketStatus]int, len(domain.TicketStatuses)),
		ByType:   make(map[domain.TicketType]int, 3),
	}
	for _, status := range domain.TicketStatuses {
		summary.ByStatus[status] = 0
	}
	for _, typ := range []domain.TicketType{domain.TicketTypeTesting, domain.TicketTypeSupport, domain.TicketTypeQuestion} {
		summary.ByType[typ] = 0
	}
	return summary
}

// TicketRepository encapsulates ticket persistence. Create and Update are
// each a single atomic unit.
type TicketRepository interface {
	// Create persists the ticket and its typed detail row.
	Create(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	// Update writes ticket and detail rows plus audit entries, conditioned on
	// expectedVersion. On success ticket.Version is advanced and entry Seq set.
	Update(ctx context.Context, ticket *domain.Ticket, expectedVersion int64, entries []domain.AuditLogEntry) error
	ListWithFilter(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error)
	Summary(ctx context.Context) (TicketSummary, error)
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates the Postgres repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const selectTickets = `
        SELECT t.id, t.type, t.title, t.description, t.status, t.priority, t.assigned_to, t.created_by,
               t.created_at, t.updated_at, t.version,
               dt.feature_id, dt.deadline, dt.validation_id,
               ds.category, ds.project_id, ds.feature_id, ds.ai_response, ds.resolution_notes
        FROM tickets t
        LEFT JOIN ticket_details_testing dt ON dt.ticket_id = t.id
        LEFT JOIN ticket_details_support ds ON ds.ticket_id = t.id`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		const query = `
        INSERT INTO tickets (id, type, title, description, status, priority, assigned_to, created_by, created_at, updated_at, version)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
		if _, err := tx.Exec(ctx, query,
			ticket.ID,
			ticket.Type,
			ticket.Title,
			ticket.Description,
			ticket.Status,
			ticket.Priority,
			ticket.AssignedTo,
			ticket.CreatedBy,
			ticket.CreatedAt,
			ticket.UpdatedAt,
			ticket.Version,
		); err != nil {
			return errors.Wrap(err, "insert ticket")
		}
		return insertDetails(ctx, tx, ticket)
	})
}

func insertDetails(ctx context.Context, tx pgx.Tx, ticket *domain.Ticket) error {
	switch d := ticket.Details.(type) {
	case *domain.TestingDetails:
		_, err := tx.Exec(ctx, `
        INSERT INTO ticket_details_testing (ticket_id, feature_id, deadline, validation_id)
        VALUES ($1,$2,$3,$4)`, ticket.ID, d.FeatureID, d.Deadline, d.ValidationID)
		return errors.Wrap(err, "insert testing details")
	case *domain.SupportDetails:
		_, err := tx.Exec(ctx, `
        INSERT INTO ticket_details_support (ticket_id, category, project_id, feature_id, ai_response, resolution_notes)
        VALUES ($1,$2,$3,$4,$5,$6)`, ticket.ID, d.Category, d.ProjectID, d.FeatureID, d.AIResponse, d.ResolutionNotes)
		return errors.Wrap(err, "insert support details")
	case nil:
		return nil
	default:
		return errors.Errorf("unsupported details %T", d)
	}
}

func (r *ticketRepository) Update(ctx context.Context, ticket *domain.Ticket, expectedVersion int64, entries []domain.AuditLogEntry) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		const query = `
        UPDATE tickets SET title=$1, description=$2, status=$3, priority=$4, assigned_to=$5,
            updated_at=$6, version=version+1
        WHERE id=$7 AND version=$8`
		cmd, err := tx.Exec(ctx, query,
			ticket.Title,
			ticket.Description,
			ticket.Status,
			ticket.Priority,
			ticket.AssignedTo,
			ticket.UpdatedAt,
			ticket.ID,
			expectedVersion,
		)
		if err != nil {
			return errors.Wrap(err, "update ticket")
		}
		if cmd.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tickets WHERE id=$1)`, ticket.ID).Scan(&exists); err != nil {
				return errors.Wrap(err, "check ticket")
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}
		if err := updateDetails(ctx, tx, ticket); err != nil {
			return err
		}
		if err := insertAuditEntries(ctx, tx, entries); err != nil {
			return err
		}
		ticket.Version = expectedVersion + 1
		return nil
	})
}

func updateDetails(ctx context.Context, tx pgx.Tx, ticket *domain.Ticket) error {
	switch d := ticket.Details.(type) {
	case *domain.TestingDetails:
		_, err := tx.Exec(ctx, `
        UPDATE ticket_details_testing SET deadline=$1, validation_id=$2 WHERE ticket_id=$3`,
			d.Deadline, d.ValidationID, ticket.ID)
		return errors.Wrap(err, "update testing details")
	case *domain.SupportDetails:
		_, err := tx.Exec(ctx, `
        UPDATE ticket_details_support SET category=$1, project_id=$2, feature_id=$3, ai_response=$4, resolution_notes=$5
        WHERE ticket_id=$6`,
			d.Category, d.ProjectID, d.FeatureID, d.AIResponse, d.ResolutionNotes, ticket.ID)
		return errors.Wrap(err, "update support details")
	default:
		return nil
	}
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	ticket, err := scanTicket(r.pool.QueryRow(ctx, selectTickets+` WHERE t.id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get ticket")
	}
	return ticket, nil
}

func (r *ticketRepository) ListWithFilter(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if filter.Type != nil {
		args = append(args, *filter.Type)
		clauses = append(clauses, fmt.Sprintf("t.type=$%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		clauses = append(clauses, fmt.Sprintf("t.status=$%d", len(args)))
	}
	if filter.Priority != nil {
		args = append(args, *filter.Priority)
		clauses = append(clauses, fmt.Sprintf("t.priority=$%d", len(args)))
	}
	if filter.AssignedTo != nil {
		args = append(args, *filter.AssignedTo)
		clauses = append(clauses, fmt.Sprintf("t.assigned_to=$%d", len(args)))
	}
	if filter.Unassigned {
		clauses = append(clauses, "t.assigned_to IS NULL")
	}

	query := fmt.Sprintf(`%s WHERE %s ORDER BY t.created_at DESC, t.id DESC`, selectTickets, strings.Join(clauses, " AND "))
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list tickets")
	}
	defer rows.Close()

	result := []domain.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ticket")
		}
		result = append(result, *ticket)
	}
	return result, errors.WithStack(rows.Err())
}

func (r *ticketRepository) Summary(ctx context.Context) (TicketSummary, error) {
	summary := NewTicketSummary()
	rows, err := r.pool.Query(ctx, `SELECT type, status, COUNT(*) FROM tickets GROUP BY type, status`)
	if err != nil {
		return summary, errors.Wrap(err, "summarize tickets")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ    domain.TicketType
			status domain.TicketStatus
			count  int
		)
		if err := rows.Scan(&typ, &status, &count); err != nil {
			return summary, errors.Wrap(err, "scan summary")
		}
		summary.Total += count
		summary.ByStatus[status] += count
		summary.ByType[typ] += count
	}
	return summary, errors.WithStack(rows.Err())
}

func (r *ticketRepository) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var (
		ticket          domain.Ticket
		testFeatureID   *string
		deadline        *time.Time
		validationID    *string
		category        *string
		projectID       *string
		supportFeature  *string
		aiResponse      *string
		resolutionNotes *string
	)
	if err := row.Scan(
		&ticket.ID,
		&ticket.Type,
		&ticket.Title,
		&ticket.Description,
		&ticket.Status,
		&ticket.Priority,
		&ticket.AssignedTo,
		&ticket.CreatedBy,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
		&ticket.Version,
		&testFeatureID,
		&deadline,
		&validationID,
		&category,
		&projectID,
		&supportFeature,
		&aiResponse,
		&resolutionNotes,
	); err != nil {
		return nil, err
	}

	switch ticket.Type {
	case domain.TicketTypeTesting:
		if testFeatureID != nil && deadline != nil {
			ticket.Details = &domain.TestingDetails{
				TicketID:     ticket.ID,
				FeatureID:    *testFeatureID,
				Deadline:     *deadline,
				ValidationID: validationID,
			}
		}
	case domain.TicketTypeSupport:
		if category != nil {
			ticket.Details = &domain.SupportDetails{
				TicketID:        ticket.ID,
				Category:        domain.SupportCategory(*category),
				ProjectID:       projectID,
				FeatureID:       supportFeature,
				AIResponse:      aiResponse,
				ResolutionNotes: resolutionNotes,
			}
		}
	}
	return &ticket, nil
}
