package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// AuditLogRepository reads audit entries. Entries are only ever written by
// TicketRepository.Update, inside the ticket's transaction.
type AuditLogRepository interface {
	// ListByTicket returns the full history of one ticket, newest first.
	ListByTicket(ctx context.Context, ticketID string) ([]domain.AuditLogEntry, error)
	// ListRecent returns up to limit entries across all tickets, newest first.
	ListRecent(ctx context.Context, limit int) ([]domain.AuditLogEntry, error)
}

type auditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository builds repository.
func NewAuditLogRepository(pool *pgxpool.Pool) AuditLogRepository {
	return &auditLogRepository{pool: pool}
}

const selectAudit = `
        SELECT id, ticket_id, field_name, old_value, new_value, changed_by, created_at, seq
        FROM ticket_audit_log`

func insertAuditEntries(ctx context.Context, tx pgx.Tx, entries []domain.AuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	const query = `
        INSERT INTO ticket_audit_log (id, ticket_id, field_name, old_value, new_value, changed_by, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING seq`
	batch := &pgx.Batch{}
	for _, entry := range entries {
		batch.Queue(query,
			entry.ID,
			entry.TicketID,
			entry.FieldName,
			entry.OldValue,
			entry.NewValue,
			entry.ChangedBy,
			entry.CreatedAt,
		)
	}
	results := tx.SendBatch(ctx, batch)
	for i := range entries {
		if err := results.QueryRow().Scan(&entries[i].Seq); err != nil {
			_ = results.Close()
			return errors.Wrap(err, "insert audit entry")
		}
	}
	return errors.Wrap(results.Close(), "close audit batch")
}

func (r *auditLogRepository) ListByTicket(ctx context.Context, ticketID string) ([]domain.AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, selectAudit+` WHERE ticket_id=$1 ORDER BY created_at DESC, seq DESC`, ticketID)
	if err != nil {
		return nil, errors.Wrap(err, "list ticket audit")
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func (r *auditLogRepository) ListRecent(ctx context.Context, limit int) ([]domain.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`%s ORDER BY created_at DESC, seq DESC LIMIT %d`, selectAudit, limit))
	if err != nil {
		return nil, errors.Wrap(err, "list recent audit")
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func scanAuditEntries(rows pgx.Rows) ([]domain.AuditLogEntry, error) {
	result := []domain.AuditLogEntry{}
	for rows.Next() {
		var entry domain.AuditLogEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.TicketID,
			&entry.FieldName,
			&entry.OldValue,
			&entry.NewValue,
			&entry.ChangedBy,
			&entry.CreatedAt,
			&entry.Seq,
		); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		result = append(result, entry)
	}
	return result, errors.WithStack(rows.Err())
}
