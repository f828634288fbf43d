package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"salessync/apperr"
	"salessync/db"
)

const eventColumns = `id, tenant_id, agent_id, visit_id, event_type, reference_id, amount, currency, status,
       idempotency_key, approved_by, approved_at, paid_at, payment_method, payment_reference, payment_notes,
       created_at, updated_at`

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// FindByIdempotencyKey returns the event recorded under key, if any.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, q db.Querier, tenantID, key string) (Event, bool, error) {
	query := `SELECT ` + eventColumns + ` FROM commission_events WHERE tenant_id = $1 AND idempotency_key = $2`
	ev, err := scanEvent(q.QueryRow(ctx, query, tenantID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, db.Wrap(err, "commission: find by idempotency key")
	}
	return ev, true, nil
}

// Insert writes a pending event. A duplicate idempotency key surfaces as a
// unique violation for the caller to resolve.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, ev Event) (Event, error) {
	query := `
INSERT INTO commission_events (id, tenant_id, agent_id, visit_id, event_type, reference_id, amount, currency, status, idempotency_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + eventColumns

	out, err := scanEvent(tx.QueryRow(ctx, query,
		ev.ID, ev.TenantID, ev.AgentID, ev.VisitID, ev.EventType, ev.ReferenceID,
		ev.Amount, ev.Currency, StatusPending, ev.IdempotencyKey))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Event{}, err
		}
		return Event{}, db.Wrap(err, "commission: insert event")
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, q db.Querier, tenantID, eventID string) (Event, error) {
	query := `SELECT ` + eventColumns + ` FROM commission_events WHERE tenant_id = $1 AND id = $2`
	return r.getOne(ctx, q, query, tenantID, eventID)
}

// GetForUpdate locks the event row for the rest of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, tenantID, eventID string) (Event, error) {
	query := `SELECT ` + eventColumns + ` FROM commission_events WHERE tenant_id = $1 AND id = $2 FOR UPDATE`
	return r.getOne(ctx, tx, query, tenantID, eventID)
}

func (r *Repository) getOne(ctx context.Context, q db.Querier, query, tenantID, eventID string) (Event, error) {
	ev, err := scanEvent(q.QueryRow(ctx, query, tenantID, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, fmt.Errorf("commission: event %s: %w", eventID, apperr.ErrNotFound)
	}
	if err != nil {
		return Event{}, db.Wrap(err, "commission: query event")
	}
	return ev, nil
}

func (r *Repository) MarkApproved(ctx context.Context, tx pgx.Tx, tenantID, eventID, approverID string, at time.Time) (Event, error) {
	query := `
UPDATE commission_events
SET status = $3, approved_by = $4, approved_at = $5, updated_at = $5
WHERE tenant_id = $1 AND id = $2
RETURNING ` + eventColumns

	ev, err := scanEvent(tx.QueryRow(ctx, query, tenantID, eventID, StatusApproved, approverID, at))
	if err != nil {
		return Event{}, db.Wrap(err, "commission: mark approved")
	}
	return ev, nil
}

func (r *Repository) MarkPaid(ctx context.Context, tx pgx.Tx, tenantID, eventID string, details PaymentDetails, at time.Time) (Event, error) {
	query := `
UPDATE commission_events
SET status = $3, paid_at = $4, updated_at = $4,
    payment_method = $5, payment_reference = $6, payment_notes = $7
WHERE tenant_id = $1 AND id = $2
RETURNING ` + eventColumns

	ev, err := scanEvent(tx.QueryRow(ctx, query, tenantID, eventID, StatusPaid, at,
		nullable(details.Method), nullable(details.Reference), nullable(details.Notes)))
	if err != nil {
		return Event{}, db.Wrap(err, "commission: mark paid")
	}
	return ev, nil
}

// AddEarned credits an approved amount to the agent, creating the balance row on first use.
func (r *Repository) AddEarned(ctx context.Context, tx pgx.Tx, tenantID, agentID string, amount decimal.Decimal) error {
	const upsertSQL = `
INSERT INTO agent_commission_balances (tenant_id, agent_id, total_earned, total_paid, balance)
VALUES ($1, $2, $3, 0, $3)
ON CONFLICT (tenant_id, agent_id) DO UPDATE
SET total_earned = agent_commission_balances.total_earned + EXCLUDED.total_earned,
    balance = agent_commission_balances.balance + EXCLUDED.total_earned,
    updated_at = now()
`
	if _, err := tx.Exec(ctx, upsertSQL, tenantID, agentID, amount); err != nil {
		return db.Wrap(err, "commission: credit balance")
	}
	return nil
}

// AddPaid records a payout against the agent's balance.
func (r *Repository) AddPaid(ctx context.Context, tx pgx.Tx, tenantID, agentID string, amount decimal.Decimal) error {
	const upsertSQL = `
INSERT INTO agent_commission_balances (tenant_id, agent_id, total_earned, total_paid, balance)
VALUES ($1, $2, 0, $3, -$3::numeric)
ON CONFLICT (tenant_id, agent_id) DO UPDATE
SET total_paid = agent_commission_balances.total_paid + EXCLUDED.total_paid,
    balance = agent_commission_balances.balance - EXCLUDED.total_paid,
    updated_at = now()
`
	if _, err := tx.Exec(ctx, upsertSQL, tenantID, agentID, amount); err != nil {
		return db.Wrap(err, "commission: debit balance")
	}
	return nil
}

// Balance returns the agent's position; agents without approvals read as zero.
func (r *Repository) Balance(ctx context.Context, q db.Querier, tenantID, agentID string) (AgentBalance, error) {
	const query = `
SELECT tenant_id, agent_id, total_earned, total_paid, balance, updated_at
FROM agent_commission_balances
WHERE tenant_id = $1 AND agent_id = $2
`
	var b AgentBalance
	err := q.QueryRow(ctx, query, tenantID, agentID).Scan(
		&b.TenantID, &b.AgentID, &b.TotalEarned, &b.TotalPaid, &b.Balance, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AgentBalance{TenantID: tenantID, AgentID: agentID}, nil
	}
	if err != nil {
		return AgentBalance{}, db.Wrap(err, "commission: query balance")
	}
	return b, nil
}

func (r *Repository) List(ctx context.Context, q db.Querier, tenantID string, filters ListFilters) ([]Event, int, error) {
	where := ` WHERE tenant_id = $1`
	args := []any{tenantID}
	if filters.AgentID != "" {
		args = append(args, filters.AgentID)
		where += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filters.VisitID != "" {
		args = append(args, filters.VisitID)
		where += fmt.Sprintf(" AND visit_id = $%d", len(args))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM commission_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, db.Wrap(err, "commission: count events")
	}

	query := `SELECT ` + eventColumns + ` FROM commission_events` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, db.Wrap(err, "commission: list events")
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, db.Wrap(err, "commission: scan event")
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, db.Wrap(err, "commission: iterate events")
	}
	return events, total, nil
}

// SumForVisit totals every event referencing the visit, whatever its status.
func (r *Repository) SumForVisit(ctx context.Context, q db.Querier, tenantID, visitID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM commission_events WHERE tenant_id = $1 AND visit_id = $2`,
		tenantID, visitID).Scan(&total)
	if err != nil {
		return decimal.Zero, db.Wrap(err, "commission: sum for visit")
	}
	return total, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	err := row.Scan(
		&ev.ID,
		&ev.TenantID,
		&ev.AgentID,
		&ev.VisitID,
		&ev.EventType,
		&ev.ReferenceID,
		&ev.Amount,
		&ev.Currency,
		&ev.Status,
		&ev.IdempotencyKey,
		&ev.ApprovedBy,
		&ev.ApprovedAt,
		&ev.PaidAt,
		&ev.PaymentMethod,
		&ev.PaymentReference,
		&ev.PaymentNotes,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	return ev, err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
