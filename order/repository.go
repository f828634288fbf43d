package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"salessync/apperr"
	"salessync/db"
)

const orderColumns = `id, tenant_id, order_number, customer_id, agent_id, status, subtotal, tax_amount, total_amount,
       amount_paid, amount_due, currency, payment_method, payment_reference, cancel_reason, idempotency_key,
       created_at, updated_at, fulfilled_at, cancelled_at`

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// FindByIdempotencyKey returns the order created under key, with its items.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, q db.Querier, tenantID, key string) (Order, bool, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE tenant_id = $1 AND idempotency_key = $2`
	o, err := scanOrder(q.QueryRow(ctx, query, tenantID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, false, nil
	}
	if err != nil {
		return Order{}, false, db.Wrap(err, "order: find by idempotency key")
	}
	if o.Items, err = r.items(ctx, q, o.ID); err != nil {
		return Order{}, false, err
	}
	return o, true, nil
}

const idempotencyConstraint = "orders_tenant_idempotency_uq"

// Insert writes the order header and its items. A duplicate idempotency key
// is returned as the raw unique violation.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, o Order) (Order, error) {
	query := `
INSERT INTO orders (id, tenant_id, order_number, customer_id, agent_id, status, subtotal, tax_amount, total_amount,
                    amount_paid, amount_due, currency, payment_method, payment_reference, idempotency_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
RETURNING ` + orderColumns

	created, err := scanOrder(tx.QueryRow(ctx, query,
		o.ID, o.TenantID, o.OrderNumber, o.CustomerID, o.AgentID, o.Status,
		o.Subtotal, o.TaxAmount, o.TotalAmount, o.AmountPaid, o.AmountDue, o.Currency,
		o.PaymentMethod, o.PaymentReference, o.IdempotencyKey))
	if err != nil {
		if db.IsUniqueViolation(err) {
			if db.ViolatedConstraint(err) == idempotencyConstraint {
				return Order{}, err
			}
			return Order{}, fmt.Errorf("order: number %s already used: %w", o.OrderNumber, apperr.ErrStateConflict)
		}
		return Order{}, db.Wrap(err, "order: insert")
	}

	const itemSQL = `
INSERT INTO order_items (id, order_id, product_id, quantity, unit_price, line_total, line_no)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	for _, it := range o.Items {
		if _, err := tx.Exec(ctx, itemSQL, it.ID, created.ID, it.ProductID, it.Quantity, it.UnitPrice, it.LineTotal, it.LineNo); err != nil {
			return Order{}, db.Wrap(err, "order: insert item")
		}
	}
	created.Items = o.Items
	return created, nil
}

func (r *Repository) Get(ctx context.Context, q db.Querier, tenantID, orderID string) (Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE tenant_id = $1 AND id = $2`
	return r.getOne(ctx, q, query, tenantID, orderID)
}

// GetForUpdate locks the order row for the rest of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, tenantID, orderID string) (Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE tenant_id = $1 AND id = $2 FOR UPDATE`
	return r.getOne(ctx, tx, query, tenantID, orderID)
}

func (r *Repository) getOne(ctx context.Context, q db.Querier, query, tenantID, orderID string) (Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, query, tenantID, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("order: %s: %w", orderID, apperr.ErrNotFound)
	}
	if err != nil {
		return Order{}, db.Wrap(err, "order: query")
	}
	if o.Items, err = r.items(ctx, q, o.ID); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (r *Repository) MarkFulfilled(ctx context.Context, tx pgx.Tx, o Order, at time.Time) (Order, error) {
	query := `
UPDATE orders
SET status = $3, amount_paid = $4, amount_due = $5, payment_method = $6, payment_reference = $7,
    fulfilled_at = $8, updated_at = $8
WHERE tenant_id = $1 AND id = $2
RETURNING ` + orderColumns

	updated, err := scanOrder(tx.QueryRow(ctx, query, o.TenantID, o.ID, StatusCompleted,
		o.AmountPaid, o.AmountDue, o.PaymentMethod, o.PaymentReference, at))
	if err != nil {
		return Order{}, db.Wrap(err, "order: mark fulfilled")
	}
	updated.Items = o.Items
	return updated, nil
}

func (r *Repository) MarkCancelled(ctx context.Context, tx pgx.Tx, o Order, reason *string, at time.Time) (Order, error) {
	query := `
UPDATE orders
SET status = $3, cancel_reason = $4, cancelled_at = $5, updated_at = $5
WHERE tenant_id = $1 AND id = $2
RETURNING ` + orderColumns

	updated, err := scanOrder(tx.QueryRow(ctx, query, o.TenantID, o.ID, StatusCancelled, reason, at))
	if err != nil {
		return Order{}, db.Wrap(err, "order: mark cancelled")
	}
	updated.Items = o.Items
	return updated, nil
}

// List returns a page of orders without items, newest first.
func (r *Repository) List(ctx context.Context, q db.Querier, tenantID string, filters ListFilters) ([]Order, int, error) {
	where := ` WHERE tenant_id = $1`
	args := []any{tenantID}
	if filters.AgentID != "" {
		args = append(args, filters.AgentID)
		where += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filters.CustomerID != "" {
		args = append(args, filters.CustomerID)
		where += fmt.Sprintf(" AND customer_id = $%d", len(args))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, db.Wrap(err, "order: count")
	}

	query := `SELECT ` + orderColumns + ` FROM orders` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, db.Wrap(err, "order: list")
	}
	defer rows.Close()

	orders := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, db.Wrap(err, "order: scan")
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, db.Wrap(err, "order: iterate")
	}
	return orders, total, nil
}

func (r *Repository) items(ctx context.Context, q db.Querier, orderID string) ([]Item, error) {
	const query = `
SELECT id, product_id, quantity, unit_price, line_total, line_no
FROM order_items
WHERE order_id = $1
ORDER BY line_no
`
	rows, err := q.Query(ctx, query, orderID)
	if err != nil {
		return nil, db.Wrap(err, "order: query items")
	}
	defer rows.Close()

	items := make([]Item, 0, 4)
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.LineTotal, &it.LineNo); err != nil {
			return nil, db.Wrap(err, "order: scan item")
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Wrap(err, "order: iterate items")
	}
	return items, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID,
		&o.TenantID,
		&o.OrderNumber,
		&o.CustomerID,
		&o.AgentID,
		&o.Status,
		&o.Subtotal,
		&o.TaxAmount,
		&o.TotalAmount,
		&o.AmountPaid,
		&o.AmountDue,
		&o.Currency,
		&o.PaymentMethod,
		&o.PaymentReference,
		&o.CancelReason,
		&o.IdempotencyKey,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.FulfilledAt,
		&o.CancelledAt,
	)
	return o, err
}
