package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"salessync/apperr"
	"salessync/db"
)

// Ledger appends and settles stock movements. Every mutating method runs on
// the caller's transaction so the order workflow decides the boundary.
//
// On-hand stock is decremented exactly once, when a reservation completes.
// Until then a reservation only raises products.reserved_quantity.
type Ledger struct {
	newID func() string
}

func NewLedger() *Ledger {
	return &Ledger{newID: uuid.NewString}
}

// Reserve claims stock for every line and appends one reserved movement per
// line. The claim is a single guarded update, so concurrent reservations can
// never promise more than is on hand.
func (l *Ledger) Reserve(ctx context.Context, tx pgx.Tx, tenantID, orderID string, lines []Line) ([]Movement, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("stock: reserve: %w: no lines", apperr.ErrValidation)
	}

	// Claim in product order so two orders sharing products lock rows in the
	// same sequence.
	order := make([]int, len(lines))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return lines[order[a]].ProductID < lines[order[b]].ProductID
	})

	const claimSQL = `
UPDATE products
SET reserved_quantity = reserved_quantity + $3,
    updated_at = now()
WHERE tenant_id = $1 AND id = $2
  AND stock_quantity - reserved_quantity >= $3
RETURNING id
`
	for _, idx := range order {
		line := lines[idx]
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("stock: reserve: %w: quantity for product %s must be positive", apperr.ErrValidation, line.ProductID)
		}
		var id string
		err := tx.QueryRow(ctx, claimSQL, tenantID, line.ProductID, line.Quantity).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, l.explainShortfall(ctx, tx, tenantID, line)
		}
		if err != nil {
			return nil, db.Wrap(err, "stock: claim product")
		}
	}

	const insertSQL = `
INSERT INTO stock_movements (id, tenant_id, product_id, quantity, status, reference_type, reference_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, tenant_id, product_id, quantity, status, reference_type, reference_id, created_at, updated_at
`
	movements := make([]Movement, 0, len(lines))
	for _, line := range lines {
		mv, err := scanMovement(tx.QueryRow(ctx, insertSQL,
			l.newID(), tenantID, line.ProductID, -line.Quantity, MovementReserved, ReferenceOrder, orderID))
		if err != nil {
			return nil, db.Wrap(err, "stock: insert movement")
		}
		movements = append(movements, mv)
	}
	return movements, nil
}

func (l *Ledger) explainShortfall(ctx context.Context, tx pgx.Tx, tenantID string, line Line) error {
	var available int64
	err := tx.QueryRow(ctx, `SELECT stock_quantity - reserved_quantity FROM products WHERE tenant_id = $1 AND id = $2`,
		tenantID, line.ProductID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("stock: %w: product %s not found", apperr.ErrValidation, line.ProductID)
	}
	if err != nil {
		return db.Wrap(err, "stock: read availability")
	}
	return fmt.Errorf("stock: %w: insufficient stock for product %s: available %d, requested %d",
		apperr.ErrValidation, line.ProductID, available, line.Quantity)
}

// Complete settles the order's reservations: movements become completed and
// their quantity is applied to on-hand stock while the reservation is lifted.
func (l *Ledger) Complete(ctx context.Context, tx pgx.Tx, tenantID, orderID string) ([]Movement, error) {
	const settleSQL = `
UPDATE stock_movements
SET status = $4, updated_at = now()
WHERE tenant_id = $1 AND reference_type = $2 AND reference_id = $3 AND status = $5
RETURNING id, tenant_id, product_id, quantity, status, reference_type, reference_id, created_at, updated_at
`
	movements, err := collectMovements(tx.Query(ctx, settleSQL, tenantID, ReferenceOrder, orderID, MovementCompleted, MovementReserved))
	if err != nil {
		return nil, db.Wrap(err, "stock: complete movements")
	}

	for _, mv := range movements {
		// mv.Quantity is negative: it lowers on-hand and lifts the reservation.
		if _, err := tx.Exec(ctx, `
UPDATE products
SET stock_quantity = stock_quantity + $3,
    reserved_quantity = reserved_quantity + $3,
    updated_at = now()
WHERE tenant_id = $1 AND id = $2
`, tenantID, mv.ProductID, mv.Quantity); err != nil {
			return nil, db.Wrap(err, "stock: apply movement")
		}
	}
	return movements, nil
}

// Release removes the order's reservations. On-hand stock was never touched,
// so only the reserved counter moves back.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, tenantID, orderID string) ([]Movement, error) {
	const deleteSQL = `
DELETE FROM stock_movements
WHERE tenant_id = $1 AND reference_type = $2 AND reference_id = $3 AND status = $4
RETURNING id, tenant_id, product_id, quantity, status, reference_type, reference_id, created_at, updated_at
`
	movements, err := collectMovements(tx.Query(ctx, deleteSQL, tenantID, ReferenceOrder, orderID, MovementReserved))
	if err != nil {
		return nil, db.Wrap(err, "stock: release movements")
	}

	for i := range movements {
		if _, err := tx.Exec(ctx, `
UPDATE products
SET reserved_quantity = reserved_quantity + $3,
    updated_at = now()
WHERE tenant_id = $1 AND id = $2
`, tenantID, movements[i].ProductID, movements[i].Quantity); err != nil {
			return nil, db.Wrap(err, "stock: lift reservation")
		}
		movements[i].Status = MovementReleased
	}
	return movements, nil
}

// Movements lists the movements recorded against an order.
func (l *Ledger) Movements(ctx context.Context, q db.Querier, tenantID, orderID string) ([]Movement, error) {
	const query = `
SELECT id, tenant_id, product_id, quantity, status, reference_type, reference_id, created_at, updated_at
FROM stock_movements
WHERE tenant_id = $1 AND reference_type = $2 AND reference_id = $3
ORDER BY created_at, id
`
	movements, err := collectMovements(q.Query(ctx, query, tenantID, ReferenceOrder, orderID))
	if err != nil {
		return nil, db.Wrap(err, "stock: list movements")
	}
	return movements, nil
}

// Product reads a product's stock position.
func (l *Ledger) Product(ctx context.Context, q db.Querier, tenantID, productID string) (Product, error) {
	const query = `
SELECT id, tenant_id, name, sku, unit_price, stock_quantity, reserved_quantity
FROM products
WHERE tenant_id = $1 AND id = $2
`
	var p Product
	err := q.QueryRow(ctx, query, tenantID, productID).Scan(
		&p.ID, &p.TenantID, &p.Name, &p.SKU, &p.UnitPrice, &p.StockQuantity, &p.ReservedQuantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("stock: product %s: %w", productID, apperr.ErrNotFound)
	}
	if err != nil {
		return Product{}, db.Wrap(err, "stock: read product")
	}
	return p, nil
}

// Available is the product's on-hand stock less open reservations.
func (l *Ledger) Available(ctx context.Context, q db.Querier, tenantID, productID string) (int64, error) {
	p, err := l.Product(ctx, q, tenantID, productID)
	if err != nil {
		return 0, err
	}
	return p.Available(), nil
}

func collectMovements(rows pgx.Rows, err error) ([]Movement, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]Movement, 0, 4)
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func scanMovement(row pgx.Row) (Movement, error) {
	var mv Movement
	err := row.Scan(
		&mv.ID,
		&mv.TenantID,
		&mv.ProductID,
		&mv.Quantity,
		&mv.Status,
		&mv.ReferenceType,
		&mv.ReferenceID,
		&mv.CreatedAt,
		&mv.UpdatedAt,
	)
	return mv, err
}
