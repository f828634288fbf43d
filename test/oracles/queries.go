package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks. Each query returns rows only when the
// invariant is broken.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_reservation_bounds",
			SQL: `SELECT id, stock_quantity, reserved_quantity FROM products
                  WHERE reserved_quantity < 0 OR reserved_quantity > stock_quantity OR stock_quantity < 0`,
		},
		{
			Name: "O2_reserved_matches_movements",
			SQL: `SELECT p.id, p.reserved_quantity, COALESCE(-SUM(m.quantity), 0) AS movements
                  FROM products p
                  LEFT JOIN stock_movements m ON m.product_id = p.id AND m.status = 'reserved'
                  GROUP BY p.id, p.reserved_quantity
                  HAVING p.reserved_quantity <> COALESCE(-SUM(m.quantity), 0)`,
		},
		{
			Name: "O3_movements_mirror_items",
			SQL: `WITH items AS (
                      SELECT o.id AS order_id, i.product_id, SUM(i.quantity) AS qty
                      FROM orders o JOIN order_items i ON i.order_id = o.id
                      WHERE o.status IN ('pending','completed')
                      GROUP BY o.id, i.product_id),
                  moved AS (
                      SELECT reference_id AS order_id, product_id, -SUM(quantity) AS qty
                      FROM stock_movements WHERE reference_type = 'order'
                      GROUP BY reference_id, product_id)
                  SELECT items.order_id, items.product_id, items.qty, moved.qty
                  FROM items LEFT JOIN moved USING (order_id, product_id)
                  WHERE moved.qty IS DISTINCT FROM items.qty`,
		},
		{
			Name: "O4_cancelled_orders_hold_nothing",
			SQL: `SELECT o.id FROM orders o
                  JOIN stock_movements m ON m.reference_type = 'order' AND m.reference_id = o.id
                  WHERE o.status = 'cancelled'`,
		},
		{
			Name: "O5_one_commission_per_fulfilled_order",
			SQL: `SELECT o.id, COUNT(e.id) FROM orders o
                  LEFT JOIN commission_events e
                    ON e.tenant_id = o.tenant_id AND e.idempotency_key = 'order:' || o.id || ':fulfill'
                  WHERE o.status = 'completed'
                  GROUP BY o.id HAVING COUNT(e.id) <> 1`,
		},
		{
			Name: "O6_commission_status_stamps",
			SQL: `SELECT id, status FROM commission_events
                  WHERE (status = 'pending' AND (approved_at IS NOT NULL OR paid_at IS NOT NULL))
                     OR (status = 'approved' AND (approved_at IS NULL OR paid_at IS NOT NULL))
                     OR (status = 'paid' AND (approved_at IS NULL OR paid_at IS NULL OR paid_at < approved_at))`,
		},
		{
			Name: "O7_balances_match_events",
			SQL: `WITH sums AS (
                      SELECT tenant_id, agent_id,
                             SUM(amount) FILTER (WHERE status IN ('approved','paid')) AS earned,
                             COALESCE(SUM(amount) FILTER (WHERE status = 'paid'), 0) AS paid
                      FROM commission_events GROUP BY tenant_id, agent_id)
                  SELECT b.tenant_id, b.agent_id, b.total_earned, b.total_paid, b.balance
                  FROM agent_commission_balances b
                  LEFT JOIN sums s USING (tenant_id, agent_id)
                  WHERE b.total_earned <> COALESCE(s.earned, 0)
                     OR b.total_paid <> COALESCE(s.paid, 0)
                     OR b.balance <> b.total_earned - b.total_paid`,
		},
		{
			Name: "O8_completed_visits_have_mandatory_tasks_done",
			SQL: `SELECT v.id, t.id FROM visits v
                  JOIN visit_tasks t ON t.visit_id = v.id
                  WHERE v.status = 'completed' AND t.is_mandatory AND t.status <> 'completed'`,
		},
		{
			Name: "O9_visit_total_commission",
			SQL: `SELECT v.id, v.total_commission, COALESCE(SUM(e.amount), 0) FROM visits v
                  LEFT JOIN commission_events e ON e.tenant_id = v.tenant_id AND e.visit_id = v.id
                  WHERE v.status = 'completed'
                  GROUP BY v.id, v.total_commission
                  HAVING v.total_commission <> COALESCE(SUM(e.amount), 0)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
