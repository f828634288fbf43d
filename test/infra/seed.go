package infra

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// SeedProduct inserts a product with stock on hand and returns its id.
func SeedProduct(ctx context.Context, t testing.TB, pool *pgxpool.Pool, tenantID string, price decimal.Decimal, onHand int64) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := pool.Exec(ctx, `
INSERT INTO products (id, tenant_id, name, sku, unit_price, stock_quantity)
VALUES ($1, $2, $3, $4, $5, $6)
`, id, tenantID, "Product "+id[:8], "SKU-"+id[:8], price, onHand); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return id
}

// SeedCustomer inserts a customer; a nil location leaves it unregistered.
func SeedCustomer(ctx context.Context, t testing.TB, pool *pgxpool.Pool, tenantID string, lat, lng *float64) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := pool.Exec(ctx, `
INSERT INTO customers (id, tenant_id, name, latitude, longitude)
VALUES ($1, $2, $3, $4, $5)
`, id, tenantID, "Spaza "+id[:8], lat, lng); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	return id
}

// SeedSurvey inserts an active survey scoped to visitType (empty for any).
func SeedSurvey(ctx context.Context, t testing.TB, pool *pgxpool.Pool, tenantID, title string, mandatory bool, visitType string, sortOrder int) string {
	t.Helper()
	id := uuid.NewString()
	var scope *string
	if visitType != "" {
		scope = &visitType
	}
	if _, err := pool.Exec(ctx, `
INSERT INTO surveys (id, tenant_id, title, is_mandatory, visit_type, sort_order)
VALUES ($1, $2, $3, $4, $5, $6)
`, id, tenantID, title, mandatory, scope, sortOrder); err != nil {
		t.Fatalf("seed survey: %v", err)
	}
	return id
}

// SeedBoard inserts a brand board paying rate per placement.
func SeedBoard(ctx context.Context, t testing.TB, pool *pgxpool.Pool, tenantID, brandID string, rate decimal.Decimal) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := pool.Exec(ctx, `
INSERT INTO boards (id, tenant_id, brand_id, name, commission_rate)
VALUES ($1, $2, $3, $4, $5)
`, id, tenantID, brandID, "Board "+id[:8], rate); err != nil {
		t.Fatalf("seed board: %v", err)
	}
	return id
}
