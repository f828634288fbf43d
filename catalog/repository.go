package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"salessync/apperr"
	"salessync/db"
	"salessync/geo"
)

// Reader is the read-only catalog surface consumed by visits and commissions.
type Reader interface {
	Customer(ctx context.Context, tenantID, customerID string) (Customer, error)
	Surveys(ctx context.Context, tenantID, visitType string, brandIDs []string) ([]Survey, error)
	Board(ctx context.Context, tenantID, boardID string) (Board, error)
}

// Repository reads catalog definitions straight from Postgres.
type Repository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *Repository {
	return &Repository{q: q}
}

func (r *Repository) Customer(ctx context.Context, tenantID, customerID string) (Customer, error) {
	const query = `
		SELECT id, tenant_id, name, latitude, longitude
		FROM customers
		WHERE tenant_id = $1 AND id = $2
	`

	var (
		c        Customer
		lat, lng *float64
	)
	err := r.q.QueryRow(ctx, query, tenantID, customerID).Scan(&c.ID, &c.TenantID, &c.Name, &lat, &lng)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Customer{}, fmt.Errorf("catalog: customer %s: %w", customerID, apperr.ErrNotFound)
		}
		return Customer{}, db.Wrap(err, "catalog: query customer")
	}
	if lat != nil && lng != nil {
		c.Location = &geo.Point{Lat: *lat, Lng: *lng}
	}
	return c, nil
}

// Surveys returns the active surveys applicable to a visit, in catalog order.
func (r *Repository) Surveys(ctx context.Context, tenantID, visitType string, brandIDs []string) ([]Survey, error) {
	if brandIDs == nil {
		brandIDs = []string{}
	}

	const query = `
		SELECT id, title, is_mandatory, visit_type, brand_id, sort_order
		FROM surveys
		WHERE tenant_id = $1
		  AND active
		  AND (visit_type IS NULL OR visit_type = $2)
		  AND (brand_id IS NULL OR brand_id = ANY($3))
		ORDER BY sort_order ASC, created_at ASC, id ASC
	`

	rows, err := r.q.Query(ctx, query, tenantID, visitType, brandIDs)
	if err != nil {
		return nil, db.Wrap(err, "catalog: list surveys")
	}
	defer rows.Close()

	surveys := make([]Survey, 0, 8)
	for rows.Next() {
		var s Survey
		if err := rows.Scan(&s.ID, &s.Title, &s.IsMandatory, &s.VisitType, &s.BrandID, &s.SortOrder); err != nil {
			return nil, db.Wrap(err, "catalog: scan survey")
		}
		surveys = append(surveys, s)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Wrap(err, "catalog: iterate surveys")
	}
	return surveys, nil
}

func (r *Repository) Board(ctx context.Context, tenantID, boardID string) (Board, error) {
	const query = `
		SELECT id, brand_id, name, commission_rate
		FROM boards
		WHERE tenant_id = $1 AND id = $2
	`

	var b Board
	err := r.q.QueryRow(ctx, query, tenantID, boardID).Scan(&b.ID, &b.BrandID, &b.Name, &b.CommissionRate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Board{}, fmt.Errorf("catalog: board %s: %w", boardID, apperr.ErrNotFound)
		}
		return Board{}, db.Wrap(err, "catalog: query board")
	}
	return b, nil
}
