package visit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"salessync/apperr"
	"salessync/db"
)

const visitColumns = `id, tenant_id, agent_id, customer_id, visit_type, status, latitude, longitude, gps_accuracy,
       distance_meters, is_new_customer, override_reason, override_photo, reviewed_by, reviewed_at,
       total_commission, check_in_time, check_out_time, created_at, updated_at, idempotency_key`

const taskColumns = `id, tenant_id, visit_id, task_type, reference_id, title, is_mandatory, sequence_order, status,
       response_ref, coverage_percentage::float8, completed_at, created_at`

const idempotencyConstraint = "visits_tenant_idempotency_uq"

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) GetVisit(ctx context.Context, q db.Querier, tenantID, visitID string) (Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits WHERE tenant_id = $1 AND id = $2`
	return r.getVisit(ctx, q, query, tenantID, visitID)
}

// GetVisitForUpdate locks the visit row for the rest of the transaction.
func (r *Repository) GetVisitForUpdate(ctx context.Context, tx pgx.Tx, tenantID, visitID string) (Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits WHERE tenant_id = $1 AND id = $2 FOR UPDATE`
	return r.getVisit(ctx, tx, query, tenantID, visitID)
}

func (r *Repository) getVisit(ctx context.Context, q db.Querier, query, tenantID, visitID string) (Visit, error) {
	v, err := scanVisit(q.QueryRow(ctx, query, tenantID, visitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Visit{}, fmt.Errorf("visit: %s: %w", visitID, apperr.ErrNotFound)
	}
	if err != nil {
		return Visit{}, db.Wrap(err, "visit: query")
	}
	return v, nil
}

// FindByIdempotencyKey returns the visit started under key.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, q db.Querier, tenantID, key string) (Visit, bool, error) {
	query := `SELECT ` + visitColumns + ` FROM visits WHERE tenant_id = $1 AND idempotency_key = $2`
	v, err := scanVisit(q.QueryRow(ctx, query, tenantID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return Visit{}, false, nil
	}
	if err != nil {
		return Visit{}, false, db.Wrap(err, "visit: find by idempotency key")
	}
	return v, true, nil
}

// InsertVisit writes a new visit. A duplicate idempotency key surfaces as
// ErrDuplicateIdempotencyKey.
func (r *Repository) InsertVisit(ctx context.Context, tx pgx.Tx, v Visit) (Visit, error) {
	query := `
INSERT INTO visits (id, tenant_id, agent_id, customer_id, visit_type, status, latitude, longitude, gps_accuracy,
                    distance_meters, is_new_customer, check_in_time, created_at, updated_at, idempotency_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12, $12, $13)
RETURNING ` + visitColumns

	created, err := scanVisit(tx.QueryRow(ctx, query,
		v.ID, v.TenantID, v.AgentID, v.CustomerID, v.VisitType, v.Status, v.Location.Lat, v.Location.Lng,
		v.GPSAccuracy, v.DistanceMeters, v.IsNewCustomer, v.CheckInTime, v.IdempotencyKey))
	if err != nil {
		if db.IsUniqueViolation(err) {
			if v.IdempotencyKey != nil && db.ViolatedConstraint(err) == idempotencyConstraint {
				return Visit{}, fmt.Errorf("%w %q: %w", ErrDuplicateIdempotencyKey, *v.IdempotencyKey, apperr.ErrStateConflict)
			}
			return Visit{}, fmt.Errorf("visit: id %s already used: %w", v.ID, apperr.ErrStateConflict)
		}
		return Visit{}, db.Wrap(err, "visit: insert")
	}
	return created, nil
}

// SaveVisit writes every mutable visit column.
func (r *Repository) SaveVisit(ctx context.Context, tx pgx.Tx, v Visit) (Visit, error) {
	query := `
UPDATE visits
SET status = $3, override_reason = $4, override_photo = $5, reviewed_by = $6, reviewed_at = $7,
    total_commission = $8, check_out_time = $9, updated_at = $10
WHERE tenant_id = $1 AND id = $2
RETURNING ` + visitColumns

	saved, err := scanVisit(tx.QueryRow(ctx, query, v.TenantID, v.ID, v.Status, v.OverrideReason, v.OverridePhoto,
		v.ReviewedBy, v.ReviewedAt, v.TotalCommission, v.CheckOutTime, v.UpdatedAt))
	if err != nil {
		return Visit{}, db.Wrap(err, "visit: save")
	}
	return saved, nil
}

// ListActive returns the agent's visits that are not yet completed or cancelled.
func (r *Repository) ListActive(ctx context.Context, q db.Querier, tenantID, agentID string) ([]Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits
WHERE tenant_id = $1 AND agent_id = $2 AND status IN ('in_progress', 'pending_override', 'pending_approval')
ORDER BY check_in_time DESC, id DESC`

	rows, err := q.Query(ctx, query, tenantID, agentID)
	if err != nil {
		return nil, db.Wrap(err, "visit: list active")
	}
	defer rows.Close()

	visits := []Visit{}
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, db.Wrap(err, "visit: scan")
		}
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Wrap(err, "visit: iterate")
	}
	return visits, nil
}

func (r *Repository) InsertTasks(ctx context.Context, tx pgx.Tx, tasks []Task) ([]Task, error) {
	query := `
INSERT INTO visit_tasks (id, tenant_id, visit_id, task_type, reference_id, title, is_mandatory, sequence_order, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + taskColumns

	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		created, err := scanTask(tx.QueryRow(ctx, query,
			t.ID, t.TenantID, t.VisitID, t.Type, t.ReferenceID, t.Title, t.IsMandatory, t.SequenceOrder, t.Status))
		if err != nil {
			return nil, db.Wrap(err, "visit: insert task")
		}
		out = append(out, created)
	}
	return out, nil
}

// Tasks returns the visit's tasks in sequence order.
func (r *Repository) Tasks(ctx context.Context, q db.Querier, tenantID, visitID string) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM visit_tasks WHERE tenant_id = $1 AND visit_id = $2 ORDER BY sequence_order`

	rows, err := q.Query(ctx, query, tenantID, visitID)
	if err != nil {
		return nil, db.Wrap(err, "visit: list tasks")
	}
	defer rows.Close()

	tasks := make([]Task, 0, 8)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, db.Wrap(err, "visit: scan task")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Wrap(err, "visit: iterate tasks")
	}
	return tasks, nil
}

func (r *Repository) GetTaskForUpdate(ctx context.Context, tx pgx.Tx, tenantID, visitID, taskID string) (Task, error) {
	query := `SELECT ` + taskColumns + ` FROM visit_tasks WHERE tenant_id = $1 AND visit_id = $2 AND id = $3 FOR UPDATE`
	t, err := scanTask(tx.QueryRow(ctx, query, tenantID, visitID, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, fmt.Errorf("visit: task %s: %w", taskID, apperr.ErrNotFound)
	}
	if err != nil {
		return Task{}, db.Wrap(err, "visit: query task")
	}
	return t, nil
}

func (r *Repository) CompleteTask(ctx context.Context, tx pgx.Tx, t Task, at time.Time) (Task, error) {
	query := `
UPDATE visit_tasks
SET status = $4, response_ref = $5, coverage_percentage = $6, completed_at = $7
WHERE tenant_id = $1 AND visit_id = $2 AND id = $3
RETURNING ` + taskColumns

	done, err := scanTask(tx.QueryRow(ctx, query, t.TenantID, t.VisitID, t.ID, TaskCompleted, t.ResponseRef, t.CoveragePercentage, at))
	if err != nil {
		return Task{}, db.Wrap(err, "visit: complete task")
	}
	return done, nil
}

// CountOpenMandatory counts mandatory tasks of the visit not yet completed.
func (r *Repository) CountOpenMandatory(ctx context.Context, tx pgx.Tx, tenantID, visitID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
SELECT COUNT(*) FROM visit_tasks
WHERE tenant_id = $1 AND visit_id = $2 AND is_mandatory AND status <> 'completed'
`, tenantID, visitID).Scan(&n)
	if err != nil {
		return 0, db.Wrap(err, "visit: count open mandatory tasks")
	}
	return n, nil
}

func scanVisit(row pgx.Row) (Visit, error) {
	var v Visit
	err := row.Scan(
		&v.ID,
		&v.TenantID,
		&v.AgentID,
		&v.CustomerID,
		&v.VisitType,
		&v.Status,
		&v.Location.Lat,
		&v.Location.Lng,
		&v.GPSAccuracy,
		&v.DistanceMeters,
		&v.IsNewCustomer,
		&v.OverrideReason,
		&v.OverridePhoto,
		&v.ReviewedBy,
		&v.ReviewedAt,
		&v.TotalCommission,
		&v.CheckInTime,
		&v.CheckOutTime,
		&v.CreatedAt,
		&v.UpdatedAt,
		&v.IdempotencyKey,
	)
	return v, err
}

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.VisitID,
		&t.Type,
		&t.ReferenceID,
		&t.Title,
		&t.IsMandatory,
		&t.SequenceOrder,
		&t.Status,
		&t.ResponseRef,
		&t.CoveragePercentage,
		&t.CompletedAt,
		&t.CreatedAt,
	)
	return t, err
}
