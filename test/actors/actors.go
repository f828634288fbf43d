// Package actors drives the workflow services concurrently for the stress
// test. Expected outcomes under contention (insufficient stock, state
// conflicts) are absorbed; anything else stops the run.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"salessync/apperr"
	"salessync/commission"
	"salessync/geo"
	"salessync/order"
	"salessync/visit"
)

// expected reports whether err is a business outcome rather than a fault.
// Persistence errors count as expected because the chaos terminator kills
// connections mid-transaction; the oracles check nothing partial was kept.
func expected(err error) bool {
	return err == nil ||
		errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrStateConflict) ||
		errors.Is(err, apperr.ErrPersistence) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

// OrderPlacer creates orders against a shared product set, replays some
// idempotency keys, then fulfills or cancels what it created.
func OrderPlacer(ctx context.Context, svc *order.Service, tenantID, agentID string, products []string, stop <-chan struct{}) error {
	var lastKey string
	for !stopped(ctx, stop) {
		key := uuid.NewString()
		if lastKey != "" && rand.Intn(4) == 0 {
			key = lastKey
		}
		lastKey = key

		items := make([]order.LineItem, 0, 2)
		for _, idx := range rand.Perm(len(products))[:1+rand.Intn(2)] {
			items = append(items, order.LineItem{
				ProductID: products[idx],
				Quantity:  int64(1 + rand.Intn(5)),
				UnitPrice: decimal.NewFromInt(int64(10 + rand.Intn(90))),
			})
		}
		res, err := svc.Create(ctx, order.CreateParams{
			TenantID:       tenantID,
			AgentID:        agentID,
			CustomerID:     "cust-" + agentID,
			Items:          items,
			IdempotencyKey: key,
		})
		if !expected(err) {
			return fmt.Errorf("order placer create: %w", err)
		}
		if err == nil && !res.Replayed {
			if rand.Intn(3) == 0 {
				_, err = svc.Cancel(ctx, tenantID, res.Order.ID, "stress")
			} else {
				_, err = svc.Fulfill(ctx, order.FulfillParams{TenantID: tenantID, OrderID: res.Order.ID})
			}
			if !expected(err) {
				return fmt.Errorf("order placer settle: %w", err)
			}
		}
		pause(5, 20)
	}
	return nil
}

// Fulfiller races the placers by fulfilling any pending order it can see.
func Fulfiller(ctx context.Context, svc *order.Service, tenantID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		orders, _, err := svc.List(ctx, tenantID, order.ListFilters{Status: order.StatusPending, PageSize: 10})
		if !expected(err) {
			return fmt.Errorf("fulfiller list: %w", err)
		}
		for _, o := range orders {
			if _, err := svc.Fulfill(ctx, order.FulfillParams{TenantID: tenantID, OrderID: o.ID}); !expected(err) {
				return fmt.Errorf("fulfiller: %w", err)
			}
		}
		pause(20, 40)
	}
	return nil
}

// Settler approves pending commissions and pays approved ones.
func Settler(ctx context.Context, svc *commission.Service, tenantID, reviewerID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		pending, _, err := svc.ListEvents(ctx, tenantID, commission.ListFilters{Status: commission.StatusPending, PageSize: 10})
		if !expected(err) {
			return fmt.Errorf("settler list: %w", err)
		}
		for _, ev := range pending {
			if _, err := svc.ApproveEvent(ctx, tenantID, ev.ID, reviewerID); !expected(err) {
				return fmt.Errorf("settler approve: %w", err)
			}
		}
		approved, _, err := svc.ListEvents(ctx, tenantID, commission.ListFilters{Status: commission.StatusApproved, PageSize: 10})
		if !expected(err) {
			return fmt.Errorf("settler list approved: %w", err)
		}
		for _, ev := range approved {
			_, err := svc.PayEvent(ctx, tenantID, ev.ID, commission.PaymentDetails{Method: "eft", Reference: "stress-" + ev.ID})
			if !expected(err) {
				return fmt.Errorf("settler pay: %w", err)
			}
		}
		pause(30, 60)
	}
	return nil
}

// VisitRunner walks visits through check-in, task work, board placement and
// checkout, sometimes trying to check out early.
func VisitRunner(ctx context.Context, svc *visit.Service, tenantID, agentID, customerID string, at geo.Point, boardID, brandID string, stop <-chan struct{}) error {
	square := func(side float64) []geo.Vertex {
		return []geo.Vertex{{X: 0, Y: 0}, {X: side, Y: 0}, {X: side, Y: side}, {X: 0, Y: side}}
	}
	for !stopped(ctx, stop) {
		res, err := svc.StartVisit(ctx, visit.StartParams{
			TenantID:   tenantID,
			AgentID:    agentID,
			CustomerID: customerID,
			GPS:        visit.GPS{Lat: at.Lat, Lng: at.Lng},
			BrandIDs:   []string{brandID},
		})
		if !expected(err) {
			return fmt.Errorf("visit runner start: %w", err)
		}
		if err != nil {
			pause(20, 40)
			continue
		}
		id := res.Visit.ID

		if rand.Intn(4) == 0 {
			if _, err := svc.CompleteVisit(ctx, tenantID, id); !expected(err) {
				return fmt.Errorf("visit runner early checkout: %w", err)
			}
		}
		for _, task := range res.Tasks {
			switch task.Type {
			case visit.TaskBoard:
				_, err = svc.CompleteBoardPlacement(ctx, visit.BoardPlacementParams{
					TenantID: tenantID, VisitID: id, TaskID: task.ID, BoardID: boardID,
					Storefront: square(10), Board: square(float64(1 + rand.Intn(9))),
				})
			default:
				_, err = svc.CompleteTask(ctx, tenantID, id, task.ID, "")
			}
			if !expected(err) {
				return fmt.Errorf("visit runner task %s: %w", task.Type, err)
			}
		}
		if _, err := svc.CompleteVisit(ctx, tenantID, id); !expected(err) {
			return fmt.Errorf("visit runner checkout: %w", err)
		}
		pause(20, 40)
	}
	return nil
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, failing one in ten to exercise the attempts counter.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		tx, err := pool.Begin(ctx)
		if err != nil {
			if expected(err) {
				return nil
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			if rows.Scan(&id) == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1 WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
