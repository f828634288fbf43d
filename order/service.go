package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"salessync/apperr"
	"salessync/commission"
	"salessync/db"
	"salessync/lock"
	"salessync/outbox"
	"salessync/stock"
	"salessync/telemetry"
)

const tracerName = "salessync/order"

// ErrDuplicateIdempotencyKey signals a concurrent create committed the same key.
// It always accompanies apperr.ErrStateConflict.
var ErrDuplicateIdempotencyKey = errors.New("order: duplicate idempotency key")

// Store is the persistence surface the service needs.
type Store interface {
	FindByIdempotencyKey(ctx context.Context, q db.Querier, tenantID, key string) (Order, bool, error)
	Insert(ctx context.Context, tx pgx.Tx, o Order) (Order, error)
	Get(ctx context.Context, q db.Querier, tenantID, orderID string) (Order, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, tenantID, orderID string) (Order, error)
	MarkFulfilled(ctx context.Context, tx pgx.Tx, o Order, at time.Time) (Order, error)
	MarkCancelled(ctx context.Context, tx pgx.Tx, o Order, reason *string, at time.Time) (Order, error)
	List(ctx context.Context, q db.Querier, tenantID string, filters ListFilters) ([]Order, int, error)
}

// StockLedger reserves, settles and releases inventory on the order's transaction.
type StockLedger interface {
	Reserve(ctx context.Context, tx pgx.Tx, tenantID, orderID string, lines []stock.Line) ([]stock.Movement, error)
	Complete(ctx context.Context, tx pgx.Tx, tenantID, orderID string) ([]stock.Movement, error)
	Release(ctx context.Context, tx pgx.Tx, tenantID, orderID string) ([]stock.Movement, error)
}

// CommissionEngine prices and records order commissions.
type CommissionEngine interface {
	Evaluate(ctx context.Context, tenantID string, eventType commission.EventType, referenceID string, data commission.EventData) (decimal.Decimal, error)
	CreateEventTx(ctx context.Context, tx pgx.Tx, params commission.CreateEventParams) (commission.Event, bool, error)
}

type Service struct {
	pool        db.Pool
	repo        Store
	ledger      StockLedger
	commissions CommissionEngine
	locker      lock.Locker
	outbox      outbox.Enqueuer
	logger      logrus.FieldLogger
	currency    string
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.Pool, repo Store, ledger StockLedger, commissions CommissionEngine, locker lock.Locker, ob outbox.Enqueuer, logger logrus.FieldLogger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if ledger == nil {
		ledger = stock.NewLedger()
	}
	if locker == nil {
		locker = lock.Noop{}
	}
	if ob == nil {
		ob = outbox.NewWriter()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		ledger:      ledger,
		commissions: commissions,
		locker:      locker,
		outbox:      ob,
		logger:      logger.WithField("module", "order"),
		currency:    "ZAR",
		idGenerator: uuid.NewString,
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithCurrency sets the ISO code stamped on new orders and their commissions.
func (s *Service) WithCurrency(code string) *Service {
	if code != "" {
		s.currency = strings.ToUpper(code)
	}
	return s
}

// Create validates, prices and persists a pending order and reserves its
// stock. A replayed idempotency key returns the stored order with no writes.
func (s *Service) Create(ctx context.Context, params CreateParams) (res CreateResult, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "order.Create",
		attribute.String("tenant_id", params.TenantID), attribute.Int("lines", len(params.Items)))
	defer func() { telemetry.Finish(span, err) }()

	if err := apperr.ValidateStruct("order: create", params); err != nil {
		return CreateResult{}, err
	}
	for i, it := range params.Items {
		if it.UnitPrice.IsNegative() {
			return CreateResult{}, fmt.Errorf("order: create: %w: items[%d] unit price is negative", apperr.ErrValidation, i)
		}
	}

	if params.IdempotencyKey != "" {
		release, err := s.locker.Acquire(ctx, lock.OrderKey(params.TenantID, params.IdempotencyKey))
		if err != nil {
			return CreateResult{}, err
		}
		defer release()
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if params.IdempotencyKey != "" {
			existing, found, err := s.repo.FindByIdempotencyKey(ctx, tx, params.TenantID, params.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				res, err = s.replay(ctx, existing)
				return err
			}
		}

		// The header goes in first so a concurrent create with the same key
		// waits on the unique index instead of on product rows.
		o := s.price(params)
		created, err := s.repo.Insert(ctx, tx, o)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return fmt.Errorf("%w %q: %w", ErrDuplicateIdempotencyKey, params.IdempotencyKey, apperr.ErrStateConflict)
			}
			return err
		}

		lines := make([]stock.Line, 0, len(params.Items))
		for _, it := range params.Items {
			lines = append(lines, stock.Line{ProductID: it.ProductID, Quantity: it.Quantity})
		}
		if _, err := s.ledger.Reserve(ctx, tx, o.TenantID, o.ID, lines); err != nil {
			return err
		}

		amount, err := s.preview(ctx, created)
		if err != nil {
			return err
		}

		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicOrderCreated, map[string]any{
			"tenant_id":    created.TenantID,
			"order_id":     created.ID,
			"order_number": created.OrderNumber,
			"agent_id":     created.AgentID,
			"customer_id":  created.CustomerID,
			"total_amount": created.TotalAmount.String(),
			"currency":     created.Currency,
		}); err != nil {
			return err
		}

		res = CreateResult{
			Order:      created,
			Commission: CommissionPreview{Amount: amount, Currency: created.Currency, Status: PreviewStatus},
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		existing, found, findErr := s.repo.FindByIdempotencyKey(ctx, s.pool, params.TenantID, params.IdempotencyKey)
		if findErr == nil && found {
			return s.replay(ctx, existing)
		}
	}
	if err != nil {
		return CreateResult{}, err
	}

	if res.Replayed {
		s.logger.WithFields(logrus.Fields{
			"tenant_id": params.TenantID,
			"order_id":  res.Order.ID,
			"key":       params.IdempotencyKey,
		}).Info("order create replayed")
		return res, nil
	}
	s.logger.WithFields(logrus.Fields{
		"tenant_id":    res.Order.TenantID,
		"order_id":     res.Order.ID,
		"order_number": res.Order.OrderNumber,
		"total":        res.Order.TotalAmount.String(),
	}).Info("order created")
	return res, nil
}

// price builds the pending order: subtotal, VAT and total, with nothing paid.
func (s *Service) price(params CreateParams) Order {
	now := s.now().UTC()
	id := s.idGenerator()

	o := Order{
		ID:          id,
		TenantID:    params.TenantID,
		OrderNumber: orderNumber(now, id),
		CustomerID:  params.CustomerID,
		AgentID:     params.AgentID,
		Status:      StatusPending,
		Currency:    s.currency,
		Items:       make([]Item, 0, len(params.Items)),
	}
	subtotal := decimal.Zero
	for i, it := range params.Items {
		lineTotal := it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity))
		subtotal = subtotal.Add(lineTotal)
		o.Items = append(o.Items, Item{
			ID:        s.idGenerator(),
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			LineTotal: lineTotal,
			LineNo:    i + 1,
		})
	}
	o.Subtotal = subtotal
	o.TaxAmount = subtotal.Mul(TaxRate).Round(2)
	o.TotalAmount = o.Subtotal.Add(o.TaxAmount)
	o.AmountPaid = decimal.Zero
	o.AmountDue = o.TotalAmount
	o.PaymentMethod = nullable(params.Payment.Method)
	o.PaymentReference = nullable(params.Payment.Reference)
	if params.IdempotencyKey != "" {
		key := params.IdempotencyKey
		o.IdempotencyKey = &key
	}
	return o
}

func (s *Service) replay(ctx context.Context, existing Order) (CreateResult, error) {
	amount, err := s.preview(ctx, existing)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{
		Order:      existing,
		Commission: CommissionPreview{Amount: amount, Currency: existing.Currency, Status: PreviewStatus},
		Replayed:   true,
	}, nil
}

func (s *Service) preview(ctx context.Context, o Order) (decimal.Decimal, error) {
	if s.commissions == nil {
		return decimal.Zero, nil
	}
	return s.commissions.Evaluate(ctx, o.TenantID, commission.EventOrder, o.ID, commission.EventData{TotalAmount: o.TotalAmount})
}

// Fulfill completes a pending order, settles its stock and accrues the agent's
// commission under a key derived from the order id.
func (s *Service) Fulfill(ctx context.Context, params FulfillParams) (res FulfillResult, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "order.Fulfill",
		attribute.String("tenant_id", params.TenantID), attribute.String("order_id", params.OrderID))
	defer func() { telemetry.Finish(span, err) }()

	if params.OrderID == "" {
		return FulfillResult{}, fmt.Errorf("order: fulfill: %w: order id required", apperr.ErrValidation)
	}
	if params.AmountPaid != nil && params.AmountPaid.IsNegative() {
		return FulfillResult{}, fmt.Errorf("order: fulfill: %w: amount paid is negative", apperr.ErrValidation)
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.repo.GetForUpdate(ctx, tx, params.TenantID, params.OrderID)
		if err != nil {
			return err
		}
		if current.Status != StatusPending {
			return fmt.Errorf("order: fulfill order in status %s: %w", current.Status, apperr.ErrStateConflict)
		}

		current.AmountPaid = current.TotalAmount
		if params.AmountPaid != nil {
			if params.AmountPaid.GreaterThan(current.TotalAmount) {
				return fmt.Errorf("order: fulfill: %w: amount paid %s exceeds total %s",
					apperr.ErrValidation, params.AmountPaid.String(), current.TotalAmount.String())
			}
			current.AmountPaid = *params.AmountPaid
		}
		current.AmountDue = current.TotalAmount.Sub(current.AmountPaid)
		if m := nullable(params.PaymentMethod); m != nil {
			current.PaymentMethod = m
		}
		if ref := nullable(params.PaymentReference); ref != nil {
			current.PaymentReference = ref
		}

		updated, err := s.repo.MarkFulfilled(ctx, tx, current, s.now().UTC())
		if err != nil {
			return err
		}
		if _, err := s.ledger.Complete(ctx, tx, updated.TenantID, updated.ID); err != nil {
			return err
		}

		summary := CommissionSummary{Amount: decimal.Zero, Currency: updated.Currency, Status: commission.StatusPending}
		if s.commissions != nil {
			amount, err := s.preview(ctx, updated)
			if err != nil {
				return err
			}
			ev, _, err := s.commissions.CreateEventTx(ctx, tx, commission.CreateEventParams{
				TenantID:       updated.TenantID,
				AgentID:        updated.AgentID,
				EventType:      commission.EventOrder,
				ReferenceID:    updated.ID,
				Amount:         amount,
				Currency:       updated.Currency,
				IdempotencyKey: FulfillIdempotencyKey(updated.ID),
			})
			if err != nil {
				return err
			}
			summary = CommissionSummary{EventID: ev.ID, Amount: ev.Amount, Currency: ev.Currency, Status: ev.Status}
		}

		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicOrderFulfilled, map[string]any{
			"tenant_id":           updated.TenantID,
			"order_id":            updated.ID,
			"amount_paid":         updated.AmountPaid.String(),
			"amount_due":          updated.AmountDue.String(),
			"commission_event_id": summary.EventID,
		}); err != nil {
			return err
		}

		res = FulfillResult{Order: updated, Commission: summary}
		return nil
	})
	if err != nil {
		return FulfillResult{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":  params.TenantID,
		"order_id":   params.OrderID,
		"commission": res.Commission.Amount.String(),
	}).Info("order fulfilled")
	return res, nil
}

// Cancel cancels a pending order and releases its reservations.
func (s *Service) Cancel(ctx context.Context, tenantID, orderID, reason string) (o Order, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "order.Cancel",
		attribute.String("tenant_id", tenantID), attribute.String("order_id", orderID))
	defer func() { telemetry.Finish(span, err) }()

	if orderID == "" {
		return Order{}, fmt.Errorf("order: cancel: %w: order id required", apperr.ErrValidation)
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.repo.GetForUpdate(ctx, tx, tenantID, orderID)
		if err != nil {
			return err
		}
		if current.Status != StatusPending {
			return fmt.Errorf("order: cancel order in status %s: %w", current.Status, apperr.ErrStateConflict)
		}

		if o, err = s.repo.MarkCancelled(ctx, tx, current, nullable(strings.TrimSpace(reason)), s.now().UTC()); err != nil {
			return err
		}
		if _, err := s.ledger.Release(ctx, tx, tenantID, orderID); err != nil {
			return err
		}
		return s.outbox.Enqueue(ctx, tx, outbox.TopicOrderCancelled, map[string]any{
			"tenant_id": tenantID,
			"order_id":  orderID,
			"reason":    o.CancelReason,
		})
	})
	if err != nil {
		return Order{}, err
	}

	s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "order_id": orderID}).Info("order cancelled")
	return o, nil
}

func (s *Service) Get(ctx context.Context, tenantID, orderID string) (Order, error) {
	return s.repo.Get(ctx, s.pool, tenantID, orderID)
}

func (s *Service) List(ctx context.Context, tenantID string, filters ListFilters) ([]Order, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	switch filters.Status {
	case "", StatusPending, StatusCompleted, StatusCancelled:
	default:
		return nil, 0, fmt.Errorf("order: list: %w: unknown status %q", apperr.ErrValidation, filters.Status)
	}
	return s.repo.List(ctx, s.pool, tenantID, filters)
}

// orderNumber renders ORD-YYYYMMDD-XXXXXX from the creation date and order id.
func orderNumber(at time.Time, id string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	for len(suffix) < 6 {
		suffix += "0"
	}
	return fmt.Sprintf("ORD-%s-%s", at.Format("20060102"), suffix[:6])
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
