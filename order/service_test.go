package order

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"

	"salessync/apperr"
	"salessync/commission"
	"salessync/db"
	"salessync/db/dbtest"
	"salessync/outbox"
	"salessync/stock"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeStore struct {
	mu     sync.Mutex
	orders map[string]Order
	byKey  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[string]Order{}, byKey: map[string]string{}}
}

func (f *fakeStore) FindByIdempotencyKey(_ context.Context, _ db.Querier, tenantID, key string) (Order, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[tenantID+"/"+key]
	if !ok {
		return Order{}, false, nil
	}
	return f.orders[id], true, nil
}

func (f *fakeStore) Insert(_ context.Context, tx pgx.Tx, o Order) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.IdempotencyKey != nil {
		f.byKey[o.TenantID+"/"+*o.IdempotencyKey] = o.ID
	}
	f.orders[o.ID] = o
	if ftx, ok := tx.(*dbtest.FakeTx); ok {
		ftx.OnRollback(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.orders, o.ID)
			if o.IdempotencyKey != nil {
				delete(f.byKey, o.TenantID+"/"+*o.IdempotencyKey)
			}
		})
	}
	return o, nil
}

func (f *fakeStore) Get(_ context.Context, _ db.Querier, tenantID, orderID string) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.TenantID != tenantID {
		return Order{}, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}
	return o, nil
}

func (f *fakeStore) GetForUpdate(ctx context.Context, _ pgx.Tx, tenantID, orderID string) (Order, error) {
	return f.Get(ctx, nil, tenantID, orderID)
}

func (f *fakeStore) MarkFulfilled(_ context.Context, _ pgx.Tx, o Order, at time.Time) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o.Status = StatusCompleted
	o.FulfilledAt = &at
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeStore) MarkCancelled(_ context.Context, _ pgx.Tx, o Order, reason *string, at time.Time) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o.Status = StatusCancelled
	o.CancelReason = reason
	o.CancelledAt = &at
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeStore) List(_ context.Context, _ db.Querier, tenantID string, _ ListFilters) ([]Order, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Order
	for _, o := range f.orders {
		if o.TenantID == tenantID {
			out = append(out, o)
		}
	}
	return out, len(out), nil
}

// fakeLedger tracks on-hand and reserved counts per product and the movements
// per order, mirroring the guarded-update semantics of stock.Ledger.
type fakeLedger struct {
	onHand    map[string]int64
	reserved  map[string]int64
	movements map[string][]stock.Movement
}

func newFakeLedger(onHand map[string]int64) *fakeLedger {
	return &fakeLedger{onHand: onHand, reserved: map[string]int64{}, movements: map[string][]stock.Movement{}}
}

func (l *fakeLedger) Reserve(_ context.Context, _ pgx.Tx, tenantID, orderID string, lines []stock.Line) ([]stock.Movement, error) {
	for _, line := range lines {
		have, ok := l.onHand[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("stock: %w: product %s not found", apperr.ErrValidation, line.ProductID)
		}
		if have-l.reserved[line.ProductID] < line.Quantity {
			return nil, fmt.Errorf("stock: %w: insufficient stock for product %s", apperr.ErrValidation, line.ProductID)
		}
	}
	var out []stock.Movement
	for _, line := range lines {
		l.reserved[line.ProductID] += line.Quantity
		mv := stock.Movement{TenantID: tenantID, ProductID: line.ProductID, Quantity: -line.Quantity,
			Status: stock.MovementReserved, ReferenceType: stock.ReferenceOrder, ReferenceID: orderID}
		l.movements[orderID] = append(l.movements[orderID], mv)
		out = append(out, mv)
	}
	return out, nil
}

func (l *fakeLedger) Complete(_ context.Context, _ pgx.Tx, _ string, orderID string) ([]stock.Movement, error) {
	mvs := l.movements[orderID]
	for i := range mvs {
		if mvs[i].Status != stock.MovementReserved {
			continue
		}
		mvs[i].Status = stock.MovementCompleted
		l.onHand[mvs[i].ProductID] += mvs[i].Quantity
		l.reserved[mvs[i].ProductID] += mvs[i].Quantity
	}
	return mvs, nil
}

func (l *fakeLedger) Release(_ context.Context, _ pgx.Tx, _ string, orderID string) ([]stock.Movement, error) {
	mvs := l.movements[orderID]
	for _, mv := range mvs {
		l.reserved[mv.ProductID] += mv.Quantity
	}
	delete(l.movements, orderID)
	return mvs, nil
}

type fakeCommissions struct {
	events map[string]commission.Event
}

func (f *fakeCommissions) Evaluate(_ context.Context, _ string, eventType commission.EventType, _ string, data commission.EventData) (decimal.Decimal, error) {
	if eventType != commission.EventOrder {
		return decimal.Zero, nil
	}
	return commission.Calculate(commission.Rule{Kind: commission.RulePercentage, Percentage: d("5")}, data), nil
}

func (f *fakeCommissions) CreateEventTx(_ context.Context, _ pgx.Tx, p commission.CreateEventParams) (commission.Event, bool, error) {
	if ev, ok := f.events[p.IdempotencyKey]; ok {
		return ev, true, nil
	}
	ev := commission.Event{
		ID: fmt.Sprintf("ev-%d", len(f.events)+1), TenantID: p.TenantID, AgentID: p.AgentID,
		EventType: p.EventType, ReferenceID: p.ReferenceID, Amount: p.Amount, Currency: p.Currency,
		Status: commission.StatusPending, IdempotencyKey: &p.IdempotencyKey,
	}
	f.events[p.IdempotencyKey] = ev
	return ev, false, nil
}

type harness struct {
	svc         *Service
	pool        *dbtest.Beginner
	store       *fakeStore
	ledger      *fakeLedger
	commissions *fakeCommissions
	outbox      *outbox.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		pool:        &dbtest.Beginner{},
		store:       newFakeStore(),
		ledger:      newFakeLedger(map[string]int64{"p-soap": 40, "p-rice": 5}),
		commissions: &fakeCommissions{events: map[string]commission.Event{}},
		outbox:      &outbox.Recorder{},
	}
	logger, _ := test.NewNullLogger()
	n := 0
	h.svc = NewService(h.pool, h.store, h.ledger, h.commissions, nil, h.outbox, logger).
		WithIDGenerator(func() string { n++; return fmt.Sprintf("3f2a9c1e-0000-4000-8000-%012d", n) }).
		WithClock(func() time.Time { return time.Date(2024, 6, 14, 8, 0, 0, 0, time.UTC) })
	return h
}

func createParams(key string) CreateParams {
	return CreateParams{
		TenantID:   "t1",
		AgentID:    "agent-1",
		CustomerID: "cust-1",
		Items: []LineItem{
			{ProductID: "p-soap", Quantity: 10, UnitPrice: d("100")},
			{ProductID: "p-rice", Quantity: 2, UnitPrice: d("25")},
		},
		Payment:        PaymentInfo{Method: "cash"},
		IdempotencyKey: key,
	}
}

func TestCreatePricesAndReserves(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.Create(context.Background(), createParams(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	o := res.Order
	if o.Status != StatusPending || !o.Subtotal.Equal(d("1050")) || !o.TaxAmount.Equal(d("157.5")) || !o.TotalAmount.Equal(d("1207.5")) {
		t.Fatalf("unexpected totals: %+v", o)
	}
	if !o.AmountPaid.IsZero() || !o.AmountDue.Equal(o.TotalAmount) {
		t.Fatalf("unexpected payment state: paid=%s due=%s", o.AmountPaid, o.AmountDue)
	}
	if !regexp.MustCompile(`^ORD-20240614-[0-9A-F]{6}$`).MatchString(o.OrderNumber) {
		t.Fatalf("unexpected order number %q", o.OrderNumber)
	}
	if res.Commission.Status != PreviewStatus || !res.Commission.Amount.Equal(d("60.38")) || res.Commission.Currency != "ZAR" {
		t.Fatalf("unexpected preview %+v", res.Commission)
	}

	mvs := h.ledger.movements[o.ID]
	if len(mvs) != 2 || mvs[0].Quantity != -10 || mvs[1].Quantity != -2 || mvs[0].Status != stock.MovementReserved {
		t.Fatalf("unexpected movements %+v", mvs)
	}
	if h.ledger.onHand["p-soap"] != 40 {
		t.Fatal("on-hand stock must not move at creation")
	}
	if got := h.outbox.Topics(); len(got) != 1 || got[0] != outbox.TopicOrderCreated {
		t.Fatalf("outbox topics = %v", got)
	}
	if !h.pool.Last().Committed {
		t.Fatal("expected commit")
	}
}

func TestCreateReplaysIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Create(ctx, createParams("retry-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := h.svc.Create(ctx, createParams("retry-1"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.Order.ID != first.Order.ID {
		t.Fatalf("replay returned %s (replayed=%v), want %s", second.Order.ID, second.Replayed, first.Order.ID)
	}
	if !second.Commission.Amount.Equal(first.Commission.Amount) {
		t.Fatalf("replayed preview %s differs from %s", second.Commission.Amount, first.Commission.Amount)
	}
	if len(h.store.orders) != 1 {
		t.Fatalf("expected one order, got %d", len(h.store.orders))
	}
	if len(h.ledger.movements) != 1 || len(h.ledger.movements[first.Order.ID]) != 2 {
		t.Fatalf("expected one set of reservations, got %+v", h.ledger.movements)
	}
	if h.ledger.reserved["p-soap"] != 10 {
		t.Fatalf("reserved = %d, want 10", h.ledger.reserved["p-soap"])
	}
	if len(h.outbox.Messages) != 1 {
		t.Fatalf("replay must not enqueue, got %v", h.outbox.Topics())
	}
}

func TestCreateInsufficientStockWritesNothing(t *testing.T) {
	h := newHarness(t)
	p := createParams("")
	p.Items[1].Quantity = 6

	_, err := h.svc.Create(context.Background(), p)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !h.pool.Last().RolledBack {
		t.Fatal("expected rollback")
	}
	if len(h.store.orders) != 0 || len(h.ledger.movements) != 0 || h.ledger.reserved["p-soap"] != 0 {
		t.Fatal("no order or reservation may survive a failed create")
	}
}

func TestCreateValidatesInput(t *testing.T) {
	cases := map[string]func(*CreateParams){
		"no items":       func(p *CreateParams) { p.Items = nil },
		"no customer":    func(p *CreateParams) { p.CustomerID = "" },
		"zero quantity":  func(p *CreateParams) { p.Items[0].Quantity = 0 },
		"negative price": func(p *CreateParams) { p.Items[0].UnitPrice = d("-1") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			p := createParams("")
			mutate(&p)
			if _, err := h.svc.Create(context.Background(), p); !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if len(h.pool.Txs) != 0 {
				t.Fatal("invalid input must not open a transaction")
			}
		})
	}
}

func TestFulfillTwiceCreatesOneCommission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, createParams(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := h.svc.Fulfill(ctx, FulfillParams{TenantID: "t1", OrderID: created.Order.ID, PaymentReference: "RCPT-7"})
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if res.Order.Status != StatusCompleted || !res.Order.AmountPaid.Equal(d("1207.5")) || !res.Order.AmountDue.IsZero() {
		t.Fatalf("unexpected fulfilled order %+v", res.Order)
	}
	if res.Commission.EventID == "" || !res.Commission.Amount.Equal(d("60.38")) || res.Commission.Status != commission.StatusPending {
		t.Fatalf("unexpected commission %+v", res.Commission)
	}
	ev, ok := h.commissions.events[FulfillIdempotencyKey(created.Order.ID)]
	if !ok || ev.ReferenceID != created.Order.ID || ev.AgentID != "agent-1" {
		t.Fatalf("commission event not keyed by order: %+v", h.commissions.events)
	}

	mvs := h.ledger.movements[created.Order.ID]
	for _, mv := range mvs {
		if mv.Status != stock.MovementCompleted {
			t.Fatalf("movement not completed: %+v", mv)
		}
	}
	if h.ledger.onHand["p-soap"] != 30 || h.ledger.reserved["p-soap"] != 0 {
		t.Fatalf("stock after fulfill: onHand=%d reserved=%d", h.ledger.onHand["p-soap"], h.ledger.reserved["p-soap"])
	}

	_, err = h.svc.Fulfill(ctx, FulfillParams{TenantID: "t1", OrderID: created.Order.ID})
	if !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("second fulfill: expected conflict, got %v", err)
	}
	if len(h.commissions.events) != 1 {
		t.Fatalf("expected one commission event, got %d", len(h.commissions.events))
	}
	if h.ledger.onHand["p-soap"] != 30 {
		t.Fatal("second fulfill must not decrement stock again")
	}
}

func TestFulfillPartialPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, createParams(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	paid := d("1000")
	res, err := h.svc.Fulfill(ctx, FulfillParams{TenantID: "t1", OrderID: created.Order.ID, AmountPaid: &paid, PaymentMethod: "card"})
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if !res.Order.AmountDue.Equal(d("207.5")) || *res.Order.PaymentMethod != "card" {
		t.Fatalf("unexpected order %+v", res.Order)
	}
}

func TestFulfillRejectsOverpayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, createParams(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	paid := created.Order.TotalAmount.Add(d("0.01"))
	if _, err := h.svc.Fulfill(ctx, FulfillParams{TenantID: "t1", OrderID: created.Order.ID, AmountPaid: &paid}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	o, err := h.svc.Get(ctx, "t1", created.Order.ID)
	if err != nil || o.Status != StatusPending {
		t.Fatalf("order must stay pending: err=%v status=%s", err, o.Status)
	}
}

func TestFulfillMissingOrder(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Fulfill(context.Background(), FulfillParams{TenantID: "t1", OrderID: "nope"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelReleasesReservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, createParams(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	o, err := h.svc.Cancel(ctx, "t1", created.Order.ID, "  customer closed  ")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.Status != StatusCancelled || o.CancelReason == nil || *o.CancelReason != "customer closed" {
		t.Fatalf("unexpected cancelled order %+v", o)
	}
	if len(h.ledger.movements[created.Order.ID]) != 0 || h.ledger.reserved["p-soap"] != 0 || h.ledger.onHand["p-soap"] != 40 {
		t.Fatal("cancel must leave stock exactly as before the order")
	}

	if _, err := h.svc.Cancel(ctx, "t1", created.Order.ID, ""); !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("second cancel: expected conflict, got %v", err)
	}
	if _, err := h.svc.Fulfill(ctx, FulfillParams{TenantID: "t1", OrderID: created.Order.ID}); !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("fulfill after cancel: expected conflict, got %v", err)
	}
	want := []string{outbox.TopicOrderCreated, outbox.TopicOrderCancelled}
	if got := h.outbox.Topics(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("outbox topics = %v, want %v", got, want)
	}
}

func TestCancelBlankReasonStoredAsNull(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, createParams(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	o, err := h.svc.Cancel(ctx, "t1", created.Order.ID, "   ")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.CancelReason != nil {
		t.Fatalf("expected nil reason, got %q", *o.CancelReason)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.svc.List(context.Background(), "t1", ListFilters{Status: "shipped"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOrderNumber(t *testing.T) {
	got := orderNumber(time.Date(2025, 1, 9, 23, 0, 0, 0, time.UTC), "ab12cd34-ef56-7890-abcd-ef0123456789")
	if got != "ORD-20250109-AB12CD" {
		t.Fatalf("orderNumber() = %q", got)
	}
}
