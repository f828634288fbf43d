package visit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"

	"salessync/apperr"
	"salessync/catalog"
	"salessync/commission"
	"salessync/db"
	"salessync/db/dbtest"
	"salessync/geo"
	"salessync/outbox"
)

type fakeStore struct {
	mu     sync.Mutex
	visits map[string]Visit
	tasks  map[string]Task

	// onFind runs before every key lookup, outside the lock.
	onFind func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{visits: map[string]Visit{}, tasks: map[string]Task{}}
}

func (f *fakeStore) GetVisit(_ context.Context, _ db.Querier, tenantID, visitID string) (Visit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.visits[visitID]
	if !ok || v.TenantID != tenantID {
		return Visit{}, fmt.Errorf("visit: %s: %w", visitID, apperr.ErrNotFound)
	}
	return v, nil
}

func (f *fakeStore) GetVisitForUpdate(ctx context.Context, _ pgx.Tx, tenantID, visitID string) (Visit, error) {
	return f.GetVisit(ctx, nil, tenantID, visitID)
}

func (f *fakeStore) FindByIdempotencyKey(_ context.Context, _ db.Querier, tenantID, key string) (Visit, bool, error) {
	if f.onFind != nil {
		f.onFind()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.visits {
		if v.TenantID == tenantID && v.IdempotencyKey != nil && *v.IdempotencyKey == key {
			return v, true, nil
		}
	}
	return Visit{}, false, nil
}

func (f *fakeStore) InsertVisit(_ context.Context, _ pgx.Tx, v Visit) (Visit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.visits[v.ID]; dup {
		return Visit{}, fmt.Errorf("visit: id %s already used: %w", v.ID, apperr.ErrStateConflict)
	}
	if v.IdempotencyKey != nil {
		for _, other := range f.visits {
			if other.TenantID == v.TenantID && other.IdempotencyKey != nil && *other.IdempotencyKey == *v.IdempotencyKey {
				return Visit{}, fmt.Errorf("%w %q: %w", ErrDuplicateIdempotencyKey, *v.IdempotencyKey, apperr.ErrStateConflict)
			}
		}
	}
	v.CreatedAt, v.UpdatedAt = v.CheckInTime, v.CheckInTime
	f.visits[v.ID] = v
	return v, nil
}

func (f *fakeStore) SaveVisit(_ context.Context, _ pgx.Tx, v Visit) (Visit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits[v.ID] = v
	return v, nil
}

func (f *fakeStore) ListActive(_ context.Context, _ db.Querier, tenantID, agentID string) ([]Visit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Visit
	for _, v := range f.visits {
		if v.TenantID == tenantID && v.AgentID == agentID && !v.Status.Terminal() {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertTasks(_ context.Context, _ pgx.Tx, tasks []Task) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return tasks, nil
}

func (f *fakeStore) Tasks(_ context.Context, _ db.Querier, tenantID, visitID string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Task
	for _, t := range f.tasks {
		if t.TenantID == tenantID && t.VisitID == visitID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceOrder < out[j].SequenceOrder })
	return out, nil
}

func (f *fakeStore) GetTaskForUpdate(_ context.Context, _ pgx.Tx, tenantID, visitID, taskID string) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok || t.TenantID != tenantID || t.VisitID != visitID {
		return Task{}, fmt.Errorf("visit: task %s: %w", taskID, apperr.ErrNotFound)
	}
	return t, nil
}

func (f *fakeStore) CompleteTask(_ context.Context, _ pgx.Tx, t Task, at time.Time) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Status = TaskCompleted
	t.CompletedAt = &at
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeStore) CountOpenMandatory(_ context.Context, _ pgx.Tx, tenantID, visitID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tasks {
		if t.TenantID == tenantID && t.VisitID == visitID && t.IsMandatory && t.Status != TaskCompleted {
			n++
		}
	}
	return n, nil
}

type fakeCatalog struct {
	customers map[string]catalog.Customer
	surveys   []catalog.Survey
	boards    map[string]catalog.Board
}

func (c *fakeCatalog) Customer(_ context.Context, tenantID, customerID string) (catalog.Customer, error) {
	cust, ok := c.customers[customerID]
	if !ok || cust.TenantID != tenantID {
		return catalog.Customer{}, fmt.Errorf("catalog: customer %s: %w", customerID, apperr.ErrNotFound)
	}
	return cust, nil
}

func (c *fakeCatalog) Surveys(_ context.Context, _ string, visitType string, brandIDs []string) ([]catalog.Survey, error) {
	var out []catalog.Survey
	for _, s := range c.surveys {
		if s.VisitType != nil && *s.VisitType != visitType {
			continue
		}
		if s.BrandID != nil && !contains(brandIDs, *s.BrandID) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *fakeCatalog) Board(_ context.Context, _ string, boardID string) (catalog.Board, error) {
	b, ok := c.boards[boardID]
	if !ok {
		return catalog.Board{}, fmt.Errorf("catalog: board %s: %w", boardID, apperr.ErrNotFound)
	}
	return b, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type fakeCommissions struct {
	registry *commission.Registry
	events   map[string]commission.Event
}

func (f *fakeCommissions) Evaluate(ctx context.Context, tenantID string, eventType commission.EventType, ref string, data commission.EventData) (decimal.Decimal, error) {
	rule, err := f.registry.Resolve(ctx, eventType, tenantID, ref)
	if err != nil {
		return decimal.Zero, err
	}
	return commission.Calculate(rule, data), nil
}

func (f *fakeCommissions) CreateEventTx(_ context.Context, _ pgx.Tx, p commission.CreateEventParams) (commission.Event, bool, error) {
	if ev, ok := f.events[p.IdempotencyKey]; ok {
		return ev, true, nil
	}
	visitID := p.VisitID
	ev := commission.Event{
		ID: fmt.Sprintf("ev-%d", len(f.events)+1), TenantID: p.TenantID, AgentID: p.AgentID, VisitID: &visitID,
		EventType: p.EventType, ReferenceID: p.ReferenceID, Amount: p.Amount, Currency: p.Currency,
		Status: commission.StatusPending, IdempotencyKey: &p.IdempotencyKey,
	}
	f.events[p.IdempotencyKey] = ev
	return ev, false, nil
}

func (f *fakeCommissions) SumForVisit(_ context.Context, _ pgx.Tx, tenantID, visitID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, ev := range f.events {
		if ev.TenantID == tenantID && ev.VisitID != nil && *ev.VisitID == visitID {
			total = total.Add(ev.Amount)
		}
	}
	return total, nil
}

var shop = geo.Point{Lat: -26.1076, Lng: 28.0567}

// offsetNorth returns a point meters due north of p.
func offsetNorth(p geo.Point, meters float64) geo.Point {
	return geo.Point{Lat: p.Lat + meters/geo.EarthRadiusMeters*180/math.Pi, Lng: p.Lng}
}

func ptr[T any](v T) *T { return &v }

type harness struct {
	svc         *Service
	pool        *dbtest.Beginner
	store       *fakeStore
	catalog     *fakeCatalog
	commissions *fakeCommissions
	outbox      *outbox.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat := &fakeCatalog{
		customers: map[string]catalog.Customer{
			"cust-1":     {ID: "cust-1", TenantID: "t1", Name: "Spaza One", Location: &shop},
			"cust-noloc": {ID: "cust-noloc", TenantID: "t1", Name: "Unmapped"},
		},
		surveys: []catalog.Survey{
			{ID: "s-stock", Title: "Shelf check", IsMandatory: true, SortOrder: 1},
			{ID: "s-brand", Title: "Brand recall", BrandID: ptr("brand-a"), SortOrder: 2},
			{ID: "s-audit", Title: "Audit only", VisitType: ptr("audit"), SortOrder: 3},
		},
		boards: map[string]catalog.Board{
			"board-a": {ID: "board-a", BrandID: "brand-a", Name: "A-frame", CommissionRate: decimal.RequireFromString("35")},
			"board-b": {ID: "board-b", BrandID: "brand-b", Name: "Banner", CommissionRate: decimal.RequireFromString("20")},
		},
	}
	h := &harness{
		pool:    &dbtest.Beginner{},
		store:   newFakeStore(),
		catalog: cat,
		commissions: &fakeCommissions{
			registry: commission.NewDefaultRegistry(cat),
			events:   map[string]commission.Event{},
		},
		outbox: &outbox.Recorder{},
	}
	logger, _ := test.NewNullLogger()
	var n atomic.Int64
	h.svc = NewService(h.pool, h.store, h.catalog, h.commissions, nil, h.outbox, logger).
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", n.Add(1)) }).
		WithClock(func() time.Time { return time.Date(2024, 6, 14, 9, 30, 0, 0, time.UTC) })
	return h
}

func startParams(at geo.Point) StartParams {
	return StartParams{
		TenantID:   "t1",
		AgentID:    "agent-1",
		CustomerID: "cust-1",
		GPS:        GPS{Lat: at.Lat, Lng: at.Lng},
		BrandIDs:   []string{"brand-a", "brand-b", "brand-a"},
	}
}

func TestStartVisitProximityThreshold(t *testing.T) {
	cases := []struct {
		name     string
		meters   float64
		status   Status
		override bool
	}{
		{"inside", 9.9, StatusInProgress, false},
		{"outside", 10.1, StatusPendingOverride, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			res, err := h.svc.StartVisit(context.Background(), startParams(offsetNorth(shop, tc.meters)))
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			if res.Visit.Status != tc.status || res.OverrideRequired != tc.override {
				t.Fatalf("status=%s override=%v", res.Visit.Status, res.OverrideRequired)
			}
			if res.DistanceMeters == nil || math.Abs(*res.DistanceMeters-tc.meters) > 0.01 {
				t.Fatalf("distance = %v", res.DistanceMeters)
			}
		})
	}
}

func TestStartVisitGeneratesOrderedTasks(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.StartVisit(context.Background(), startParams(shop))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	want := []struct {
		typ   TaskType
		ref   string
		title string
	}{
		{TaskSurvey, "s-stock", "Shelf check"},
		{TaskSurvey, "s-brand", "Brand recall"},
		{TaskBoard, "brand-a", "Board placement: brand-a"},
		{TaskBoard, "brand-b", "Board placement: brand-b"},
		{TaskDistribution, "", "Product distribution"},
	}
	if len(res.Tasks) != len(want) {
		t.Fatalf("got %d tasks: %+v", len(res.Tasks), res.Tasks)
	}
	for i, w := range want {
		task := res.Tasks[i]
		ref := ""
		if task.ReferenceID != nil {
			ref = *task.ReferenceID
		}
		if task.Type != w.typ || ref != w.ref || task.Title != w.title || task.SequenceOrder != i+1 {
			t.Fatalf("task %d = %+v, want %+v", i, task, w)
		}
		if task.Status != TaskPending || task.VisitID != res.Visit.ID {
			t.Fatalf("task %d not pending on visit: %+v", i, task)
		}
	}
	if !res.Tasks[0].IsMandatory || res.Tasks[1].IsMandatory {
		t.Fatal("mandatory flag not carried from survey")
	}
	if res.Visit.VisitType != DefaultVisitType {
		t.Fatalf("visit type = %q", res.Visit.VisitType)
	}
}

func TestStartVisitSkipsBlankAndDuplicateBrands(t *testing.T) {
	h := newHarness(t)
	params := startParams(shop)
	params.BrandIDs = []string{"", " brand-b ", "brand-b", "   "}

	res, err := h.svc.StartVisit(context.Background(), params)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var boards []string
	for _, task := range res.Tasks {
		if task.Type == TaskBoard {
			boards = append(boards, *task.ReferenceID)
		}
	}
	if len(boards) != 1 || boards[0] != "brand-b" {
		t.Fatalf("board tasks = %v, want [brand-b]", boards)
	}
}

func TestStartVisitReplaysIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	params := startParams(shop)
	params.IdempotencyKey = "visit-key-1"

	first, err := h.svc.StartVisit(ctx, params)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if first.Visit.IdempotencyKey == nil || *first.Visit.IdempotencyKey != "visit-key-1" {
		t.Fatalf("idempotency key not stored: %+v", first.Visit)
	}

	params.GPS = GPS{Lat: 0, Lng: 0}
	second, err := h.svc.StartVisit(ctx, params)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.Visit.Status != first.Visit.Status || len(second.Tasks) != len(first.Tasks) {
		t.Fatalf("replay diverged: %+v", second)
	}
	if len(h.store.visits) != 1 || len(h.store.tasks) != len(first.Tasks) {
		t.Fatalf("replay wrote rows: visits=%d tasks=%d", len(h.store.visits), len(h.store.tasks))
	}
}

func TestStartVisitConcurrentSameKeyReplays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Both starts miss the lookup before either inserts.
	var arrived atomic.Int32
	ready := make(chan struct{})
	h.store.onFind = func() {
		if arrived.Add(1) == 2 {
			close(ready)
		}
		<-ready
	}

	params := startParams(shop)
	params.IdempotencyKey = "visit-key-race"

	results := make([]StartResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.StartVisit(ctx, params)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if results[0].Visit.ID != results[1].Visit.ID {
		t.Fatalf("starts diverged: %s vs %s", results[0].Visit.ID, results[1].Visit.ID)
	}
	if results[0].Replayed == results[1].Replayed {
		t.Fatalf("expected exactly one replay: %v %v", results[0].Replayed, results[1].Replayed)
	}
	if len(h.store.visits) != 1 {
		t.Fatalf("visits stored = %d", len(h.store.visits))
	}
}

func TestStartVisitKeyScopedPerTenant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := startParams(shop)
	first.IdempotencyKey = "shared-key"
	a, err := h.svc.StartVisit(ctx, first)
	if err != nil {
		t.Fatalf("tenant t1: %v", err)
	}

	second := startParams(shop)
	second.TenantID = "t2"
	second.CustomerID = ""
	second.IsNewCustomer = true
	second.IdempotencyKey = "shared-key"
	b, err := h.svc.StartVisit(ctx, second)
	if err != nil {
		t.Fatalf("tenant t2: %v", err)
	}
	if b.Replayed || b.Visit.ID == a.Visit.ID || b.Visit.TenantID != "t2" {
		t.Fatalf("tenant t2 got t1's visit: %+v", b.Visit)
	}

	again, err := h.svc.StartVisit(ctx, second)
	if err != nil || !again.Replayed || again.Visit.ID != b.Visit.ID {
		t.Fatalf("t2 replay: err=%v %+v", err, again.Visit)
	}
}

func TestStartVisitNewCustomerSkipsDistance(t *testing.T) {
	h := newHarness(t)
	params := startParams(geo.Point{Lat: 1, Lng: 1})
	params.CustomerID = ""
	params.IsNewCustomer = true

	res, err := h.svc.StartVisit(context.Background(), params)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Visit.Status != StatusInProgress || res.DistanceMeters != nil || res.Visit.CustomerID != nil {
		t.Fatalf("unexpected visit %+v", res.Visit)
	}
}

func TestStartVisitValidation(t *testing.T) {
	h := newHarness(t)
	cases := map[string]func(*StartParams){
		"missing customer": func(p *StartParams) { p.CustomerID = "" },
		"latitude range":   func(p *StartParams) { p.GPS.Lat = 91 },
		"missing agent":    func(p *StartParams) { p.AgentID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := startParams(shop)
			mutate(&p)
			if _, err := h.svc.StartVisit(context.Background(), p); !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if _, err := h.svc.StartVisit(context.Background(), func() StartParams {
		p := startParams(shop)
		p.CustomerID = "ghost"
		return p
	}()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown customer: %v", err)
	}
}

func TestCompleteVisitRequiresMandatoryTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.StartVisit(ctx, startParams(shop))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := h.svc.CompleteVisit(ctx, "t1", res.Visit.ID); !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := h.store.visits[res.Visit.ID].Status; got != StatusInProgress {
		t.Fatalf("status changed to %s", got)
	}

	if _, err := h.svc.CompleteTask(ctx, "t1", res.Visit.ID, res.Tasks[0].ID, "resp-1"); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	done, err := h.svc.CompleteVisit(ctx, "t1", res.Visit.ID)
	if err != nil {
		t.Fatalf("complete visit: %v", err)
	}
	if done.Visit.Status != StatusCompleted || done.Visit.CheckOutTime == nil || !done.TotalCommission.IsZero() {
		t.Fatalf("unexpected completion %+v", done)
	}
	if got := h.outbox.Topics(); len(got) != 1 || got[0] != outbox.TopicVisitCompleted {
		t.Fatalf("outbox topics = %v", got)
	}

	if _, err := h.svc.CompleteVisit(ctx, "t1", res.Visit.ID); !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("second completion: %v", err)
	}
}

func TestCompleteTaskIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, _ := h.svc.StartVisit(ctx, startParams(shop))
	task := res.Tasks[len(res.Tasks)-1]

	first, err := h.svc.CompleteTask(ctx, "t1", res.Visit.ID, task.ID, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	second, err := h.svc.CompleteTask(ctx, "t1", res.Visit.ID, task.ID, "other")
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if second.Status != TaskCompleted || !second.CompletedAt.Equal(*first.CompletedAt) || second.ResponseRef != nil {
		t.Fatalf("repeat changed task: %+v", second)
	}

	if _, err := h.svc.CompleteTask(ctx, "t1", res.Visit.ID, res.Tasks[2].ID, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("board task via CompleteTask: %v", err)
	}
}

func TestOverrideFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.StartVisit(ctx, startParams(offsetNorth(shop, 250)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	id := res.Visit.ID

	if _, err := h.svc.CompleteTask(ctx, "t1", id, res.Tasks[0].ID, ""); !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("task work before override: %v", err)
	}
	if _, err := h.svc.RecordOverride(ctx, "t1", id, "  ", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("blank reason: %v", err)
	}
	v, err := h.svc.RecordOverride(ctx, "t1", id, "customer moved stall", "photos/1.jpg")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if v.Status != StatusPendingApproval || *v.OverrideReason != "customer moved stall" || *v.OverridePhoto != "photos/1.jpg" {
		t.Fatalf("unexpected override %+v", v)
	}

	v, err = h.svc.ReviewOverride(ctx, "t1", id, "supervisor-1", true)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if v.Status != StatusInProgress || v.ReviewedBy == nil || *v.ReviewedBy != "supervisor-1" || v.ReviewedAt == nil {
		t.Fatalf("unexpected review %+v", v)
	}
	if _, err := h.svc.ReviewOverride(ctx, "t1", id, "supervisor-1", false); !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("second review: %v", err)
	}
	if got := h.outbox.Topics(); len(got) != 1 || got[0] != outbox.TopicVisitOverrideReview {
		t.Fatalf("outbox topics = %v", got)
	}
}

func TestRejectedOverrideCancelsVisit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, _ := h.svc.StartVisit(ctx, startParams(offsetNorth(shop, 40)))
	if _, err := h.svc.RecordOverride(ctx, "t1", res.Visit.ID, "gate locked", ""); err != nil {
		t.Fatalf("override: %v", err)
	}
	v, err := h.svc.ReviewOverride(ctx, "t1", res.Visit.ID, "supervisor-1", false)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if v.Status != StatusCancelled {
		t.Fatalf("status = %s", v.Status)
	}
	if _, err := h.svc.RecordOverride(ctx, "t1", res.Visit.ID, "again", ""); !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("override on cancelled visit: %v", err)
	}
}

func TestBoardPlacementCoverageAndCommission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, _ := h.svc.StartVisit(ctx, startParams(shop))
	boardTask := res.Tasks[2]

	params := BoardPlacementParams{
		TenantID:   "t1",
		VisitID:    res.Visit.ID,
		TaskID:     boardTask.ID,
		BoardID:    "board-a",
		Storefront: []geo.Vertex{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}},
		Board:      []geo.Vertex{{X: 2, Y: 2}, {X: 7, Y: 2}, {X: 7, Y: 7}, {X: 2, Y: 7}},
	}
	placed, err := h.svc.CompleteBoardPlacement(ctx, params)
	if err != nil {
		t.Fatalf("placement: %v", err)
	}
	if placed.Coverage != 25.0 || placed.Task.Status != TaskCompleted || *placed.Task.CoveragePercentage != 25.0 {
		t.Fatalf("unexpected placement %+v", placed)
	}
	ev := placed.Commission
	if !ev.Amount.Equal(decimal.RequireFromString("35")) || ev.EventType != commission.EventBoardPlacement || ev.ReferenceID != "board-a" {
		t.Fatalf("unexpected commission %+v", ev)
	}
	if *ev.IdempotencyKey != TaskIdempotencyKey(res.Visit.ID, boardTask.ID) {
		t.Fatalf("idempotency key = %q", *ev.IdempotencyKey)
	}

	again, err := h.svc.CompleteBoardPlacement(ctx, params)
	if err != nil {
		t.Fatalf("repeat placement: %v", err)
	}
	if again.Commission.ID != ev.ID || len(h.commissions.events) != 1 {
		t.Fatalf("repeat created a second commission")
	}

	if _, err := h.svc.CompleteTask(ctx, "t1", res.Visit.ID, res.Tasks[0].ID, ""); err != nil {
		t.Fatalf("mandatory task: %v", err)
	}
	done, err := h.svc.CompleteVisit(ctx, "t1", res.Visit.ID)
	if err != nil {
		t.Fatalf("complete visit: %v", err)
	}
	if !done.TotalCommission.Equal(decimal.RequireFromString("35")) {
		t.Fatalf("total commission = %s", done.TotalCommission)
	}
}

func TestBoardPlacementRejectsForeignBoard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, _ := h.svc.StartVisit(ctx, startParams(shop))
	square := []geo.Vertex{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}}

	_, err := h.svc.CompleteBoardPlacement(ctx, BoardPlacementParams{
		TenantID: "t1", VisitID: res.Visit.ID, TaskID: res.Tasks[2].ID, BoardID: "board-b",
		Storefront: square, Board: square,
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(h.commissions.events) != 0 {
		t.Fatal("commission written for rejected placement")
	}
}

func TestUpdateVisit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, _ := h.svc.StartVisit(ctx, startParams(shop))

	if _, err := h.svc.UpdateVisit(ctx, UpdateParams{TenantID: "t1", VisitID: res.Visit.ID}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("empty update: %v", err)
	}
	completed := StatusCompleted
	if _, err := h.svc.UpdateVisit(ctx, UpdateParams{TenantID: "t1", VisitID: res.Visit.ID, Status: &completed}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("completion via update: %v", err)
	}
	bogus := Status("paused")
	if _, err := h.svc.UpdateVisit(ctx, UpdateParams{TenantID: "t1", VisitID: res.Visit.ID, Status: &bogus}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("unknown status: %v", err)
	}

	cancelled := StatusCancelled
	v, err := h.svc.UpdateVisit(ctx, UpdateParams{TenantID: "t1", VisitID: res.Visit.ID, Status: &cancelled, OverrideReason: ptr("shop closed")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if v.Status != StatusCancelled || *v.OverrideReason != "shop closed" {
		t.Fatalf("unexpected update %+v", v)
	}
	active, err := h.svc.ListActiveVisits(ctx, "t1", "agent-1")
	if err != nil || len(active) != 0 {
		t.Fatalf("active visits = %v, %v", active, err)
	}
}

func TestValidateGPS(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	near := offsetNorth(shop, 5)
	got, err := h.svc.ValidateGPS(ctx, "t1", "cust-1", near.Lat, near.Lng)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !got.Valid || math.Abs(got.DistanceMeters-5) > 0.01 || got.ThresholdMeters != geo.ProximityThresholdMeters || got.CustomerLocation != shop {
		t.Fatalf("unexpected validation %+v", got)
	}

	far := offsetNorth(shop, 11)
	if got, _ := h.svc.ValidateGPS(ctx, "t1", "cust-1", far.Lat, far.Lng); got.Valid {
		t.Fatal("11m reported valid")
	}
	if _, err := h.svc.ValidateGPS(ctx, "t1", "cust-noloc", 0, 0); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unmapped customer: %v", err)
	}
	if _, err := h.svc.ValidateGPS(ctx, "t1", "cust-1", 100, 0); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("out of range latitude: %v", err)
	}
	if len(h.pool.Txs) != 0 {
		t.Fatal("validate gps opened a transaction")
	}
}
