package visit

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
	"salessync/catalog"
	"salessync/commission"
	"salessync/db"
	"salessync/geo"
	"salessync/lock"
	"salessync/outbox"
	"salessync/telemetry"
)

const tracerName = "salessync/visit"

// ErrDuplicateIdempotencyKey signals a concurrent start committed the same key.
// It always accompanies apperr.ErrStateConflict.
var ErrDuplicateIdempotencyKey = errors.New("visit: duplicate idempotency key")

// Store is the persistence surface the service needs.
type Store interface {
	GetVisit(ctx context.Context, q db.Querier, tenantID, visitID string) (Visit, error)
	GetVisitForUpdate(ctx context.Context, tx pgx.Tx, tenantID, visitID string) (Visit, error)
	FindByIdempotencyKey(ctx context.Context, q db.Querier, tenantID, key string) (Visit, bool, error)
	InsertVisit(ctx context.Context, tx pgx.Tx, v Visit) (Visit, error)
	SaveVisit(ctx context.Context, tx pgx.Tx, v Visit) (Visit, error)
	ListActive(ctx context.Context, q db.Querier, tenantID, agentID string) ([]Visit, error)
	InsertTasks(ctx context.Context, tx pgx.Tx, tasks []Task) ([]Task, error)
	Tasks(ctx context.Context, q db.Querier, tenantID, visitID string) ([]Task, error)
	GetTaskForUpdate(ctx context.Context, tx pgx.Tx, tenantID, visitID, taskID string) (Task, error)
	CompleteTask(ctx context.Context, tx pgx.Tx, t Task, at time.Time) (Task, error)
	CountOpenMandatory(ctx context.Context, tx pgx.Tx, tenantID, visitID string) (int, error)
}

// CommissionEngine prices board placements and totals a visit's commissions.
type CommissionEngine interface {
	Evaluate(ctx context.Context, tenantID string, eventType commission.EventType, referenceID string, data commission.EventData) (decimal.Decimal, error)
	CreateEventTx(ctx context.Context, tx pgx.Tx, params commission.CreateEventParams) (commission.Event, bool, error)
	SumForVisit(ctx context.Context, tx pgx.Tx, tenantID, visitID string) (decimal.Decimal, error)
}

type Service struct {
	pool        db.Pool
	repo        Store
	catalog     catalog.Reader
	commissions CommissionEngine
	locker      lock.Locker
	outbox      outbox.Enqueuer
	logger      logrus.FieldLogger
	currency    string
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.Pool, repo Store, cat catalog.Reader, commissions CommissionEngine, locker lock.Locker, ob outbox.Enqueuer, logger logrus.FieldLogger) *Service {
	if repo == nil {
		repo = NewRepository()
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
		catalog:     cat,
		commissions: commissions,
		locker:      locker,
		outbox:      ob,
		logger:      logger.WithField("module", "visit"),
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

// WithCurrency sets the ISO code of board-placement commissions.
func (s *Service) WithCurrency(code string) *Service {
	if code != "" {
		s.currency = strings.ToUpper(code)
	}
	return s
}

// StartVisit checks the agent in, measures the distance to the customer and
// generates the visit's tasks. A key already used by the tenant returns the
// stored visit and its tasks untouched.
func (s *Service) StartVisit(ctx context.Context, params StartParams) (res StartResult, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "visit.Start",
		attribute.String("tenant_id", params.TenantID), attribute.Bool("new_customer", params.IsNewCustomer))
	defer func() { telemetry.Finish(span, err) }()

	if err := apperr.ValidateStruct("visit: start", params); err != nil {
		return StartResult{}, err
	}
	if params.VisitType == "" {
		params.VisitType = DefaultVisitType
	}

	key := params.IdempotencyKey
	if key != "" {
		release, err := s.locker.Acquire(ctx, lock.VisitKey(params.TenantID, key))
		if err != nil {
			return StartResult{}, err
		}
		defer release()

		existing, found, err := s.repo.FindByIdempotencyKey(ctx, s.pool, params.TenantID, key)
		if err != nil {
			return StartResult{}, err
		}
		if found {
			return s.replayStart(ctx, existing, key)
		}
	}

	now := s.now().UTC()
	v := Visit{
		ID:            s.idGenerator(),
		TenantID:      params.TenantID,
		AgentID:       params.AgentID,
		VisitType:     params.VisitType,
		Status:        StatusInProgress,
		Location:      geo.Point{Lat: params.GPS.Lat, Lng: params.GPS.Lng},
		GPSAccuracy:   params.GPS.Accuracy,
		IsNewCustomer: params.IsNewCustomer,
		CheckInTime:   now,
	}
	if params.CustomerID != "" {
		customerID := params.CustomerID
		v.CustomerID = &customerID
	}
	if key != "" {
		v.IdempotencyKey = &key
	}

	if !params.IsNewCustomer {
		customer, err := s.catalog.Customer(ctx, params.TenantID, params.CustomerID)
		if err != nil {
			return StartResult{}, err
		}
		if customer.Location != nil {
			dist := geo.Distance(v.Location, *customer.Location)
			v.DistanceMeters = &dist
			if !geo.WithinThreshold(dist) {
				v.Status = StatusPendingOverride
			}
		}
	}

	brandIDs := uniqueBrands(params.BrandIDs)
	surveys, err := s.catalog.Surveys(ctx, params.TenantID, params.VisitType, brandIDs)
	if err != nil {
		return StartResult{}, err
	}
	plan := s.planTasks(v, surveys, brandIDs)

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		created, err := s.repo.InsertVisit(ctx, tx, v)
		if err != nil {
			return err
		}
		tasks, err := s.repo.InsertTasks(ctx, tx, plan)
		if err != nil {
			return err
		}
		res = StartResult{
			Visit:            created,
			Tasks:            tasks,
			OverrideRequired: created.Status == StatusPendingOverride,
			DistanceMeters:   created.DistanceMeters,
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		existing, found, findErr := s.repo.FindByIdempotencyKey(ctx, s.pool, params.TenantID, key)
		if findErr == nil && found {
			return s.replayStart(ctx, existing, key)
		}
	}
	if err != nil {
		return StartResult{}, err
	}

	fields := logrus.Fields{"tenant_id": v.TenantID, "visit_id": v.ID, "status": res.Visit.Status, "tasks": len(res.Tasks)}
	if v.DistanceMeters != nil {
		fields["distance_m"] = *v.DistanceMeters
	}
	s.logger.WithFields(fields).Info("visit started")
	return res, nil
}

func (s *Service) replayStart(ctx context.Context, existing Visit, key string) (StartResult, error) {
	tasks, err := s.repo.Tasks(ctx, s.pool, existing.TenantID, existing.ID)
	if err != nil {
		return StartResult{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"tenant_id": existing.TenantID,
		"visit_id":  existing.ID,
		"key":       key,
	}).Info("visit start replayed")
	return StartResult{
		Visit:            existing,
		Tasks:            tasks,
		OverrideRequired: existing.Status == StatusPendingOverride,
		DistanceMeters:   existing.DistanceMeters,
		Replayed:         true,
	}, nil
}

// planTasks orders the visit's work: surveys in catalog order, one board task
// per brand, then a single distribution task.
func (s *Service) planTasks(v Visit, surveys []catalog.Survey, brandIDs []string) []Task {
	tasks := make([]Task, 0, len(surveys)+len(brandIDs)+1)
	add := func(typ TaskType, ref *string, title string, mandatory bool) {
		tasks = append(tasks, Task{
			ID:            s.idGenerator(),
			TenantID:      v.TenantID,
			VisitID:       v.ID,
			Type:          typ,
			ReferenceID:   ref,
			Title:         title,
			IsMandatory:   mandatory,
			SequenceOrder: len(tasks) + 1,
			Status:        TaskPending,
		})
	}
	for _, sv := range surveys {
		id := sv.ID
		add(TaskSurvey, &id, sv.Title, sv.IsMandatory)
	}
	for _, brand := range brandIDs {
		id := brand
		add(TaskBoard, &id, "Board placement: "+brand, false)
	}
	add(TaskDistribution, nil, "Product distribution", false)
	return tasks
}

func (s *Service) GetVisit(ctx context.Context, tenantID, visitID string) (Detail, error) {
	v, err := s.repo.GetVisit(ctx, s.pool, tenantID, visitID)
	if err != nil {
		return Detail{}, err
	}
	tasks, err := s.repo.Tasks(ctx, s.pool, tenantID, visitID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Visit: v, Tasks: tasks}, nil
}

func (s *Service) ListActiveVisits(ctx context.Context, tenantID, agentID string) ([]Visit, error) {
	if agentID == "" {
		return nil, fmt.Errorf("visit: list active: %w: agent id required", apperr.ErrValidation)
	}
	return s.repo.ListActive(ctx, s.pool, tenantID, agentID)
}

// UpdateVisit applies a partial update. Completion is reserved to
// CompleteVisit, which enforces the mandatory-task gate.
func (s *Service) UpdateVisit(ctx context.Context, params UpdateParams) (v Visit, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "visit.Update",
		attribute.String("tenant_id", params.TenantID), attribute.String("visit_id", params.VisitID))
	defer func() { telemetry.Finish(span, err) }()

	if params.Status == nil && params.OverrideReason == nil && params.OverridePhoto == nil {
		return Visit{}, fmt.Errorf("visit: update: %w: no fields supplied", apperr.ErrValidation)
	}
	if params.Status != nil {
		if !params.Status.Known() {
			return Visit{}, fmt.Errorf("visit: update: %w: unknown status %q", apperr.ErrValidation, *params.Status)
		}
		if *params.Status == StatusCompleted {
			return Visit{}, fmt.Errorf("visit: update: %w: visits are completed through the complete operation", apperr.ErrValidation)
		}
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.repo.GetVisitForUpdate(ctx, tx, params.TenantID, params.VisitID)
		if err != nil {
			return err
		}
		if params.Status != nil {
			current.Status = *params.Status
		}
		if params.OverrideReason != nil {
			current.OverrideReason = params.OverrideReason
		}
		if params.OverridePhoto != nil {
			current.OverridePhoto = params.OverridePhoto
		}
		current.UpdatedAt = s.now().UTC()
		v, err = s.repo.SaveVisit(ctx, tx, current)
		return err
	})
	if err != nil {
		return Visit{}, err
	}
	return v, nil
}

// CompleteVisit checks the agent out once every mandatory task is done and
// stores the sum of the visit's commission events.
func (s *Service) CompleteVisit(ctx context.Context, tenantID, visitID string) (res CompleteResult, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "visit.Complete",
		attribute.String("tenant_id", tenantID), attribute.String("visit_id", visitID))
	defer func() { telemetry.Finish(span, err) }()

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.repo.GetVisitForUpdate(ctx, tx, tenantID, visitID)
		if err != nil {
			return err
		}
		if current.Status != StatusInProgress {
			return fmt.Errorf("visit: complete visit in status %s: %w", current.Status, apperr.ErrStateConflict)
		}

		open, err := s.repo.CountOpenMandatory(ctx, tx, tenantID, visitID)
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("visit: complete: %d mandatory task(s) outstanding: %w", open, apperr.ErrStateConflict)
		}

		total := decimal.Zero
		if s.commissions != nil {
			if total, err = s.commissions.SumForVisit(ctx, tx, tenantID, visitID); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		current.Status = StatusCompleted
		current.CheckOutTime = &now
		current.TotalCommission = total
		current.UpdatedAt = now
		saved, err := s.repo.SaveVisit(ctx, tx, current)
		if err != nil {
			return err
		}

		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicVisitCompleted, map[string]any{
			"tenant_id":        tenantID,
			"visit_id":         visitID,
			"agent_id":         saved.AgentID,
			"total_commission": total.String(),
		}); err != nil {
			return err
		}
		res = CompleteResult{Visit: saved, TotalCommission: total}
		return nil
	})
	if err != nil {
		return CompleteResult{}, err
	}

	s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "visit_id": visitID, "commission": res.TotalCommission.String()}).
		Info("visit completed")
	return res, nil
}

// RecordOverride stores the agent's justification for working outside the
// GPS threshold and hands the visit to a supervisor.
func (s *Service) RecordOverride(ctx context.Context, tenantID, visitID, reason, photo string) (v Visit, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "visit.RecordOverride",
		attribute.String("tenant_id", tenantID), attribute.String("visit_id", visitID))
	defer func() { telemetry.Finish(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Visit{}, fmt.Errorf("visit: override: %w: reason required", apperr.ErrValidation)
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.repo.GetVisitForUpdate(ctx, tx, tenantID, visitID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return fmt.Errorf("visit: override visit in status %s: %w", current.Status, apperr.ErrStateConflict)
		}
		current.Status = StatusPendingApproval
		current.OverrideReason = &reason
		current.OverridePhoto = nil
		if photo != "" {
			current.OverridePhoto = &photo
		}
		current.UpdatedAt = s.now().UTC()
		v, err = s.repo.SaveVisit(ctx, tx, current)
		return err
	})
	if err != nil {
		return Visit{}, err
	}

	s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "visit_id": visitID}).Info("visit override recorded")
	return v, nil
}

// ReviewOverride settles a pending override: approval resumes the visit,
// rejection cancels it.
func (s *Service) ReviewOverride(ctx context.Context, tenantID, visitID, reviewerID string, approve bool) (v Visit, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "visit.ReviewOverride",
		attribute.String("tenant_id", tenantID), attribute.String("visit_id", visitID), attribute.Bool("approve", approve))
	defer func() { telemetry.Finish(span, err) }()

	if reviewerID == "" {
		return Visit{}, fmt.Errorf("visit: review override: %w: reviewer required", apperr.ErrValidation)
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.repo.GetVisitForUpdate(ctx, tx, tenantID, visitID)
		if err != nil {
			return err
		}
		if current.Status != StatusPendingApproval {
			return fmt.Errorf("visit: review override in status %s: %w", current.Status, apperr.ErrStateConflict)
		}

		now := s.now().UTC()
		current.Status = StatusCancelled
		if approve {
			current.Status = StatusInProgress
		}
		current.ReviewedBy = &reviewerID
		current.ReviewedAt = &now
		current.UpdatedAt = now
		if v, err = s.repo.SaveVisit(ctx, tx, current); err != nil {
			return err
		}
		return s.outbox.Enqueue(ctx, tx, outbox.TopicVisitOverrideReview, map[string]any{
			"tenant_id":   tenantID,
			"visit_id":    visitID,
			"approved":    approve,
			"reviewed_by": reviewerID,
		})
	})
	if err != nil {
		return Visit{}, err
	}

	s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "visit_id": visitID, "approved": approve}).Info("visit override reviewed")
	return v, nil
}

// CompleteTask marks a survey or distribution task done. Completing a task
// twice returns it unchanged.
func (s *Service) CompleteTask(ctx context.Context, tenantID, visitID, taskID, responseRef string) (t Task, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "visit.CompleteTask",
		attribute.String("tenant_id", tenantID), attribute.String("visit_id", visitID), attribute.String("task_id", taskID))
	defer func() { telemetry.Finish(span, err) }()

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		task, err := s.lockTask(ctx, tx, tenantID, visitID, taskID)
		if err != nil {
			return err
		}
		if task.Type == TaskBoard {
			return fmt.Errorf("visit: complete task: %w: board tasks need a placement", apperr.ErrValidation)
		}
		if task.Status == TaskCompleted {
			t = task
			return nil
		}
		if responseRef != "" {
			task.ResponseRef = &responseRef
		}
		t, err = s.repo.CompleteTask(ctx, tx, task, s.now().UTC())
		return err
	})
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// CompleteBoardPlacement records a board placement: coverage of the storefront,
// the board's flat commission, and the task's completion, in one transaction.
func (s *Service) CompleteBoardPlacement(ctx context.Context, params BoardPlacementParams) (res BoardPlacementResult, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "visit.CompleteBoardPlacement",
		attribute.String("tenant_id", params.TenantID), attribute.String("visit_id", params.VisitID), attribute.String("task_id", params.TaskID))
	defer func() { telemetry.Finish(span, err) }()

	if err := apperr.ValidateStruct("visit: board placement", params); err != nil {
		return BoardPlacementResult{}, err
	}
	if s.commissions == nil {
		return BoardPlacementResult{}, fmt.Errorf("visit: board placement: commission engine not configured")
	}
	board, err := s.catalog.Board(ctx, params.TenantID, params.BoardID)
	if err != nil {
		return BoardPlacementResult{}, err
	}
	coverage := geo.Coverage(params.Storefront, params.Board)

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		visit, task, err := s.lockVisitTask(ctx, tx, params.TenantID, params.VisitID, params.TaskID)
		if err != nil {
			return err
		}
		if task.Type != TaskBoard {
			return fmt.Errorf("visit: board placement: %w: task %s is a %s task", apperr.ErrValidation, task.ID, task.Type)
		}
		if task.ReferenceID == nil || *task.ReferenceID != board.BrandID {
			return fmt.Errorf("visit: board placement: %w: board %s does not belong to the task's brand", apperr.ErrValidation, board.ID)
		}

		amount, err := s.commissions.Evaluate(ctx, params.TenantID, commission.EventBoardPlacement, board.ID, commission.EventData{Quantity: 1})
		if err != nil {
			return err
		}
		ev, _, err := s.commissions.CreateEventTx(ctx, tx, commission.CreateEventParams{
			TenantID:       params.TenantID,
			AgentID:        visit.AgentID,
			VisitID:        visit.ID,
			EventType:      commission.EventBoardPlacement,
			ReferenceID:    board.ID,
			Amount:         amount,
			Currency:       s.currency,
			IdempotencyKey: TaskIdempotencyKey(visit.ID, task.ID),
		})
		if err != nil {
			return err
		}

		if task.Status == TaskCompleted {
			res = BoardPlacementResult{Task: task, Coverage: derefFloat(task.CoveragePercentage), Commission: ev}
			return nil
		}
		boardID := board.ID
		task.ResponseRef = &boardID
		task.CoveragePercentage = &coverage
		done, err := s.repo.CompleteTask(ctx, tx, task, s.now().UTC())
		if err != nil {
			return err
		}
		res = BoardPlacementResult{Task: done, Coverage: coverage, Commission: ev}
		return nil
	})
	if err != nil {
		return BoardPlacementResult{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id": params.TenantID,
		"visit_id":  params.VisitID,
		"task_id":   params.TaskID,
		"coverage":  res.Coverage,
		"amount":    res.Commission.Amount.String(),
	}).Info("board placement recorded")
	return res, nil
}

// lockTask locks the visit and the task; task work requires an in-progress visit.
func (s *Service) lockTask(ctx context.Context, tx pgx.Tx, tenantID, visitID, taskID string) (Task, error) {
	_, task, err := s.lockVisitTask(ctx, tx, tenantID, visitID, taskID)
	return task, err
}

func (s *Service) lockVisitTask(ctx context.Context, tx pgx.Tx, tenantID, visitID, taskID string) (Visit, Task, error) {
	visit, err := s.repo.GetVisitForUpdate(ctx, tx, tenantID, visitID)
	if err != nil {
		return Visit{}, Task{}, err
	}
	if visit.Status != StatusInProgress {
		return Visit{}, Task{}, fmt.Errorf("visit: task work on visit in status %s: %w", visit.Status, apperr.ErrStateConflict)
	}
	task, err := s.repo.GetTaskForUpdate(ctx, tx, tenantID, visitID, taskID)
	if err != nil {
		return Visit{}, Task{}, err
	}
	return visit, task, nil
}

// ValidateGPS reports whether a position is within the proximity threshold of
// the customer's registered location, without touching any visit.
func (s *Service) ValidateGPS(ctx context.Context, tenantID, customerID string, lat, lng float64) (GPSValidation, error) {
	if customerID == "" {
		return GPSValidation{}, fmt.Errorf("visit: validate gps: %w: customer id required", apperr.ErrValidation)
	}
	if err := apperr.ValidateStruct("visit: validate gps", GPS{Lat: lat, Lng: lng}); err != nil {
		return GPSValidation{}, err
	}
	customer, err := s.catalog.Customer(ctx, tenantID, customerID)
	if err != nil {
		return GPSValidation{}, err
	}
	if customer.Location == nil {
		return GPSValidation{}, fmt.Errorf("visit: validate gps: customer %s has no registered location: %w", customerID, apperr.ErrNotFound)
	}
	dist := geo.Distance(geo.Point{Lat: lat, Lng: lng}, *customer.Location)
	return GPSValidation{
		Valid:            geo.WithinThreshold(dist),
		DistanceMeters:   dist,
		ThresholdMeters:  geo.ProximityThresholdMeters,
		CustomerLocation: *customer.Location,
	}, nil
}

func uniqueBrands(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
