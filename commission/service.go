package commission

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
	"salessync/db"
	"salessync/lock"
	"salessync/outbox"
	"salessync/telemetry"
)

const tracerName = "salessync/commission"

// ErrDuplicateIdempotencyKey signals a concurrent insert won the idempotency key.
// It always accompanies apperr.ErrStateConflict.
var ErrDuplicateIdempotencyKey = errors.New("commission: duplicate idempotency key")

// Store is the persistence surface the service needs.
type Store interface {
	FindByIdempotencyKey(ctx context.Context, q db.Querier, tenantID, key string) (Event, bool, error)
	Insert(ctx context.Context, tx pgx.Tx, ev Event) (Event, error)
	Get(ctx context.Context, q db.Querier, tenantID, eventID string) (Event, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, tenantID, eventID string) (Event, error)
	MarkApproved(ctx context.Context, tx pgx.Tx, tenantID, eventID, approverID string, at time.Time) (Event, error)
	MarkPaid(ctx context.Context, tx pgx.Tx, tenantID, eventID string, details PaymentDetails, at time.Time) (Event, error)
	AddEarned(ctx context.Context, tx pgx.Tx, tenantID, agentID string, amount decimal.Decimal) error
	AddPaid(ctx context.Context, tx pgx.Tx, tenantID, agentID string, amount decimal.Decimal) error
	Balance(ctx context.Context, q db.Querier, tenantID, agentID string) (AgentBalance, error)
	List(ctx context.Context, q db.Querier, tenantID string, filters ListFilters) ([]Event, int, error)
	SumForVisit(ctx context.Context, q db.Querier, tenantID, visitID string) (decimal.Decimal, error)
}

type Service struct {
	pool        db.Pool
	repo        Store
	registry    *Registry
	locker      lock.Locker
	outbox      outbox.Enqueuer
	logger      logrus.FieldLogger
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.Pool, repo Store, registry *Registry, locker lock.Locker, ob outbox.Enqueuer, logger logrus.FieldLogger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if registry == nil {
		registry = NewDefaultRegistry(nil)
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
		registry:    registry,
		locker:      locker,
		outbox:      ob,
		logger:      logger.WithField("module", "commission"),
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

// Registry exposes the rule registry so callers can register providers.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Evaluate resolves the rule registered for eventType and applies it to data.
func (s *Service) Evaluate(ctx context.Context, tenantID string, eventType EventType, referenceID string, data EventData) (decimal.Decimal, error) {
	rule, err := s.registry.Resolve(ctx, eventType, tenantID, referenceID)
	if err != nil {
		return decimal.Zero, err
	}
	return Calculate(rule, data), nil
}

// CreateEvent records a pending event in its own transaction. A replayed
// idempotency key returns the stored event unchanged.
func (s *Service) CreateEvent(ctx context.Context, params CreateEventParams) (ev Event, replayed bool, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "commission.CreateEvent",
		attribute.String("tenant_id", params.TenantID), attribute.String("event_type", string(params.EventType)))
	defer func() { telemetry.Finish(span, err) }()

	if err := validateCreate(params); err != nil {
		return Event{}, false, err
	}
	if params.IdempotencyKey != "" {
		release, err := s.locker.Acquire(ctx, lock.EventKey(params.TenantID, params.IdempotencyKey))
		if err != nil {
			return Event{}, false, err
		}
		defer release()
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var txErr error
		ev, replayed, txErr = s.CreateEventTx(ctx, tx, params)
		return txErr
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Another writer committed the key first; its row is the result.
		existing, found, findErr := s.repo.FindByIdempotencyKey(ctx, s.pool, params.TenantID, params.IdempotencyKey)
		if findErr == nil && found {
			return existing, true, nil
		}
	}
	if err != nil {
		return Event{}, false, err
	}
	return ev, replayed, nil
}

// CreateEventTx is CreateEvent on the caller's transaction.
func (s *Service) CreateEventTx(ctx context.Context, tx pgx.Tx, params CreateEventParams) (Event, bool, error) {
	if err := validateCreate(params); err != nil {
		return Event{}, false, err
	}

	if params.IdempotencyKey != "" {
		existing, found, err := s.repo.FindByIdempotencyKey(ctx, tx, params.TenantID, params.IdempotencyKey)
		if err != nil {
			return Event{}, false, err
		}
		if found {
			s.logger.WithFields(logrus.Fields{
				"tenant_id": params.TenantID,
				"event_id":  existing.ID,
				"key":       params.IdempotencyKey,
			}).Info("commission event replayed")
			return existing, true, nil
		}
	}

	ev := Event{
		ID:          s.idGenerator(),
		TenantID:    params.TenantID,
		AgentID:     params.AgentID,
		EventType:   params.EventType,
		ReferenceID: params.ReferenceID,
		Amount:      params.Amount,
		Currency:    strings.ToUpper(params.Currency),
		Status:      StatusPending,
	}
	if params.VisitID != "" {
		ev.VisitID = &params.VisitID
	}
	if params.IdempotencyKey != "" {
		ev.IdempotencyKey = &params.IdempotencyKey
	}

	created, err := s.repo.Insert(ctx, tx, ev)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Event{}, false, fmt.Errorf("%w %q: %w", ErrDuplicateIdempotencyKey, params.IdempotencyKey, apperr.ErrStateConflict)
		}
		return Event{}, false, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":  created.TenantID,
		"event_id":   created.ID,
		"agent_id":   created.AgentID,
		"event_type": created.EventType,
		"amount":     created.Amount.String(),
	}).Info("commission event created")
	return created, false, nil
}

// ApproveEvent moves a pending event to approved and credits the agent.
func (s *Service) ApproveEvent(ctx context.Context, tenantID, eventID, approverID string) (ev Event, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "commission.ApproveEvent",
		attribute.String("tenant_id", tenantID), attribute.String("event_id", eventID))
	defer func() { telemetry.Finish(span, err) }()

	if eventID == "" || approverID == "" {
		return Event{}, fmt.Errorf("commission: approve: %w: event id and approver required", apperr.ErrValidation)
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.repo.GetForUpdate(ctx, tx, tenantID, eventID)
		if err != nil {
			return err
		}
		if current.Status != StatusPending {
			return fmt.Errorf("commission: approve event in status %s: %w", current.Status, apperr.ErrStateConflict)
		}

		at := s.now().UTC()
		if ev, err = s.repo.MarkApproved(ctx, tx, tenantID, eventID, approverID, at); err != nil {
			return err
		}
		if err := s.repo.AddEarned(ctx, tx, tenantID, ev.AgentID, ev.Amount); err != nil {
			return err
		}
		return s.outbox.Enqueue(ctx, tx, outbox.TopicCommissionApproved, map[string]any{
			"tenant_id":   tenantID,
			"event_id":    ev.ID,
			"agent_id":    ev.AgentID,
			"amount":      ev.Amount.String(),
			"currency":    ev.Currency,
			"approved_by": approverID,
		})
	})
	if err != nil {
		return Event{}, err
	}

	s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "event_id": eventID, "approved_by": approverID}).
		Info("commission event approved")
	return ev, nil
}

// PayEvent moves an approved event to paid and debits the agent's balance.
func (s *Service) PayEvent(ctx context.Context, tenantID, eventID string, details PaymentDetails) (ev Event, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "commission.PayEvent",
		attribute.String("tenant_id", tenantID), attribute.String("event_id", eventID))
	defer func() { telemetry.Finish(span, err) }()

	if eventID == "" {
		return Event{}, fmt.Errorf("commission: pay: %w: event id required", apperr.ErrValidation)
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.repo.GetForUpdate(ctx, tx, tenantID, eventID)
		if err != nil {
			return err
		}
		if current.Status != StatusApproved {
			return fmt.Errorf("commission: pay event in status %s: %w", current.Status, apperr.ErrStateConflict)
		}

		at := s.now().UTC()
		if ev, err = s.repo.MarkPaid(ctx, tx, tenantID, eventID, details, at); err != nil {
			return err
		}
		if err := s.repo.AddPaid(ctx, tx, tenantID, ev.AgentID, ev.Amount); err != nil {
			return err
		}
		return s.outbox.Enqueue(ctx, tx, outbox.TopicCommissionPaid, map[string]any{
			"tenant_id":         tenantID,
			"event_id":          ev.ID,
			"agent_id":          ev.AgentID,
			"amount":            ev.Amount.String(),
			"currency":          ev.Currency,
			"payment_method":    details.Method,
			"payment_reference": details.Reference,
		})
	})
	if err != nil {
		return Event{}, err
	}

	s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "event_id": eventID}).Info("commission event paid")
	return ev, nil
}

func (s *Service) GetEvent(ctx context.Context, tenantID, eventID string) (Event, error) {
	return s.repo.Get(ctx, s.pool, tenantID, eventID)
}

func (s *Service) ListEvents(ctx context.Context, tenantID string, filters ListFilters) ([]Event, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	switch filters.Status {
	case "", StatusPending, StatusApproved, StatusPaid:
	default:
		return nil, 0, fmt.Errorf("commission: list: %w: unknown status %q", apperr.ErrValidation, filters.Status)
	}
	return s.repo.List(ctx, s.pool, tenantID, filters)
}

func (s *Service) Balance(ctx context.Context, tenantID, agentID string) (AgentBalance, error) {
	if agentID == "" {
		return AgentBalance{}, fmt.Errorf("commission: balance: %w: agent id required", apperr.ErrValidation)
	}
	return s.repo.Balance(ctx, s.pool, tenantID, agentID)
}

// SumForVisit totals the events referencing visitID on the caller's transaction.
func (s *Service) SumForVisit(ctx context.Context, tx pgx.Tx, tenantID, visitID string) (decimal.Decimal, error) {
	return s.repo.SumForVisit(ctx, tx, tenantID, visitID)
}

func validateCreate(p CreateEventParams) error {
	var missing []string
	if p.TenantID == "" {
		missing = append(missing, "tenant")
	}
	if p.AgentID == "" {
		missing = append(missing, "agent")
	}
	if p.EventType == "" {
		missing = append(missing, "event type")
	}
	if p.ReferenceID == "" {
		missing = append(missing, "reference")
	}
	if p.Currency == "" {
		missing = append(missing, "currency")
	}
	if len(missing) > 0 {
		return fmt.Errorf("commission: create event: %w: missing %s", apperr.ErrValidation, strings.Join(missing, ", "))
	}
	if p.Amount.IsNegative() {
		return fmt.Errorf("commission: create event: %w: negative amount", apperr.ErrValidation)
	}
	return nil
}
