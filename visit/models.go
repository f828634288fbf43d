package visit

import (
	"time"

	"github.com/shopspring/decimal"

	"salessync/commission"
	"salessync/geo"
)

type Status string

const (
	StatusInProgress      Status = "in_progress"
	StatusPendingOverride Status = "pending_override"
	StatusPendingApproval Status = "pending_approval"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

// Known reports whether s is one of the visit statuses.
func (s Status) Known() bool {
	switch s {
	case StatusInProgress, StatusPendingOverride, StatusPendingApproval, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal statuses accept no further changes.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type TaskType string

const (
	TaskSurvey       TaskType = "survey"
	TaskBoard        TaskType = "board"
	TaskDistribution TaskType = "distribution"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
)

// DefaultVisitType applies when a visit is started without one.
const DefaultVisitType = "routine"

type Visit struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	AgentID         string          `json:"agent_id"`
	CustomerID      *string         `json:"customer_id,omitempty"`
	VisitType       string          `json:"visit_type"`
	Status          Status          `json:"status"`
	Location        geo.Point       `json:"location"`
	GPSAccuracy     *float64        `json:"gps_accuracy,omitempty"`
	DistanceMeters  *float64        `json:"distance_meters,omitempty"`
	IsNewCustomer   bool            `json:"is_new_customer"`
	OverrideReason  *string         `json:"override_reason,omitempty"`
	OverridePhoto   *string         `json:"override_photo,omitempty"`
	ReviewedBy      *string         `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time      `json:"reviewed_at,omitempty"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	CheckInTime     time.Time       `json:"check_in_time"`
	CheckOutTime    *time.Time      `json:"check_out_time,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	IdempotencyKey  *string         `json:"idempotency_key,omitempty"`
}

type Task struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenant_id"`
	VisitID            string     `json:"visit_id"`
	Type               TaskType   `json:"task_type"`
	ReferenceID        *string    `json:"reference_id,omitempty"`
	Title              string     `json:"title"`
	IsMandatory        bool       `json:"is_mandatory"`
	SequenceOrder      int        `json:"sequence_order"`
	Status             TaskStatus `json:"status"`
	ResponseRef        *string    `json:"response_ref,omitempty"`
	CoveragePercentage *float64   `json:"coverage_percentage,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

type GPS struct {
	Lat      float64  `json:"lat" validate:"gte=-90,lte=90"`
	Lng      float64  `json:"lng" validate:"gte=-180,lte=180"`
	Accuracy *float64 `json:"accuracy" validate:"omitempty,gte=0"`
}

type StartParams struct {
	TenantID       string `validate:"required"`
	AgentID        string `validate:"required"`
	CustomerID     string `validate:"required_if=IsNewCustomer false"`
	GPS            GPS
	BrandIDs       []string `validate:"dive,max=255"`
	VisitType      string   `validate:"max=64"`
	IsNewCustomer  bool
	IdempotencyKey string `validate:"max=255"`
}

type StartResult struct {
	Visit            Visit    `json:"visit"`
	Tasks            []Task   `json:"tasks"`
	OverrideRequired bool     `json:"override_required"`
	DistanceMeters   *float64 `json:"distance_meters"`
	Replayed         bool     `json:"replayed"`
}

// Detail is a visit with its ordered tasks.
type Detail struct {
	Visit Visit  `json:"visit"`
	Tasks []Task `json:"tasks"`
}

// UpdateParams carries a partial update; nil fields are left unchanged.
type UpdateParams struct {
	TenantID       string
	VisitID        string
	Status         *Status
	OverrideReason *string
	OverridePhoto  *string
}

type CompleteResult struct {
	Visit           Visit           `json:"visit"`
	TotalCommission decimal.Decimal `json:"total_commission"`
}

type GPSValidation struct {
	Valid            bool      `json:"valid"`
	DistanceMeters   float64   `json:"distance_meters"`
	ThresholdMeters  float64   `json:"threshold_meters"`
	CustomerLocation geo.Point `json:"customer_location"`
}

type BoardPlacementParams struct {
	TenantID   string
	VisitID    string
	TaskID     string
	BoardID    string       `validate:"required"`
	Storefront []geo.Vertex `validate:"required"`
	Board      []geo.Vertex `validate:"required"`
}

type BoardPlacementResult struct {
	Task       Task             `json:"task"`
	Coverage   float64          `json:"coverage_percentage"`
	Commission commission.Event `json:"commission"`
}

// TaskIdempotencyKey derives the commission key for a task's completion.
func TaskIdempotencyKey(visitID, taskID string) string {
	return "visit:" + visitID + ":task:" + taskID
}
