package commission

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleKind selects how a rule turns event data into an amount.
type RuleKind string

const (
	RuleFlat       RuleKind = "flat"
	RulePerUnit    RuleKind = "per_unit"
	RulePercentage RuleKind = "percentage"
	RuleTiered     RuleKind = "tiered"
)

// Tier is one threshold step of a tiered rule. Type reuses the flat, per_unit
// and percentage kinds.
type Tier struct {
	Threshold  decimal.Decimal `json:"threshold"`
	Type       RuleKind        `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
}

// Rule is a resolved calculation policy. The zero Rule pays nothing.
type Rule struct {
	Kind       RuleKind        `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
	Tiers      []Tier          `json:"tiers,omitempty"`
}

// EventData is the input a rule is evaluated against.
type EventData struct {
	Quantity    int64
	TotalAmount decimal.Decimal
}

// EventType names the business action that accrued a commission.
type EventType string

const (
	EventOrder          EventType = "order"
	EventBoardPlacement EventType = "board_placement"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusPaid     Status = "paid"
)

// Event mirrors the commission_events table.
type Event struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	AgentID          string          `json:"agent_id"`
	VisitID          *string         `json:"visit_id,omitempty"`
	EventType        EventType       `json:"event_type"`
	ReferenceID      string          `json:"reference_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           Status          `json:"status"`
	IdempotencyKey   *string         `json:"idempotency_key,omitempty"`
	ApprovedBy       *string         `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time      `json:"approved_at,omitempty"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	PaymentMethod    *string         `json:"payment_method,omitempty"`
	PaymentReference *string         `json:"payment_reference,omitempty"`
	PaymentNotes     *string         `json:"payment_notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// AgentBalance is the running commission position of one agent.
type AgentBalance struct {
	TenantID    string          `json:"tenant_id"`
	AgentID     string          `json:"agent_id"`
	TotalEarned decimal.Decimal `json:"total_earned"`
	TotalPaid   decimal.Decimal `json:"total_paid"`
	Balance     decimal.Decimal `json:"balance"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type CreateEventParams struct {
	TenantID       string
	AgentID        string
	VisitID        string
	EventType      EventType
	ReferenceID    string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

type PaymentDetails struct {
	Method    string
	Reference string
	Notes     string
}

type ListFilters struct {
	AgentID  string
	VisitID  string
	Status   Status
	Page     int
	PageSize int
}
