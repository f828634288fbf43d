package order

import (
	"time"

	"github.com/shopspring/decimal"

	"salessync/commission"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// TaxRate is the VAT applied to every order subtotal.
var TaxRate = decimal.RequireFromString("0.15")

// PreviewStatus marks a commission that will accrue once the order is fulfilled.
const PreviewStatus = "pending_fulfillment"

type Order struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	OrderNumber      string          `json:"order_number"`
	CustomerID       string          `json:"customer_id"`
	AgentID          string          `json:"agent_id"`
	Status           Status          `json:"status"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	TaxAmount        decimal.Decimal `json:"tax_amount"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	AmountDue        decimal.Decimal `json:"amount_due"`
	Currency         string          `json:"currency"`
	PaymentMethod    *string         `json:"payment_method,omitempty"`
	PaymentReference *string         `json:"payment_reference,omitempty"`
	CancelReason     *string         `json:"cancel_reason,omitempty"`
	IdempotencyKey   *string         `json:"idempotency_key,omitempty"`
	Items            []Item          `json:"items"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	FulfilledAt      *time.Time      `json:"fulfilled_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
}

// Item is one persisted order line.
type Item struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
	LineNo    int             `json:"line_no"`
}

// LineItem is a requested order line.
type LineItem struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  int64           `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type PaymentInfo struct {
	Method    string `json:"payment_method"`
	Reference string `json:"payment_reference"`
}

type CreateParams struct {
	TenantID       string     `validate:"required"`
	AgentID        string     `validate:"required"`
	CustomerID     string     `validate:"required"`
	Items          []LineItem `validate:"required,min=1,dive"`
	Payment        PaymentInfo
	IdempotencyKey string `validate:"max=255"`
}

type CommissionPreview struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Status   string          `json:"status"`
}

type CreateResult struct {
	Order      Order             `json:"order"`
	Commission CommissionPreview `json:"commission"`
	Replayed   bool              `json:"replayed"`
}

type FulfillParams struct {
	TenantID         string
	OrderID          string
	AmountPaid       *decimal.Decimal
	PaymentMethod    string
	PaymentReference string
}

type CommissionSummary struct {
	EventID  string            `json:"event_id"`
	Amount   decimal.Decimal   `json:"amount"`
	Currency string            `json:"currency"`
	Status   commission.Status `json:"status"`
}

type FulfillResult struct {
	Order      Order             `json:"order"`
	Commission CommissionSummary `json:"commission"`
}

type ListFilters struct {
	AgentID    string
	CustomerID string
	Status     Status
	Page       int
	PageSize   int
}

// FulfillIdempotencyKey derives the commission key for an order's fulfillment.
func FulfillIdempotencyKey(orderID string) string {
	return "order:" + orderID + ":fulfill"
}
