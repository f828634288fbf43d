package stock

import (
	"time"

	"github.com/shopspring/decimal"
)

type MovementStatus string

const (
	MovementReserved  MovementStatus = "reserved"
	MovementCompleted MovementStatus = "completed"
	MovementReleased  MovementStatus = "released"
)

// ReferenceOrder tags movements caused by an order.
const ReferenceOrder = "order"

// Movement is one signed inventory delta tied to a reference.
type Movement struct {
	ID            string
	TenantID      string
	ProductID     string
	Quantity      int64
	Status        MovementStatus
	ReferenceType string
	ReferenceID   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Line is a requested outbound quantity of one product.
type Line struct {
	ProductID string
	Quantity  int64
}

// Product mirrors the stock-bearing columns of the products table.
type Product struct {
	ID               string
	TenantID         string
	Name             string
	SKU              string
	UnitPrice        decimal.Decimal
	StockQuantity    int64
	ReservedQuantity int64
}

// Available is on-hand stock not yet promised to a pending order.
func (p Product) Available() int64 {
	return p.StockQuantity - p.ReservedQuantity
}
