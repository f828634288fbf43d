package catalog

import (
	"github.com/shopspring/decimal"

	"salessync/geo"
)

// Customer is a visitable outlet. Location is nil until one is registered.
type Customer struct {
	ID       string     `json:"id"`
	TenantID string     `json:"tenant_id"`
	Name     string     `json:"name"`
	Location *geo.Point `json:"location,omitempty"`
}

// Survey is a questionnaire definition. A nil VisitType or BrandID applies to
// every visit.
type Survey struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	IsMandatory bool    `json:"is_mandatory"`
	VisitType   *string `json:"visit_type,omitempty"`
	BrandID     *string `json:"brand_id,omitempty"`
	SortOrder   int     `json:"sort_order"`
}

// Board is a brand's placement board and the flat amount a placement earns.
type Board struct {
	ID             string          `json:"id"`
	BrandID        string          `json:"brand_id"`
	Name           string          `json:"name"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
}
