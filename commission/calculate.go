package commission

import (
	"sort"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Calculate evaluates rule against data. Unknown kinds pay nothing. Amounts are
// rounded to cents.
func Calculate(rule Rule, data EventData) decimal.Decimal {
	var amount decimal.Decimal
	switch rule.Kind {
	case RuleFlat, RulePerUnit, RulePercentage:
		amount = pay(rule.Kind, rule.Amount, rule.Percentage, data)
	case RuleTiered:
		amount = tiered(rule.Tiers, data)
	default:
		return decimal.Zero
	}
	return amount.Round(2)
}

func pay(kind RuleKind, amount, percentage decimal.Decimal, data EventData) decimal.Decimal {
	switch kind {
	case RuleFlat:
		return amount
	case RulePerUnit:
		qty := data.Quantity
		if qty == 0 {
			qty = 1
		}
		return amount.Mul(decimal.NewFromInt(qty))
	case RulePercentage:
		return data.TotalAmount.Mul(percentage).Div(hundred)
	}
	return decimal.Zero
}

// tiered pays the highest tier whose threshold the comparison value reaches.
// The comparison value is the quantity when one is present, else the total.
func tiered(tiers []Tier, data EventData) decimal.Decimal {
	if len(tiers) == 0 {
		return decimal.Zero
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Threshold.LessThan(sorted[j].Threshold)
	})

	value := data.TotalAmount
	if data.Quantity != 0 {
		value = decimal.NewFromInt(data.Quantity)
	}

	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Threshold.LessThanOrEqual(value) {
			return pay(sorted[i].Type, sorted[i].Amount, sorted[i].Percentage, data)
		}
	}
	return decimal.Zero
}
