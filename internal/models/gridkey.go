package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceScale is the fixed-point scale of all wire prices: 8 decimal places.
const PriceScale = 8

// GridKey identifies one tradable cell: a discrete timeperiod and a price
// band. Prices are carried as 8-decimal fixed-point integers so two keys
// built by different producers compare equal structurally, never through
// formatted strings.
type GridKey struct {
	TimeperiodID int64 `json:"timeperiodId"`
	PriceMinE8   int64 `json:"priceMin"`
	PriceMaxE8   int64 `json:"priceMax"`
}

func (k GridKey) PriceMin() decimal.Decimal {
	return decimal.New(k.PriceMinE8, -PriceScale)
}

func (k GridKey) PriceMax() decimal.Decimal {
	return decimal.New(k.PriceMaxE8, -PriceScale)
}

func (k GridKey) IsZero() bool {
	return k == GridKey{}
}

func (k GridKey) String() string {
	return fmt.Sprintf("%d[%s-%s]", k.TimeperiodID, k.PriceMin().StringFixed(2), k.PriceMax().StringFixed(2))
}

// PriceToE8 converts a USD decimal price to the wire fixed-point form.
func PriceToE8(d decimal.Decimal) int64 {
	return d.Shift(PriceScale).IntPart()
}
