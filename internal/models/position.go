package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

type SettlementStatus string

const (
	SettlementWaiting SettlementStatus = "waiting"
	SettlementWin     SettlementStatus = "win"
	SettlementLoss    SettlementStatus = "loss"
)

type PositionStatus string

const (
	PositionInProgress PositionStatus = "in_progress"
	PositionResolved   PositionStatus = "resolved"
)

// OptimisticIDPrefix marks positions inserted from a local trade intent
// before any authoritative record exists for them.
const OptimisticIDPrefix = "opt_"

// PositionSettlement is the settlement sub-object of a Position. Price is
// the display-formatted settlement price ("$39.12") or nil while unknown.
type PositionSettlement struct {
	Status SettlementStatus `json:"status"`
	Price  *string          `json:"price"`
}

// Position is the derived, display-ready projection the cache stores. ID is
// the source bet record's event identifier, or a synthetic opt_* identifier
// for optimistic entries.
type Position struct {
	ID          string             `json:"id"`
	Address     string             `json:"address"`
	PlacedAt    string             `json:"placedAt"`
	PriceRange  string             `json:"priceRange"`
	ExpiresAt   string             `json:"expiresAt"`
	Stake       decimal.Decimal    `json:"stake"`
	Payout      decimal.Decimal    `json:"payout"`
	Multiplier  string             `json:"multiplier"`
	Settlement  PositionSettlement `json:"settlement"`
	Status      PositionStatus     `json:"status"`
	Key         GridKey            `json:"gridKey"`
	BlockNumber *int64             `json:"blockNumber"`
	CreatedAtMs int64              `json:"createdAtMs"`
}

func (p Position) Optimistic() bool {
	return strings.HasPrefix(p.ID, OptimisticIDPrefix)
}

// Resolved reports whether authoritative settlement data finished this
// position. Overlay updates must never regress it.
func (p Position) Resolved() bool {
	return p.Status == PositionResolved
}
