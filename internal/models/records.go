package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BetStatus string

const (
	BetPending   BetStatus = "pending"
	BetConfirmed BetStatus = "confirmed"
	BetWon       BetStatus = "won"
	BetLost      BetStatus = "lost"
)

// BetRecord is the authoritative-origin trade record as delivered by the
// backend. (grid key, address) is unique: one address holds at most one
// record per cell.
type BetRecord struct {
	ID            string           `json:"id"`
	Address       string           `json:"address"`
	TimeperiodID  int64            `json:"timeperiodId"`
	PriceMinE8    int64            `json:"priceMin"`
	PriceMaxE8    int64            `json:"priceMax"`
	Amount        decimal.Decimal  `json:"amount"`
	Shares        decimal.Decimal  `json:"shares"`
	CreatedAtMs   int64            `json:"createdAt"`
	Status        BetStatus        `json:"status"`
	SettlementE8  *int64           `json:"settlementPrice,omitempty"`
	Multiplier    *decimal.Decimal `json:"multiplier,omitempty"`
	BlockNumber   *int64           `json:"blockNumber,omitempty"`
}

func (b BetRecord) Key() GridKey {
	return GridKey{
		TimeperiodID: b.TimeperiodID,
		PriceMinE8:   b.PriceMinE8,
		PriceMaxE8:   b.PriceMaxE8,
	}
}

func (b BetRecord) CreatedTime() time.Time {
	return time.UnixMilli(b.CreatedAtMs).UTC()
}

// SettlementRecord arrives independently of bets and is joined by
// timeperiod identifier. TwapE8 is the time-weighted settlement price.
type SettlementRecord struct {
	TimeperiodID int64   `json:"timeperiodId"`
	TwapE8       int64   `json:"twapPrice"`
	WinningKey   GridKey `json:"winningKey"`
}

// PayoutRecord arrives after settlement and is joined by grid key.
type PayoutRecord struct {
	Key   GridKey         `json:"gridKey"`
	Value decimal.Decimal `json:"value"`
}

// TradeIntent is what the order-placement collaborator hands over on local
// success. It carries everything needed for an optimistic render and
// nothing authoritative.
type TradeIntent struct {
	TimeperiodID int64           `json:"timeperiodId"`
	PriceMinUSD  decimal.Decimal `json:"priceMinUSD"`
	PriceMaxUSD  decimal.Decimal `json:"priceMaxUSD"`
	AmountUSD    decimal.Decimal `json:"amountUSD"`
	PlacedAt     time.Time       `json:"-"`
}

func (i TradeIntent) Key() GridKey {
	return GridKey{
		TimeperiodID: i.TimeperiodID,
		PriceMinE8:   PriceToE8(i.PriceMinUSD),
		PriceMaxE8:   PriceToE8(i.PriceMaxUSD),
	}
}
