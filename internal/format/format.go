package format

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridsync/internal/models"
)

// ErrMalformedRecord marks a single record that failed derivation. The
// record is dropped; the rest of its batch is preserved.
var ErrMalformedRecord = errors.New("format: malformed record")

// FallbackMultiplier is displayed for a waiting position whose record
// carries no usable multiplier yet.
var FallbackMultiplier = decimal.NewFromFloat(1.8)

const (
	placedAtLayout = "Jan 2, 2006 15:04"
	expiryLayout   = "Jan 2, 15:04"
)

type SettlementSource interface {
	SettlementsByTimeperiods(ctx context.Context, ids []int64) (map[int64]models.SettlementRecord, error)
}

type PayoutSource interface {
	PayoutsByGridKeys(ctx context.Context, keys []models.GridKey) (map[models.GridKey]models.PayoutRecord, error)
}

// Formatter derives display-ready positions from raw records. Format is
// pure over its inputs plus the two grouped lookups; it holds no state.
type Formatter struct {
	Settlements SettlementSource
	Payouts     PayoutSource
	Logger      *zap.Logger
}

// Format derives one Position per well-formed record. For N records it
// performs at most two grouped lookups, resolved in parallel: settlements
// keyed by the distinct timeperiod identifiers and payouts keyed by the
// distinct grid keys.
func (f *Formatter) Format(ctx context.Context, records []models.BetRecord) ([]models.Position, error) {
	if len(records) == 0 {
		return nil, nil
	}

	timeperiods := make([]int64, 0, len(records))
	seenTP := map[int64]struct{}{}
	keys := make([]models.GridKey, 0, len(records))
	seenKey := map[models.GridKey]struct{}{}
	for _, rec := range records {
		if _, ok := seenTP[rec.TimeperiodID]; !ok {
			seenTP[rec.TimeperiodID] = struct{}{}
			timeperiods = append(timeperiods, rec.TimeperiodID)
		}
		key := rec.Key()
		if _, ok := seenKey[key]; !ok {
			seenKey[key] = struct{}{}
			keys = append(keys, key)
		}
	}

	var (
		settlements    map[int64]models.SettlementRecord
		payouts        map[models.GridKey]models.PayoutRecord
		settlementsErr error
		payoutsErr     error
		wg             sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if f.Settlements == nil {
			return
		}
		settlements, settlementsErr = f.Settlements.SettlementsByTimeperiods(ctx, timeperiods)
	}()
	go func() {
		defer wg.Done()
		if f.Payouts == nil {
			return
		}
		payouts, payoutsErr = f.Payouts.PayoutsByGridKeys(ctx, keys)
	}()
	wg.Wait()

	// A failed lookup degrades classification to the weakest status rather
	// than poisoning the batch: without settlements everything stays
	// waiting, and without payouts a settled cell must not be classified
	// lost by absence of data we never received.
	if settlementsErr != nil {
		f.logWarn("settlement lookup failed", settlementsErr)
		settlements = nil
	}
	if payoutsErr != nil {
		f.logWarn("payout lookup failed", payoutsErr)
	}

	out := make([]models.Position, 0, len(records))
	for _, rec := range records {
		pos, err := f.formatRecord(rec, settlements, payouts, payoutsErr != nil)
		if err != nil {
			f.logWarn("record dropped", err, zap.String("id", rec.ID))
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

func (f *Formatter) formatRecord(
	rec models.BetRecord,
	settlements map[int64]models.SettlementRecord,
	payouts map[models.GridKey]models.PayoutRecord,
	payoutsUnavailable bool,
) (models.Position, error) {
	if rec.ID == "" {
		return models.Position{}, fmt.Errorf("%w: empty identifier", ErrMalformedRecord)
	}
	if rec.Address == "" {
		return models.Position{}, fmt.Errorf("%w: empty address (id=%s)", ErrMalformedRecord, rec.ID)
	}
	if !rec.Amount.IsPositive() {
		return models.Position{}, fmt.Errorf("%w: non-positive stake (id=%s)", ErrMalformedRecord, rec.ID)
	}

	key := rec.Key()
	pos := models.Position{
		ID:          rec.ID,
		Address:     rec.Address,
		PlacedAt:    rec.CreatedTime().Format(placedAtLayout),
		PriceRange:  RangeLabel(key),
		ExpiresAt:   time.Unix(rec.TimeperiodID, 0).UTC().Format(expiryLayout),
		Stake:       rec.Amount,
		Key:         key,
		BlockNumber: rec.BlockNumber,
		CreatedAtMs: rec.CreatedAtMs,
		Settlement:  models.PositionSettlement{Status: models.SettlementWaiting},
		Status:      models.PositionInProgress,
	}

	settlement, settled := lookupSettlement(settlements, rec.TimeperiodID)
	if settled {
		price := PriceLabelE8(settlement.TwapE8)
		pos.Settlement.Price = &price
	} else if rec.SettlementE8 != nil {
		price := PriceLabelE8(*rec.SettlementE8)
		pos.Settlement.Price = &price
	}

	switch {
	// (1) The record already carries a final lifecycle status: trust it.
	case rec.Status == models.BetWon || rec.Status == models.BetLost:
		mult := decimal.Zero
		if rec.Multiplier != nil {
			mult = *rec.Multiplier
		}
		pos.Multiplier = MultiplierLabel(mult)
		pos.Status = models.PositionResolved
		if rec.Status == models.BetWon {
			pos.Settlement.Status = models.SettlementWin
			pos.Payout = rec.Amount.Mul(mult)
		} else {
			pos.Settlement.Status = models.SettlementLoss
			pos.Payout = decimal.Zero
		}

	// (2) No settlement yet: waiting, with a provisional multiplier.
	case !settled:
		mult := FallbackMultiplier
		if rec.Multiplier != nil && rec.Multiplier.IsPositive() {
			mult = *rec.Multiplier
		}
		pos.Multiplier = MultiplierLabel(mult)
		pos.Payout = rec.Amount.Mul(mult)

	// (3) Settled but no payout record for this cell: lost by absence.
	default:
		payout, won := payouts[key]
		if !won {
			if payoutsUnavailable {
				// Cannot distinguish "no payout" from "lookup failed";
				// stay waiting until data is actually available.
				mult := FallbackMultiplier
				if rec.Multiplier != nil && rec.Multiplier.IsPositive() {
					mult = *rec.Multiplier
				}
				pos.Multiplier = MultiplierLabel(mult)
				pos.Payout = rec.Amount.Mul(mult)
				break
			}
			pos.Settlement.Status = models.SettlementLoss
			pos.Status = models.PositionResolved
			pos.Payout = decimal.Zero
			pos.Multiplier = MultiplierLabel(decimal.Zero)
			break
		}
		// (4) Payout data resolved: won.
		pos.Settlement.Status = models.SettlementWin
		pos.Status = models.PositionResolved
		pos.Payout = payout.Value
		pos.Multiplier = MultiplierLabel(payout.Value.Div(rec.Amount))
	}

	return pos, nil
}

// FormatOptimistic derives a Position directly from a locally-known trade
// intent, with no lookups. It always yields waiting status; the provisional
// payout uses the fallback multiplier.
func (f *Formatter) FormatOptimistic(intent models.TradeIntent) models.Position {
	placedAt := intent.PlacedAt
	if placedAt.IsZero() {
		placedAt = time.Now().UTC()
	}
	key := intent.Key()
	return models.Position{
		ID:          OptimisticID(placedAt),
		Address:     "",
		PlacedAt:    placedAt.UTC().Format(placedAtLayout),
		PriceRange:  RangeLabel(key),
		ExpiresAt:   time.Unix(intent.TimeperiodID, 0).UTC().Format(expiryLayout),
		Stake:       intent.AmountUSD,
		Payout:      intent.AmountUSD.Mul(FallbackMultiplier),
		Multiplier:  MultiplierLabel(FallbackMultiplier),
		Settlement:  models.PositionSettlement{Status: models.SettlementWaiting},
		Status:      models.PositionInProgress,
		Key:         key,
		CreatedAtMs: placedAt.UnixMilli(),
	}
}

// OptimisticID builds the synthetic identifier opt_<unixms>_<random>.
func OptimisticID(placedAt time.Time) string {
	return fmt.Sprintf("%s%d_%s", models.OptimisticIDPrefix, placedAt.UnixMilli(), uuid.NewString()[:8])
}

// ApplyPayout resolves a cached position as won with the given redeemable
// value. Already-resolved positions are returned unchanged: payout events
// are advisory next to a final authoritative record.
func ApplyPayout(pos models.Position, payout models.PayoutRecord) models.Position {
	if pos.Resolved() {
		return pos
	}
	pos.Settlement.Status = models.SettlementWin
	pos.Status = models.PositionResolved
	pos.Payout = payout.Value
	if pos.Stake.IsPositive() {
		pos.Multiplier = MultiplierLabel(payout.Value.Div(pos.Stake))
	}
	return pos
}

// PriceLabelE8 renders an 8-decimal fixed-point price as "$39.12".
func PriceLabelE8(e8 int64) string {
	return "$" + decimal.New(e8, -models.PriceScale).StringFixed(2)
}

func RangeLabel(key models.GridKey) string {
	return fmt.Sprintf("$%s – $%s", key.PriceMin().StringFixed(2), key.PriceMax().StringFixed(2))
}

func MultiplierLabel(mult decimal.Decimal) string {
	return mult.StringFixed(2) + "x"
}

func lookupSettlement(settlements map[int64]models.SettlementRecord, timeperiodID int64) (models.SettlementRecord, bool) {
	if settlements == nil {
		return models.SettlementRecord{}, false
	}
	s, ok := settlements[timeperiodID]
	return s, ok
}

func (f *Formatter) logWarn(msg string, err error, fields ...zap.Field) {
	if f == nil || f.Logger == nil {
		return
	}
	f.Logger.Warn(msg, append(fields, zap.Error(err))...)
}
