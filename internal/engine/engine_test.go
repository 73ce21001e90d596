package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gridsync/internal/cache"
	"gridsync/internal/client/gridapi"
	"gridsync/internal/fallback"
	"gridsync/internal/format"
	"gridsync/internal/loader"
	"gridsync/internal/models"
	"gridsync/internal/snapshot"
)

type stubBets struct {
	records []models.BetRecord
}

func (s *stubBets) ListBets(_ context.Context, q gridapi.BetsQuery) ([]models.BetRecord, error) {
	start := q.Offset
	if start > len(s.records) {
		start = len(s.records)
	}
	end := start + q.Limit
	if end > len(s.records) {
		end = len(s.records)
	}
	return s.records[start:end], nil
}

func testEngine(records []models.BetRecord) *Engine {
	formatter := &format.Formatter{}
	e := New(Options{Address: "0xabc"})
	e.Formatter = formatter
	e.Cache = cache.New(nil)
	e.Loader = &loader.Loader{API: &stubBets{records: records}, Formatter: formatter, BatchSize: 50}
	e.Snapshot = &snapshot.Snapshot{Store: snapshot.NewMemoryStore()}
	e.Fallback = &fallback.Channel{}
	return e
}

func testRecord(id string, tp int64, createdAtMs int64) models.BetRecord {
	return models.BetRecord{
		ID:           id,
		Address:      "0xabc",
		TimeperiodID: tp,
		PriceMinE8:   3900000000,
		PriceMaxE8:   3920000000,
		Amount:       decimal.NewFromInt(10),
		CreatedAtMs:  createdAtMs,
		Status:       models.BetConfirmed,
	}
}

func TestHandleBetInsert(t *testing.T) {
	e := testEngine(nil)
	rec := testRecord("evt_1", 100, 1000)

	e.handle(context.Background(), inbound{channel: channelWS, env: models.Envelope{
		Type:      models.MsgBetPlaced,
		EventType: models.EventInsert,
		New:       &rec,
	}})

	pos, ok := e.Cache.Get("evt_1")
	if !ok {
		t.Fatalf("inserted bet missing from cache")
	}
	if pos.Settlement.Status != models.SettlementWaiting {
		t.Fatalf("expected waiting, got %q", pos.Settlement.Status)
	}
}

func TestHandleBetDelete(t *testing.T) {
	e := testEngine(nil)
	rec := testRecord("evt_1", 100, 1000)
	e.handle(context.Background(), inbound{env: models.Envelope{Type: models.MsgBetPlaced, New: &rec}})

	e.handle(context.Background(), inbound{env: models.Envelope{
		Type:      models.MsgBetPlaced,
		EventType: models.EventDelete,
		Old:       &rec,
	}})

	if _, ok := e.Cache.Get("evt_1"); ok {
		t.Fatalf("deleted bet still cached")
	}
	if got := e.Cache.Len(); got != 0 {
		t.Fatalf("expected empty cache, got %d", got)
	}
}

func TestPlaceIntentThenAuthoritativeReplacement(t *testing.T) {
	e := testEngine(nil)
	placedAt := time.UnixMilli(1700000000000).UTC()

	opt := e.PlaceIntent(models.TradeIntent{
		TimeperiodID: 100,
		PriceMinUSD:  decimal.NewFromFloat(39.00),
		PriceMaxUSD:  decimal.NewFromFloat(39.20),
		AmountUSD:    decimal.NewFromInt(10),
		PlacedAt:     placedAt,
	})
	if !opt.Optimistic() {
		t.Fatalf("intent did not yield an optimistic position")
	}
	if got := e.Cache.Len(); got != 1 {
		t.Fatalf("expected 1 cached position, got %d", got)
	}

	// The authoritative record lands moments later for the same cell.
	rec := testRecord("evt_1", 100, placedAt.UnixMilli()+400)
	e.handle(context.Background(), inbound{env: models.Envelope{Type: models.MsgBetPlaced, New: &rec}})

	if got := e.Cache.Len(); got != 1 {
		t.Fatalf("expected replacement, got %d positions", got)
	}
	if _, ok := e.Cache.Get(opt.ID); ok {
		t.Fatalf("optimistic entry survived its authoritative replacement")
	}
	if _, ok := e.Cache.Get("evt_1"); !ok {
		t.Fatalf("authoritative entry missing")
	}
}

func TestHandleSettlementOverlay(t *testing.T) {
	e := testEngine(nil)
	rec := testRecord("evt_1", 100, 1000)
	e.handle(context.Background(), inbound{env: models.Envelope{Type: models.MsgBetPlaced, New: &rec}})

	e.handle(context.Background(), inbound{env: models.Envelope{
		Type:       models.MsgSettlement,
		Settlement: &models.SettlementRecord{TimeperiodID: 100, TwapE8: 3912345678},
	}})

	pos, _ := e.Cache.Get("evt_1")
	if pos.Settlement.Price == nil || *pos.Settlement.Price != "$39.12" {
		t.Fatalf("settlement overlay not applied: %v", pos.Settlement.Price)
	}
	if pos.Status != models.PositionInProgress {
		t.Fatalf("settlement overlay changed status to %q", pos.Status)
	}
}

func TestHandlePayoutResolvesCell(t *testing.T) {
	e := testEngine(nil)
	rec := testRecord("evt_1", 100, 1000)
	e.handle(context.Background(), inbound{env: models.Envelope{Type: models.MsgBetPlaced, New: &rec}})

	e.handle(context.Background(), inbound{env: models.Envelope{
		Type:   models.MsgPayout,
		Payout: &models.PayoutRecord{Key: rec.Key(), Value: decimal.NewFromInt(25)},
	}})

	pos, _ := e.Cache.Get("evt_1")
	if pos.Settlement.Status != models.SettlementWin || pos.Status != models.PositionResolved {
		t.Fatalf("payout did not resolve the cell: %q/%q", pos.Settlement.Status, pos.Status)
	}
	if want := decimal.NewFromInt(25); !pos.Payout.Equal(want) {
		t.Fatalf("expected payout %s, got %s", want, pos.Payout)
	}
}

func TestPayoutBeforeBetConverges(t *testing.T) {
	e := testEngine(nil)
	rec := testRecord("evt_1", 100, 1000)

	e.handle(context.Background(), inbound{env: models.Envelope{
		Type:   models.MsgPayout,
		Payout: &models.PayoutRecord{Key: rec.Key(), Value: decimal.NewFromInt(25)},
	}})
	e.handle(context.Background(), inbound{env: models.Envelope{Type: models.MsgBetPlaced, New: &rec}})

	pos, ok := e.Cache.Get("evt_1")
	if !ok {
		t.Fatalf("bet missing after payout-first delivery")
	}
	if pos.Settlement.Status != models.SettlementWin || pos.Status != models.PositionResolved {
		t.Fatalf("payout-first order did not converge: %q/%q", pos.Settlement.Status, pos.Status)
	}
	if want := decimal.NewFromInt(25); !pos.Payout.Equal(want) {
		t.Fatalf("expected payout %s, got %s", want, pos.Payout)
	}
}

func TestLoadMorePaging(t *testing.T) {
	records := make([]models.BetRecord, 0, 62)
	for i := 0; i < 62; i++ {
		records = append(records, testRecord(fmt.Sprintf("evt_%d", i), 100, int64(1000+i)))
	}
	e := testEngine(records)

	e.loadInitialPage(context.Background())
	if got := e.Cache.Len(); got != 50 {
		t.Fatalf("expected 50 positions after initial load, got %d", got)
	}

	more, err := e.LoadMore(context.Background())
	if err != nil {
		t.Fatalf("load more: %v", err)
	}
	if more {
		t.Fatalf("expected exhausted pagination after the short page")
	}
	if got := e.Cache.Len(); got != 62 {
		t.Fatalf("expected all 62 positions, got %d", got)
	}

	// Past the end no request is made and the answer stays false.
	more, err = e.LoadMore(context.Background())
	if err != nil || more {
		t.Fatalf("expected terminal no-op, got more=%v err=%v", more, err)
	}
}

func TestPaintSnapshot(t *testing.T) {
	e := testEngine(nil)
	saved := []models.Position{{
		ID:      "evt_1",
		Address: "0xabc",
		Stake:   decimal.NewFromInt(10),
		Status:  models.PositionInProgress,
	}}
	if err := e.Snapshot.Save(context.Background(), "0xabc", saved); err != nil {
		t.Fatalf("save: %v", err)
	}

	e.paintSnapshot(context.Background())

	if _, ok := e.Cache.Get("evt_1"); !ok {
		t.Fatalf("snapshot not painted into the cache")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	e := testEngine(nil)
	e.queue = make(chan inbound, 1)

	ctx := context.Background()
	e.enqueue(ctx, inbound{channel: channelWS})
	e.enqueue(ctx, inbound{channel: channelWS})

	if got := len(e.queue); got != 1 {
		t.Fatalf("expected overflow drop, queue holds %d", got)
	}
}

type fakeFallbackSource struct {
	mu         sync.Mutex
	subscribes int
	ch         chan string
}

func (s *fakeFallbackSource) Subscribe(_ context.Context) (<-chan string, func()) {
	s.mu.Lock()
	s.subscribes++
	s.mu.Unlock()
	return s.ch, func() {}
}

func (s *fakeFallbackSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

func TestFallbackStickyAcrossRecovery(t *testing.T) {
	e := testEngine(nil)
	src := &fakeFallbackSource{ch: make(chan string, 1)}
	e.Fallback = &fallback.Channel{Source: src}
	if e.FallbackActive() {
		t.Fatalf("fallback active before any fault")
	}

	ctx := context.Background()
	e.activateFallback(ctx)
	if !e.FallbackActive() {
		t.Fatalf("fallback not active after transport fault")
	}

	// A later primary recovery never deactivates it; re-arming attempts
	// are absorbed by the once-guard without resubscribing.
	e.activateFallback(ctx)
	e.activateFallback(ctx)
	if !e.FallbackActive() {
		t.Fatalf("fallback deactivated after primary recovery")
	}
	if got := src.count(); got != 1 {
		t.Fatalf("expected a single subscription, got %d", got)
	}
}

func TestFallbackWithoutBrokerStaysInactive(t *testing.T) {
	e := testEngine(nil)
	e.activateFallback(context.Background())
	e.activateFallback(context.Background())
	if e.FallbackActive() {
		t.Fatalf("client-less fallback channel must stay inactive")
	}
}

func TestLastError(t *testing.T) {
	e := testEngine(nil)
	if e.LastError() != nil {
		t.Fatalf("expected no error initially")
	}
	e.setLastErr(context.DeadlineExceeded)
	if e.LastError() != context.DeadlineExceeded {
		t.Fatalf("last error not surfaced")
	}
}
