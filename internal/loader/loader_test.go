package loader

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"gridsync/internal/client/gridapi"
	"gridsync/internal/models"
)

type stubBets struct {
	records []models.BetRecord
	err     error
	lastQ   gridapi.BetsQuery
}

func (s *stubBets) ListBets(_ context.Context, q gridapi.BetsQuery) ([]models.BetRecord, error) {
	s.lastQ = q
	if s.err != nil {
		return nil, s.err
	}
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

type passFormatter struct{}

func (passFormatter) Format(_ context.Context, records []models.BetRecord) ([]models.Position, error) {
	out := make([]models.Position, 0, len(records))
	for _, rec := range records {
		out = append(out, models.Position{ID: rec.ID, Stake: rec.Amount, Key: rec.Key()})
	}
	return out, nil
}

type droppingFormatter struct{}

func (droppingFormatter) Format(_ context.Context, records []models.BetRecord) ([]models.Position, error) {
	// Drops every other record the way malformed entries are dropped.
	out := make([]models.Position, 0, len(records))
	for i, rec := range records {
		if i%2 == 1 {
			continue
		}
		out = append(out, models.Position{ID: rec.ID})
	}
	return out, nil
}

func makeRecords(n int) []models.BetRecord {
	out := make([]models.BetRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.BetRecord{
			ID:      fmt.Sprintf("evt_%d", i),
			Address: "0xabc",
			Amount:  decimal.NewFromInt(1),
		})
	}
	return out
}

func TestFetchBatchPaging(t *testing.T) {
	src := &stubBets{records: makeRecords(62)}
	l := &Loader{API: src, Formatter: passFormatter{}, BatchSize: 50}

	positions, next, err := l.FetchBatch(context.Background(), 0, Filter{Address: "0xabc"})
	if err != nil {
		t.Fatalf("page 0: unexpected error: %v", err)
	}
	if len(positions) != 50 {
		t.Fatalf("page 0: expected 50 positions, got %d", len(positions))
	}
	if next == nil || *next != 1 {
		t.Fatalf("page 0: expected next cursor 1, got %v", next)
	}
	if src.lastQ.Offset != 0 || src.lastQ.Limit != 50 {
		t.Fatalf("page 0: unexpected query %+v", src.lastQ)
	}

	positions, next, err = l.FetchBatch(context.Background(), 1, Filter{Address: "0xabc"})
	if err != nil {
		t.Fatalf("page 1: unexpected error: %v", err)
	}
	if len(positions) != 12 {
		t.Fatalf("page 1: expected 12 positions, got %d", len(positions))
	}
	if next != nil {
		t.Fatalf("page 1: expected exhausted pagination, got cursor %d", *next)
	}
	if src.lastQ.Offset != 50 {
		t.Fatalf("page 1: expected offset 50, got %d", src.lastQ.Offset)
	}
}

func TestFetchBatchEmptyPage(t *testing.T) {
	l := &Loader{API: &stubBets{}, Formatter: passFormatter{}, BatchSize: 50}
	positions, next, err := l.FetchBatch(context.Background(), 0, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("expected empty page, got %d positions", len(positions))
	}
	if next != nil {
		t.Fatalf("expected nil cursor on empty page")
	}
}

func TestFetchBatchExactBoundary(t *testing.T) {
	// Exactly one full page: a next cursor is still handed out; the
	// following fetch returns the empty terminal page.
	l := &Loader{API: &stubBets{records: makeRecords(50)}, Formatter: passFormatter{}, BatchSize: 50}

	_, next, err := l.FetchBatch(context.Background(), 0, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next == nil || *next != 1 {
		t.Fatalf("expected cursor 1 at exact boundary, got %v", next)
	}
	positions, next, err := l.FetchBatch(context.Background(), 1, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 0 || next != nil {
		t.Fatalf("expected terminal empty page, got %d positions cursor %v", len(positions), next)
	}
}

func TestFetchBatchEndSignalUsesRecordCount(t *testing.T) {
	// 50 records fetched, half dropped by derivation: pagination must not
	// end early because the formatted count fell under the batch size.
	l := &Loader{API: &stubBets{records: makeRecords(62)}, Formatter: droppingFormatter{}, BatchSize: 50}

	positions, next, err := l.FetchBatch(context.Background(), 0, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) >= 50 {
		t.Fatalf("test premise broken: formatter did not drop records")
	}
	if next == nil || *next != 1 {
		t.Fatalf("pagination ended early on dropped records, cursor %v", next)
	}
}

func TestFetchBatchSurfacesError(t *testing.T) {
	cause := errors.New("backend down")
	l := &Loader{API: &stubBets{err: cause}, Formatter: passFormatter{}, BatchSize: 50}

	_, _, err := l.FetchBatch(context.Background(), 3, Filter{})
	if err == nil {
		t.Fatalf("expected error")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %T", err)
	}
	if fe.Cursor != 3 {
		t.Fatalf("expected cursor 3 in error, got %d", fe.Cursor)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause not wrapped")
	}
}
