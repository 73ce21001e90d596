package loader

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gridsync/internal/client/gridapi"
	"gridsync/internal/models"
)

// FetchError is a batch loader fault. It is surfaced to the caller; retry
// policy belongs to the paging controller, not here.
type FetchError struct {
	Cursor int
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("loader: fetch page %d: %v", e.Cursor, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type BetSource interface {
	ListBets(ctx context.Context, q gridapi.BetsQuery) ([]models.BetRecord, error)
}

type RecordFormatter interface {
	Format(ctx context.Context, records []models.BetRecord) ([]models.Position, error)
}

// Filter narrows a historical fetch; the zero value means the global feed.
type Filter struct {
	Address         string
	TimeperiodStart int64
	TimeperiodEnd   int64
}

// Loader performs cursor-based historical fetches. The cursor is a
// zero-based page index; the fetch offset is cursor * BatchSize.
type Loader struct {
	API       BetSource
	Formatter RecordFormatter
	BatchSize int
	Logger    *zap.Logger
}

// FetchBatch loads one page of history. nextCursor is nil exactly when the
// backend returned fewer than BatchSize records; zero results is a valid
// empty page, not an error.
func (l *Loader) FetchBatch(ctx context.Context, cursor int, filter Filter) ([]models.Position, *int, error) {
	batch := l.BatchSize
	if batch <= 0 {
		batch = 50
	}
	records, err := l.API.ListBets(ctx, gridapi.BetsQuery{
		Address:         filter.Address,
		Offset:          cursor * batch,
		Limit:           batch,
		TimeperiodStart: filter.TimeperiodStart,
		TimeperiodEnd:   filter.TimeperiodEnd,
	})
	if err != nil {
		return nil, nil, &FetchError{Cursor: cursor, Err: err}
	}

	positions, err := l.Formatter.Format(ctx, records)
	if err != nil {
		return nil, nil, &FetchError{Cursor: cursor, Err: err}
	}
	if l.Logger != nil {
		l.Logger.Debug("batch fetched",
			zap.Int("cursor", cursor),
			zap.Int("records", len(records)),
			zap.Int("positions", len(positions)),
		)
	}

	// End-of-data is signalled by record count, not position count: the
	// formatter may drop malformed records without ending pagination.
	if len(records) < batch {
		return positions, nil, nil
	}
	next := cursor + 1
	return positions, &next, nil
}
