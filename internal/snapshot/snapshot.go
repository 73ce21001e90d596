package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gridsync/internal/models"
)

// DefaultTTL is the freshness bound: younger snapshots may be painted as-is,
// older ones are non-authoritative scaffolding.
const DefaultTTL = 60 * time.Second

type envelope struct {
	SavedAtMs int64             `json:"savedAt"`
	Positions []models.Position `json:"positions"`
}

// Snapshot persists a best-effort copy of page 0, scoped per owning
// address, so a returning consumer gets an instant paint before live data
// arrives.
type Snapshot struct {
	Store     Store
	KeyPrefix string
	TTL       time.Duration
	Logger    *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

func (s *Snapshot) key(address string) string {
	prefix := s.KeyPrefix
	if prefix == "" {
		prefix = "gridsync:page0"
	}
	if address == "" {
		return prefix + ":global"
	}
	return prefix + ":" + address
}

func (s *Snapshot) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Snapshot) Save(ctx context.Context, address string, positions []models.Position) error {
	if s == nil || s.Store == nil {
		return nil
	}
	payload, err := json.Marshal(envelope{
		SavedAtMs: s.clock().UnixMilli(),
		Positions: positions,
	})
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := s.Store.Set(ctx, s.key(address), payload); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("snapshot save failed", zap.Error(err))
		}
		return err
	}
	return nil
}

// Load returns the persisted page and its age. found is false when no
// snapshot exists; a stale snapshot is still returned, never discarded here.
func (s *Snapshot) Load(ctx context.Context, address string) (positions []models.Position, age time.Duration, found bool, err error) {
	if s == nil || s.Store == nil {
		return nil, 0, false, nil
	}
	payload, ok, err := s.Store.Get(ctx, s.key(address))
	if err != nil || !ok {
		return nil, 0, false, err
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, 0, false, fmt.Errorf("snapshot: decode: %w", err)
	}
	age = time.Duration(s.clock().UnixMilli()-env.SavedAtMs) * time.Millisecond
	return env.Positions, age, true, nil
}

// Fresh reports whether a snapshot of the given age is within the TTL.
func (s *Snapshot) Fresh(age time.Duration) bool {
	ttl := DefaultTTL
	if s != nil && s.TTL > 0 {
		ttl = s.TTL
	}
	return age < ttl
}
