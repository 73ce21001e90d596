package cache

import (
	"sync"

	"go.uber.org/zap"

	"gridsync/internal/format"
	"gridsync/internal/models"
)

// ProximityWindowMs bounds how far apart (in creation time) an optimistic
// entry and its authoritative replacement may be and still match.
const ProximityWindowMs = 1000

// Overlay is a targeted field update applied ahead of full authoritative
// data. It is advisory: it never changes a position's status.
type Overlay struct {
	SettlementPrice *string
}

type location struct {
	page int
	idx  int
}

// Cache is the paginated, ordered collection of positions exposed to
// consumers. All merge paths funnel through its mutex; it is the sole
// mutator of stored positions.
type Cache struct {
	mu    sync.Mutex
	pages [][]models.Position
	index map[string]location

	// Overlays and payouts are remembered so they can be re-applied to
	// positions that arrive after the event did.
	keyOverlays map[models.GridKey]Overlay
	tpOverlays  map[int64]Overlay
	keyPayouts  map[models.GridKey]models.PayoutRecord

	logger *zap.Logger
}

func New(logger *zap.Logger) *Cache {
	return &Cache{
		index:       map[string]location{},
		keyOverlays: map[models.GridKey]Overlay{},
		tpOverlays:  map[int64]Overlay{},
		keyPayouts:  map[models.GridKey]models.PayoutRecord{},
		logger:      logger,
	}
}

// InsertOptimistic places a locally-derived position at the head of page 0.
func (c *Cache) InsertOptimistic(pos models.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyOverlaysLocked(&pos)
	c.prependLocked(pos)
}

// Upsert merges one authoritative position. Priority: identifier equality
// first; then optimistic promotion by (grid key, address) within the
// proximity window, replacing the optimistic entry in place so the row never
// visually disappears; otherwise a fresh insert at the head of page 0.
func (c *Cache) Upsert(pos models.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyOverlaysLocked(&pos)

	if loc, ok := c.index[pos.ID]; ok {
		existing := c.pages[loc.page][loc.idx]
		if pos.Settlement.Price == nil && existing.Settlement.Price != nil {
			pos.Settlement.Price = existing.Settlement.Price
		}
		c.pages[loc.page][loc.idx] = pos
		return
	}

	if loc, ok := c.matchOptimisticLocked(pos); ok {
		delete(c.index, c.pages[loc.page][loc.idx].ID)
		c.pages[loc.page][loc.idx] = pos
		c.index[pos.ID] = loc
		return
	}

	c.prependLocked(pos)
}

func (c *Cache) matchOptimisticLocked(pos models.Position) (location, bool) {
	for pageIdx, page := range c.pages {
		for idx, existing := range page {
			if !existing.Optimistic() {
				continue
			}
			if existing.Key != pos.Key {
				continue
			}
			if existing.Address != "" && existing.Address != pos.Address {
				continue
			}
			delta := pos.CreatedAtMs - existing.CreatedAtMs
			if delta < 0 {
				delta = -delta
			}
			if delta > ProximityWindowMs {
				continue
			}
			return location{page: pageIdx, idx: idx}, true
		}
	}
	return location{}, false
}

// OverlayField applies a partial update to every position holding the grid
// key, wherever it resides, and remembers it for pages loaded later. Status
// is never touched: a stronger status applied by a later-arriving
// authoritative record must not be downgraded by an overlay.
func (c *Cache) OverlayField(key models.GridKey, overlay Overlay) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyOverlays[key] = overlay
	for pageIdx := range c.pages {
		for idx := range c.pages[pageIdx] {
			if c.pages[pageIdx][idx].Key == key {
				applyOverlay(&c.pages[pageIdx][idx], overlay)
			}
		}
	}
}

// OverlayTimeperiod applies a partial update to every position in a
// timeperiod. Used when a settlement price arrives ahead of payout data:
// the TWAP belongs to every cell of the settled timeperiod.
func (c *Cache) OverlayTimeperiod(timeperiodID int64, overlay Overlay) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tpOverlays[timeperiodID] = overlay
	for pageIdx := range c.pages {
		for idx := range c.pages[pageIdx] {
			if c.pages[pageIdx][idx].Key.TimeperiodID == timeperiodID {
				applyOverlay(&c.pages[pageIdx][idx], overlay)
			}
		}
	}
}

func applyOverlay(pos *models.Position, overlay Overlay) {
	if overlay.SettlementPrice != nil {
		pos.Settlement.Price = overlay.SettlementPrice
	}
}

func (c *Cache) applyOverlaysLocked(pos *models.Position) {
	if overlay, ok := c.tpOverlays[pos.Key.TimeperiodID]; ok {
		applyOverlay(pos, overlay)
	}
	if overlay, ok := c.keyOverlays[pos.Key]; ok {
		applyOverlay(pos, overlay)
	}
	if payout, ok := c.keyPayouts[pos.Key]; ok {
		*pos = format.ApplyPayout(*pos, payout)
	}
}

// ApplyPayout resolves every cached position in the winning cell and
// remembers the payout, so a position that arrives only afterwards still
// converges to win regardless of event order.
func (c *Cache) ApplyPayout(payout models.PayoutRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyPayouts[payout.Key] = payout
	for pageIdx := range c.pages {
		for idx := range c.pages[pageIdx] {
			if c.pages[pageIdx][idx].Key == payout.Key {
				c.pages[pageIdx][idx] = format.ApplyPayout(c.pages[pageIdx][idx], payout)
			}
		}
	}
}

// Remove deletes by identifier. Removing an absent identifier is a no-op.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	loc, ok := c.index[id]
	if !ok {
		return
	}
	page := c.pages[loc.page]
	c.pages[loc.page] = append(page[:loc.idx], page[loc.idx+1:]...)
	delete(c.index, id)
	c.reindexPageLocked(loc.page)
}

// LoadPage installs a batch-loaded page. Stored overlays are re-applied so
// an overlay arriving before its page still lands. Entries already cached
// under the same identifier elsewhere are dropped from the incoming page
// rather than duplicated.
func (c *Cache) LoadPage(pageIdx int, positions []models.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pageIdx >= len(c.pages) {
		c.pages = append(c.pages, nil)
	}

	for _, old := range c.pages[pageIdx] {
		delete(c.index, old.ID)
	}

	kept := make([]models.Position, 0, len(positions))
	for _, pos := range positions {
		if loc, ok := c.index[pos.ID]; ok && loc.page != pageIdx {
			continue
		}
		c.applyOverlaysLocked(&pos)
		kept = append(kept, pos)
	}
	c.pages[pageIdx] = kept
	c.reindexPageLocked(pageIdx)
	if c.logger != nil {
		c.logger.Debug("page loaded", zap.Int("page", pageIdx), zap.Int("positions", len(kept)))
	}
}

func (c *Cache) prependLocked(pos models.Position) {
	if len(c.pages) == 0 {
		c.pages = append(c.pages, nil)
	}
	c.pages[0] = append([]models.Position{pos}, c.pages[0]...)
	c.reindexPageLocked(0)
}

func (c *Cache) reindexPageLocked(pageIdx int) {
	for idx, pos := range c.pages[pageIdx] {
		c.index[pos.ID] = location{page: pageIdx, idx: idx}
	}
}

// Get returns the position with the given identifier, if cached.
func (c *Cache) Get(id string) (models.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	loc, ok := c.index[id]
	if !ok {
		return models.Position{}, false
	}
	return c.pages[loc.page][loc.idx], true
}

// Page returns a copy of one page; out-of-range pages are empty.
func (c *Cache) Page(pageIdx int) []models.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pageIdx < 0 || pageIdx >= len(c.pages) {
		return nil
	}
	out := make([]models.Position, len(c.pages[pageIdx]))
	copy(out, c.pages[pageIdx])
	return out
}

func (c *Cache) PageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, page := range c.pages {
		n += len(page)
	}
	return n
}

// Flatten returns every cached position in page order.
func (c *Cache) Flatten() []models.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Position, 0)
	for _, page := range c.pages {
		out = append(out, page...)
	}
	return out
}

// ListByKey returns cached positions holding one grid key. Used when a
// payout event resolves the winning cell.
func (c *Cache) ListByKey(key models.GridKey) []models.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Position
	for _, page := range c.pages {
		for _, pos := range page {
			if pos.Key == key {
				out = append(out, pos)
			}
		}
	}
	return out
}

// ListByTimeperiod returns cached positions for one timeperiod. Used when a
// payout event triggers re-derivation of the affected cells.
func (c *Cache) ListByTimeperiod(timeperiodID int64) []models.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Position
	for _, page := range c.pages {
		for _, pos := range page {
			if pos.Key.TimeperiodID == timeperiodID {
				out = append(out, pos)
			}
		}
	}
	return out
}
