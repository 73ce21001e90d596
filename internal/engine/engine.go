package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridsync/internal/cache"
	"gridsync/internal/fallback"
	"gridsync/internal/format"
	"gridsync/internal/journal"
	"gridsync/internal/loader"
	"gridsync/internal/models"
	"gridsync/internal/snapshot"
	"gridsync/internal/transport"
)

const (
	channelWS       = "ws"
	channelFallback = "fallback"
)

type inbound struct {
	channel string
	env     models.Envelope
	raw     []byte
}

// Options tunes the engine; zero values pick defaults.
type Options struct {
	// Address scopes the subscription, the snapshot key, and optimistic
	// inserts to one owner. Empty means the global feed.
	Address string
	// ActivateFallbackAfter bounds how long the primary connect may take
	// before the fallback channel is armed anyway.
	ActivateFallbackAfter time.Duration
	QueueSize             int
	Filter                models.SubscribeFilter
}

// Engine wires the transport, fallback channel, formatter, cache, loader
// and snapshot store into one synchronization pipeline. Both live channels
// produce into a single merge queue consumed by one goroutine, so the
// cache's merge function has exactly one logical writer.
type Engine struct {
	Transport *transport.Client
	Fallback  *fallback.Channel
	Formatter *format.Formatter
	Cache     *cache.Cache
	Loader    *loader.Loader
	Snapshot  *snapshot.Snapshot
	Journal   *journal.Journal
	Logger    *zap.Logger

	opts  Options
	queue chan inbound

	mu         sync.Mutex
	lastErr    error
	nextCursor *int
	started    bool

	fallbackOnce sync.Once
}

func New(opts Options) *Engine {
	if opts.ActivateFallbackAfter <= 0 {
		opts.ActivateFallbackAfter = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Engine{
		opts:  opts,
		queue: make(chan inbound, opts.QueueSize),
	}
}

// Run boots the pipeline: snapshot paint, initial batch load, live attach.
// It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.started = true
	e.mu.Unlock()

	e.paintSnapshot(ctx)
	e.loadInitialPage(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.consume(ctx)
	}()

	e.attachTransport(ctx)

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// paintSnapshot seeds page 0 from the persisted copy so consumers see
// something instantly. The paint is scaffolding either way; the batch load
// replaces it.
func (e *Engine) paintSnapshot(ctx context.Context) {
	positions, age, found, err := e.Snapshot.Load(ctx, e.opts.Address)
	if err != nil {
		e.logWarn("snapshot load failed", err)
		return
	}
	if !found || len(positions) == 0 {
		return
	}
	e.Cache.LoadPage(0, positions)
	if e.Logger != nil {
		e.Logger.Info("snapshot painted",
			zap.Int("positions", len(positions)),
			zap.Duration("age", age),
			zap.Bool("fresh", e.Snapshot.Fresh(age)),
		)
	}
}

func (e *Engine) loadInitialPage(ctx context.Context) {
	positions, next, err := e.Loader.FetchBatch(ctx, 0, e.loaderFilter())
	if err != nil {
		// Surfaced, not retried: the live channels still populate the
		// cache, and LoadMore retries paging on the next consumer pull.
		e.setLastErr(err)
		e.logWarn("initial batch load failed", err)
		return
	}
	e.Cache.LoadPage(0, positions)
	e.mu.Lock()
	e.nextCursor = next
	e.mu.Unlock()
	if err := e.Snapshot.Save(ctx, e.opts.Address, e.Cache.Page(0)); err != nil {
		e.logWarn("snapshot save failed", err)
	}
}

// LoadMore fetches the next history page into the cache. It returns false
// once pagination is exhausted; no request is made past that point.
func (e *Engine) LoadMore(ctx context.Context) (bool, error) {
	e.mu.Lock()
	cursor := e.nextCursor
	e.mu.Unlock()
	if cursor == nil {
		return false, nil
	}
	positions, next, err := e.Loader.FetchBatch(ctx, *cursor, e.loaderFilter())
	if err != nil {
		e.setLastErr(err)
		return false, err
	}
	e.Cache.LoadPage(*cursor, positions)
	e.mu.Lock()
	e.nextCursor = next
	e.mu.Unlock()
	return next != nil, nil
}

func (e *Engine) loaderFilter() loader.Filter {
	return loader.Filter{Address: e.opts.Address}
}

// attachTransport registers handlers, starts the connect attempt, and arms
// the fallback channel if the connect is late or fails. A later successful
// reconnect never deactivates the fallback.
func (e *Engine) attachTransport(ctx context.Context) {
	e.Transport.OnEvent(func(env models.Envelope) {
		e.enqueue(ctx, inbound{channel: channelWS, env: env})
	})
	e.Transport.OnError(func(err error) {
		e.setLastErr(err)
		e.activateFallback(ctx)
	})

	if err := e.Transport.Subscribe(e.opts.Filter); err != nil {
		e.logWarn("subscribe failed", err)
	}

	connected := make(chan error, 1)
	go func() {
		connected <- e.Transport.Connect(ctx)
	}()
	go func() {
		timer := time.NewTimer(e.opts.ActivateFallbackAfter)
		defer timer.Stop()
		select {
		case err := <-connected:
			if err != nil {
				e.setLastErr(err)
				e.activateFallback(ctx)
				return
			}
			if e.Logger != nil {
				e.Logger.Info("primary channel live")
			}
		case <-timer.C:
			// Connect is still pending; arm the fallback and let the
			// primary keep trying.
			e.activateFallback(ctx)
			if err := <-connected; err != nil {
				e.setLastErr(err)
			}
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) activateFallback(ctx context.Context) {
	if e.Fallback == nil {
		return
	}
	e.fallbackOnce.Do(func() {
		e.Fallback.Activate(ctx, func(env models.Envelope, raw []byte) {
			e.enqueue(ctx, inbound{channel: channelFallback, env: env, raw: raw})
		})
	})
}

func (e *Engine) enqueue(ctx context.Context, in inbound) {
	select {
	case e.queue <- in:
	case <-ctx.Done():
	default:
		if e.Logger != nil {
			e.Logger.Warn("merge queue full, event dropped",
				zap.String("channel", in.channel),
				zap.String("type", in.env.Type),
			)
		}
	}
}

// consume is the single merge writer: every mutation of the cache funnels
// through here in arrival order.
func (e *Engine) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-e.queue:
			e.handle(ctx, in)
		}
	}
}

func (e *Engine) handle(ctx context.Context, in inbound) {
	raw := in.raw
	if raw == nil {
		raw, _ = json.Marshal(in.env)
	}
	e.Journal.Record(ctx, in.channel, in.env.Type, raw)

	switch in.env.Type {
	case models.MsgBetPlaced:
		e.handleBet(ctx, in.env)
	case models.MsgSettlement:
		e.handleSettlement(in.env)
	case models.MsgPayout:
		e.handlePayout(in.env)
	}
}

func (e *Engine) handleBet(ctx context.Context, env models.Envelope) {
	if env.EventType == models.EventDelete {
		rec := env.Old
		if rec == nil {
			rec = env.New
		}
		if rec != nil {
			e.Cache.Remove(rec.ID)
		}
		return
	}
	if env.New == nil {
		return
	}
	positions, err := e.Formatter.Format(ctx, []models.BetRecord{*env.New})
	if err != nil {
		e.logWarn("format failed", err)
		return
	}
	for _, pos := range positions {
		e.Cache.Upsert(pos)
	}
}

func (e *Engine) handleSettlement(env models.Envelope) {
	if env.Settlement == nil {
		return
	}
	price := format.PriceLabelE8(env.Settlement.TwapE8)
	e.Cache.OverlayTimeperiod(env.Settlement.TimeperiodID, cache.Overlay{SettlementPrice: &price})
}

func (e *Engine) handlePayout(env models.Envelope) {
	if env.Payout == nil {
		return
	}
	e.Cache.ApplyPayout(*env.Payout)
}

// PlaceIntent inserts an optimistic position for a locally-placed trade.
// Callers invoke it only on confirmed local success; a failed placement
// must never reach the cache.
func (e *Engine) PlaceIntent(intent models.TradeIntent) models.Position {
	pos := e.Formatter.FormatOptimistic(intent)
	pos.Address = e.opts.Address
	e.Cache.InsertOptimistic(pos)
	return pos
}

// PersistPageZero re-saves the instant-paint snapshot; scheduled via cron.
func (e *Engine) PersistPageZero(ctx context.Context) error {
	return e.Snapshot.Save(ctx, e.opts.Address, e.Cache.Page(0))
}

// Live reports whether the primary channel currently holds an established
// connection.
func (e *Engine) Live() bool {
	return e.Transport != nil && e.Transport.State() == transport.StateConnected
}

func (e *Engine) FallbackActive() bool {
	return e.Fallback.Active()
}

func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) setLastErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

func (e *Engine) logWarn(msg string, err error, fields ...zap.Field) {
	if e == nil || e.Logger == nil {
		return
	}
	e.Logger.Warn(msg, append(fields, zap.Error(err))...)
}
