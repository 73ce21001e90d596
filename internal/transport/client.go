package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"gridsync/internal/models"
)

// ErrConnectFailure means the initial handshake never reached an established
// connection. Errors after an established connection are reported through
// error handlers, never through Connect's result.
var ErrConnectFailure = errors.New("transport: connect failure")

// ErrClosed means the client was permanently disconnected.
var ErrClosed = errors.New("transport: closed")

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

type Options struct {
	URL               string
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxReconnects     int
	Logger            *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 60 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 10
	}
}

// Client owns one persistent bidirectional connection. Construction never
// fails; all failure surfaces from Connect or through error handlers.
type Client struct {
	opts     Options
	handlers handlerSet

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	filter    *models.SubscribeFilter
	pending   [][]byte
	closed    bool
	runCancel context.CancelFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func New(opts Options) *Client {
	opts.applyDefaults()
	return &Client{opts: opts, state: StateIdle}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the endpoint and returns once the connection is established,
// or with ErrConnectFailure if the handshake never completes. It resolves
// exactly once; reconnection after an established connection is internal.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: connect from state %q", ErrConnectFailure, state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, nil)
	cancelDial()
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return fmt.Errorf("%w: dial %s: %v", ErrConnectFailure, c.opts.URL, err)
	}
	conn.SetReadLimit(2 << 20)

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "closed before established")
		return fmt.Errorf("%w: disconnected during handshake", ErrConnectFailure)
	}
	c.conn = conn
	c.state = StateConnected
	c.runCancel = cancel
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if c.opts.Logger != nil {
		c.opts.Logger.Info("transport connected", zap.String("url", c.opts.URL))
	}
	c.flush(runCtx, pending)

	c.wg.Add(2)
	go c.heartbeatLoop(runCtx)
	go c.readLoop(runCtx, conn)
	return nil
}

// Disconnect permanently disables reconnection for this instance.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	cancel := c.runCancel
	dropped := len(c.pending)
	c.pending = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
	if dropped > 0 && c.opts.Logger != nil {
		c.opts.Logger.Warn("transport dropped queued sends on disconnect", zap.Int("count", dropped))
	}
	c.wg.Wait()
}

// Subscribe sends the declarative filter and remembers it for resubscription
// after a reconnect. Pre-connect calls are queued.
func (c *Client) Subscribe(filter models.SubscribeFilter) error {
	c.mu.Lock()
	c.filter = &filter
	c.mu.Unlock()
	return c.send(subscribeMessage(filter))
}

// UpdateFilters merges partial into the active filter and, when connected,
// resends the subscription. It never tears the connection down.
func (c *Client) UpdateFilters(partial models.SubscribeFilter) error {
	c.mu.Lock()
	base := models.SubscribeFilter{}
	if c.filter != nil {
		base = *c.filter
	}
	merged := base.Merge(partial)
	c.filter = &merged
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.send(subscribeMessage(merged))
}

type subscribeEnvelope struct {
	Type string `json:"type"`
	models.SubscribeFilter
}

func subscribeMessage(filter models.SubscribeFilter) any {
	return subscribeEnvelope{Type: "subscribe", SubscribeFilter: filter}
}

// send marshals v and either writes it immediately, queues it until the
// connection opens, or drops it with a logged failure once closed.
func (c *Client) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	switch {
	case c.state == StateConnected && c.conn != nil:
		conn := c.conn
		c.mu.Unlock()
		if err := c.write(conn, payload); err != nil {
			c.handlers.emitError(fmt.Errorf("transport: write: %w", err))
		}
		return nil
	case c.state == StateClosed:
		c.mu.Unlock()
		if c.opts.Logger != nil {
			c.opts.Logger.Warn("transport send dropped: closed")
		}
		return nil
	default:
		c.pending = append(c.pending, payload)
		c.mu.Unlock()
		return nil
	}
}

func (c *Client) write(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (c *Client) flush(ctx context.Context, pending [][]byte) {
	if len(pending) == 0 {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	for _, payload := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := c.write(conn, payload); err != nil {
			if c.opts.Logger != nil {
				c.opts.Logger.Warn("transport flush failed", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			state := c.state
			c.mu.Unlock()
			if state == StateClosed {
				return
			}
			if state != StateConnected || conn == nil {
				continue
			}
			if err := c.write(conn, []byte(`{"type":"ping"}`)); err != nil {
				// A failed heartbeat write closes the socket; the read
				// loop picks the closure up and drives reconnection.
				_ = conn.Close(websocket.StatusAbnormalClosure, "heartbeat write failed")
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			c.handlers.emitError(fmt.Errorf("transport: read: %w", err))
			next := c.reconnect(ctx)
			if next == nil {
				return
			}
			conn = next
			continue
		}
		c.dispatch(data)
	}
}

// reconnect retries with delay base*2^(attempt-1) capped at BackoffMax, up
// to MaxReconnects attempts, then gives up silently.
func (c *Client) reconnect(ctx context.Context) *websocket.Conn {
	c.setState(StateReconnecting)
	for attempt := 1; attempt <= c.opts.MaxReconnects; attempt++ {
		delay := backoffDelay(c.opts.BackoffBase, c.opts.BackoffMax, attempt)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if c.isClosed() {
			return nil
		}
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		conn, _, err := websocket.Dial(dialCtx, c.opts.URL, nil)
		cancel()
		if err != nil {
			if c.opts.Logger != nil {
				c.opts.Logger.Warn("transport reconnect failed",
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
			}
			continue
		}
		conn.SetReadLimit(2 << 20)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "closed during reconnect")
			return nil
		}
		c.conn = conn
		c.state = StateConnected
		var filter *models.SubscribeFilter
		if c.filter != nil {
			f := *c.filter
			filter = &f
		}
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		if c.opts.Logger != nil {
			c.opts.Logger.Info("transport reconnected", zap.Int("attempt", attempt))
		}
		if filter != nil {
			payload, err := json.Marshal(subscribeMessage(*filter))
			if err == nil {
				_ = c.write(conn, payload)
			}
		}
		c.flush(ctx, pending)
		return conn
	}

	c.mu.Lock()
	c.state = StateClosed
	dropped := len(c.pending)
	c.pending = nil
	c.mu.Unlock()
	if dropped > 0 && c.opts.Logger != nil {
		c.opts.Logger.Warn("transport dropped queued sends after reconnect exhaustion", zap.Int("count", dropped))
	}
	return nil
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (c *Client) dispatch(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if c.opts.Logger != nil {
			c.opts.Logger.Warn("transport malformed frame", zap.Error(err))
		}
		return
	}
	switch env.Type {
	case models.MsgPing:
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = c.write(conn, []byte(`{"type":"pong"}`))
		}
	case models.MsgBatch:
		// Batches and live events are equivalent: fan out to batch
		// handlers and to the same single-event handlers.
		c.handlers.emitBatch(env.Events)
		for _, ev := range env.Events {
			c.emitEvent(ev)
			c.handlers.emitMessage(ev.Type, ev)
		}
	default:
		c.emitEvent(env)
	}
	c.handlers.emitMessage(env.Type, env)
}

func (c *Client) emitEvent(env models.Envelope) {
	switch env.Type {
	case models.MsgBetPlaced, models.MsgSettlement, models.MsgPayout:
		c.handlers.emitEvent(env)
	}
}

func (c *Client) OnEvent(fn func(models.Envelope)) Detach {
	return c.handlers.onEvent(fn)
}

func (c *Client) OnBatch(fn func([]models.Envelope)) Detach {
	return c.handlers.onBatch(fn)
}

func (c *Client) OnError(fn func(error)) Detach {
	return c.handlers.onError(fn)
}

func (c *Client) OnMessage(msgType string, fn func(models.Envelope)) Detach {
	return c.handlers.onMessage(msgType, fn)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
