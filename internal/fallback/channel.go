package fallback

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gridsync/internal/models"
)

// Source is the underlying subscription the channel consumes. The default
// is Redis pub/sub; Subscribe returns the payload stream and a stop
// function invoked when delivery ends.
type Source interface {
	Subscribe(ctx context.Context) (<-chan string, func())
}

type redisSource struct {
	client  *redis.Client
	channel string
}

func (s redisSource) Subscribe(ctx context.Context) (<-chan string, func()) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = pubsub.Close() }
}

// Channel is the redundant push subscription against the same logical event
// source. It is activated when the primary transport is late or faulty and,
// once active, stays active for the life of the session: duplicate delivery
// is cheap to dedup downstream, missed delivery is not recoverable.
type Channel struct {
	Client      *redis.Client
	ChannelName string
	// Address optionally narrows delivery to one owner's bet events;
	// settlement and payout events always pass through.
	Address string
	Logger  *zap.Logger

	// Source overrides the Redis subscription when set.
	Source Source

	mu     sync.Mutex
	active bool
}

func (c *Channel) source() Source {
	if c.Source != nil {
		return c.Source
	}
	if c.Client == nil {
		return nil
	}
	return redisSource{client: c.Client, channel: c.ChannelName}
}

// Activate subscribes and begins delivering envelopes. It is idempotent;
// there is deliberately no Deactivate.
func (c *Channel) Activate(ctx context.Context, deliver func(env models.Envelope, raw []byte)) {
	if c == nil {
		return
	}
	src := c.source()
	if src == nil {
		return
	}
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.mu.Unlock()

	if c.Logger != nil {
		c.Logger.Info("fallback channel activated", zap.String("channel", c.ChannelName))
	}

	ch, stop := src.Subscribe(ctx)
	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				c.handle([]byte(payload), deliver)
			}
		}
	}()
}

func (c *Channel) Active() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Channel) handle(raw []byte, deliver func(models.Envelope, []byte)) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if c.Logger != nil {
			c.Logger.Warn("fallback malformed payload", zap.Error(err))
		}
		return
	}
	if env.Type == models.MsgBatch {
		for _, ev := range env.Events {
			c.deliverFiltered(ev, raw, deliver)
		}
		return
	}
	c.deliverFiltered(env, raw, deliver)
}

func (c *Channel) deliverFiltered(env models.Envelope, raw []byte, deliver func(models.Envelope, []byte)) {
	if c.Address != "" && env.Type == models.MsgBetPlaced {
		rec := env.New
		if rec == nil {
			rec = env.Old
		}
		if rec != nil && rec.Address != c.Address {
			return
		}
	}
	deliver(env, raw)
}
