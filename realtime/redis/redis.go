// Package redis provides a realtime.Transport backed by Redis pub/sub, for
// deployments where session members run in separate processes.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/sensahq/mapsync/realtime"
)

// Config for the Redis-backed transport. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all pub/sub channel names. ENV: MAPSYNC_KEY_PREFIX
	KeyPrefix string `env:"MAPSYNC_KEY_PREFIX,default=mapsync:"`
}

type Transport struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Transport, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mapsync:"
	}
	return &Transport{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Transport using envdecode to populate Config.
func NewFromEnv() (*Transport, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client. Channels created from this transport stop
// delivering.
func (t *Transport) Close() error { return t.client.Close() }

func (t *Transport) key(name string) string { return t.keyPrefix + "chan:" + name }

func (t *Transport) Channel(name string) realtime.Channel {
	return &channel{t: t, name: name}
}

func (t *Transport) RemoveChannel(ch realtime.Channel) error {
	c, ok := ch.(*channel)
	if !ok {
		return nil
	}
	c.close(realtime.StatusClosed, nil)
	return nil
}

var _ realtime.Transport = (*Transport)(nil)

// envelope is the wire frame carried over a single Redis pub/sub channel so
// multiple topics can share it.
type envelope struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

type channel struct {
	t    *Transport
	name string

	mu     sync.Mutex
	closed bool
	status realtime.StatusFunc
	pubsub *redis.PubSub
}

func (c *channel) Name() string { return c.name }

func (c *channel) Subscribe(ctx context.Context, handler realtime.Handler, status realtime.StatusFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return realtime.ErrChannelClosed
	}
	if c.pubsub != nil {
		c.mu.Unlock()
		return nil
	}
	c.status = status
	c.mu.Unlock()

	if status != nil {
		status(realtime.StatusJoining, nil)
	}

	ps := c.t.client.Subscribe(ctx, c.t.key(c.name))
	// Receive blocks until the server acknowledges the subscription, which
	// is the transition to joined.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		if status != nil {
			status(realtime.StatusErrored, err)
		}
		return fmt.Errorf("redis subscribe %s: %w", c.name, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ps.Close()
		return realtime.ErrChannelClosed
	}
	c.pubsub = ps
	c.mu.Unlock()

	if status != nil {
		status(realtime.StatusJoined, nil)
	}

	go func() {
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				c.close(realtime.StatusClosed, nil)
				return
			case m, ok := <-msgs:
				if !ok {
					// Underlying pubsub torn down. If close was intentional
					// the status was already reported; anything else is a
					// transport failure.
					c.close(realtime.StatusErrored, fmt.Errorf("redis pubsub %s closed", c.name))
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					continue
				}
				if handler != nil {
					handler(ctx, realtime.Event{Topic: env.Topic, Payload: env.Payload})
				}
			}
		}
	}()
	return nil
}

func (c *channel) Send(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return realtime.ErrChannelClosed
	}
	c.mu.Unlock()

	data, err := json.Marshal(envelope{Topic: topic, Payload: payload})
	if err != nil {
		return err
	}
	if err := c.t.client.Publish(ctx, c.t.key(c.name), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", c.name, err)
	}
	return nil
}

func (c *channel) close(st realtime.Status, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ps := c.pubsub
	status := c.status
	c.pubsub = nil
	c.mu.Unlock()

	if ps != nil {
		_ = ps.Close()
	}
	if status != nil {
		status(st, err)
	}
}

var _ realtime.Channel = (*channel)(nil)
