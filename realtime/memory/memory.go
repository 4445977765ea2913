// Package memory provides an in-process realtime.Transport. All channel
// handles created from the same Transport with the same name share fan-out,
// which is what the engine's tests and single-process deployments use in
// place of a networked broker.
package memory

import (
	"context"
	"sync"

	"github.com/sensahq/mapsync/realtime"
)

// subscriber queue depth. Events beyond this are dropped for that subscriber
// rather than blocking the publisher.
const queueDepth = 256

type Transport struct {
	mu    sync.Mutex
	buses map[string]*bus
}

func New() *Transport {
	return &Transport{buses: make(map[string]*bus)}
}

type bus struct {
	mu   sync.Mutex
	subs map[*channel]struct{}
}

func (t *Transport) getBus(name string) *bus {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buses[name]
	if !ok {
		b = &bus{subs: make(map[*channel]struct{})}
		t.buses[name] = b
	}
	return b
}

func (t *Transport) Channel(name string) realtime.Channel {
	return &channel{name: name, bus: t.getBus(name), done: make(chan struct{})}
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

type channel struct {
	name string
	bus  *bus

	mu         sync.Mutex
	subscribed bool
	closed     bool
	status     realtime.StatusFunc
	queue      chan realtime.Event
	done       chan struct{}
}

func (c *channel) Name() string { return c.name }

func (c *channel) Subscribe(ctx context.Context, handler realtime.Handler, status realtime.StatusFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return realtime.ErrChannelClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = true
	c.status = status
	c.queue = make(chan realtime.Event, queueDepth)
	c.mu.Unlock()

	if status != nil {
		status(realtime.StatusJoining, nil)
	}

	c.bus.mu.Lock()
	c.bus.subs[c] = struct{}{}
	c.bus.mu.Unlock()

	if status != nil {
		status(realtime.StatusJoined, nil)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.close(realtime.StatusClosed, nil)
				return
			case <-c.done:
				return
			case ev := <-c.queue:
				if handler != nil {
					handler(ctx, ev)
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

	ev := realtime.Event{Topic: topic, Payload: append([]byte(nil), payload...)}

	c.bus.mu.Lock()
	subs := make([]*channel, 0, len(c.bus.subs))
	for s := range c.bus.subs {
		subs = append(subs, s)
	}
	c.bus.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- ev:
		default:
			// Slow consumer: drop rather than stall the publisher.
		}
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
	status := c.status
	subscribed := c.subscribed
	c.mu.Unlock()

	if subscribed {
		c.bus.mu.Lock()
		delete(c.bus.subs, c)
		c.bus.mu.Unlock()
		close(c.done)
	}
	if status != nil {
		status(st, err)
	}
}

var _ realtime.Channel = (*channel)(nil)
