package backendtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/alexjbarnes/chatsync/internal/backend"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
)

// Realtime is the in-memory channel API of a Fake. Joins complete
// synchronously: the callback receives EventJoined before Join returns,
// unless joins are held.
type Realtime struct {
	fake *Fake

	mu         sync.Mutex
	connected  bool
	tokens     []string
	reconnects int
	joins      int
	joinErr    error
	holdJoins  bool
}

var _ backend.Realtime = (*Realtime)(nil)

type channel struct {
	rt    *Realtime
	topic string
	opts  backend.JoinOptions
	fn    func(backend.ChannelEvent)

	left atomic.Bool

	mu     sync.Mutex
	joined bool
	done   bool
}

var _ backend.RealtimeChannel = (*channel)(nil)

// SetJoinError makes Join fail with err. Nil restores success.
func (r *Realtime) SetJoinError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.joinErr = err
}

// HoldJoins stops joins from being acknowledged. Held channels never
// report EventJoined; the caller's own timeout applies.
func (r *Realtime) HoldJoins(hold bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.holdJoins = hold
}

// Sever drops the transport as an expired token or dead network would:
// every channel receives EventErrored and Connected reports false.
func (r *Realtime) Sever() {
	r.disconnect(backend.ChannelEvent{Type: backend.EventErrored, Err: fmt.Errorf("%w: transport severed", apperrors.ErrChannelErrored)})
}

// Tokens returns every access token pushed through SetAuth, in order.
func (r *Realtime) Tokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.tokens)
}

// Reconnects returns how many times Reconnect was called.
func (r *Realtime) Reconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.reconnects
}

// Joins returns how many times Join succeeded.
func (r *Realtime) Joins() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.joins
}

func (r *Realtime) Join(_ context.Context, topic string, opts backend.JoinOptions, fn func(backend.ChannelEvent)) (backend.RealtimeChannel, error) {
	if err := r.fake.check(); err != nil {
		return nil, fmt.Errorf("joining %s: %w", topic, err)
	}

	r.mu.Lock()
	if r.joinErr != nil {
		err := r.joinErr
		r.mu.Unlock()

		return nil, fmt.Errorf("joining %s: %w", topic, err)
	}

	r.connected = true
	r.joins++
	hold := r.holdJoins
	r.mu.Unlock()

	c := &channel{rt: r, topic: topic, opts: opts, fn: fn}
	svc := r.fake.svc

	svc.mu.Lock()
	svc.channels = slices.DeleteFunc(svc.channels, func(old *channel) bool {
		if old.rt == r && old.topic == topic {
			old.left.Store(true)
			return true
		}

		return false
	})
	svc.channels = append(svc.channels, c)
	svc.mu.Unlock()

	if !hold {
		c.deliver(backend.ChannelEvent{Type: backend.EventJoined})
	}

	return c, nil
}

func (r *Realtime) SetAuth(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens = append(r.tokens, token)
}

func (r *Realtime) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.connected
}

func (r *Realtime) Reconnect(context.Context) error {
	if err := r.fake.check(); err != nil {
		return err
	}

	r.disconnect(backend.ChannelEvent{Type: backend.EventClosed, Err: apperrors.ErrChannelClosed})

	r.mu.Lock()
	r.reconnects++
	r.connected = true
	r.mu.Unlock()

	return nil
}

func (r *Realtime) disconnect(ev backend.ChannelEvent) {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()

	svc := r.fake.svc

	var mine []*channel

	svc.mu.Lock()
	svc.channels = slices.DeleteFunc(svc.channels, func(c *channel) bool {
		if c.rt == r {
			mine = append(mine, c)
			return true
		}

		return false
	})
	svc.mu.Unlock()

	for _, c := range mine {
		c.deliver(ev)
	}
}

func (c *channel) Topic() string { return c.topic }

func (c *channel) deliver(ev backend.ChannelEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done || c.left.Load() {
		return
	}

	switch ev.Type {
	case backend.EventJoined:
		if c.joined {
			return
		}

		c.joined = true
	case backend.EventErrored, backend.EventTimedOut, backend.EventClosed:
		c.done = true
	}

	c.fn(ev)
}

var errLeft = errors.New("channel left")

func (c *channel) Broadcast(_ context.Context, event string, payload any) error {
	if c.left.Load() {
		return fmt.Errorf("broadcasting on %s: %w: %w", c.topic, apperrors.ErrChannelClosed, errLeft)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling broadcast: %w", err)
	}

	c.rt.fake.svc.publish(func(t *channel) bool {
		if t.topic != c.topic {
			return false
		}

		return t.rt != c.rt || t.opts.BroadcastSelf
	}, backend.ChannelEvent{Type: backend.EventBroadcast, Name: event, Payload: raw})

	return nil
}

func (c *channel) Leave(context.Context) error {
	if c.left.Swap(true) {
		return nil
	}

	svc := c.rt.fake.svc

	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.channels = slices.DeleteFunc(svc.channels, func(o *channel) bool { return o == c })

	return nil
}
