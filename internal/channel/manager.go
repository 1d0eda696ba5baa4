// Package channel manages realtime subscriptions. Each Subscription
// keeps one logical topic joined on the active connection handle: an
// errored, timed-out or closed channel is torn down and joined again
// after a fixed delay, indefinitely.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/backend"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/observe"
)

// ResubscribeDelay is the fixed wait before rejoining a failed channel.
const ResubscribeDelay = time.Second

// Resubscribe reasons, used as metric labels.
const (
	ReasonErrored    = "errored"
	ReasonTimedOut   = "timed_out"
	ReasonClosed     = "closed"
	ReasonJoinFailed = "join_failed"
	ReasonForeground = "foreground"
)

// Source returns the realtime transport of the currently active
// connection handle.
type Source func() backend.Realtime

// Manager owns the subscriptions, one per topic.
type Manager struct {
	source  Source
	logger  *slog.Logger
	metrics *metrics.Metrics
	delay   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*Subscription
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records resubscriptions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager creates a Manager joining channels through source.
func NewManager(source Source, logger *slog.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		source: source,
		logger: logger,
		delay:  ResubscribeDelay,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*Subscription),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Subscribe joins topic and keeps it joined until the Subscription is
// closed. A previous subscription to the same topic is closed first.
// The returned Subscription starts in the connecting state; a failed
// first join is retried like any later failure and also returned.
func (m *Manager) Subscribe(ctx context.Context, topic string, opts backend.JoinOptions, h Handler) (*Subscription, error) {
	s := &Subscription{
		mgr:     m,
		topic:   topic,
		opts:    opts,
		handler: h,
		state:   observe.NewValue(models.ChannelConnecting, observe.Equal[models.ChannelState]),
	}

	m.mu.Lock()
	old := m.subs[topic]
	m.subs[topic] = s
	m.mu.Unlock()

	if old != nil {
		old.Close(ctx)
	}

	if err := s.join(ctx, ""); err != nil {
		return s, err
	}

	return s, nil
}

// Get returns the subscription for topic, or nil.
func (m *Manager) Get(topic string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.subs[topic]
}

// Revalidate rejoins every subscription that is not joined right now,
// without waiting for its pending retry. Used when the process returns
// to the foreground, where a socket may have died silently.
func (m *Manager) Revalidate(ctx context.Context) {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.Revalidate(ctx)
	}
}

// Close closes every subscription and stops pending retries.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, s := range subs {
		s.Close(ctx)
	}

	m.cancel()
}

// Subscription is one logical topic kept joined across failures.
type Subscription struct {
	mgr     *Manager
	topic   string
	opts    backend.JoinOptions
	handler Handler

	state *observe.Value[models.ChannelState]

	mu      sync.Mutex
	gen     uint64
	retries int
	ch      backend.RealtimeChannel
	timer   *time.Timer
	closed  bool
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// State is the observable channel state.
func (s *Subscription) State() *observe.Value[models.ChannelState] {
	return s.state
}

// Retries returns the number of resubscriptions since the channel was
// last joined.
func (s *Subscription) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retries
}

// join tears down the current channel and joins a new one under the same
// topic. reason is empty for the first join.
func (s *Subscription) join(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperrors.ErrChannelClosed
	}

	s.gen++
	gen := s.gen
	old := s.ch
	s.ch = nil

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.state.Set(models.ChannelConnecting)

	// Release the old channel before creating the new one so two live
	// channels never deliver the same event.
	if old != nil {
		if err := old.Leave(ctx); err != nil {
			s.mgr.logger.Debug("leaving channel", slog.String("topic", s.topic), slog.String("error", err.Error()))
		}
	}

	if reason != "" {
		s.mgr.metrics.Resubscribe(reason)
	}

	ch, err := s.mgr.source().Join(ctx, s.topic, s.opts, func(ev backend.ChannelEvent) {
		s.onEvent(gen, ev)
	})
	if err != nil {
		s.mgr.logger.Warn("joining channel failed",
			slog.String("topic", s.topic),
			slog.String("error", err.Error()),
		)

		s.mu.Lock()
		if s.gen == gen && !s.closed {
			s.scheduleLocked(gen, ReasonJoinFailed)
		}
		s.mu.Unlock()

		s.state.Set(models.ChannelErrored)

		return fmt.Errorf("joining %s: %w", s.topic, err)
	}

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()

		// Superseded while joining.
		if err := ch.Leave(ctx); err != nil {
			s.mgr.logger.Debug("leaving superseded channel", slog.String("topic", s.topic), slog.String("error", err.Error()))
		}

		return nil
	}

	s.ch = ch
	s.mu.Unlock()

	return nil
}

func (s *Subscription) onEvent(gen uint64, ev backend.ChannelEvent) {
	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}

	switch ev.Type {
	case backend.EventJoined:
		retries := s.retries
		s.retries = 0
		s.mu.Unlock()

		s.state.Set(models.ChannelJoined)
		s.mgr.logger.Debug("channel joined", slog.String("topic", s.topic), slog.Int("after_retries", retries))

		return

	case backend.EventErrored, backend.EventTimedOut, backend.EventClosed:
		next, reason := models.ChannelErrored, ReasonErrored

		switch ev.Type {
		case backend.EventTimedOut:
			reason = ReasonTimedOut
		case backend.EventClosed:
			next, reason = models.ChannelClosed, ReasonClosed
		}

		s.scheduleLocked(gen, reason)
		s.mu.Unlock()

		s.state.Set(next)

		attrs := []any{slog.String("topic", s.topic), slog.String("reason", reason)}
		if ev.Err != nil {
			attrs = append(attrs, slog.String("error", ev.Err.Error()))
		}

		s.mgr.logger.Warn("channel lost, resubscribing", attrs...)

		return
	}

	s.mu.Unlock()

	if e := toEvent(ev); e != nil {
		s.handler(e)
	}
}

// scheduleLocked arranges a rejoin after the fixed delay. s.mu must be
// held.
func (s *Subscription) scheduleLocked(gen uint64, reason string) {
	s.retries++

	if s.timer != nil {
		s.timer.Stop()
	}

	s.timer = time.AfterFunc(s.mgr.delay, func() {
		s.mu.Lock()
		stale := s.gen != gen || s.closed
		s.mu.Unlock()

		if stale {
			return
		}

		_ = s.join(s.mgr.ctx, reason)
	})
}

// Revalidate rejoins immediately unless the channel is joined.
func (s *Subscription) Revalidate(ctx context.Context) {
	if s.state.Get() == models.ChannelJoined {
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}

	s.mgr.logger.Info("revalidating channel", slog.String("topic", s.topic))

	_ = s.join(ctx, ReasonForeground)
}

// Broadcast sends a same-origin broadcast on the current channel.
func (s *Subscription) Broadcast(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	if ch == nil || s.state.Get() != models.ChannelJoined {
		return fmt.Errorf("broadcasting on %s: %w", s.topic, apperrors.ErrChannelClosed)
	}

	return ch.Broadcast(ctx, event, payload)
}

// Close leaves the channel and stops resubscribing.
func (s *Subscription) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.closed = true
	s.gen++
	ch := s.ch
	s.ch = nil

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if ch != nil {
		if err := ch.Leave(ctx); err != nil {
			s.mgr.logger.Debug("leaving channel", slog.String("topic", s.topic), slog.String("error", err.Error()))
		}
	}

	s.state.Set(models.ChannelClosed)
}
