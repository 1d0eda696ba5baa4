// Package app assembles the chat core: session store, connection health,
// realtime channel, message engine and visibility recovery. Core is what
// the command line, the MCP tools and the outbox talk to.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexjbarnes/chatsync/internal/backend"
	"github.com/alexjbarnes/chatsync/internal/channel"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/health"
	"github.com/alexjbarnes/chatsync/internal/messages"
	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/observe"
	"github.com/alexjbarnes/chatsync/internal/presence"
	"github.com/alexjbarnes/chatsync/internal/session"
	"github.com/alexjbarnes/chatsync/internal/visibility"
)

// PasswordSigner is implemented by connection handles that support
// email and password sign-in.
type PasswordSigner interface {
	SignInWithPassword(ctx context.Context, email, password string) (*models.Credential, error)
}

// Options configures a Core.
type Options struct {
	// Factory builds connection handles. Required.
	Factory health.Factory
	// Store persists the session credential. Required.
	Store session.Store

	// Table is the messages table the channel listens on.
	Table string
	// Topic is the realtime topic, e.g. "room:messages".
	Topic string

	FetchLimit  int
	SettleDelay time.Duration

	// Cache seeds the message list before the first fetch. Optional.
	Cache messages.Cache
	// Registerer receives the metrics. Optional.
	Registerer prometheus.Registerer

	// TouchInterval overrides presence.DefaultInterval.
	TouchInterval time.Duration
	// HealthThrottle overrides health.CheckThrottle.
	HealthThrottle time.Duration
}

// Core owns every long-lived component.
type Core struct {
	opts   Options
	logger *slog.Logger

	metrics    *metrics.Metrics
	monitor    *health.Monitor
	recovery   *health.Recovery
	session    *session.Coordinator
	channels   *channel.Manager
	engine     *messages.Engine
	searcher   *messages.Searcher
	presence   *presence.Toucher
	visibility *visibility.Reconciler

	sub *channel.Subscription
}

// New builds the core. It does not touch the network beyond creating the
// primary handle; call Start to join the channel and load messages.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Core, error) {
	if opts.Factory == nil || opts.Store == nil {
		return nil, errors.New("app: factory and store are required")
	}

	if opts.Table == "" {
		opts.Table = "messages"
	}

	if opts.Topic == "" {
		opts.Topic = "room:" + opts.Table
	}

	if opts.FetchLimit <= 0 {
		opts.FetchLimit = messages.DefaultFetchLimit
	}

	if opts.TouchInterval <= 0 {
		opts.TouchInterval = presence.DefaultInterval
	}

	c := &Core{
		opts:    opts,
		logger:  logger,
		metrics: metrics.New(opts.Registerer),
	}

	monOpts := []health.Option{health.WithMetrics(c.metrics)}
	if opts.HealthThrottle > 0 {
		monOpts = append(monOpts, health.WithThrottle(opts.HealthThrottle))
	}

	monitor, err := health.New(ctx, opts.Factory, opts.Store, logger.With(slog.String("component", "health")), monOpts...)
	if err != nil {
		return nil, err
	}

	c.monitor = monitor

	c.session = session.New(opts.Store, monitor, logger.With(slog.String("component", "session")),
		session.WithOnline(monitor.Online().Get),
		session.WithMetrics(c.metrics),
	)
	monitor.SetRefresher(c.session)

	c.recovery = health.NewRecovery(monitor, c.session, logger.With(slog.String("component", "recovery")))

	c.channels = channel.NewManager(
		func() backend.Realtime { return monitor.Current().Realtime() },
		logger.With(slog.String("component", "channel")),
		channel.WithMetrics(c.metrics),
	)

	active := func(ctx context.Context) backend.Conn { return monitor.Active(ctx).Conn }

	c.presence = presence.New(active, opts.TouchInterval, logger.With(slog.String("component", "presence")))

	engineOpts := []messages.Option{
		messages.WithMetrics(c.metrics),
		messages.WithToucher(c.presence),
		messages.WithFetchLimit(opts.FetchLimit),
	}
	if opts.Cache != nil {
		engineOpts = append(engineOpts, messages.WithCache(opts.Cache))
	}

	c.engine = messages.New(active, c.session, logger.With(slog.String("component", "messages")), engineOpts...)
	c.searcher = messages.NewSearcher(active, opts.FetchLimit)

	c.visibility = visibility.New(monitor, c.channels, c.engine,
		logger.With(slog.String("component", "visibility")),
		visibility.WithSettleDelay(opts.SettleDelay),
	)

	c.visibility.OnForeground(func(ctx context.Context) {
		if err := c.presence.Touch(ctx); err != nil {
			c.logger.Debug("presence touch on foreground failed", slog.String("error", err.Error()))
		}
	})

	c.recovery.AfterReset(func(ctx context.Context) {
		c.channels.Revalidate(ctx)

		if err := c.engine.Resync(ctx); err != nil {
			c.logger.Warn("resync after reset failed", slog.String("error", err.Error()))
		}
	})

	return c, nil
}

// Start joins the channel and loads the message list. A join failure is
// logged and retried in the background; only a failed initial load with
// nothing cached is returned.
func (c *Core) Start(ctx context.Context) error {
	sub, err := c.channels.Subscribe(ctx, c.opts.Topic, backend.JoinOptions{
		Table:  c.opts.Table,
		Schema: "public",
	}, c.engine.Handle)
	if err != nil {
		c.logger.Warn("initial channel join failed, retrying",
			slog.String("topic", c.opts.Topic),
			slog.String("error", err.Error()),
		)
	}

	if sub != nil {
		c.sub = sub
		c.engine.SetBroadcaster(sub)
	}

	if err := c.engine.Load(ctx); err != nil {
		if len(c.engine.Messages()) == 0 {
			return fmt.Errorf("loading messages: %w", err)
		}

		c.logger.Warn("loading messages failed, showing cached history",
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Close leaves the channel and releases every handle.
func (c *Core) Close(ctx context.Context) error {
	c.channels.Close(ctx)
	return c.monitor.Close()
}

// Login signs in with email and password and adopts the session.
func (c *Core) Login(ctx context.Context, email, password string) (*models.Credential, error) {
	signer, ok := c.monitor.Current().(PasswordSigner)
	if !ok {
		return nil, errors.New("connection does not support password sign-in")
	}

	cred, err := signer.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	if err := c.session.Adopt(ctx, *cred); err != nil {
		return nil, err
	}

	c.logger.Info("signed in", slog.String("subject_id", cred.SubjectID))

	if c.sub != nil {
		c.sub.Revalidate(ctx)
	}

	if err := c.engine.Resync(ctx); err != nil {
		c.logger.Warn("resync after sign-in failed", slog.String("error", err.Error()))
	}

	return cred, nil
}

// Logout signs out server side and clears the stored session.
func (c *Core) Logout(ctx context.Context) error {
	return c.session.SignOut(ctx)
}

// Messages returns the current ordered message list.
func (c *Core) Messages() []models.Message { return c.engine.Messages() }

// List is the observable message list.
func (c *Core) List() *observe.Value[[]models.Message] { return c.engine.List() }

// Sending is true while a send is in flight.
func (c *Core) Sending() *observe.Value[bool] { return c.engine.Sending() }

// Online is true while the active handle answers probes.
func (c *Core) Online() *observe.Value[bool] { return c.monitor.Online() }

// ResetStatus is the observable manual reset status.
func (c *Core) ResetStatus() *observe.Value[models.ResetStatus] { return c.recovery.Status() }

// AuthState is the observable session state.
func (c *Core) AuthState() *observe.Value[models.AuthState] { return c.session.State() }

func (c *Core) Send(ctx context.Context, content string) (*models.Message, error) {
	return c.engine.Send(ctx, content)
}

func (c *Core) SendAttachment(ctx context.Context, name, contentType string, r io.Reader) (*models.Message, error) {
	return c.engine.SendAttachment(ctx, name, contentType, r)
}

func (c *Core) Edit(ctx context.Context, id, content string) error {
	return c.engine.Edit(ctx, id, content)
}

func (c *Core) Delete(ctx context.Context, id string) error {
	return c.engine.Delete(ctx, id)
}

func (c *Core) React(ctx context.Context, id, emoji string) error {
	return c.engine.React(ctx, id, emoji)
}

func (c *Core) Pin(ctx context.Context, id string) error {
	return c.engine.Pin(ctx, id)
}

// Get returns the message with id from the current list.
func (c *Core) Get(id string) (models.Message, error) {
	m, ok := c.engine.Get(id)
	if !ok {
		return models.Message{}, fmt.Errorf("message %s: %w", id, apperrors.ErrNotFound)
	}

	return m, nil
}

// Search runs a server side search, superseding any search in flight.
func (c *Core) Search(ctx context.Context, query string) ([]models.Message, error) {
	return c.searcher.Search(ctx, query)
}

// Reset runs the manual connection reset.
func (c *Core) Reset(ctx context.Context) models.ResetStatus {
	return c.recovery.Reset(ctx)
}

// SetVisible reports a visibility change; hidden to visible runs the
// foreground recovery sequence.
func (c *Core) SetVisible(ctx context.Context, visible bool) error {
	return c.visibility.SetVisible(ctx, visible)
}

// Resume runs the foreground sequence as if the process had been hidden.
func (c *Core) Resume(ctx context.Context) error {
	return c.visibility.Resume(ctx)
}

// OnForeground registers fn to run after each foreground recovery.
func (c *Core) OnForeground(fn func(ctx context.Context)) (cancel func()) {
	return c.visibility.OnForeground(fn)
}

// SuspendDetector returns a detector that resumes the core after a
// SIGCONT or a host suspend.
func (c *Core) SuspendDetector() *visibility.SuspendDetector {
	return visibility.NewSuspendDetector(func(ctx context.Context) {
		if err := c.Resume(ctx); err != nil {
			c.logger.Warn("foreground recovery finished with errors", slog.String("error", err.Error()))
		}
	}, c.logger.With(slog.String("component", "suspend")))
}

// Status summarises the connection for status surfaces.
func (c *Core) Status() models.ConnectionStatus {
	role, hasFallback, lastCheck := c.monitor.Status()

	st := models.ConnectionStatus{
		Online:      c.monitor.Online().Get(),
		ActiveRole:  role,
		HasFallback: hasFallback,
		LastCheckAt: lastCheck,
		Channel:     models.ChannelClosed,
		Reset:       c.recovery.Status().Get(),
		Auth:        c.session.State().Get(),
	}

	if c.sub != nil {
		st.Channel = c.sub.State().Get()
		st.ChannelRetry = c.sub.Retries()
	}

	if cred, err := c.opts.Store.Credential(); err == nil && cred != nil {
		st.SessionExpiry = time.Unix(cred.ExpiresAt, 0).UTC()
		st.SubjectID = cred.SubjectID
	}

	return st
}
