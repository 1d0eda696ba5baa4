// Package health owns the connection handles. The Monitor probes the
// active handle at most once per throttle window, fails over to a
// fallback handle built from the persisted credential when the primary
// stops answering, and routes back to the primary once it recovers.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/backend"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/observe"
	"github.com/alexjbarnes/chatsync/internal/retry"
	"golang.org/x/sync/singleflight"
)

const (
	// CheckThrottle is the minimum time between health checks. Within
	// the window the previous verdict is reused.
	CheckThrottle = 10 * time.Second

	// probeTimeout bounds a single health probe.
	probeTimeout = 2 * time.Second

	// verifyTimeout bounds the read that verifies a fallback before it
	// is promoted.
	verifyTimeout = 3 * time.Second
)

// Factory builds a connection handle restored from cred, mirroring a
// fresh start. cred may be nil for an anonymous handle.
type Factory func(ctx context.Context, cred *models.Credential) (backend.Conn, error)

// CredentialSource is the persisted credential new handles are built
// from.
type CredentialSource interface {
	Credential() (*models.Credential, error)
}

// Handle is a snapshot of one connection handle.
type Handle struct {
	Role              models.Role
	CreatedAt         time.Time
	LastHealthCheckAt time.Time
	Responsive        bool
	Conn              backend.Conn
}

// Monitor owns the primary and fallback handles and decides which one
// operations are routed through.
type Monitor struct {
	factory Factory
	creds   CredentialSource
	logger  *slog.Logger
	metrics *metrics.Metrics

	refresher Refresher

	throttle time.Duration

	// opMu serialises checks, recreates and promotions so they never
	// interleave their handle swaps.
	opMu  sync.Mutex
	group singleflight.Group

	mu        sync.Mutex
	primary   *Handle
	fallback  *Handle
	active    *Handle
	lastCheck time.Time

	online *observe.Value[bool]
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMetrics records probe outcomes, failovers and promotions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

// WithThrottle overrides CheckThrottle.
func WithThrottle(d time.Duration) Option {
	return func(mon *Monitor) { mon.throttle = d }
}

// New builds the primary handle from the persisted credential.
func New(ctx context.Context, factory Factory, creds CredentialSource, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		factory:  factory,
		creds:    creds,
		logger:   logger,
		throttle: CheckThrottle,
		online:   observe.NewValue(true, observe.Equal[bool]),
	}

	for _, opt := range opts {
		opt(m)
	}

	primary, err := m.build(ctx, models.RolePrimary)
	if err != nil {
		return nil, fmt.Errorf("creating primary connection: %w", err)
	}

	primary.Responsive = true
	m.primary = primary
	m.active = primary

	return m, nil
}

// Online is true while the active handle answers probes. A probe
// rejected for its access token still counts as an answer.
func (m *Monitor) Online() *observe.Value[bool] {
	return m.online
}

// SetRefresher installs the session refresher a check calls when a probe
// is rejected for its access token.
func (m *Monitor) SetRefresher(r Refresher) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refresher = r
}

func (m *Monitor) build(ctx context.Context, role models.Role) (*Handle, error) {
	cred, err := m.creds.Credential()
	if err != nil {
		return nil, fmt.Errorf("reading credential: %w", err)
	}

	conn, err := m.factory(ctx, cred)
	if err != nil {
		return nil, err
	}

	return &Handle{Role: role, CreatedAt: time.Now(), Conn: conn}, nil
}

func snapshot(h *Handle) *Handle {
	cp := *h
	return &cp
}

// Current returns the handle operations are routed through, without
// probing.
func (m *Monitor) Current() backend.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active.Conn
}

// Conns returns every live handle, primary first.
func (m *Monitor) Conns() []backend.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns := []backend.Conn{m.primary.Conn}
	if m.fallback != nil {
		conns = append(conns, m.fallback.Conn)
	}

	return conns
}

// Status reports the active role, whether a fallback exists and when
// health was last checked.
func (m *Monitor) Status() (active models.Role, hasFallback bool, lastCheck time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active.Role, m.fallback != nil, m.lastCheck
}

// Active returns the handle operations should be routed through,
// checking health first unless a check ran within the throttle window.
// Concurrent callers share one check.
func (m *Monitor) Active(ctx context.Context) *Handle {
	m.mu.Lock()
	if !m.lastCheck.IsZero() && time.Since(m.lastCheck) < m.throttle {
		h := snapshot(m.active)
		m.mu.Unlock()

		return h
	}
	m.mu.Unlock()

	ch := m.group.DoChan("check", func() (any, error) {
		return m.check(context.WithoutCancel(ctx)), nil
	})

	select {
	case res := <-ch:
		h, _ := res.Val.(*Handle)
		return h
	case <-ctx.Done():
		m.mu.Lock()
		defer m.mu.Unlock()

		return snapshot(m.active)
	}
}

// check probes the primary and, if it fails, the fallback, then routes
// to the primary if responsive, else the fallback if responsive, else the
// primary as a last resort.
func (m *Monitor) check(ctx context.Context) *Handle {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	primary := m.primary
	m.mu.Unlock()

	if ok, stale := m.probe(ctx, primary); ok {
		m.mu.Lock()
		fb := m.fallback
		m.fallback = nil
		m.active = primary
		m.lastCheck = time.Now()
		h := snapshot(primary)
		m.mu.Unlock()

		if fb != nil {
			m.logger.Info("primary connection restored, releasing fallback")
			m.release(fb)
		}

		m.online.Set(true)

		if stale {
			m.refreshSession(ctx)
		}

		return h
	}

	m.mu.Lock()
	fb := m.fallback
	m.mu.Unlock()

	if fb == nil {
		var err error

		fb, err = m.build(ctx, models.RoleFallback)
		if err != nil {
			m.logger.Error("creating fallback connection", slog.String("error", err.Error()))
		}
	}

	var fbOK, fbStale bool
	if fb != nil {
		fbOK, fbStale = m.probe(ctx, fb)
	}

	m.mu.Lock()
	if fb != nil {
		m.fallback = fb
	}

	wasPrimary := m.active == primary

	if fbOK {
		m.active = fb
	} else {
		m.active = primary
	}

	m.lastCheck = time.Now()
	h := snapshot(m.active)
	m.mu.Unlock()

	switch {
	case fbOK && wasPrimary:
		m.metrics.Failover()
		m.logger.Warn("primary connection unresponsive, routing through fallback")
	case !fbOK:
		m.logger.Warn("no responsive connection, keeping primary")
	}

	m.online.Set(fbOK)

	if fbOK && fbStale {
		m.refreshSession(ctx)
	}

	return h
}

// probe pings h's connection and records the verdict on h. A ping
// rejected for its access token means the service answered: h is
// responsive and stale reports that the session needs a refresh.
func (m *Monitor) probe(ctx context.Context, h *Handle) (ok, stale bool) {
	_, err := retry.Timeout(ctx, probeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.Conn.Ping(ctx)
	})

	timedOut := errors.Is(err, retry.ErrAttemptTimeout)
	stale = err != nil && !timedOut && backend.IsAuthError(err)
	ok = err == nil || stale

	m.mu.Lock()
	h.Responsive = ok
	h.LastHealthCheckAt = time.Now()
	m.mu.Unlock()

	result := metrics.ResultSuccess

	switch {
	case timedOut:
		result = metrics.ResultTimeout
	case stale:
		result = metrics.ResultExpired
	case err != nil:
		result = metrics.ResultFailure
	}

	m.metrics.HealthProbe(string(h.Role), result)

	if err != nil {
		m.logger.Debug("health probe failed",
			slog.String("role", string(h.Role)),
			slog.Bool("stale_session", stale),
			slog.String("error", err.Error()),
		)
	}

	return ok, stale
}

// refreshSession forces a session refresh after a probe was rejected for
// its access token. Without a stored credential there is nothing to
// refresh.
func (m *Monitor) refreshSession(ctx context.Context) {
	m.mu.Lock()
	r := m.refresher
	m.mu.Unlock()

	if r == nil {
		return
	}

	if cred, err := m.creds.Credential(); err != nil || cred == nil {
		return
	}

	m.logger.Info("access token rejected by probe, refreshing session")

	if _, err := r.EnsureValid(ctx, true); err != nil {
		m.logger.Warn("session refresh after probe failed", slog.String("error", err.Error()))
	}
}

// ForceRecreate discards any fallback, builds a new one, probes it and
// routes through it regardless of the primary's health. If the new
// fallback does not answer, routing stays on the primary and the error
// wraps ErrUnresponsive.
func (m *Monitor) ForceRecreate(ctx context.Context) (*Handle, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	old := m.fallback
	m.fallback = nil

	if m.active == old {
		m.active = m.primary
	}
	m.mu.Unlock()

	if old != nil {
		m.release(old)
	}

	fb, err := m.build(ctx, models.RoleFallback)
	if err != nil {
		return nil, fmt.Errorf("recreating connection: %w", err)
	}

	// A stale session on the new handle is refreshed by the caller.
	ok, _ := m.probe(ctx, fb)

	m.mu.Lock()
	m.fallback = fb

	if ok {
		m.active = fb
	}

	m.lastCheck = time.Now()
	h := snapshot(fb)
	m.mu.Unlock()

	if !ok {
		return h, fmt.Errorf("recreating connection: %w", apperrors.ErrUnresponsive)
	}

	m.online.Set(true)
	m.logger.Info("connection recreated")

	return h, nil
}

// Promote verifies the fallback (a session is present and a read
// succeeds within the verify timeout) and makes it the new primary. The
// old primary is released and the throttle is reset.
func (m *Monitor) Promote(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	fb := m.fallback
	m.mu.Unlock()

	if fb == nil {
		return apperrors.ErrNoFallback
	}

	sess, err := fb.Conn.Session(ctx)
	if err != nil {
		return fmt.Errorf("verifying fallback session: %w", err)
	}

	if sess == nil {
		return fmt.Errorf("verifying fallback: %w", apperrors.ErrNoSession)
	}

	_, err = retry.Timeout(ctx, verifyTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fb.Conn.Ping(ctx)
	})
	if err != nil {
		return fmt.Errorf("verifying fallback: %w: %w", apperrors.ErrUnresponsive, err)
	}

	m.mu.Lock()
	old := m.primary
	fb.Role = models.RolePrimary
	fb.Responsive = true
	m.primary = fb
	m.fallback = nil
	m.active = fb
	m.lastCheck = time.Time{}
	m.mu.Unlock()

	m.release(old)
	m.metrics.Promotion()
	m.online.Set(true)
	m.logger.Info("fallback promoted to primary")

	return nil
}

// release closes h's connection, releasing its transport before the
// handle is dropped.
func (m *Monitor) release(h *Handle) {
	if err := h.Conn.Close(); err != nil {
		m.logger.Warn("closing connection",
			slog.String("role", string(h.Role)),
			slog.String("error", err.Error()),
		)
	}
}

// Close releases every handle.
func (m *Monitor) Close() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	handles := []*Handle{m.primary}
	if m.fallback != nil {
		handles = append(handles, m.fallback)
	}

	m.fallback = nil
	m.mu.Unlock()

	var errs []error

	for _, h := range handles {
		if err := h.Conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
