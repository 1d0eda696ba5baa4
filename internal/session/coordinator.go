// Package session keeps the signed-in credential usable. The Coordinator
// refreshes it through the active connection handle with at most one
// refresh in flight, persists the result and pushes the new access token
// to every live handle and its realtime transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/chatsync/internal/backend"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/observe"
	"github.com/alexjbarnes/chatsync/internal/retry"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	// RefreshMargin is how close to expiry a credential may get before
	// EnsureValid refreshes it.
	RefreshMargin = 5 * time.Minute

	refreshAttempts       = 3
	refreshBaseDelay      = time.Second
	refreshAttemptTimeout = 30 * time.Second

	refreshKey = "refresh"
)

// Store is the persisted credential the coordinator reads and replaces.
type Store interface {
	Credential() (*models.Credential, error)
	SetCredential(c models.Credential) error
	ClearCredential() error
}

// Handles exposes the live connection handles. Current is the handle
// refresh requests go through; it must not probe.
type Handles interface {
	Current() backend.Conn
	Conns() []backend.Conn
}

// Coordinator serialises session refreshes.
type Coordinator struct {
	store   Store
	handles Handles
	online  func() bool
	logger  *slog.Logger
	metrics *metrics.Metrics

	margin time.Duration
	policy retry.Policy

	group    singleflight.Group
	inflight atomic.Bool

	state *observe.Value[models.AuthState]
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOnline sets the connectivity check consulted before a refresh.
// Refreshing while offline fails immediately, so fn must report whether
// the service can be reached at all, not whether the current token is
// accepted.
func WithOnline(fn func() bool) Option {
	return func(c *Coordinator) { c.online = fn }
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New creates a Coordinator.
func New(store Store, handles Handles, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		handles: handles,
		logger:  logger,
		margin:  RefreshMargin,
	}

	c.policy = retry.Policy{
		Attempts:       refreshAttempts,
		Backoff:        retry.Exponential(refreshBaseDelay),
		AttemptTimeout: refreshAttemptTimeout,
		OnRetry: func(n int, err error, delay time.Duration) {
			c.logger.Warn("session refresh failed, retrying",
				slog.Int("attempt", n),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	initial := models.AuthSignedOut
	if cred, err := store.Credential(); err == nil && cred != nil {
		initial = models.AuthSignedIn
	}

	c.state = observe.NewValue(initial, observe.Equal[models.AuthState])

	return c
}

// State is the observable auth state. It moves to AuthRefreshFailed or
// AuthExpired when the session becomes unusable, so collaborators can ask
// the user to sign in again.
func (c *Coordinator) State() *observe.Value[models.AuthState] {
	return c.state
}

// EnsureValid returns a credential that is valid for at least the refresh
// margin. It refreshes when force is set or the stored credential is
// close to expiry. Callers arriving while a refresh is in flight share
// its outcome, whatever their force flag.
func (c *Coordinator) EnsureValid(ctx context.Context, force bool) (*models.Credential, error) {
	if !force && !c.inflight.Load() {
		cred, err := c.store.Credential()
		if err != nil {
			return nil, fmt.Errorf("reading credential: %w", err)
		}

		if cred == nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, apperrors.ErrNoSession)
		}

		if !cred.ExpiresWithin(c.margin, time.Now()) {
			return cred, nil
		}
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		c.inflight.Store(true)
		defer c.inflight.Store(false)

		// A refresh may have completed between the read above and
		// this call; an unforced caller takes its result.
		if !force {
			if cred, err := c.store.Credential(); err == nil && cred != nil && !cred.ExpiresWithin(c.margin, time.Now()) {
				return cred, nil
			}
		}

		// The refresh is shared, so one caller giving up must not cancel
		// it for the others.
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		cred, _ := res.Val.(*models.Credential)
		cp := *cred

		return &cp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context) (*models.Credential, error) {
	cred, err := c.store.Credential()
	if err != nil {
		return nil, fmt.Errorf("%w: reading credential: %w", apperrors.ErrRefreshFailed, err)
	}

	if cred == nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, apperrors.ErrNoSession)
	}

	if c.online != nil && !c.online() {
		c.metrics.SessionRefresh(metrics.ResultFailure)
		c.state.Set(models.AuthRefreshFailed)

		return nil, fmt.Errorf("%w: offline", apperrors.ErrRefreshFailed)
	}

	conn := c.handles.Current()
	start := time.Now()

	next, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (*models.Credential, error) {
		n, err := conn.RefreshSession(ctx, cred.RefreshToken)
		if err != nil {
			if backend.IsSubjectInvalid(err) {
				return nil, retry.Permanent(err)
			}

			return nil, err
		}

		return n, nil
	})
	if err != nil {
		if backend.IsSubjectInvalid(err) {
			c.expire(err)
			c.metrics.SessionRefresh(metrics.ResultExpired)

			return nil, fmt.Errorf("%w: %w: %w", apperrors.ErrRefreshFailed, apperrors.ErrSessionExpired, err)
		}

		result := metrics.ResultFailure
		if errors.Is(err, retry.ErrAttemptTimeout) {
			result = metrics.ResultTimeout
		}

		c.metrics.SessionRefresh(result)
		c.state.Set(models.AuthRefreshFailed)
		c.logger.Error("session refresh failed",
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
	}

	fillFromClaims(next)

	if next.SubjectID == "" {
		next.SubjectID = cred.SubjectID
	}

	if err := c.store.SetCredential(*next); err != nil {
		c.metrics.SessionRefresh(metrics.ResultFailure)
		return nil, fmt.Errorf("%w: persisting credential: %w", apperrors.ErrRefreshFailed, err)
	}

	c.metrics.SessionRefresh(metrics.ResultSuccess)
	c.propagate(ctx, next)
	c.state.Set(models.AuthSignedIn)

	c.logger.Info("session refreshed",
		slog.String("subject", next.SubjectID),
		slog.Time("expires_at", next.Expiry()),
		slog.Duration("elapsed", time.Since(start)),
	)

	return next, nil
}

// propagate installs cred on every live handle and revives the current
// handle's realtime transport if it dropped.
func (c *Coordinator) propagate(ctx context.Context, cred *models.Credential) {
	for _, conn := range c.handles.Conns() {
		conn.SetSession(cred)
	}

	rt := c.handles.Current().Realtime()
	if rt.Connected() {
		return
	}

	if err := rt.Reconnect(ctx); err != nil {
		c.logger.Warn("reconnecting realtime after refresh",
			slog.String("error", err.Error()),
		)
	}
}

// expire tears the session down locally after the server rejected the
// identity.
func (c *Coordinator) expire(cause error) {
	c.logger.Warn("session identity rejected, signing out locally",
		slog.String("error", cause.Error()),
	)

	if err := c.store.ClearCredential(); err != nil {
		c.logger.Error("clearing credential", slog.String("error", err.Error()))
	}

	for _, conn := range c.handles.Conns() {
		conn.SetSession(nil)
	}

	c.state.Set(models.AuthExpired)
}

// Adopt persists a credential obtained by signing in and installs it on
// every live handle.
func (c *Coordinator) Adopt(ctx context.Context, cred models.Credential) error {
	fillFromClaims(&cred)

	if err := c.store.SetCredential(cred); err != nil {
		return fmt.Errorf("persisting credential: %w", err)
	}

	c.propagate(ctx, &cred)
	c.state.Set(models.AuthSignedIn)

	return nil
}

// SignOut revokes the session server side and clears it locally. The
// local state is cleared even when the server call fails.
func (c *Coordinator) SignOut(ctx context.Context) error {
	err := c.handles.Current().SignOut(ctx)

	for _, conn := range c.handles.Conns() {
		conn.SetSession(nil)
	}

	if clearErr := c.store.ClearCredential(); clearErr != nil {
		return fmt.Errorf("clearing credential: %w", clearErr)
	}

	c.state.Set(models.AuthSignedOut)

	if err != nil {
		return fmt.Errorf("signing out: %w", err)
	}

	return nil
}

// fillFromClaims derives the expiry and subject from the access token
// when the token response left them out. The signature is not checked;
// the token came straight from the auth endpoint.
func fillFromClaims(cred *models.Credential) {
	if cred.ExpiresAt != 0 && cred.SubjectID != "" {
		return
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(cred.AccessToken, claims); err != nil {
		return
	}

	if cred.ExpiresAt == 0 {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			cred.ExpiresAt = exp.Unix()
		}
	}

	if cred.SubjectID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			cred.SubjectID = sub
		}
	}
}
