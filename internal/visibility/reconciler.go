// Package visibility runs the recovery sequence when the process comes
// back to the foreground: health check, channel revalidation, message
// resync, then the registered callbacks.
package visibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alexjbarnes/chatsync/internal/health"
)

// DefaultSettleDelay is the wait between becoming visible and starting
// the recovery sequence.
const DefaultSettleDelay = 500 * time.Millisecond

// HealthChecker re-evaluates the active connection handle.
type HealthChecker interface {
	Active(ctx context.Context) *health.Handle
}

// Revalidator rejoins channels that are not joined.
type Revalidator interface {
	Revalidate(ctx context.Context)
}

// Resyncer fetches messages missed while in the background.
type Resyncer interface {
	Resync(ctx context.Context) error
}

// Reconciler tracks visibility and runs the recovery sequence on every
// hidden to visible transition.
type Reconciler struct {
	health   HealthChecker
	channels Revalidator
	messages Resyncer
	logger   *slog.Logger
	settle   time.Duration

	group singleflight.Group

	mu        sync.Mutex
	visible   bool
	nextID    int
	callbacks map[int]func(ctx context.Context)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSettleDelay overrides DefaultSettleDelay. Zero disables the wait.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Reconciler) { r.settle = d }
}

// New creates a Reconciler that starts visible.
func New(h HealthChecker, ch Revalidator, msgs Resyncer, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		health:    h,
		channels:  ch,
		messages:  msgs,
		logger:    logger,
		settle:    DefaultSettleDelay,
		visible:   true,
		callbacks: make(map[int]func(ctx context.Context)),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// OnForeground registers fn to run at the end of every recovery
// sequence, whether or not its steps succeeded.
func (r *Reconciler) OnForeground(fn func(ctx context.Context)) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.callbacks[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.callbacks, id)
		r.mu.Unlock()
	}
}

// Visible reports the last visibility set.
func (r *Reconciler) Visible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.visible
}

// SetVisible records a visibility change. Becoming visible after being
// hidden runs the recovery sequence and returns the step failures, if
// any. Concurrent transitions share one run.
func (r *Reconciler) SetVisible(ctx context.Context, visible bool) error {
	r.mu.Lock()
	wasVisible := r.visible
	r.visible = visible
	r.mu.Unlock()

	if !visible || wasVisible {
		return nil
	}

	_, err, _ := r.group.Do("foreground", func() (any, error) {
		return nil, r.run(ctx)
	})

	return err
}

// Resume is a hidden then visible pair, for sources that only observe
// the return.
func (r *Reconciler) Resume(ctx context.Context) error {
	if err := r.SetVisible(ctx, false); err != nil {
		return err
	}

	return r.SetVisible(ctx, true)
}

func (r *Reconciler) run(ctx context.Context) error {
	start := time.Now()

	var errs []error

	if r.settle > 0 {
		timer := time.NewTimer(r.settle)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			errs = append(errs, ctx.Err())
		}
	}

	if ctx.Err() == nil {
		if h := r.health.Active(ctx); h != nil {
			r.logger.Debug("foreground health check", slog.String("active", string(h.Role)))
		}

		r.channels.Revalidate(ctx)

		if err := r.messages.Resync(ctx); err != nil {
			r.logger.Warn("foreground resync failed", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("resyncing: %w", err))
		}
	}

	r.mu.Lock()
	callbacks := make([]func(context.Context), 0, len(r.callbacks))
	for id := 0; id < r.nextID; id++ {
		if fn, ok := r.callbacks[id]; ok {
			callbacks = append(callbacks, fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(ctx)
	}

	r.logger.Info("foreground reconciled",
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("failures", len(errs)),
	)

	return errors.Join(errs...)
}
