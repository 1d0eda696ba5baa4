package health

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/observe"
	"golang.org/x/sync/singleflight"
)

// Refresher forces a session refresh.
type Refresher interface {
	EnsureValid(ctx context.Context, force bool) (*models.Credential, error)
}

// Recovery runs the manual reset flow: recreate a fallback handle,
// refresh the session through it, verify and promote it. Concurrent
// resets share one run.
type Recovery struct {
	monitor *Monitor
	session Refresher
	logger  *slog.Logger

	group  singleflight.Group
	status *observe.Value[models.ResetStatus]

	mu    sync.Mutex
	after []func(ctx context.Context)
}

// NewRecovery creates a Recovery in the idle state.
func NewRecovery(monitor *Monitor, session Refresher, logger *slog.Logger) *Recovery {
	return &Recovery{
		monitor: monitor,
		session: session,
		logger:  logger,
		status:  observe.NewValue(models.ResetIdle, observe.Equal[models.ResetStatus]),
	}
}

// Status is the observable reset status. It stays at its terminal value
// until the next reset starts.
func (r *Recovery) Status() *observe.Value[models.ResetStatus] {
	return r.status
}

// AfterReset registers fn to run after a successful reset, e.g. to
// resubscribe channels onto the promoted handle.
func (r *Recovery) AfterReset(fn func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.after = append(r.after, fn)
}

// Reset runs the recovery flow, or joins the one already running, and
// returns its terminal status.
func (r *Recovery) Reset(ctx context.Context) models.ResetStatus {
	ch := r.group.DoChan("reset", func() (any, error) {
		r.status.Set(models.ResetResetting)
		st := r.run(context.WithoutCancel(ctx))
		r.status.Set(st)

		return st, nil
	})

	select {
	case res := <-ch:
		st, _ := res.Val.(models.ResetStatus)
		return st
	case <-ctx.Done():
		return r.status.Get()
	}
}

func (r *Recovery) run(ctx context.Context) models.ResetStatus {
	r.logger.Info("connection reset started")

	if _, err := r.monitor.ForceRecreate(ctx); err != nil {
		r.logger.Error("connection reset failed", slog.String("step", "recreate"), slog.String("error", err.Error()))
		return models.ResetError
	}

	if _, err := r.session.EnsureValid(ctx, true); err != nil {
		r.logger.Error("connection reset failed", slog.String("step", "refresh"), slog.String("error", err.Error()))
		return models.ResetError
	}

	if err := r.monitor.Promote(ctx); err != nil {
		r.logger.Error("connection reset failed", slog.String("step", "promote"), slog.String("error", err.Error()))
		return models.ResetError
	}

	r.mu.Lock()
	after := append([]func(context.Context){}, r.after...)
	r.mu.Unlock()

	for _, fn := range after {
		fn(ctx)
	}

	r.logger.Info("connection reset succeeded")

	return models.ResetSuccess
}
