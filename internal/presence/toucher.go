// Package presence keeps the signed-in user's last-active timestamp
// fresh without calling the backing service on every action.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/alexjbarnes/chatsync/internal/backend"
)

// DefaultInterval is the minimum time between two touches.
const DefaultInterval = time.Minute

// Toucher calls the "touch last-active" RPC at most once per interval.
// Calls inside the interval are dropped, not queued.
type Toucher struct {
	conns   func(ctx context.Context) backend.Conn
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Toucher allowing one touch per interval.
func New(conns func(ctx context.Context) backend.Conn, interval time.Duration, logger *slog.Logger) *Toucher {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Toucher{
		conns:   conns,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  logger,
	}
}

// Touch marks the user active unless it already did within the interval.
func (t *Toucher) Touch(ctx context.Context) error {
	if !t.limiter.Allow() {
		return nil
	}

	if err := t.conns(ctx).TouchLastActive(ctx); err != nil {
		return fmt.Errorf("touching last active: %w", err)
	}

	t.logger.Debug("last active touched")

	return nil
}
