package visibility

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"
)

// Suspend detection defaults.
const (
	DefaultTickInterval = 5 * time.Second
	suspendFactor       = 3
)

// SuspendDetector notices that the host slept or the process was
// stopped, and reports the return as a resume. It has two sources: a
// wall clock that jumped by more than three tick intervals between
// ticks, and the resume signal (SIGCONT where available).
type SuspendDetector struct {
	onResume func(ctx context.Context)
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	signals  []os.Signal
}

// NewSuspendDetector creates a detector calling onResume on each resume.
func NewSuspendDetector(onResume func(ctx context.Context), logger *slog.Logger) *SuspendDetector {
	return &SuspendDetector{
		onResume: onResume,
		logger:   logger,
		interval: DefaultTickInterval,
		now:      time.Now,
		signals:  resumeSignals,
	}
}

// Run blocks until ctx is done.
func (d *SuspendDetector) Run(ctx context.Context) {
	var sigCh chan os.Signal

	if len(d.signals) > 0 {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, d.signals...)

		defer signal.Stop(sigCh)
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Round(0) drops the monotonic reading so the comparison sees wall
	// clock jumps.
	last := d.now().Round(0)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			d.logger.Info("process resumed", slog.String("signal", sig.String()))
			d.onResume(ctx)
			last = d.now().Round(0)
		case <-ticker.C:
			now := d.now().Round(0)
			gap := now.Sub(last)
			last = now

			if gap > suspendFactor*d.interval {
				d.logger.Info("wall clock jumped, assuming suspend", slog.Duration("gap", gap))
				d.onResume(ctx)
			}
		}
	}
}
