package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Ticker invokes a job on a fixed interval. The first run happens one interval
// after Run is called.
type Ticker struct {
	Interval time.Duration
	// NewTicker is swapped in tests to drive ticks by hand.
	NewTicker func(d time.Duration) (<-chan time.Time, func())
}

func New(interval time.Duration) *Ticker {
	return &Ticker{Interval: interval}
}

// Run blocks until ctx is done. Runs never overlap: a tick that arrives while
// fn is still running is dropped by the underlying time.Ticker.
func (t *Ticker) Run(ctx context.Context, fn func(ctx context.Context)) {
	if t.Interval <= 0 {
		slog.WarnContext(ctx, "scheduler disabled, interval must be positive", "interval", t.Interval)
		return
	}

	newTicker := t.NewTicker
	if newTicker == nil {
		newTicker = func(d time.Duration) (<-chan time.Time, func()) {
			tk := time.NewTicker(d)
			return tk.C, tk.Stop
		}
	}

	ticks, stop := newTicker(t.Interval)
	defer stop()

	slog.InfoContext(ctx, "scheduler started", "interval", t.Interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "scheduler stopped")
			return
		case <-ticks:
			fn(ctx)
		}
	}
}
