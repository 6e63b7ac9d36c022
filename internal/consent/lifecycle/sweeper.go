package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Sweeper runs the manager's due-job sweep on a fixed interval.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// SweeperOption configures the Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides the sweep interval when greater than zero.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweeperLogger overrides the logger used for sweep errors.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSweeper constructs a Sweeper around a manager.
func NewSweeper(manager *Manager, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		manager:  manager,
		interval: time.Minute,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start sweeps periodically until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result, err := s.manager.ProcessDue(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "lifecycle sweep failed", "error", err)
				continue
			}
			if result.Deletions > 0 || result.Renewals > 0 || result.Failures > 0 {
				s.logger.InfoContext(ctx, "lifecycle sweep finished",
					"deletions", result.Deletions, "renewals", result.Renewals, "failures", result.Failures)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
