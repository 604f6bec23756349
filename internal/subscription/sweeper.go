package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/spaceporthq/spaceport/internal/metrics"
)

const sweepBatchSize = 500

// Sweeper periodically expires subscriptions whose trial or grace window
// has lapsed, so tenants lose access even when no billing event arrives.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	onSweep  func(scanned, expired int)
}

// NewSweeper creates an expiry sweeper. A non-positive interval falls back
// to one minute.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithSweepHook registers a callback fired after every sweep run (used for
// the live ops feed).
func (s *Sweeper) WithSweepHook(fn func(scanned, expired int)) *Sweeper {
	s.onSweep = fn
	return s
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	metrics.SweepRunsTotal.Inc()

	scanned, expired, err := s.service.ExpireDue(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		s.logger.Warn("failed to sweep expired subscriptions", "error", err)
		return
	}
	if expired > 0 {
		s.logger.Info("subscriptions expired by sweep", "scanned", scanned, "expired", expired)
	}
	if s.onSweep != nil {
		s.onSweep(scanned, expired)
	}
}
