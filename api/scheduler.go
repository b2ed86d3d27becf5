/*
scheduler.go - Periodic expiry sweep

PURPOSE:
  Moves PENDING and ACCEPTED trades past their deadline to EXPIRED and
  releases their reservations, without waiting for a participant to touch
  them.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick calls trade.Service.ExpireDue, which scans due trades in
    batches and expires them concurrently
  - Trades resolved by a participant between scan and expiry are skipped
  - Stop cancels an in-flight sweep and waits for the goroutine

CONFIGURATION:
  - Interval: How often to sweep (default: 1 minute)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewExpirySweeper(svc, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: RunExpirySweep endpoint (manual sweep)
  - trade/expiry.go: ExpireDue
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/card-escrow/trade"
)

// ExpirySweeper expires due trades on a fixed interval.
type ExpirySweeper struct {
	Service  *trade.Service
	Interval time.Duration
	Enabled  bool
	Logger   *slog.Logger

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirySweeper creates a new sweeper.
func NewExpirySweeper(svc *trade.Service, logger *slog.Logger) *ExpirySweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpirySweeper{
		Service:  svc,
		Interval: time.Minute,
		Enabled:  true,
		Logger:   logger.With("component", "expiry_sweeper"),
	}
}

// Start begins the sweeper. Calling Start twice is a no-op.
func (s *ExpirySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("sweeper disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx, s.ticker)

	s.Logger.Info("sweeper started", "interval", s.Interval)
}

// Stop stops the sweeper and waits for an in-flight sweep to return.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("sweeper stopped")
}

func (s *ExpirySweeper) run(ctx context.Context, ticker *time.Ticker) {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *ExpirySweeper) sweep(ctx context.Context) trade.SweepReport {
	report, err := s.Service.ExpireDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.Logger.Error("expiry sweep failed", "error", err)
		}
		return report
	}
	if report.Expired > 0 || report.Failed > 0 {
		s.Logger.Info("expiry sweep completed",
			"scanned", report.Scanned,
			"expired", report.Expired,
			"skipped", report.Skipped,
			"failed", report.Failed)
	}
	return report
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *ExpirySweeper) RunNow(ctx context.Context) trade.SweepReport {
	return s.sweep(ctx)
}
