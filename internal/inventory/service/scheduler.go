package service

import (
	"context"
	"sync"
	"time"

	"github.com/medflow/stock-ledger/pkg/lock"
	"github.com/medflow/stock-ledger/pkg/logger"
)

// Sweeper runs one alert sweep.
type Sweeper interface {
	ScanAll(ctx context.Context) (*ScanReport, error)
}

// AlertScheduler runs alert sweeps periodically. Each tick takes a lock so
// only one replica sweeps per interval; a tick that finds the lock held is
// skipped. With Redis the lock outlives a successful sweep until its TTL,
// which must be shorter than the interval.
type AlertScheduler struct {
	scanner  Sweeper
	locker   lock.Locker
	lockKey  string
	lockTTL  time.Duration
	interval time.Duration
	logger   *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAlertScheduler creates a new alert scheduler
func NewAlertScheduler(scanner Sweeper, locker lock.Locker, lockKey string, lockTTL, interval time.Duration, log *logger.Logger) *AlertScheduler {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &AlertScheduler{
		scanner:  scanner,
		locker:   locker,
		lockKey:  lockKey,
		lockTTL:  lockTTL,
		interval: interval,
		logger:   log.WithComponent("alert_scheduler"),
	}
}

// Start starts the scheduler in a background goroutine and runs an initial
// sweep immediately.
func (s *AlertScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.logger.Info().Dur("interval", s.interval).Msg("alert scheduler started")

		s.runScanCycle(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("alert scheduler stopped")
				return
			case <-ticker.C:
				s.runScanCycle(ctx)
			}
		}
	}()
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *AlertScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce runs a single guarded sweep. It reports whether this call held
// the lock and swept.
func (s *AlertScheduler) RunOnce(ctx context.Context) (bool, error) {
	var report *ScanReport
	ran, err := s.locker.TryRun(ctx, s.lockKey, s.lockTTL, func(ctx context.Context) error {
		var err error
		report, err = s.scanner.ScanAll(ctx)
		return err
	})
	if !ran {
		return false, err
	}

	if report != nil {
		s.logger.Info().
			Dur("duration", report.Duration).
			Int("checked", report.Checked).
			Int("raised", report.RaisedTotal()).
			Int("deduplicated", report.Deduplicated).
			Int("expired", report.Expired).
			Int("errors", len(report.Errors)).
			Msg("alert scan cycle completed")
	}
	return true, err
}

func (s *AlertScheduler) runScanCycle(ctx context.Context) {
	ran, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.WithError(err).Error().Msg("alert scan cycle failed")
		return
	}
	if !ran {
		s.logger.Debug().Str("lock_key", s.lockKey).Msg("alert scan skipped, another replica holds the lock")
	}
}
