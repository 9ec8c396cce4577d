package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caddypay/caddypay/internal/metrics"
)

// DefaultSweepInterval is how often the scheduler evaluates release windows.
// Cadence is a tuning parameter, not a correctness requirement.
const DefaultSweepInterval = 2 * time.Minute

// Scheduler periodically confirms holds whose buyer response window has
// expired: silence after a release request is implicit acceptance.
//
// It operates only through the CAS-guarded transition API, so any number of
// instances can run concurrently; a lost CAS means someone else (the buyer
// or another instance) already moved the hold.
type Scheduler struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewScheduler creates a release scheduler sweeping at the given interval.
// A non-positive interval selects DefaultSweepInterval.
func NewScheduler(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Scheduler{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the scheduler to stop. The signal is latched, so a Stop
// issued mid-sweep still ends the loop once the sweep returns. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in release scheduler", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one pass: every hold in release_requested older than the
// response window is confirmed, which dispatches its payout exactly like a
// buyer confirmation would. Disputed holds are never selected by the store
// query, so a dispute freezes a hold out of the sweep indefinitely.
func (s *Scheduler) Sweep(ctx context.Context) {
	metrics.SchedulerSweeps.Inc()

	cutoff := s.service.now().Add(-ResponseWindow)
	expired, err := s.store.ListReleaseRequested(ctx, cutoff, 100)
	if err != nil {
		s.logger.Warn("failed to list expired release requests", "error", err)
		return
	}

	for _, hold := range expired {
		confirmed, err := s.service.autoConfirm(ctx, hold)
		if err != nil {
			// A lost CAS means the buyer responded first. No-op.
			if errors.Is(err, ErrStaleState) {
				s.logger.Debug("hold moved before auto-confirm, skipping",
					"transactionId", hold.TransactionID)
				continue
			}
			s.logger.Warn("failed to auto-confirm hold",
				"transactionId", hold.TransactionID, "error", err)
			continue
		}
		metrics.SchedulerAutoConfirms.Inc()
		s.logger.Info("auto-confirmed hold after buyer silence",
			"transactionId", hold.TransactionID,
			"status", confirmed.Status,
		)
	}
}
