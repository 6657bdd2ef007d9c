/*
scheduler.go - Background maintenance loops

PURPOSE:
  Runs the expiry sweep and the reconciliation job on fixed intervals.
  Each loop fires immediately on start and then on its ticker. Stop
  waits for in-flight runs to finish.

SEE ALSO:
  - booking/service.go: SweepExpired
  - recon/recon.go: the reconciliation job
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/recon"
)

// Scheduler drives the periodic maintenance jobs.
type Scheduler struct {
	Bookings *booking.Service
	Recon    *recon.Job
	Log      *zap.SugaredLogger

	SweepInterval time.Duration
	ReconInterval time.Duration
	ReconDays     int

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Start launches the loops. Safe to call once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.loop(ctx, "sweep", s.SweepInterval, s.runSweep)
	go s.loop(ctx, "reconciliation", s.ReconInterval, s.runRecon)
}

// Stop halts the loops and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context)) {
	defer s.wg.Done()
	if interval <= 0 {
		s.Log.Infow("background job disabled", "job", name)
		return
	}

	run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	cleaned, total, err := s.Bookings.SweepExpired(ctx)
	if err != nil {
		s.Log.Errorw("sweep failed", "error", err)
		return
	}
	if total > 0 {
		s.Log.Infow("sweep finished", "cleaned", cleaned, "scanned", total)
	}
}

func (s *Scheduler) runRecon(ctx context.Context) {
	summary, err := s.Recon.Run(ctx, s.ReconDays)
	if err != nil {
		s.Log.Errorw("reconciliation failed", "error", err)
		return
	}
	if summary.Created() > 0 {
		s.Log.Warnw("reconciliation backfilled entries",
			"reservations", summary.Reservations.Created,
			"orders", summary.Orders.Created,
			"refunds", summary.Refunds.Created)
	}
}
