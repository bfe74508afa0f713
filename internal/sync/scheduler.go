package sync

import (
	"context"
	"errors"
	"log"
	"time"
)

// DefaultInterval is how often the scheduler triggers a sync run.
const DefaultInterval = 15 * time.Minute

// Scheduler triggers sync runs on a fixed interval. The Syncer itself
// deduplicates overlapping runs, so a slow run simply absorbs the next
// tick. Failures are logged and retried on the following tick; there is no
// extra backoff beyond the schedule.
type Scheduler struct {
	syncer   *Syncer
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler creates a scheduler; interval <= 0 uses DefaultInterval.
func NewScheduler(syncer *Syncer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{syncer: syncer, interval: interval}
}

// Start launches the periodic loop, beginning with an immediate run.
// Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.run(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.run(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight run to wind down. An
// aborted run is not recorded as a sync failure; completed batches keep
// their checkpoint.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

func (s *Scheduler) run(ctx context.Context) {
	err := s.syncer.Sync(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	log.Printf("sync failed (%s): %v", s.syncer.ErrorState(), err)
}
