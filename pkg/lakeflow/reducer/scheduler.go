package reducer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSchedulerStopped is returned by Schedule after Stop.
var ErrSchedulerStopped = errors.New("scheduler stopped")

// FireFunc completes a chain when its window closes.
type FireFunc func(ctx context.Context, chainID string) error

// Scheduler arranges a one-shot future invocation. Deliveries may repeat;
// the reducer tolerates duplicate firings.
type Scheduler interface {
	Schedule(ctx context.Context, chainID string, delay time.Duration, fire FireFunc) error
}

// LocalScheduler fires timers in-process. Pending timers are lost when the
// process exits; a durable scheduler can instead call Reducer.Fire, for
// example through the HTTP ingress.
type LocalScheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewLocalScheduler creates an in-process scheduler.
func NewLocalScheduler(logger *slog.Logger) *LocalScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalScheduler{
		logger: logger,
		timers: make(map[*time.Timer]struct{}),
	}
}

// Schedule implements Scheduler.
func (s *LocalScheduler) Schedule(_ context.Context, chainID string, delay time.Duration, fire FireFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}

	var t *time.Timer
	s.wg.Add(1)
	t = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()

		if err := fire(context.Background(), chainID); err != nil {
			s.logger.Error("scheduled firing failed",
				slog.String("chain_id", chainID),
				slog.String("error", err.Error()),
			)
		}
	})
	s.timers[t] = struct{}{}
	return nil
}

// Pending returns the number of timers that have not fired.
func (s *LocalScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels pending timers and waits for running firings to finish.
func (s *LocalScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, t)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
