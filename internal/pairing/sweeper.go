package pairing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultSweepInterval = 5 * time.Second

// Sweeper periodically reclaims expired and idle sessions.
type Sweeper struct {
	mu       sync.RWMutex
	store    *Store
	broker   *Broker
	interval time.Duration
	hooks    []func(time.Time)
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a sweeper. Reclaimed sessions are handed to broker so
// their peers are told why they went away.
func NewSweeper(store *Store, broker *Broker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		broker:   broker,
		interval: interval,
		logger:   logger,
	}
}

// OnTick registers housekeeping to run after every sweep.
func (s *Sweeper) OnTick(fn func(now time.Time)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Sweep(now)
			}
		}
	}()
}

// Stop stops the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Sweep runs a single pass and returns how many sessions were reclaimed.
func (s *Sweeper) Sweep(now time.Time) int {
	reclaimed := s.store.SweepExpired(now)
	if len(reclaimed) > 0 {
		s.broker.Expire(reclaimed, now)
		s.logger.Debug("sweep", "reclaimed", len(reclaimed), "live", s.store.Len())
	}

	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(now)
	}
	return len(reclaimed)
}
