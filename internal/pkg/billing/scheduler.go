package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Scheduler runs a tax re-check for an invoice after a delay. Implementations
// must not block the caller and must drop duplicate schedules for the same
// invoice and delay.
type Scheduler interface {
	ScheduleTaxRecheck(ctx context.Context, invoiceID string, delay time.Duration) error
}

// RecheckFunc performs one tax re-check.
type RecheckFunc func(ctx context.Context, invoiceID string) error

// LocalScheduler runs re-checks on in-process timers. Pending timers are lost
// on restart, which only forfeits the re-check.
type LocalScheduler struct {
	mu      sync.Mutex
	run     RecheckFunc
	timeout time.Duration
	timers  map[string]*time.Timer
}

func NewLocalScheduler(timeout time.Duration) *LocalScheduler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LocalScheduler{timeout: timeout, timers: make(map[string]*time.Timer)}
}

// Bind sets the function invoked when a timer fires.
func (s *LocalScheduler) Bind(fn RecheckFunc) {
	s.mu.Lock()
	s.run = fn
	s.mu.Unlock()
}

func (s *LocalScheduler) ScheduleTaxRecheck(_ context.Context, invoiceID string, delay time.Duration) error {
	key := fmt.Sprintf("%s:%d", invoiceID, int64(delay/time.Second))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return fmt.Errorf("local scheduler has no re-check bound")
	}
	if _, ok := s.timers[key]; ok {
		return nil
	}
	run := s.run
	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := run(ctx, invoiceID); err != nil {
			log.Errorf("[TaxEngine] re-check of invoice %s after %s failed: %v", invoiceID, delay, err)
		}
	})
	return nil
}

// Pending returns the number of timers not yet fired.
func (s *LocalScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending timer.
func (s *LocalScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
