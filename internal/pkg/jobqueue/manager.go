package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const defaultPruneInterval = 6 * time.Hour

// LedgerPruner deletes settled webhook ledger entries older than a cutoff.
type LedgerPruner interface {
	PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error)
}

type ManagerConfig struct {
	Workers         int
	LedgerRetention time.Duration
	PruneInterval   time.Duration
}

// Manager runs the queue together with periodic ledger pruning. It can be
// stopped and started again.
type Manager struct {
	queue         *Queue
	pruner        LedgerPruner
	retention     time.Duration
	pruneInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewManager creates a manager. A nil pruner or zero retention disables
// ledger pruning.
func NewManager(client *redis.Client, pruner LedgerPruner, cfg ManagerConfig) *Manager {
	m := &Manager{
		queue:         NewQueue(client, cfg.Workers),
		pruner:        pruner,
		retention:     cfg.LedgerRetention,
		pruneInterval: cfg.PruneInterval,
	}
	if m.pruneInterval <= 0 {
		m.pruneInterval = defaultPruneInterval
	}
	return m
}

func (m *Manager) GetQueue() *Queue {
	return m.queue
}

func (m *Manager) pruning() bool {
	return m.pruner != nil && m.retention > 0
}

func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	m.queue.Start()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	if m.pruning() {
		log.Infof("[JobQueue Manager] Pruning ledger every %s (retention %s)", m.pruneInterval, m.retention)
		go m.pruneLoop(ctx, m.done)
	} else {
		close(m.done)
	}
	m.running = true
}

// Stop ends pruning first, then drains the queue.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}

	m.cancel()
	<-m.done
	m.queue.Stop()
	m.running = false
	log.Info("[JobQueue Manager] Stopped")
}

func (m *Manager) pruneLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(m.pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.PruneLedgerOnce(ctx); err != nil {
				log.Errorf("[JobQueue Manager] Pruning ledger: %v", err)
			}
		}
	}
}

// PruneLedgerOnce deletes settled ledger entries older than the retention.
func (m *Manager) PruneLedgerOnce(ctx context.Context) (int64, error) {
	if !m.pruning() {
		return 0, nil
	}
	n, err := m.pruner.PruneWebhookEvents(ctx, time.Now().Add(-m.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Infof("[JobQueue Manager] Pruned %d settled webhook events", n)
	}
	return n, nil
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
