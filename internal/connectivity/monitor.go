package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/meadowlark/farmsync/internal/logging"
)

// Background task tags handed to the platform provider.
const (
	TaskSyncOneShot  = "farmsync.queue-drain"
	TaskSyncPeriodic = "farmsync.periodic-sync"
)

// DefaultSettleDelay is how long a fresh connection must hold before sync
// starts, so a flapping link doesn't trigger repeated half-drains.
const DefaultSettleDelay = 2 * time.Second

// Config holds monitor configuration.
type Config struct {
	SettleDelay     time.Duration
	SyncInterval    time.Duration // periodic drain while online (default: 15 minutes)
	CleanupInterval time.Duration // retention sweep (default: 1 hour)
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		SettleDelay:     DefaultSettleDelay,
		SyncInterval:    15 * time.Minute,
		CleanupInterval: time.Hour,
	}
}

// Monitor observes online/offline transitions and triggers queue drains.
// It owns the online boolean the cache and mutation engine branch on.
type Monitor struct {
	mu          sync.Mutex
	online      bool
	settleTimer *time.Timer
	observers   []func(online bool)
	isRunning   bool

	settleDelay     time.Duration
	syncInterval    time.Duration
	cleanupInterval time.Duration

	tasks      BackgroundTaskProvider
	syncFn     func(ctx context.Context)
	cleanupFn  func()
	hasPending func() bool

	runCtx context.Context
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor. syncFn runs a queue drain, cleanupFn runs a
// retention sweep, hasPending reports whether queued work exists (used to
// decide background-task registration when going offline).
func NewMonitor(config *Config, tasks BackgroundTaskProvider, syncFn func(ctx context.Context), cleanupFn func(), hasPending func() bool) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if tasks == nil {
		tasks = NoopProvider{}
	}
	return &Monitor{
		online:          true, // assume online until told otherwise
		settleDelay:     config.SettleDelay,
		syncInterval:    config.SyncInterval,
		cleanupInterval: config.CleanupInterval,
		tasks:           tasks,
		syncFn:          syncFn,
		cleanupFn:       cleanupFn,
		hasPending:      hasPending,
		stopCh:          make(chan struct{}),
	}
}

// IsOnline returns the current online state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers an observer for online-state transitions. Observers
// are invoked synchronously from SetOnline, after the state changes.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// SetOnline records a connectivity transition. Going online arms the settle
// timer and drains the queue once the link holds; flapping back offline
// before the delay elapses cancels the pending drain. Going offline with
// queued work registers a one-shot background task so the platform can
// drain even if the app leaves the foreground.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online

	if wasOnline == online {
		m.mu.Unlock()
		return
	}

	logging.Info("Connectivity changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  online,
	})

	if online {
		if m.settleTimer != nil {
			m.settleTimer.Stop()
		}
		m.settleTimer = time.AfterFunc(m.settleDelay, m.settledOnline)
	} else {
		if m.settleTimer != nil {
			m.settleTimer.Stop()
			m.settleTimer = nil
		}
		if m.hasPending != nil && m.hasPending() {
			if err := m.tasks.RegisterOneShot(TaskSyncOneShot); err != nil {
				logging.Warn("Background task registration failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}

	observers := make([]func(bool), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(online)
	}
}

// settledOnline fires once the connection has held for the settle delay.
func (m *Monitor) settledOnline() {
	m.mu.Lock()
	stillOnline := m.online
	ctx := m.runCtx
	m.mu.Unlock()

	if !stillOnline || m.syncFn == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logging.Debug("Connection settled, starting queue drain", nil)
	m.syncFn(ctx)
}

// Run starts the periodic loops: a drain ticker that only fires while
// online and a retention-cleanup ticker. Blocks until Stop or ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.runCtx = ctx
	m.mu.Unlock()

	if m.tasks.Supported() {
		if err := m.tasks.RegisterPeriodic(TaskSyncPeriodic, m.syncInterval); err != nil {
			logging.Warn("Periodic background task registration failed",
				map[string]interface{}{"error": err.Error()})
		}
	}

	m.wg.Add(2)
	go m.syncLoop(ctx)
	go m.cleanupLoop(ctx)

	logging.Info("Connectivity monitor started", nil)
	m.wg.Wait()
}

// Stop stops the loops and waits for them to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	logging.Info("Connectivity monitor stopped", nil)
}

// syncLoop drains the queue on a fixed interval while online.
func (m *Monitor) syncLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if !m.IsOnline() || m.syncFn == nil {
				continue
			}
			m.syncFn(ctx)
		}
	}
}

// cleanupLoop sweeps expired queue rows and audio blobs.
func (m *Monitor) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.cleanupFn != nil {
				m.cleanupFn()
			}
		}
	}
}
