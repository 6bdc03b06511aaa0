// Package expiry periodically removes expired entries from a credential cache.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper removes expired entries and reports how many it removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Config holds expiration configuration.
type Config struct {
	// CheckInterval is how often to sweep.
	// Default is 5 minutes.
	CheckInterval time.Duration

	// Logger for expiration events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 5 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Manager runs a Sweeper on an interval.
type Manager struct {
	config  Config
	sweeper Sweeper
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new expiration manager.
func NewManager(sweeper Sweeper, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		sweeper: sweeper,
		logger:  cfg.Logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background sweeps.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for a sweep in progress to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	return m.runOnce(ctx)
}

// Result contains the results of a sweep.
type Result struct {
	Removed  int
	Err      error
	Duration time.Duration
}

func (m *Manager) runOnce(ctx context.Context) *Result {
	start := m.now()
	m.logger.Debug("starting expiry sweep")

	removed, err := m.sweeper.Sweep(ctx)
	result := &Result{Removed: removed, Err: err, Duration: m.now().Sub(start)}

	if err != nil {
		m.logger.Warn("expiry sweep incomplete", "removed", removed, "error", err)
		return result
	}
	if removed > 0 {
		m.logger.Info("expiry sweep complete", "removed", removed, "duration", result.Duration)
	} else {
		m.logger.Debug("expiry sweep complete, nothing to expire")
	}
	return result
}
