package cleanup

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/lyzr/flowcore/common/config"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// CleanerFunc is one registered cleanup routine. It returns the number
// of resources it released.
type CleanerFunc func(ctx context.Context) (int, error)

type cleaner struct {
	name     string
	priority int
	fn       CleanerFunc
}

// Stats is a snapshot of the manager's counters
type Stats struct {
	Cleaners       int       `json:"cleaners"`
	TrackedFiles   int       `json:"tracked_files"`
	SweepsRun      int64     `json:"sweeps_run"`
	ItemsCleaned   int64     `json:"items_cleaned"`
	CleanerErrors  int64     `json:"cleaner_errors"`
	FilesDeleted   int64     `json:"files_deleted"`
	LastSweepAt    time.Time `json:"last_sweep_at"`
	LastSweepTook  string    `json:"last_sweep_took"`
}

// Manager periodically sweeps registered cleaners and tracked temp
// files. Cleaners run in priority order (lower first); a failing
// cleaner is logged and the sweep continues.
type Manager struct {
	cfg    config.CleanupConfig
	logger Logger

	mu        sync.Mutex
	cleaners  []cleaner
	tempFiles map[string]time.Time

	sweeps        int64
	itemsCleaned  int64
	cleanerErrors int64
	filesDeleted  int64
	lastSweepAt   time.Time
	lastSweepTook time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewManager creates a cleanup manager
func NewManager(cfg config.CleanupConfig, logger Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		tempFiles: make(map[string]time.Time),
		stop:      make(chan struct{}),
	}
}

// RegisterCleaner adds a cleanup routine. Lower priority runs first.
func (m *Manager) RegisterCleaner(name string, priority int, fn CleanerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleaners = append(m.cleaners, cleaner{name: name, priority: priority, fn: fn})
	sort.SliceStable(m.cleaners, func(i, j int) bool {
		return m.cleaners[i].priority < m.cleaners[j].priority
	})

	m.logger.Debug("cleaner registered", "name", name, "priority", priority)
}

// TrackTempFile records a temporary file for TTL-based deletion
func (m *Manager) TrackTempFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempFiles[path] = time.Now()
}

// Start launches the periodic sweep loop
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("cleanup manager started", "interval", m.cfg.Interval)
}

// Stop halts the loop and deletes every tracked temp file
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	paths := make([]string, 0, len(m.tempFiles))
	for path := range m.tempFiles {
		paths = append(paths, path)
	}
	m.tempFiles = make(map[string]time.Time)
	m.mu.Unlock()

	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("delete temp file on shutdown", "path", path, "error", err)
			continue
		}
		m.filesDeleted++
	}

	m.logger.Info("cleanup manager stopped", "temp_files_deleted", len(paths))
}

// ForceCleanupAll runs every cleaner and deletes every tracked file
// regardless of age
func (m *Manager) ForceCleanupAll(ctx context.Context) error {
	cleaned, errs := m.runCleaners(ctx)
	deleted := m.sweepTempFiles(0)

	m.logger.Info("forced cleanup complete",
		"items_cleaned", cleaned,
		"files_deleted", deleted,
		"cleaner_errors", errs)

	if errs > 0 {
		return fmt.Errorf("%d cleaner(s) failed during forced cleanup", errs)
	}
	return nil
}

// Sweep runs one pass: custom cleaners first, then expired temp files
func (m *Manager) Sweep(ctx context.Context) {
	started := time.Now()

	cleaned, _ := m.runCleaners(ctx)
	deleted := m.sweepTempFiles(m.cfg.TempFileTTL)

	m.mu.Lock()
	m.sweeps++
	m.lastSweepAt = started
	m.lastSweepTook = time.Since(started)
	m.mu.Unlock()

	if cleaned > 0 || deleted > 0 {
		m.logger.Debug("cleanup sweep",
			"items_cleaned", cleaned,
			"files_deleted", deleted,
			"took", time.Since(started))
	}
}

// Stats returns a snapshot of the counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Cleaners:      len(m.cleaners),
		TrackedFiles:  len(m.tempFiles),
		SweepsRun:     m.sweeps,
		ItemsCleaned:  m.itemsCleaned,
		CleanerErrors: m.cleanerErrors,
		FilesDeleted:  m.filesDeleted,
		LastSweepAt:   m.lastSweepAt,
		LastSweepTook: m.lastSweepTook.String(),
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// runCleaners invokes every registered cleaner in priority order,
// isolating failures
func (m *Manager) runCleaners(ctx context.Context) (cleaned, errs int64) {
	m.mu.Lock()
	cleaners := make([]cleaner, len(m.cleaners))
	copy(cleaners, m.cleaners)
	m.mu.Unlock()

	for _, c := range cleaners {
		n, err := c.fn(ctx)
		if err != nil {
			errs++
			m.logger.Error("cleaner failed", "name", c.name, "error", err)
			continue
		}
		cleaned += int64(n)
	}

	m.mu.Lock()
	m.itemsCleaned += cleaned
	m.cleanerErrors += errs
	m.mu.Unlock()

	return cleaned, errs
}

// sweepTempFiles deletes tracked files older than ttl (0 = all)
func (m *Manager) sweepTempFiles(ttl time.Duration) int64 {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for path, tracked := range m.tempFiles {
		if ttl == 0 || now.Sub(tracked) > ttl {
			expired = append(expired, path)
			delete(m.tempFiles, path)
		}
	}
	m.mu.Unlock()

	var deleted int64
	for _, path := range expired {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("delete temp file", "path", path, "error", err)
			continue
		}
		deleted++
	}

	m.mu.Lock()
	m.filesDeleted += deleted
	m.mu.Unlock()

	return deleted
}
