package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lyzr/flowcore/common/config"
)

type testLogger struct{}

func (testLogger) Info(string, ...interface{})  {}
func (testLogger) Error(string, ...interface{}) {}
func (testLogger) Warn(string, ...interface{})  {}
func (testLogger) Debug(string, ...interface{}) {}

func testConfig() config.CleanupConfig {
	return config.CleanupConfig{
		Interval:    10 * time.Millisecond,
		ContextTTL:  time.Minute,
		TempFileTTL: time.Hour,
	}
}

func tempFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scratch.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestSweep_RunsCleanersInPriorityOrder(t *testing.T) {
	m := NewManager(testConfig(), testLogger{})

	var order []string
	m.RegisterCleaner("second", 20, func(context.Context) (int, error) {
		order = append(order, "second")
		return 2, nil
	})
	m.RegisterCleaner("first", 10, func(context.Context) (int, error) {
		order = append(order, "first")
		return 1, nil
	})

	m.Sweep(context.Background())

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Expected priority order [first second], got %v", order)
	}

	stats := m.Stats()
	if stats.SweepsRun != 1 || stats.ItemsCleaned != 3 || stats.CleanerErrors != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.LastSweepAt.IsZero() {
		t.Error("Expected last sweep timestamp")
	}
}

func TestSweep_IsolatesFailingCleaner(t *testing.T) {
	m := NewManager(testConfig(), testLogger{})

	ran := false
	m.RegisterCleaner("broken", 1, func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	m.RegisterCleaner("healthy", 2, func(context.Context) (int, error) {
		ran = true
		return 5, nil
	})

	m.Sweep(context.Background())

	if !ran {
		t.Error("A failing cleaner must not stop the sweep")
	}
	stats := m.Stats()
	if stats.CleanerErrors != 1 || stats.ItemsCleaned != 5 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestSweep_TempFileTTL(t *testing.T) {
	cfg := testConfig()
	cfg.TempFileTTL = 50 * time.Millisecond
	m := NewManager(cfg, testLogger{})

	old := tempFile(t)
	fresh := tempFile(t)
	m.TrackTempFile(old)

	time.Sleep(80 * time.Millisecond)
	m.TrackTempFile(fresh)

	m.Sweep(context.Background())

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("Expired temp file should be deleted")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("Fresh temp file should survive: %v", err)
	}

	stats := m.Stats()
	if stats.FilesDeleted != 1 || stats.TrackedFiles != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestForceCleanupAll_IgnoresAge(t *testing.T) {
	m := NewManager(testConfig(), testLogger{})

	path := tempFile(t)
	m.TrackTempFile(path)
	m.RegisterCleaner("counter", 1, func(context.Context) (int, error) { return 7, nil })

	if err := m.ForceCleanupAll(context.Background()); err != nil {
		t.Fatalf("ForceCleanupAll failed: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Forced cleanup must delete tracked files regardless of age")
	}

	m.RegisterCleaner("broken", 2, func(context.Context) (int, error) { return 0, errors.New("boom") })
	if err := m.ForceCleanupAll(context.Background()); err == nil {
		t.Error("Expected error when a cleaner fails during forced cleanup")
	}
}

func TestStartStop_DeletesTrackedFiles(t *testing.T) {
	m := NewManager(testConfig(), testLogger{})

	path := tempFile(t)
	m.TrackTempFile(path)

	swept := make(chan struct{}, 1)
	m.RegisterCleaner("signal", 1, func(context.Context) (int, error) {
		select {
		case swept <- struct{}{}:
		default:
		}
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	select {
	case <-swept:
	case <-time.After(5 * time.Second):
		t.Fatal("Periodic sweep never ran")
	}

	m.Stop()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Stop must delete tracked temp files")
	}
	if m.Stats().TrackedFiles != 0 {
		t.Errorf("Expected no tracked files after Stop, got %d", m.Stats().TrackedFiles)
	}

	// Repeat Stop is safe
	m.Stop()
}

func TestTrackTempFile_MissingFileTolerated(t *testing.T) {
	m := NewManager(testConfig(), testLogger{})

	m.TrackTempFile(filepath.Join(t.TempDir(), "never-created.tmp"))
	deleted := m.sweepTempFiles(0)

	// Missing files still count as released
	if deleted != 1 {
		t.Errorf("Expected missing file tolerated, got %d deletions", deleted)
	}
}
