package cleanup

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ActiveSet reports files that must survive a sweep because a queued or
// running job still reads them.
type ActiveSet interface {
	ActivePayloadRefs() map[string]bool
}

// Scheduler handles cleanup of stale uploads
type Scheduler struct {
	dir      string
	interval time.Duration
	maxAge   time.Duration
	active   ActiveSet
	logger   *zap.Logger
	now      func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewScheduler creates a new cleanup scheduler. active may be nil.
func NewScheduler(dir string, intervalMinutes, maxAgeHours int, active ActiveSet, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		dir:      dir,
		interval: time.Duration(intervalMinutes) * time.Minute,
		maxAge:   time.Duration(maxAgeHours) * time.Hour,
		active:   active,
		logger:   logger.With(zap.String("component", "cleanup")),
		now:      time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs one sweep immediately and then one per interval until Stop.
func (s *Scheduler) Start() {
	s.logger.Info("Running initial upload cleanup...")
	s.Sweep()

	if s.interval <= 0 {
		close(s.done)
		s.logger.Warn("Cleanup interval not set; periodic cleanup disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.stopChan:
				return
			}
		}
	}()

	s.logger.Info("Cleanup scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("max_age", s.maxAge))
}

// Stop stops the cleanup scheduler and waits for an in-flight sweep.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		<-s.done
		s.logger.Info("Cleanup scheduler stopped")
	})
}

// Sweep removes files older than the max age from the directory, skipping
// those still referenced by the queue. It returns the number deleted.
func (s *Scheduler) Sweep() int {
	now := s.now()
	var active map[string]bool
	if s.active != nil {
		active = s.active.ActivePayloadRefs()
	}

	var deletedCount int
	var deletedSize int64

	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}
		if info.IsDir() {
			return nil
		}

		age := now.Sub(info.ModTime())
		if age <= s.maxAge || active[path] {
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to delete old file", zap.String("path", path), zap.Error(err))
			return nil
		}
		deletedCount++
		deletedSize += info.Size()
		s.logger.Debug("Deleted old upload",
			zap.String("file", filepath.Base(path)),
			zap.Duration("age", age.Round(time.Hour)),
			zap.Int64("size_kb", info.Size()/1024))
		return nil
	})
	if err != nil {
		s.logger.Error("Error during cleanup", zap.Error(err))
	}

	if deletedCount > 0 {
		s.logger.Info("Cleanup complete",
			zap.Int("files_deleted", deletedCount),
			zap.Float64("mb_freed", float64(deletedSize)/(1024*1024)))
	}
	return deletedCount
}

// EnsureDir creates dir if it doesn't exist
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
