package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/animus-coder/taskplane/internal/contract"
)

// Sweeper evaluates breakers across active contracts; *contract.Machine
// satisfies it.
type Sweeper interface {
	CheckAll(ctx context.Context) ([]*contract.Trip, error)
}

// SweepRecorder counts sweeps; observability.Metrics satisfies it.
type SweepRecorder interface {
	RecordWatcherRescan()
}

// Watcher re-evaluates breakers when contract files change and on a fixed
// interval, so stage timeouts trip even when nobody touches a contract.
type Watcher struct {
	dir      string
	sweeper  Sweeper
	interval time.Duration
	debounce time.Duration
	recorder SweepRecorder
	logger   *zap.Logger
}

// NewWatcher builds a watcher over dir. A zero interval disables the
// periodic sweep; recorder and logger may be nil.
func NewWatcher(dir string, sweeper Sweeper, interval time.Duration, recorder SweepRecorder, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		sweeper:  sweeper,
		interval: interval,
		debounce: 250 * time.Millisecond,
		recorder: recorder,
		logger:   logger,
	}
}

// Run blocks until ctx is done. One sweep runs at startup.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create contract dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching contracts", zap.String("dir", w.dir), zap.Duration("sweep_interval", w.interval))

	var periodic <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		periodic = ticker.C
	}

	// pending fires once after a burst of writes settles.
	pending := time.NewTimer(w.debounce)
	defer pending.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isContractEvent(ev) {
				continue
			}
			w.logger.Debug("contract changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			pending.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("contract watcher error", zap.Error(err))
		case <-pending.C:
			w.sweep(ctx)
		case <-periodic:
			w.sweep(ctx)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	if w.recorder != nil {
		w.recorder.RecordWatcherRescan()
	}
	trips, err := w.sweeper.CheckAll(ctx)
	if err != nil {
		w.logger.Warn("breaker sweep incomplete", zap.Error(err))
	}
	for _, t := range trips {
		w.logger.Info("breaker sweep tripped contract",
			zap.String("task_id", t.TaskID),
			zap.String("reason", t.Reason),
			zap.String("status", string(t.Status)))
	}
}

// isContractEvent ignores temp files, lock files and chmod noise.
func isContractEvent(ev fsnotify.Event) bool {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".json") {
		return false
	}
	return ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0
}
