package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultAutoSaveIdle is the idle period after the last local edit before an automatic save.
	DefaultAutoSaveIdle = 15 * time.Second
	minAutoSaveIdle     = 10 * time.Second
	maxAutoSaveIdle     = 30 * time.Second
	autoSaveTimeout     = 30 * time.Second
)

var (
	// ErrSaveFailed wraps a failed manual save. The unsaved changes are kept so the save can be retried.
	ErrSaveFailed = errors.New("collab: save failed")

	errMissingSaveFunc = errors.New("collab: save function required")
)

// SaveFunc persists the current replica content.
type SaveFunc func(ctx context.Context) error

// AutoSaverConfig configures an AutoSaver.
type AutoSaverConfig struct {
	Key  string
	Idle time.Duration
	Save SaveFunc
	// Saved is called after a save that left no unsaved changes behind.
	Saved  func()
	Logger *zap.Logger
	// AllowShortIdle disables clamping Idle into the 10s to 30s window.
	AllowShortIdle bool
}

// AutoSaver decides when unsaved edits are turned into a snapshot. At most one save is in flight;
// triggers that arrive meanwhile join the running attempt.
type AutoSaver struct {
	key     string
	idle    time.Duration
	save    SaveFunc
	onSaved func()
	logger  *zap.Logger
	flight  singleflight.Group

	mu         sync.Mutex
	dirty      bool
	generation uint64
	saved      uint64
	timer      *time.Timer
	timerSeq   uint64
	closed     bool
}

// NewAutoSaver validates the configuration.
func NewAutoSaver(cfg AutoSaverConfig) (*AutoSaver, error) {
	if cfg.Save == nil {
		return nil, errMissingSaveFunc
	}
	idle := cfg.Idle
	if idle <= 0 {
		idle = DefaultAutoSaveIdle
	}
	if !cfg.AllowShortIdle {
		idle = min(max(idle, minAutoSaveIdle), maxAutoSaveIdle)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoSaver{key: cfg.Key, idle: idle, save: cfg.Save, onSaved: cfg.Saved, logger: logger}, nil
}

// MarkDirty records a local edit and restarts the idle timer.
func (a *AutoSaver) MarkDirty() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty = true
	a.generation++
	a.armLocked()
}

// Dirty reports whether edits exist that no successful save has captured.
func (a *AutoSaver) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}

// SaveNow saves immediately and cancels the pending automatic save. The content present when SaveNow
// is called is always captured: joining an attempt that started earlier is followed by a fresh save.
// Failures are wrapped in ErrSaveFailed.
func (a *AutoSaver) SaveNow(ctx context.Context) error {
	a.mu.Lock()
	a.stopTimerLocked()
	target := a.generation
	a.mu.Unlock()

	for {
		if err := a.run(ctx); err != nil {
			a.logger.Warn("manual save failed", zap.String("key", a.key), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrSaveFailed, err)
		}
		a.mu.Lock()
		if a.saved >= target {
			if a.dirty && a.timer == nil {
				a.armLocked()
			}
			a.mu.Unlock()
			return nil
		}
		a.mu.Unlock()
	}
}

// Close cancels the pending automatic save. Later edits no longer arm the timer.
func (a *AutoSaver) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.stopTimerLocked()
}

func (a *AutoSaver) fire(seq uint64) {
	a.mu.Lock()
	if seq != a.timerSeq {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	if a.closed || !a.dirty {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), autoSaveTimeout)
	defer cancel()
	if err := a.run(ctx); err != nil {
		a.logger.Warn("automatic save failed, retrying after the next idle period", zap.String("key", a.key), zap.Error(err))
		a.mu.Lock()
		if a.timer == nil {
			a.armLocked()
		}
		a.mu.Unlock()
	}
}

func (a *AutoSaver) run(ctx context.Context) error {
	_, err, _ := a.flight.Do(a.key, func() (any, error) {
		a.mu.Lock()
		generation := a.generation
		a.mu.Unlock()

		if err := a.save(ctx); err != nil {
			return nil, err
		}

		a.mu.Lock()
		a.saved = max(a.saved, generation)
		clean := a.generation == generation
		if clean {
			a.dirty = false
		}
		a.mu.Unlock()
		if clean && a.onSaved != nil {
			a.onSaved()
		}
		return nil, nil
	})
	return err
}

func (a *AutoSaver) armLocked() {
	if a.closed {
		return
	}
	a.stopTimerLocked()
	seq := a.timerSeq
	a.timer = time.AfterFunc(a.idle, func() { a.fire(seq) })
}

func (a *AutoSaver) stopTimerLocked() {
	a.timerSeq++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
