// Package watcher imports markdown files edited in the local mirror.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"whitenote/worker/internal/syncengine"
)

// State of the watcher as reported to health checks.
type State int32

const (
	StateIdle State = iota
	StateWatching
	StateImporting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateImporting:
		return "importing"
	default:
		return "unknown"
	}
}

// Importer resolves and imports mirror files.
type Importer interface {
	ResolvePath(path string) (syncengine.FileRef, bool)
	ImportFromLocal(ctx context.Context, workspaceID, path string) (syncengine.ImportResult, error)
}

// PauseChecker reports whether a bulk export owns the mirror.
type PauseChecker interface {
	IsPaused(ctx context.Context) (bool, error)
}

type Config struct {
	Dir       string
	Debounce  time.Duration
	ImportGap time.Duration
	QueueSize int
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:       dir,
		Debounce:  200 * time.Millisecond,
		ImportGap: 100 * time.Millisecond,
		QueueSize: 256,
	}
}

type pending struct {
	path string
	ref  syncengine.FileRef
}

// Watcher watches the mirror tree and feeds settled changes to a single
// import goroutine.
type Watcher struct {
	cfg      Config
	importer Importer
	pause    PauseChecker
	logger   *slog.Logger

	state atomic.Int32

	mu      sync.Mutex
	running bool
	fsw     *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	timers  map[string]*time.Timer
	queued  map[string]bool
	queue   chan pending
	wg      sync.WaitGroup
	stopped chan struct{}
}

func New(cfg Config, importer Importer, pause PauseChecker, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Watcher{
		cfg:      cfg,
		importer: importer,
		pause:    pause,
		logger:   logger.With("component", "watcher"),
	}
}

func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Start watches every non-hidden directory under the mirror root. Files that
// already exist are not imported.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("watcher already running")
	}
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w.fsw = fsw
	if _, err := w.addTree(w.cfg.Dir); err != nil {
		fsw.Close()
		return err
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.timers = make(map[string]*time.Timer)
	w.queued = make(map[string]bool)
	w.queue = make(chan pending, w.cfg.QueueSize)
	w.stopped = make(chan struct{})
	w.running = true
	w.state.Store(int32(StateWatching))

	w.wg.Add(2)
	go w.processEvents()
	go w.drain()

	w.logger.Info("file watcher started", "dir", w.cfg.Dir, "debounce", w.cfg.Debounce)
	return nil
}

// Stop halts watching and waits for an in-flight import to finish.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	close(w.stopped)
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	w.cancel()
	w.state.Store(int32(StateIdle))
	w.logger.Info("file watcher stopped")
	if err != nil {
		return fmt.Errorf("close fsnotify watcher: %w", err)
	}
	return nil
}

// addTree watches dir and its non-hidden subdirectories and returns the
// markdown files found below it.
func (w *Watcher) addTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if path != dir && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			return nil
		}
		if isMarkdown(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopped:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if isHidden(filepath.Base(event.Name)) {
		return
	}
	// Deletions and renames away are not propagated.
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.mu.Lock()
			files, err := w.addTree(event.Name)
			w.mu.Unlock()
			if err != nil {
				w.logger.Error("watch new directory failed", "path", event.Name, "error", err)
			}
			// Files can land before the watch is in place.
			for _, f := range files {
				w.schedule(f)
			}
			return
		}
	}
	if isMarkdown(event.Name) {
		w.schedule(event.Name)
	}
}

// schedule (re)starts the debounce timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.cfg.Debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.cfg.Debounce, func() { w.settle(path) })
}

// settle runs once path has been quiet for the debounce window.
func (w *Watcher) settle(path string) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	delete(w.timers, path)
	ctx := w.ctx
	w.mu.Unlock()

	paused, err := w.pause.IsPaused(ctx)
	if err != nil {
		w.logger.Error("pause flag check failed, skipping change", "path", path, "error", err)
		return
	}
	if paused {
		w.logger.Debug("sync paused, skipping change", "path", path)
		return
	}
	ref, ok := w.importer.ResolvePath(path)
	if !ok {
		w.logger.Debug("ignoring unmapped file", "path", path)
		return
	}

	w.mu.Lock()
	if w.queued[path] {
		w.mu.Unlock()
		return
	}
	w.queued[path] = true
	w.mu.Unlock()

	select {
	case w.queue <- pending{path: path, ref: ref}:
	case <-w.stopped:
	}
}

func (w *Watcher) drain() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopped:
			return
		case p := <-w.queue:
			w.mu.Lock()
			delete(w.queued, p.path)
			ctx := w.ctx
			w.mu.Unlock()

			w.state.Store(int32(StateImporting))
			res, err := w.importer.ImportFromLocal(ctx, p.ref.WorkspaceID, p.path)
			w.state.Store(int32(StateWatching))
			if err != nil {
				w.logger.Error("import failed", "path", p.path, "workspace_id", p.ref.WorkspaceID, "error", err)
			} else {
				w.logger.Info("imported file", "path", p.path, "outcome", res.Outcome, "kind", res.Kind, "id", res.ID)
			}

			select {
			case <-w.stopped:
				return
			case <-time.After(w.cfg.ImportGap):
			}
		}
	}
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func isMarkdown(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}
