package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Sub-directories of the drop directory.
const (
	DoneDir   = "done"
	FailedDir = "failed"
)

// Watcher imports roster files dropped into a directory. Each file is
// imported once its writes have settled for the debounce window, then moved
// to done/ (or failed/ when it cannot be parsed).
type Watcher struct {
	dir      string
	importer *Importer
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	onDone  func(Result, error)
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher on dir. Files already present are imported
// when Run starts.
func NewWatcher(dir string, importer *Importer, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		importer: importer,
		debounce: debounce,
		logger:   logger.Named("watcher"),
		pending:  make(map[string]*time.Timer),
	}
}

// OnImport registers fn to receive each file's outcome.
func (w *Watcher) OnImport(fn func(Result, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDone = fn
}

// Run watches until ctx is done. Imports in flight finish before it returns.
func (w *Watcher) Run(ctx context.Context) error {
	for _, sub := range []string{DoneDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(w.dir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && Supported(e.Name()) {
			w.schedule(ctx, filepath.Join(w.dir, e.Name()))
		}
	}

	w.logger.Info("watching drop directory", zap.String("dir", w.dir))
	defer w.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !Supported(event.Name) || filepath.Dir(event.Name) != filepath.Clean(w.dir) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(ctx, event.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// schedule (re)starts the settle timer for path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok && t.Stop() {
		t.Reset(w.debounce)
		return
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[path] == t {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		if ctx.Err() == nil {
			w.process(ctx, path)
		}
	})
	w.pending[path] = t
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	res, err := w.importer.ImportFile(ctx, path)
	target := DoneDir
	if err != nil {
		target = FailedDir
		w.logger.Error("roster import failed", zap.String("path", path), zap.Error(err))
	}

	dest := filepath.Join(w.dir, target, filepath.Base(path))
	if _, statErr := os.Stat(dest); statErr == nil {
		dest = fmt.Sprintf("%s.%d", dest, time.Now().UnixNano())
	}
	if mvErr := os.Rename(path, dest); mvErr != nil {
		w.logger.Error("failed to move roster", zap.String("path", path), zap.Error(mvErr))
	}

	w.mu.Lock()
	fn := w.onDone
	w.mu.Unlock()
	if fn != nil {
		fn(res, err)
	}
}
