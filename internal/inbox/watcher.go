package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/agentworkforce/studysync/internal/offline"
)

const (
	rejectedDirName     = "rejected"
	defaultSettle       = 100 * time.Millisecond
	defaultPollInterval = 50 * time.Millisecond
)

type Enqueuer interface {
	EnqueueAction(ctx context.Context, action offline.Action) (offline.Action, error)
}

type Options struct {
	// Settle is how long a file must be quiet before it is imported.
	Settle    time.Duration
	Logger    *zap.Logger
	OnEnqueue func(offline.Action)
}

// Watcher imports action files dropped into a spool directory. Each *.json
// file holds one action; imported files are removed, invalid ones are moved
// to the rejected/ subdirectory. Writers should create files under another
// name (for example *.tmp) and rename them into place.
type Watcher struct {
	dir       string
	queue     Enqueuer
	settle    time.Duration
	logger    *zap.Logger
	onEnqueue func(offline.Action)

	mu      sync.Mutex
	pending map[string]time.Time
	stats   Stats
}

type Stats struct {
	Imported int
	Rejected int
	Errors   int
}

func NewWatcher(dir string, queue Enqueuer, opts Options) (*Watcher, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, offline.ErrInvalidInput
	}
	if queue == nil {
		return nil, pkgerrors.New("inbox: enqueuer is required")
	}
	w := &Watcher{
		dir:       filepath.Clean(dir),
		queue:     queue,
		settle:    opts.Settle,
		logger:    opts.Logger,
		onEnqueue: opts.OnEnqueue,
		pending:   map[string]time.Time{},
	}
	if w.settle <= 0 {
		w.settle = defaultSettle
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w, nil
}

func (w *Watcher) Dir() string {
	return w.dir
}

func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run imports files already in the directory, then watches for new ones
// until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, rejectedDirName), 0o755); err != nil {
		return pkgerrors.Wrap(err, "inbox: create spool directory")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return pkgerrors.Wrap(err, "inbox: create watcher")
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return pkgerrors.Wrapf(err, "inbox: watch %s", w.dir)
	}
	w.logger.Info("inbox watching", zap.String("dir", w.dir))

	if err := w.ImportExisting(ctx); err != nil {
		w.logger.Warn("inbox initial import failed", zap.Error(err))
	}

	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && isActionFile(event.Name) {
				w.mu.Lock()
				w.pending[event.Name] = time.Now()
				w.mu.Unlock()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case now := <-ticker.C:
			for _, path := range w.settled(now) {
				w.importFile(ctx, path)
			}
		}
	}
}

// ImportExisting imports every action file currently in the directory, in
// name order.
func (w *Watcher) ImportExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && isActionFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.importFile(ctx, filepath.Join(w.dir, name))
	}
	return nil
}

func (w *Watcher) settled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ready []string
	for path, seen := range w.pending {
		if now.Sub(seen) >= w.settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(ready)
	return ready
}

func (w *Watcher) importFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("inbox read failed", zap.String("file", path), zap.Error(err))
			w.bump(func(s *Stats) { s.Errors++ })
		}
		return
	}
	var action offline.Action
	if err := json.Unmarshal(data, &action); err != nil {
		w.reject(path, err)
		return
	}
	queued, err := w.queue.EnqueueAction(ctx, action)
	if err != nil {
		if errors.Is(err, offline.ErrInvalidInput) {
			w.reject(path, err)
			return
		}
		// storage trouble; leave the file for the next start
		w.logger.Error("inbox enqueue failed", zap.String("file", path), zap.Error(err))
		w.bump(func(s *Stats) { s.Errors++ })
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("inbox remove failed", zap.String("file", path), zap.Error(err))
	}
	w.bump(func(s *Stats) { s.Imported++ })
	w.logger.Info("inbox action queued",
		zap.String("file", filepath.Base(path)),
		zap.String("actionId", queued.ID),
		zap.String("kind", queued.Kind),
	)
	if w.onEnqueue != nil {
		w.onEnqueue(queued)
	}
}

func (w *Watcher) reject(path string, cause error) {
	target := filepath.Join(w.dir, rejectedDirName, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		w.logger.Warn("inbox reject failed", zap.String("file", path), zap.Error(err))
	}
	w.bump(func(s *Stats) { s.Rejected++ })
	w.logger.Warn("inbox file rejected", zap.String("file", filepath.Base(path)), zap.Error(cause))
}

func (w *Watcher) bump(fn func(*Stats)) {
	w.mu.Lock()
	fn(&w.stats)
	w.mu.Unlock()
}

func isActionFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
