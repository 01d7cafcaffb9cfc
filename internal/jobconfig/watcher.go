package jobconfig

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses bursts of editor writes into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher keeps the repository in step with a directory of job files.
type Watcher struct {
	dir      string
	pattern  string
	repo     *Repository
	logger   *slog.Logger
	debounce time.Duration

	// reloaded is signalled after every sync attempt; tests wait on it.
	reloaded chan struct{}
}

// NewWatcher creates a Watcher for the files under dir matching pattern.
func NewWatcher(dir, pattern string, repo *Repository, logger *slog.Logger) *Watcher {
	if pattern == "" {
		pattern = DefaultPattern
	}
	return &Watcher{
		dir:      dir,
		pattern:  pattern,
		repo:     repo,
		logger:   logger.With("component", "jobwatch", "dir", dir),
		debounce: DefaultDebounce,
		reloaded: make(chan struct{}, 1),
	}
}

// Reload loads the directory and syncs it into the repository once.
func (w *Watcher) Reload(ctx context.Context) error {
	jobs, err := LoadDir(w.dir, w.pattern)
	if err != nil {
		return err
	}
	res, err := Sync(ctx, w.repo, jobs)
	if err != nil {
		return err
	}
	if len(res.Added)+len(res.Updated)+len(res.Deleted) > 0 {
		w.logger.Info("jobs synced",
			"added", res.Added, "updated", res.Updated, "deleted", res.Deleted)
	}
	return nil
}

// Run performs an initial reload and then reloads on file changes until
// ctx is cancelled. A reload that fails keeps the previous definitions.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Reload(ctx); err != nil {
		w.logger.Warn("initial job load failed", "error", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addTree(fw, w.dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if err := w.Reload(ctx); err != nil {
				w.logger.Warn("job reload failed", "error", err)
			}
			select {
			case w.reloaded <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				if isDir(ev.Name) {
					if err := w.addTree(fw, ev.Name); err != nil {
						w.logger.Warn("watch new directory", "path", ev.Name, "error", err)
					}
				}
			}
			if w.relevant(ev) {
				schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	rel, err := filepath.Rel(w.dir, ev.Name)
	if err != nil {
		return false
	}
	if isDir(ev.Name) {
		return true
	}
	ok, err := doublestar.Match(w.pattern, filepath.ToSlash(rel))
	return err == nil && ok
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
