package retention

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a policy file whenever it is written or replaced.
//
// The directory is watched rather than the file so that editors which
// save by rename still trigger a reload. A policy that fails to parse is
// logged and ignored; the previous policy stays in force.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	onChange  func(*Policy)
	logger    *zap.Logger
	done      chan struct{}
}

// WatchPolicy starts watching path and calls onChange with every policy
// that loads successfully.
func WatchPolicy(path string, onChange func(*Policy), logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		path:      filepath.Clean(path),
		onChange:  onChange,
		logger:    logger,
		done:      make(chan struct{}),
	}
	go w.processEvents()

	logger.Info("retention policy watcher started", zap.String("path", w.path))
	return w, nil
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			w.reload()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("retention policy watcher error", zap.Error(err))

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	p, err := LoadPolicy(w.path)
	if err != nil {
		w.logger.Error("retention policy reload failed, keeping previous policy", zap.Error(err))
		return
	}
	w.logger.Info("retention policy reloaded",
		zap.String("default", p.Default.String()),
		zap.Int("rules", len(p.Rules)),
	)
	w.onChange(p)
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
