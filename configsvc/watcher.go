package configsvc

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches the defaults and environment-override files on disk and
// re-layers the configuration the way Service.Load does on change; the
// reload itself broadcasts the result
// on config.snapshot, the same topic ApplyChanges uses. A rejected reload
// is logged and otherwise ignored: the last accepted snapshot stays live
// until an operator fixes the file.
type Watcher struct {
	logger  *zap.Logger
	svc     *Service
	watcher *fsnotify.Watcher
}

// NewWatcher builds a Watcher over svc's defaults and environment-override
// files. svc must already have completed a successful Load and, for
// reloads to broadcast, already have AttachBus called on it.
func NewWatcher(svc *Service, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range []string{svc.paths.Defaults, svc.paths.EnvironmentFile} {
		if p == "" {
			continue
		}
		if err := fw.Add(filepath.Dir(p)); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return &Watcher{logger: logger, svc: svc, watcher: fw}, nil
}

// Run blocks, reloading svc whenever a watched file changes, until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("configsvc: watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	base := filepath.Base(ev.Name)
	return base == filepath.Base(w.svc.paths.Defaults) ||
		(w.svc.paths.EnvironmentFile != "" && base == filepath.Base(w.svc.paths.EnvironmentFile))
}

// reload re-runs the same layered load Service.Load performs; reloadFromDisk
// itself commits and broadcasts the new snapshot on config.snapshot when it
// differs from the current tree.
func (w *Watcher) reload(ctx context.Context) {
	snap, err := w.svc.reloadFromDisk(ctx)
	if err != nil {
		w.logger.Warn("configsvc: reload rejected", zap.Error(err))
		return
	}
	w.logger.Info("configsvc: reloaded from disk", zap.Int("version", snap.Version))
}
