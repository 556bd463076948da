package lifecycle

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/domain/swcache"
	"pwacache/internal/errs"
)

// Watcher reloads the precache manifest when its file changes and runs an
// update cycle when the version changed.
type Watcher struct {
	manager  *Manager
	path     string
	load     ManifestLoader
	debounce time.Duration
}

// ManifestLoader reads the current manifest, overrides applied.
type ManifestLoader func() (swcache.Manifest, error)

// NewWatcher watches path and reads it through load. A nil load reads path as is.
func NewWatcher(manager *Manager, path string, load ManifestLoader) *Watcher {
	if load == nil {
		load = func() (swcache.Manifest, error) { return swcache.LoadManifest(path) }
	}
	return &Watcher{manager: manager, path: path, load: load, debounce: 250 * time.Millisecond}
}

// Reload reads the manifest and updates to it. It reports whether a new version
// was activated.
func (w *Watcher) Reload(ctx context.Context) (bool, error) {
	manifest, err := w.load()
	if err != nil {
		return false, errs.Wrap(err, "load manifest")
	}
	activated, err := w.manager.Update(ctx, manifest)
	if err != nil {
		return false, errs.Wrapf(err, "update to %s", manifest.Version)
	}
	return activated, nil
}

// Run watches the manifest's directory, since editors often replace files by
// rename, until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	ctx = logging.WithAttrs(logging.WithComponent(ctx, "lifecycle.watcher"), slog.String("manifest", w.path))

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Wrap(err, "create file watcher")
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return errs.Wrap(err, "watch manifest directory")
	}
	target := filepath.Clean(w.path)
	logging.Info(ctx, "watching manifest")

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Warn(ctx, "file watcher error", slog.Any("err", errs.Loggable(err)))

		case <-fire:
			fire = nil
			activated, err := w.Reload(ctx)
			if err != nil {
				logging.Error(ctx, "manifest reload failed", slog.Any("err", errs.Loggable(err)))
				continue
			}
			if activated {
				version, _ := w.manager.ActiveVersion()
				logging.Info(ctx, "manifest reload activated new version", slog.String("version", version))
			}
		}
	}
}
