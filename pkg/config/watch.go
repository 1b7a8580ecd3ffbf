package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/parleyhq/parley/pkg/logger"
)

// Watch monitors the given config files and emits on the returned channel
// when a change settles (debounced, so editor atomic saves count once).
// The watcher runs until the context is cancelled.
func Watch(ctx context.Context, files ...string) <-chan struct{} {
	reloadCh := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.G(ctx).WithError(err).Error("failed to create config watcher")
		return reloadCh
	}

	for _, file := range files {
		if file == "" {
			continue
		}
		absPath, err := filepath.Abs(file)
		if err != nil {
			logger.G(ctx).WithField("file", file).Warn("could not resolve config file path")
			continue
		}
		// Watch the directory: editors replace the file on save, which
		// drops a watch registered on the file itself.
		if err := watcher.Add(filepath.Dir(absPath)); err != nil {
			logger.G(ctx).WithError(err).WithField("file", file).Warn("could not watch config file")
		}
	}

	go func() {
		defer watcher.Close()
		defer close(reloadCh)

		var timer *time.Timer
		const debounce = 500 * time.Millisecond

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(debounce, func() {
						logger.G(ctx).WithField("file", event.Name).Info("config change detected")
						select {
						case reloadCh <- struct{}{}:
						default:
						}
					})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.G(ctx).WithError(err).Error("config watcher error")
			}
		}
	}()

	return reloadCh
}
