package config

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config document on SIGHUP or file change and invokes
// onReload with the fresh config. Invalid documents are logged and
// skipped; the previous config stays active. Blocks until ctx is done.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file, which would drop a
	// direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := func(trigger string) {
		cfg, err := Load(path)
		if err != nil {
			slog.Error("config.reload.failed", "trigger", trigger, "error", err)
			return
		}
		slog.Info("config.reloaded", "trigger", trigger)
		onReload(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			reload("sighup")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Editors emit bursts of events for one save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() { reload("file") })
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config.watch.error", "error", err)
		}
	}
}
