package config

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher monitors the config file and invokes onChange with the
// freshly loaded Config on every write. Reload failures keep the previous
// config and log a warning. Falls back silently to no-op when fsnotify
// cannot watch the path (e.g. file not created yet).
func StartWatcher(ctx context.Context, path string, onChange func(Config)) {
	if path == "" || onChange == nil {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[Config] fsnotify unavailable (%v), hot reload disabled", err)
		return
	}
	if err := watcher.Add(path); err != nil {
		log.Printf("[Config] cannot watch %s (%v), hot reload disabled", path, err)
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				// Editors often truncate-then-write; give the write a moment.
				time.Sleep(100 * time.Millisecond)

				cfg, err := Load(path)
				if err != nil {
					log.Printf("[Config] reload failed, keeping previous config: %v", err)
					continue
				}
				log.Printf("[Config] %s changed, applying", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Config] watcher error: %v", err)
			}
		}
	}()
}
