package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/1ureka/p2pcall/internal/util"
)

// WatchICEServers reloads the ICE configuration file whenever it changes and
// hands the new list to fn. The parent directory is watched because editors
// and secret mounts replace files rather than writing in place. Invalid
// content is logged and ignored. Blocks until ctx is cancelled.
func WatchICEServers(ctx context.Context, path string, fn func([]ICEServer)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			servers, err := LoadICEServers(target)
			if err != nil {
				util.LogWarning("ignoring ICE config change: %v", err)
				continue
			}
			util.LogInfo("ICE config reloaded (%d servers)", len(servers))
			fn(servers)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			util.LogWarning("ICE config watcher: %v", err)

		case <-ctx.Done():
			return nil
		}
	}
}
