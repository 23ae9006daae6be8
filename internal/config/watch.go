// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// reloadDebounce coalesces the write bursts editors and config managers
// produce into one reload.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads path on change and delivers the new Config to onChange until
// ctx is done. A file that fails to load is logged and skipped; the last good
// configuration stays in effect. The watch follows the directory so atomic
// rename-over writes are seen.
func Watch(ctx context.Context, logger logr.Logger, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logger = logger.WithName("config-watch")

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(reloadDebounce)
				} else {
					debounce.Reset(reloadDebounce)
				}
				fire = debounce.C
			case <-fire:
				fire = nil
				cfg, err := Load(path)
				if err != nil {
					logger.Error(err, "config reload failed, keeping previous")
					continue
				}
				logger.V(1).Info("config reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error(err, "config watcher error")
			}
		}
	}()
	return nil
}
