// Package watcher reloads the configuration file when it changes on disk,
// so routing mappings and log level can be adjusted without a restart.
package watcher

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/codelayer/agproxy/internal/config"
)

// debounce coalesces editor write bursts into one reload.
const debounce = 300 * time.Millisecond

// Watch observes the config file until ctx is done, invoking onChange with
// each successfully reloaded configuration. Parse failures keep the old
// configuration and are logged.
func Watch(ctx context.Context, path string, onChange func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// watch the directory: editors replace files, which drops a file watch
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		var timer *time.Timer
		target := filepath.Clean(path)

		reload := func() {
			cfg, err := config.LoadConfig(path)
			if err != nil {
				log.Warnf("watcher: reload failed, keeping previous config: %v", err)
				return
			}
			log.Infof("watcher: configuration reloaded from %s", path)
			onChange(cfg)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("watcher: %v", err)
			}
		}
	}()
	return nil
}
