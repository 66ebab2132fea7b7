package config

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "remindd/pkg/logx"
)

// Watch re-parses the config whenever the file changes and hands each
// committed config to onChange. The parent directory is watched so editor
// rename-and-replace saves are caught; a content hash suppresses no-op
// rewrites. Invalid configs are logged and skipped, the last good config
// stays in effect.
//
// Watch blocks until ctx is cancelled; run it on its own goroutine.
func Watch(ctx context.Context, path string, log logx.Logger, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	lastHash := hashFile(path)

	reload := func() {
		h := hashFile(path)
		if h == lastHash {
			return
		}
		cfg, err := Load(path)
		if err != nil {
			log.Warn("config reload rejected", logx.String("path", path), logx.Err(err))
			return
		}
		lastHash = h
		log.Info("config reloaded", logx.String("path", path))
		onChange(cfg)
	}

	// Debounce: editors emit bursts of write/rename events per save.
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce:
			debounce = nil
			reload()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(250 * time.Millisecond)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", logx.Err(err))
		}
	}
}

func hashFile(path string) uint64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
