package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the config whenever the file changes and calls onChange
// with each successfully parsed version. Parse and validation errors are
// logged and the previous config stays in effect. The returned stop
// function ends the watch.
//
// The parent directory is watched rather than the file itself: editors
// that write via rename replace the inode, which would silently kill a
// file-level watch.
func Watch(path string, log zerolog.Logger, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err = watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	log = log.With().Str("component", "config-watch").Logger()
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != absPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(absPath)
				if err != nil {
					log.Warn().Err(err).Msg("Ignoring invalid config change")
					continue
				}
				log.Info().Msg("Config reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
