package meta

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// dirWatcher invalidates parse-cache entries when record files change on disk
// outside Store.Write: an operator deleting a record, or a second tool
// rewriting one. The watcher observes the directory rather than individual
// files so atomic-save renames are caught.
type dirWatcher struct {
	fsWatcher  *fsnotify.Watcher
	invalidate func(path string)
	logger     zerolog.Logger
	done       chan struct{}
}

func newDirWatcher(dir string, invalidate func(path string), logger zerolog.Logger) (*dirWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("meta watcher: creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("meta watcher: watching %s: %w", dir, err)
	}

	w := &dirWatcher{
		fsWatcher:  fsw,
		invalidate: invalidate,
		logger:     logger,
		done:       make(chan struct{}),
	}

	go w.loop()

	return w, nil
}

func (w *dirWatcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(evt.Name, recordSuffix) {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.invalidate(filepath.Clean(evt.Name))
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("meta watcher error")
		}
	}
}

// Close stops the watcher and releases resources.
func (w *dirWatcher) Close() error {
	close(w.done)
	return w.fsWatcher.Close()
}
