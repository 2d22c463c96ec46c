package configuration

import (
	"path/filepath"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// FileWatcher invokes a callback whenever the watched configuration file is
// rewritten, so long-running components can pick up option changes without a
// restart. Editors and configmap mounts replace files rather than rewriting
// them in place, so the parent directory is watched and events are filtered
// by name.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	filePath string
	onChange func()
	stop     chan struct{}

	log logger.Logger
}

func NewFileWatcher(filePath string, onChange func()) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create file system watcher for file \"%s\"", filePath)
	}

	if err := watcher.Add(filepath.Dir(filePath)); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch directory of file \"%s\"", filePath)
	}

	fileWatcher := &FileWatcher{
		watcher:  watcher,
		filePath: filepath.Clean(filePath),
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	config.InitLogger(&fileWatcher.log, fileWatcher)

	go fileWatcher.run()

	return fileWatcher, nil
}

func (w *FileWatcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}

func (w *FileWatcher) run() {
	// Replacing a file produces a burst of Create/Write events; collapse each
	// burst into a single reload.
	var pending *time.Timer
	debounce := func() {
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(250*time.Millisecond, w.onChange)
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.filePath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.log.Debug("Configuration file \"%s\" changed (%s).", w.filePath, event.Op)
				debounce()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("FileWatcher error: %s", err)
		case <-w.stop:
			return
		}
	}
}
