package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("anonchat/config")

// debounce window for editors that fire several events per save.
const watchSettle = 200 * time.Millisecond

// Watcher reloads the config file on change and delivers valid configs to a
// callback. Invalid intermediate states are logged and skipped.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	closed  chan struct{}
}

// Watch starts watching path. The callback runs on the watcher goroutine each
// time the file is rewritten with a config that passes validation. The parent
// directory is watched rather than the file itself, since most editors
// replace the file on save.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		watcher: fw,
		path:    abs,
		closed:  make(chan struct{}),
	}
	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func(Config)) {
	var settle *time.Timer
	var settleC <-chan time.Time

	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(watchSettle)
			} else {
				settle.Reset(watchSettle)
			}
			settleC = settle.C
		case <-settleC:
			settleC = nil
			cfg, err := Load(w.path)
			if err != nil {
				log.Warnw("config reload skipped", "path", w.path, "err", err)
				continue
			}
			onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("config watcher error", "err", err)
		}
	}
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	select {
	case <-w.closed:
		return nil
	default:
	}
	close(w.closed)
	return w.watcher.Close()
}
