package acquire

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchModelDir watches dir for a create/write event on the model filename,
// invoking onReady once CheckModelFile passes. This lets a manually
// dropped-in model file be picked up without an app restart, generalizing
// the teacher's debounced file-watch idiom (internal/index/watcher.go) from
// a source-tree crawl to a single well-known path. The returned func stops
// the watch; callers should defer it.
func WatchModelDir(dir string, onReady func()) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Join(dir, ModelFilename)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != target {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if err := CheckModelFile(target); err == nil {
					onReady()
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("acquire: watch error: %v", werr)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
