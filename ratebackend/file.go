package ratebackend

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// FileTable is a RateBackend backed by a JSON file of unscaled spot rates,
// of the form {"USD": {"EUR": "1.1"}}. The file is watched with fsnotify
// and reloaded on change; the active table is swapped atomically so
// concurrent Quote calls never observe a partially-applied reload, per
// the "RateBackend is read-only once loaded; hot-reload is atomic"
// requirement.
type FileTable struct {
	path    string
	current atomic.Pointer[StaticTable]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileTable loads path and starts watching it for changes.
func NewFileTable(path string) (*FileTable, error) {
	t := &FileTable{path: path, done: make(chan struct{})}

	table, err := loadTableFile(path)
	if err != nil {
		return nil, err
	}
	t.current.Store(table)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ratebackend: unable to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("ratebackend: unable to watch %s: %w", path, err)
	}
	t.watcher = watcher

	go t.watch()

	return t, nil
}

func (t *FileTable) watch() {
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(t.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			table, err := loadTableFile(t.path)
			if err != nil {
				log.Errorf("ratebackend: reload of %s failed, keeping prior table: %v", t.path, err)
				continue
			}
			t.current.Store(table)
			log.Infof("ratebackend: reloaded rate table from %s", t.path)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("ratebackend: watcher error: %v", err)

		case <-t.done:
			return
		}
	}
}

func (t *FileTable) Quote(srcAsset string, srcScale uint8, dstAsset string, dstScale uint8) (*big.Rat, error) {
	return t.current.Load().Quote(srcAsset, srcScale, dstAsset, dstScale)
}

// Close stops watching the rates file.
func (t *FileTable) Close() error {
	close(t.done)
	return t.watcher.Close()
}

func loadTableFile(path string) (*StaticTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ratebackend: read %s: %w", path, err)
	}

	var parsed map[string]map[string]string
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("ratebackend: parse %s: %w", path, err)
	}

	spot := make(map[string]map[string]*big.Rat, len(parsed))
	for src, dsts := range parsed {
		spot[src] = make(map[string]*big.Rat, len(dsts))
		for dst, rateStr := range dsts {
			rate, ok := new(big.Rat).SetString(rateStr)
			if !ok {
				return nil, fmt.Errorf("ratebackend: invalid rate %q for %s->%s", rateStr, src, dst)
			}
			spot[src][dst] = rate
		}
	}

	return NewStaticTable(spot), nil
}
