// Package properties implements the §6.4 PropertyFacade over a JSON file
// watched with fsnotify, grounded on the teacher's internal/config
// watcher (NewConfigWatcher/handleEvents debounced-reload idiom recovered
// from its surviving watcher_fsnotify_test.go).
package properties

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/homeguard/troubled/internal/collaborators"
)

// debounceWrite coalesces bursts of fsnotify Write events from editors
// that write-then-rename. Declared as a var, not a const, so tests can
// shrink it the way the teacher's watcher_fsnotify_test.go does.
var debounceWrite = 150 * time.Millisecond

// Facade implements collaborators.PropertyFacade over a flat JSON object
// of key/value pairs, reloaded on change.
type Facade struct {
	path string

	mu     sync.RWMutex
	values map[string]json.RawMessage

	subMu       sync.Mutex
	subscribers map[int]func(key string)
	nextSubID   int

	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ collaborators.PropertyFacade = (*Facade)(nil)

// Load reads path (creating an empty object if absent) and starts watching
// it for changes.
func Load(path string) (*Facade, error) {
	f := &Facade{
		path:        path,
		values:      make(map[string]json.RawMessage),
		subscribers: make(map[int]func(key string)),
		done:        make(chan struct{}),
	}

	if err := f.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	f.watcher = watcher

	go f.watchLoop()
	return f, nil
}

func (f *Facade) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.mu.Lock()
			f.values = make(map[string]json.RawMessage)
			f.mu.Unlock()
			return nil
		}
		return err
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("properties: malformed file, keeping previous values")
		return nil
	}

	f.mu.Lock()
	f.values = parsed
	f.mu.Unlock()
	return nil
}

func (f *Facade) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWrite, f.onFileChanged)

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("properties: fsnotify watch error")

		case <-f.done:
			return
		}
	}
}

func (f *Facade) onFileChanged() {
	if err := f.Reload(); err != nil {
		log.Warn().Err(err).Msg("properties: reload failed")
	}
}

// Reload forces an immediate re-read of the properties file and notifies
// subscribers of any keys that changed, independent of the fsnotify
// watcher. Exposed so a SIGHUP handler can force a refresh on filesystems
// where inotify events don't propagate (e.g. some network mounts).
func (f *Facade) Reload() error {
	before := f.snapshotKeys()
	if err := f.reload(); err != nil {
		return err
	}
	after := f.snapshotKeys()
	f.notifyChanged(before, after)
	return nil
}

func (f *Facade) snapshotKeys() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = string(v)
	}
	return out
}

func (f *Facade) notifyChanged(before, after map[string]string) {
	changed := make(map[string]struct{})
	for k, v := range after {
		if before[k] != v {
			changed[k] = struct{}{}
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			changed[k] = struct{}{}
		}
	}
	if len(changed) == 0 {
		return
	}

	f.subMu.Lock()
	subs := make([]func(key string), 0, len(f.subscribers))
	for _, fn := range f.subscribers {
		subs = append(subs, fn)
	}
	f.subMu.Unlock()

	for key := range changed {
		for _, fn := range subs {
			fn(key)
		}
	}
}

// GetUint returns the numeric value of key, or def if absent/malformed.
func (f *Facade) GetUint(key string, def uint32) uint32 {
	f.mu.RLock()
	raw, ok := f.values[key]
	f.mu.RUnlock()
	if !ok {
		return def
	}
	var v uint32
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// GetBool returns the boolean value of key, or def if absent/malformed.
func (f *Facade) GetBool(key string, def bool) bool {
	f.mu.RLock()
	raw, ok := f.values[key]
	f.mu.RUnlock()
	if !ok {
		return def
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// Subscribe registers fn to be called with the changed key whenever the
// backing file is reloaded with a different value for that key.
func (f *Facade) Subscribe(fn func(key string)) func() {
	f.subMu.Lock()
	id := f.nextSubID
	f.nextSubID++
	f.subscribers[id] = fn
	f.subMu.Unlock()

	return func() {
		f.subMu.Lock()
		delete(f.subscribers, id)
		f.subMu.Unlock()
	}
}

// Close stops the file watcher.
func (f *Facade) Close() error {
	close(f.done)
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}
