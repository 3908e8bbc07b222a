package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher invalidates cached config documents when config.json files change on disk,
// so hand edits are picked up without a restart.
type Watcher struct {
	store              *Store
	watcher            *fsnotify.Watcher
	stabilityThreshold time.Duration
	onChange           func(key string)

	done           chan struct{}
	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex
	stopOnce       sync.Once
}

// NewWatcher creates a watcher for store. onChange may be nil.
func NewWatcher(store *Store, onChange func(key string)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		store:              store,
		watcher:            w,
		stabilityThreshold: 100 * time.Millisecond,
		onChange:           onChange,
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

// Watch starts a Watcher on s that stops when ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(key string)) (*Watcher, error) {
	w, err := NewWatcher(s, onChange)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = w.Stop()
		case <-w.done:
		}
	}()
	return w, nil
}

// Start watches the sessions root and every existing session directory.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.store.Dir()); err != nil {
		return fmt.Errorf("failed to watch sessions directory: %w", err)
	}

	keys, err := w.store.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := w.watcher.Add(w.store.SessionDir(key)); err != nil {
			log.Warn().Err(err).Str("session_key", key).Msg("Failed to watch session directory")
		}
	}

	go w.eventLoop()

	log.Info().Str("path", w.store.Dir()).Int("sessions", len(keys)).Msg("Session config watcher started")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	clear(w.debounceTimers)
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Session watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// A new session directory: start watching it.
	if filepath.Dir(event.Name) == filepath.Clean(w.store.Dir()) {
		if event.Op&fsnotify.Create == fsnotify.Create && ValidateKey(filepath.Base(event.Name)) == nil {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.watcher.Add(event.Name); err != nil {
					log.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch session directory")
				}
			}
		}
		return
	}

	key, ok := w.keyFor(event.Name)
	if !ok {
		return
	}
	w.debounce(key)
}

// keyFor maps <root>/<key>/config.json to key. Temp files and credentials are ignored.
func (w *Watcher) keyFor(path string) (string, bool) {
	if filepath.Base(path) != configFileName || strings.HasSuffix(path, ".tmp") {
		return "", false
	}
	key := filepath.Base(filepath.Dir(path))
	if ValidateKey(key) != nil {
		return "", false
	}
	return key, true
}

func (w *Watcher) debounce(key string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[key]; exists {
		timer.Stop()
	}

	w.debounceTimers[key] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, key)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}

		w.store.Invalidate(key)
		log.Debug().Str("session_key", key).Msg("Session config changed on disk")
		if w.onChange != nil {
			w.onChange(key)
		}
	})
}
