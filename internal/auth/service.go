// Package auth guards the HTTP API with API keys read from keys.json in the
// config directory. The file is watched and reloaded on change; when it is
// absent or lists no keys the API is open.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const keysFileName = "keys.json"

// Key is one API key. ReadOnly keys may only issue GET and HEAD requests.
type Key struct {
	Name     string `json:"name"`
	Key      string `json:"key"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

type keyFile struct {
	Keys []Key `json:"keys"`
}

// Service holds the current key set.
type Service struct {
	mu        sync.RWMutex
	configDir string
	keys      []Key
	watcher   *fsnotify.Watcher
}

// NewService loads keys.json from configDir and watches it for changes.
func NewService(configDir string) (*Service, error) {
	s := &Service{configDir: configDir}

	if err := s.Reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("auth: could not create fsnotify watcher", "err", err)
		return s, nil
	}
	s.watcher = watcher

	keysPath := s.keysPath()
	if err := watcher.Add(filepath.Dir(keysPath)); err != nil {
		slog.Warn("auth: could not watch config dir", "dir", filepath.Dir(keysPath), "err", err)
	}

	go s.watchLoop(keysPath)
	return s, nil
}

func (s *Service) keysPath() string {
	return filepath.Join(s.configDir, keysFileName)
}

// Reload re-reads keys.json. A missing file clears every key. Keys without
// a value are ignored.
func (s *Service) Reload() error {
	data, err := os.ReadFile(s.keysPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.mu.Lock()
			s.keys = nil
			s.mu.Unlock()
			return nil
		}
		return err
	}

	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("auth: %s: %w", s.keysPath(), err)
	}
	keys := f.Keys[:0]
	for _, k := range f.Keys {
		if k.Key == "" {
			slog.Warn("auth: ignoring key without value", "name", k.Name)
			continue
		}
		keys = append(keys, k)
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	slog.Debug("auth: reloaded keys", "count", len(keys))
	return nil
}

// IsOpenMode reports whether no key is configured.
func (s *Service) IsOpenMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys) == 0
}

// Verify returns the key entry matching key. Every entry is compared in
// constant time.
func (s *Service) Verify(key string) (Key, bool) {
	if key == "" {
		return Key{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found Key
	ok := false
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k.Key)) == 1 && !ok {
			found, ok = k, true
		}
	}
	return found, ok
}

// Close stops the file watcher.
func (s *Service) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *Service) watchLoop(keysPath string) {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != keysPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if err := s.Reload(); err != nil {
					slog.Warn("auth: failed to reload keys", "err", err)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("auth: watcher error", "err", err)
		}
	}
}
