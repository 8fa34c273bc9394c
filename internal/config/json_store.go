package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/magstab/magstab-go/internal/models"
)

const (
	stateFileName = "channels.json"
	debounceDelay = 500 * time.Millisecond
)

// JSONStore keeps the last commanded channel setpoints in
// <config_dir>/channels.json. Saves are coalesced: a burst of setpoint
// changes (a waveform, a PATCH storm) costs one write once the burst has
// been quiet for debounceDelay.
type JSONStore struct {
	path string

	mu      sync.Mutex
	timer   *time.Timer
	pending *models.State
	gen     uint64 // bumped on every Save

	// serializes the timer goroutine against Flush
	writeMu sync.Mutex
	written uint64
}

// NewJSONStore returns a store rooted at configDir. Nothing touches the
// disk until the first Load or Save.
func NewJSONStore(configDir string) *JSONStore {
	return &JSONStore{path: filepath.Join(configDir, stateFileName)}
}

func (s *JSONStore) Path() string { return s.path }

// Load reads the setpoint file. A missing file yields DefaultState. An
// unreadable one is moved aside to channels.json.bad so the next save does
// not silently destroy it, and DefaultState is returned.
func (s *JSONStore) Load() (*models.State, error) {
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		def := models.DefaultState()
		return &def, nil
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", s.path, err)
	}

	var state models.State
	if err := json.Unmarshal(data, &state); err != nil {
		bad := s.path + ".bad"
		if rerr := os.Rename(s.path, bad); rerr != nil {
			slog.Warn("config: could not move corrupt state aside", "path", s.path, "err", rerr)
		}
		slog.Warn("config: corrupt state file, starting from defaults", "path", s.path, "moved_to", bad, "err", err)
		def := models.DefaultState()
		return &def, nil
	}

	migrateState(&state)
	return &state, nil
}

// Save records a copy of state and arms the debounce timer.
func (s *JSONStore) Save(state *models.State) error {
	cp := state.DeepCopy()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &cp
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(debounceDelay, func() {
		if err := s.Flush(); err != nil {
			slog.Error("config: failed to write state", "path", s.path, "err", err)
		}
	})
	return nil
}

// Flush writes the newest pending state now. It is a no-op when nothing
// changed since the last write.
func (s *JSONStore) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	st, gen := s.pending, s.gen
	s.mu.Unlock()

	if st == nil || gen == s.written {
		return nil
	}
	if err := s.writeAtomic(st); err != nil {
		return err
	}
	s.written = gen
	return nil
}

func (s *JSONStore) writeAtomic(state *models.State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, stateFileName+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
