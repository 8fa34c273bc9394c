package config

import (
	"sync"

	"github.com/magstab/magstab-go/internal/models"
)

// MemStore holds setpoints in memory only. The controller and API tests
// use it; Saves counts how many times state was persisted.
type MemStore struct {
	mu    sync.Mutex
	state *models.State
	saves int
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore { return &MemStore{} }

func (m *MemStore) Load() (*models.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st models.State
	if m.state == nil {
		st = models.DefaultState()
	} else {
		st = m.state.DeepCopy()
	}
	return &st, nil
}

func (m *MemStore) Save(state *models.State) error {
	st := state.DeepCopy()
	m.mu.Lock()
	m.state = &st
	m.saves++
	m.mu.Unlock()
	return nil
}

// Saves reports the number of Save calls so far.
func (m *MemStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemStore) Path() string { return ":memory:" }
func (m *MemStore) Flush() error { return nil }
