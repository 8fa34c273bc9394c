// Package config loads daemon settings and persists the last commanded
// channel state between runs.
package config

import "github.com/magstab/magstab-go/internal/models"

// Store persists channel setpoints across daemon restarts.
type Store interface {
	// Load returns the saved channel state (channels.json for JSONStore),
	// or DefaultState when nothing was saved yet.
	Load() (*models.State, error)

	// Save records state. JSONStore coalesces bursts into one write.
	Save(state *models.State) error

	// Path names where state lives, ":memory:" for MemStore.
	Path() string

	// Flush writes any pending state now.
	Flush() error
}
