package config

import (
	"log/slog"

	"github.com/magstab/magstab-go/internal/models"
)

// migrateState normalizes a state file written by an older daemon or by
// hand: unnamed channels are dropped, IDs renumbered, runtime-only fields
// cleared, and info refreshed.
func migrateState(state *models.State) {
	kept := state.Channels[:0]
	seen := make(map[string]bool)
	for _, ch := range state.Channels {
		if ch.Name == "" {
			slog.Warn("config: dropping unnamed channel from state", "id", ch.ID)
			continue
		}
		if seen[ch.Name] {
			slog.Warn("config: dropping duplicate channel from state", "name", ch.Name)
			continue
		}
		seen[ch.Name] = true
		ch.ID = len(kept)
		ch.Online = false
		ch.LastError = ""
		kept = append(kept, ch)
	}
	state.Channels = kept
	if state.Channels == nil {
		state.Channels = []models.Channel{}
	}
	state.Info = models.DefaultState().Info
}
