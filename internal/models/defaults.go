package models

// Version is overridden at link time.
var Version = "dev"

// DefaultState is the state used when nothing was persisted.
func DefaultState() State {
	return State{
		Channels: []Channel{},
		Info:     Info{Version: Version, Model: Model},
	}
}
