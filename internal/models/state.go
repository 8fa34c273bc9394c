// Package models defines the data structures exchanged over the HTTP API and
// persisted between daemon runs.
package models

// Channel is the last observed state of one DAC output.
type Channel struct {
	ID   int    `json:"id"`
	Name string `json:"name"`

	// Setpoint is the last voltage commanded through the daemon.
	Setpoint *float64 `json:"setpoint,omitempty"`
	// Voltage is decoded from the DAC register, not measured.
	Voltage float64 `json:"voltage"`
	Code    uint32  `json:"code"`
	Control uint32  `json:"control"`

	Tristate        bool `json:"tristate"`
	OutputGrounded  bool `json:"output_grounded"`
	DeferredTrigger bool `json:"deferred_trigger"`
	// PendingLoad is set while a deferred write waits for LDAC.
	PendingLoad bool `json:"pending_load"`

	ClearVoltage float64 `json:"clear_voltage"`
	ClockHz      int     `json:"clock_hz"`
	VRefP        float64 `json:"vrefp"`
	VRefN        float64 `json:"vrefn"`
	Transport    string  `json:"transport"`

	Online    bool   `json:"online"`
	LastError string `json:"last_error,omitempty"`
}

// Info is the system information response.
type Info struct {
	Version  string `json:"version"`
	Model    string `json:"model"`
	Channels int    `json:"channels"`
	Mock     bool   `json:"mock"`
}

// State is the complete system state returned by GET /api.
type State struct {
	Channels []Channel `json:"channels"`
	Info     Info      `json:"info"`
}

// DeepCopy returns a copy that shares no memory with s.
func (s State) DeepCopy() State {
	next := State{Info: s.Info}
	if s.Channels != nil {
		next.Channels = make([]Channel, len(s.Channels))
		for i, ch := range s.Channels {
			if ch.Setpoint != nil {
				v := *ch.Setpoint
				ch.Setpoint = &v
			}
			next.Channels[i] = ch
		}
	}
	return next
}

// FindChannel returns the channel with id, or nil.
func (s *State) FindChannel(id int) *Channel {
	for i := range s.Channels {
		if s.Channels[i].ID == id {
			return &s.Channels[i]
		}
	}
	return nil
}

// ChannelByName returns the channel called name, or nil.
func (s *State) ChannelByName(name string) *Channel {
	for i := range s.Channels {
		if s.Channels[i].Name == name {
			return &s.Channels[i]
		}
	}
	return nil
}

// Model is reported in Info and the zeroconf TXT record.
const Model = "AD5791"
