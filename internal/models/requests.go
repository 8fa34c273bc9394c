package models

// ChannelUpdate is the PATCH body for a channel. Nil fields are left alone.
// Fields are applied in declaration order.
type ChannelUpdate struct {
	DeferredTrigger *bool    `json:"deferred_trigger,omitempty"`
	ClockHz         *int     `json:"clock_hz,omitempty"`
	ClearVoltage    *float64 `json:"clear_voltage,omitempty"`
	Tristate        *bool    `json:"tristate,omitempty"`
	OutputGrounded  *bool    `json:"output_grounded,omitempty"`
	Voltage         *float64 `json:"voltage,omitempty"`
}

// VoltageRequest is the PUT body of /channels/{ch}/voltage.
type VoltageRequest struct {
	Voltage *float64 `json:"voltage"`
}

// VoltageReading is read straight from the DAC register.
type VoltageReading struct {
	Channel int     `json:"channel"`
	Voltage float64 `json:"voltage"`
	Code    uint32  `json:"code"`
}

// RegisterValue is the payload of one device register.
type RegisterValue struct {
	Channel  int    `json:"channel"`
	Register string `json:"register"`
	Value    uint32 `json:"value"`
	Hex      string `json:"hex"`
}

// RegisterWrite is the PUT body of /channels/{ch}/registers/{reg}.
type RegisterWrite struct {
	Value *uint32 `json:"value"`
}

// WaveformRequest plays Samples (volts) on one channel at Rate samples per
// second, Repeat times (zero means once).
type WaveformRequest struct {
	Samples []float64 `json:"samples"`
	Rate    float64   `json:"rate"`
	Repeat  int       `json:"repeat,omitempty"`
}

// LoadRequest selects channels for a synchronized LDAC. Empty means all.
type LoadRequest struct {
	Channels []int `json:"channels,omitempty"`
}
