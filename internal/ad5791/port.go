package ad5791

import "context"

// SPI bus modes as named by the bridge: clock idle level and sampling edge.
const (
	ModeLISL = "LISL" // idle low, sample leading (mode 0)
	ModeLIST = "LIST" // idle low, sample trailing (mode 1)
	ModeHISL = "HISL" // idle high, sample leading (mode 2)
	ModeHIST = "HIST" // idle high, sample trailing (mode 3)
)

// SPIConfig describes the bus settings applied when a session opens.
type SPIConfig struct {
	Device   string `json:"device"`
	SpeedHz  int    `json:"speed_hz"`
	Mode     string `json:"mode"`
	WordBits int    `json:"word_bits"`
}

// DefaultSPI matches the lab wiring of the bridge.
var DefaultSPI = SPIConfig{
	Device:   "/dev/spidev1.0",
	SpeedHz:  100_000,
	Mode:     ModeLIST,
	WordBits: WordBits,
}

func (c SPIConfig) withDefaults() SPIConfig {
	if c.Device == "" {
		c.Device = DefaultSPI.Device
	}
	if c.SpeedHz == 0 {
		c.SpeedHz = DefaultSPI.SpeedHz
	}
	if c.Mode == "" {
		c.Mode = DefaultSPI.Mode
	}
	if c.WordBits == 0 {
		c.WordBits = DefaultSPI.WordBits
	}
	return c
}

// Port is a message-batched SPI master. A message holds N words that are
// clocked out back to back by a single Pass; the response to each word is
// available afterwards. Implementations are not expected to be reentrant.
type Port interface {
	// Configure claims the bus and applies cfg.
	Configure(ctx context.Context, cfg SPIConfig) error
	// Release gives up the bus claim.
	Release(ctx context.Context) error
	// Speed reports the active clock in Hz.
	Speed(ctx context.Context) (int, error)
	// SetSpeed changes the clock without touching other settings.
	SetSpeed(ctx context.Context, hz int) error

	CreateMessage(ctx context.Context, n int) error
	StageWord(ctx context.Context, i int, w Word) error
	Pass(ctx context.Context) error
	Received(ctx context.Context, i int) (Word, error)
	DeleteMessage(ctx context.Context) error
}

// ErrorQueue is implemented by ports that report rejected commands out of
// band instead of in the reply to the command itself. CheckErrors empties the
// queue and returns an ErrProtocol error when it held anything.
type ErrorQueue interface {
	CheckErrors(ctx context.Context) error
}

func checkErrors(ctx context.Context, port Port) error {
	if q, ok := port.(ErrorQueue); ok {
		return q.CheckErrors(ctx)
	}
	return nil
}
