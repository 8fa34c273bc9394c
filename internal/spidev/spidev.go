// Package spidev is an ad5791.Port on a local Linux spidev node, for boards
// where the DAC hangs directly off the host's SPI bus instead of a bridge.
package spidev

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/magstab/magstab-go/internal/ad5791"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Options names optional GPIO lines wired to the DAC's active-low
// LDAC, RESET and CLR inputs. Empty names leave the line unused.
type Options struct {
	LDACPin  string
	ResetPin string
	ClearPin string
}

type message struct {
	tx     []ad5791.Word
	staged []bool
	rx     []ad5791.Word
	passed bool
}

// Port drives the DAC through periph.io. Each message is sent as one
// TxPackets call, with chip select released after every word so the DAC
// latches each frame.
type Port struct {
	mu    sync.Mutex
	opts  Options
	open  func(dev string) (spi.PortCloser, error)
	init  func() error
	port  spi.PortCloser
	conn  spi.Conn
	cfg   ad5791.SPIConfig
	msg   *message
	pins  pins
	ready bool
}

var hostOnce = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// New returns an unconfigured port.
func New(opts Options) *Port {
	return &Port{opts: opts, open: spireg.Open, init: hostOnce}
}

func busMode(name string) (spi.Mode, error) {
	switch name {
	case ad5791.ModeLISL:
		return spi.Mode0, nil
	case ad5791.ModeLIST:
		return spi.Mode1, nil
	case ad5791.ModeHISL:
		return spi.Mode2, nil
	case ad5791.ModeHIST:
		return spi.Mode3, nil
	}
	return 0, fmt.Errorf("%w: spi mode %q", ad5791.ErrInvalidPayload, name)
}

func (p *Port) connect(cfg ad5791.SPIConfig) error {
	mode, err := busMode(cfg.Mode)
	if err != nil {
		return err
	}
	if cfg.SpeedHz <= 0 {
		return fmt.Errorf("%w: spi clock %d Hz", ad5791.ErrRange, cfg.SpeedHz)
	}
	port, err := p.open(cfg.Device)
	if err != nil {
		return fmt.Errorf("%w: spidev: open %s: %w", ad5791.ErrTransport, cfg.Device, err)
	}
	conn, err := port.Connect(physic.Frequency(cfg.SpeedHz)*physic.Hertz, mode, cfg.WordBits)
	if err != nil {
		port.Close()
		return fmt.Errorf("%w: spidev: connect %s: %w", ad5791.ErrTransport, cfg.Device, err)
	}
	p.port = port
	p.conn = conn
	p.cfg = cfg
	return nil
}

func (p *Port) disconnect() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	p.conn = nil
	return err
}

// Configure opens the spidev node and claims the configured GPIO lines.
func (p *Port) Configure(ctx context.Context, cfg ad5791.SPIConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.init != nil {
		if err := p.init(); err != nil {
			return fmt.Errorf("%w: spidev: host init: %w", ad5791.ErrTransport, err)
		}
	}
	if err := p.disconnect(); err != nil {
		slog.Warn("spidev: closing previous port", "err", err)
	}
	if err := p.connect(cfg); err != nil {
		return err
	}
	pins, err := openPins(p.opts)
	if err != nil {
		p.disconnect()
		return err
	}
	p.pins = pins
	p.ready = true
	slog.Debug("spidev: configured", "device", cfg.Device, "speed_hz", cfg.SpeedHz, "mode", cfg.Mode)
	return nil
}

// Release closes the spidev node.
func (p *Port) Release(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	p.msg = nil
	if err := p.disconnect(); err != nil {
		return fmt.Errorf("%w: spidev: close: %w", ad5791.ErrTransport, err)
	}
	return nil
}

// Speed returns the configured clock.
func (p *Port) Speed(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return 0, errNotReady
	}
	return p.cfg.SpeedHz, nil
}

// SetSpeed reopens the node at hz; a spidev connection cannot be retuned.
func (p *Port) SetSpeed(ctx context.Context, hz int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return errNotReady
	}
	cfg := p.cfg
	cfg.SpeedHz = hz
	if err := p.disconnect(); err != nil {
		slog.Warn("spidev: closing port for speed change", "err", err)
	}
	if err := p.connect(cfg); err != nil {
		p.ready = false
		return err
	}
	return nil
}

var errNotReady = fmt.Errorf("%w: spidev: port not configured", ad5791.ErrTransport)

func (p *Port) CreateMessage(ctx context.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return errNotReady
	}
	if p.msg != nil {
		return fmt.Errorf("%w: spidev: message already open", ad5791.ErrProtocol)
	}
	p.msg = &message{tx: make([]ad5791.Word, n), staged: make([]bool, n)}
	return nil
}

func (p *Port) StageWord(ctx context.Context, i int, w ad5791.Word) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msg == nil || p.msg.passed || i < 0 || i >= len(p.msg.tx) {
		return fmt.Errorf("%w: spidev: cannot stage word %d", ad5791.ErrProtocol, i)
	}
	p.msg.tx[i] = w
	p.msg.staged[i] = true
	return nil
}

func (p *Port) Pass(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return errNotReady
	}
	if p.msg == nil || p.msg.passed {
		return fmt.Errorf("%w: spidev: no message to pass", ad5791.ErrProtocol)
	}
	for i, ok := range p.msg.staged {
		if !ok {
			return fmt.Errorf("%w: spidev: word %d not staged", ad5791.ErrProtocol, i)
		}
	}
	p.msg.rx = make([]ad5791.Word, len(p.msg.tx))
	pkts := make([]spi.Packet, len(p.msg.tx))
	for i := range p.msg.tx {
		pkts[i] = spi.Packet{W: p.msg.tx[i][:], R: p.msg.rx[i][:]}
	}
	p.msg.passed = true
	if err := p.conn.TxPackets(pkts); err != nil {
		return fmt.Errorf("%w: spidev: transfer: %w", ad5791.ErrTransport, err)
	}
	return nil
}

func (p *Port) Received(ctx context.Context, i int) (ad5791.Word, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msg == nil || !p.msg.passed || i < 0 || i >= len(p.msg.rx) {
		return ad5791.Word{}, fmt.Errorf("%w: spidev: no response for word %d", ad5791.ErrProtocol, i)
	}
	return p.msg.rx[i], nil
}

func (p *Port) DeleteMessage(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msg = nil
	return nil
}

// HasLDAC reports whether a hardware LDAC line is wired.
func (p *Port) HasLDAC() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pins.ldac != nil
}

// PulseLDAC strobes the hardware LDAC line.
func (p *Port) PulseLDAC(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pulse(p.pins.ldac, "LDAC")
}

// PulseReset strobes the hardware RESET line.
func (p *Port) PulseReset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pulse(p.pins.reset, "RESET")
}

// PulseClear strobes the hardware CLR line.
func (p *Port) PulseClear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pulse(p.pins.clr, "CLR")
}

var _ ad5791.Port = (*Port)(nil)
