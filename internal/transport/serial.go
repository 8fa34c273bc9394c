package transport

import (
	"bufio"
	"context"
	"fmt"
	"sync"

	"github.com/magstab/magstab-go/internal/ad5791"
	"go.bug.st/serial"
	"golang.org/x/time/rate"
)

// DefaultBaud is used when SerialOptions.Baud is zero.
const DefaultBaud = 115200

// SerialOptions configures a UART link to the bridge.
type SerialOptions struct {
	Options
	Baud int
}

// Serial is a Conn over a UART console of the bridge.
type Serial struct {
	mu      sync.Mutex
	dev     string
	port    serial.Port
	rd      *bufio.Reader
	limiter *rate.Limiter
	opts    SerialOptions
	closed  bool
}

// OpenSerial opens dev at the configured baud rate, 8N1.
func OpenSerial(dev string, opts SerialOptions) (*Serial, error) {
	if opts.Baud == 0 {
		opts.Baud = DefaultBaud
	}
	p, err := serial.Open(dev, &serial.Mode{
		BaudRate: opts.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ad5791.ErrTransport, dev, err)
	}
	if err := p.SetReadTimeout(opts.timeout()); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: %s: set read timeout: %w", ad5791.ErrTransport, dev, err)
	}
	return &Serial{
		dev:     dev,
		port:    p,
		rd:      bufio.NewReader(timeoutReader{p}),
		limiter: opts.limiter(),
		opts:    opts,
	}, nil
}

// timeoutReader turns the empty read of an expired serial timeout into an error.
type timeoutReader struct{ p serial.Port }

func (r timeoutReader) Read(b []byte) (int, error) {
	n, err := r.p.Read(b)
	if n == 0 && err == nil {
		return 0, errTimeout
	}
	return n, err
}

func (s *Serial) exchange(ctx context.Context, cmd string, reply bool) (string, error) {
	if err := wait(ctx, s.limiter); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("%w: %s: port closed", ad5791.ErrTransport, cmd)
	}
	if err := ctx.Err(); err != nil {
		return "", wrap(cmd, err)
	}
	if err := writeLine(s.port, cmd); err != nil {
		return "", wrap(cmd, err)
	}
	if !reply {
		return "", nil
	}
	line, err := readLine(s.rd)
	if err != nil {
		// drop whatever partial reply is buffered so the next query starts clean
		s.rd.Reset(timeoutReader{s.port})
		_ = s.port.ResetInputBuffer()
		return "", wrap(cmd, err)
	}
	return line, nil
}

// Send writes cmd.
func (s *Serial) Send(ctx context.Context, cmd string) error {
	_, err := s.exchange(ctx, cmd, false)
	return err
}

// Query writes cmd and reads one reply line.
func (s *Serial) Query(ctx context.Context, cmd string) (string, error) {
	return s.exchange(ctx, cmd, true)
}

// Close closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

var _ Conn = (*Serial)(nil)
