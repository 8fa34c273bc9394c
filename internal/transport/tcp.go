package transport

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/magstab/magstab-go/internal/ad5791"
	"golang.org/x/time/rate"
)

// TCP is a Conn to a bridge listening on a TCP port. After any I/O failure
// the socket is dropped and redialed on the next command; the failed command
// itself is never repeated.
type TCP struct {
	mu      sync.Mutex
	addr    string
	opts    Options
	conn    net.Conn
	rd      *bufio.Reader
	limiter *rate.Limiter
	closed  bool
}

// DialTCP connects to addr, retrying with exponential backoff for up to the
// connect budget.
func DialTCP(ctx context.Context, addr string, opts Options) (*TCP, error) {
	t := &TCP{addr: addr, opts: opts, limiter: opts.limiter()}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Addr returns the bridge address.
func (t *TCP) Addr() string { return t.addr }

func (t *TCP) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: t.opts.timeout(), KeepAlive: 30 * time.Second}
	attempt := 0
	op := func() error {
		attempt++
		c, err := dialer.DialContext(ctx, "tcp", t.addr)
		if err != nil {
			slog.Debug("transport: dial failed", "addr", t.addr, "attempt", attempt, "err", err)
			return err
		}
		t.conn = c
		t.rd = bufio.NewReader(c)
		return nil
	}
	// the bridge drops connections that are opened in quick succession
	bo := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock}, ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("%w: dial %s: %w", ad5791.ErrTransport, t.addr, err)
	}
	slog.Debug("transport: connected", "addr", t.addr, "attempts", attempt)
	return nil
}

func (t *TCP) drop() {
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = nil
	t.rd = nil
}

func (t *TCP) exchange(ctx context.Context, cmd string, reply bool) (string, error) {
	if err := wait(ctx, t.limiter); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", fmt.Errorf("%w: %s: connection closed", ad5791.ErrTransport, cmd)
	}
	if t.conn == nil {
		if err := t.connect(ctx); err != nil {
			return "", err
		}
	}
	if err := t.conn.SetDeadline(deadline(ctx, t.opts.timeout())); err != nil {
		t.drop()
		return "", wrap(cmd, err)
	}
	if err := writeLine(t.conn, cmd); err != nil {
		t.drop()
		return "", wrap(cmd, err)
	}
	if !reply {
		return "", nil
	}
	line, err := readLine(t.rd)
	if err != nil {
		t.drop()
		return "", wrap(cmd, err)
	}
	return line, nil
}

// Send writes cmd.
func (t *TCP) Send(ctx context.Context, cmd string) error {
	_, err := t.exchange(ctx, cmd, false)
	return err
}

// Query writes cmd and reads one reply line.
func (t *TCP) Query(ctx context.Context, cmd string) (string, error) {
	return t.exchange(ctx, cmd, true)
}

// Close shuts the socket. Later commands fail.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var err error
	if t.conn != nil {
		err = t.conn.Close()
	}
	t.conn = nil
	return err
}

var _ Conn = (*TCP)(nil)
