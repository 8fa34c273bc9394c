// Package transport carries line-oriented commands to an SPI bridge over TCP
// or a serial port.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/magstab/magstab-go/internal/ad5791"
	"golang.org/x/time/rate"
)

// Terminator ends every line in both directions.
const Terminator = "\r\n"

const (
	defaultTimeout = 3 * time.Second
	rateBurst      = 10
)

var errTimeout = errors.New("read timeout")

// Conn sends one command per line. Send is for commands without a reply,
// Query for commands answered by exactly one line. Errors wrap
// ad5791.ErrTransport.
type Conn interface {
	Send(ctx context.Context, cmd string) error
	Query(ctx context.Context, cmd string) (string, error)
	Close() error
}

// Options shared by every transport.
type Options struct {
	// Timeout bounds one command when ctx carries no earlier deadline.
	Timeout time.Duration
	// RateLimit caps commands per second. Zero disables the limiter.
	RateLimit float64
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultTimeout
	}
	return o.Timeout
}

func (o Options) limiter() *rate.Limiter {
	if o.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(o.RateLimit), rateBurst)
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ad5791.ErrTransport, err)
	}
	return nil
}

func writeLine(w io.Writer, cmd string) error {
	_, err := io.WriteString(w, cmd+Terminator)
	return err
}

func readLine(r *bufio.Reader) (string, error) {
	s, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s, Terminator), nil
}

func wrap(cmd string, err error) error {
	return fmt.Errorf("%w: %s: %w", ad5791.ErrTransport, cmd, err)
}
