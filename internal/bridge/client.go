package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/magstab/magstab-go/internal/ad5791"
	"github.com/magstab/magstab-go/internal/transport"
)

// Client is an ad5791.Port backed by a bridge connection.
type Client struct {
	conn transport.Conn
}

// NewClient wraps conn. The client does not own conn; callers close it.
func NewClient(conn transport.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) send(ctx context.Context, format string, args ...any) error {
	return c.conn.Send(ctx, fmt.Sprintf(format, args...))
}

// Configure claims cfg.Device and applies the bus settings.
func (c *Client) Configure(ctx context.Context, cfg ad5791.SPIConfig) error {
	if strings.ContainsAny(cfg.Device, "\"\r\n") {
		return fmt.Errorf("%w: device path %q", ad5791.ErrInvalidPayload, cfg.Device)
	}
	steps := []string{
		fmt.Sprintf(cmdInitDev, cfg.Device),
		cmdSetDef,
		cmdSetGet,
		fmt.Sprintf(cmdSetMode, cfg.Mode),
		fmt.Sprintf(cmdSetSpeed, cfg.SpeedHz),
		fmt.Sprintf(cmdSetWord, cfg.WordBits),
		cmdSetSet,
	}
	for _, s := range steps {
		if err := c.conn.Send(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Release drops the bus claim.
func (c *Client) Release(ctx context.Context) error {
	return c.send(ctx, cmdRelease)
}

// Speed queries the active clock.
func (c *Client) Speed(ctx context.Context) (int, error) {
	reply, err := c.conn.Query(ctx, cmdSpeedQ)
	if err != nil {
		return 0, err
	}
	hz, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		return 0, fmt.Errorf("%w: speed reply %q", ad5791.ErrProtocol, reply)
	}
	return hz, nil
}

// SetSpeed loads the current settings, changes the clock and applies them.
func (c *Client) SetSpeed(ctx context.Context, hz int) error {
	if err := c.send(ctx, cmdSetGet); err != nil {
		return err
	}
	if err := c.send(ctx, cmdSetSpeed, hz); err != nil {
		return err
	}
	return c.send(ctx, cmdSetSet)
}

func (c *Client) CreateMessage(ctx context.Context, n int) error {
	return c.send(ctx, cmdMsgCreate, n)
}

func (c *Client) StageWord(ctx context.Context, i int, w ad5791.Word) error {
	return c.send(ctx, cmdMsgTx, i, FormatWord(w))
}

func (c *Client) Pass(ctx context.Context) error {
	return c.send(ctx, cmdPass)
}

func (c *Client) Received(ctx context.Context, i int) (ad5791.Word, error) {
	reply, err := c.conn.Query(ctx, fmt.Sprintf(cmdMsgRx, i))
	if err != nil {
		return ad5791.Word{}, err
	}
	return ParseWord(reply)
}

func (c *Client) DeleteMessage(ctx context.Context) error {
	return c.send(ctx, cmdMsgDel)
}

// Error pops the oldest entry of the bridge error queue.
func (c *Client) Error(ctx context.Context) (string, error) {
	return c.conn.Query(ctx, cmdErrQ)
}

// maxQueuedErrors bounds one drain of the error queue.
const maxQueuedErrors = 32

// CheckErrors drains the error queue. Commands without a reply are never
// acknowledged, so this is the only place a rejected CREATE, TX, PASS or
// DEL shows up.
func (c *Client) CheckErrors(ctx context.Context) error {
	var first string
	n := 0
	for i := 0; i < maxQueuedErrors; i++ {
		reply, err := c.Error(ctx)
		if err != nil {
			return err
		}
		reply = strings.TrimSpace(reply)
		if strings.HasPrefix(reply, noError) {
			break
		}
		if n == 0 {
			first = reply
		}
		n++
	}
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%w: bridge error %s (%d queued)", ad5791.ErrProtocol, first, n)
}

var (
	_ ad5791.Port       = (*Client)(nil)
	_ ad5791.ErrorQueue = (*Client)(nil)
)
