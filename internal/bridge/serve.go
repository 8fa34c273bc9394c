package bridge

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/magstab/magstab-go/internal/ad5791"
	"github.com/magstab/magstab-go/internal/transport"
)

// errReply is what the bridge answers to a query it could not execute.
const errReply = "ERR!"

// Serve answers bridge command lines on every connection accepted from ln
// until ctx is done. Connections share sim, as they would share the bus.
func Serve(ctx context.Context, ln net.Listener, sim *Sim) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		slog.Debug("bridge: client connected", "remote", c.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, c, sim)
		}()
	}
}

func serveConn(ctx context.Context, c net.Conn, sim *Sim) {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	sc := bufio.NewScanner(c)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		reply, ok, err := sim.exec(line)
		if err != nil {
			slog.Debug("bridge: command failed", "cmd", line, "err", err)
			if errors.Is(err, ad5791.ErrTransport) {
				return
			}
			if strings.HasSuffix(line, "?") {
				reply, ok = errReply, true
			}
		}
		if !ok {
			continue
		}
		if _, err := io.WriteString(c, reply+transport.Terminator); err != nil {
			return
		}
	}
	slog.Debug("bridge: client disconnected", "remote", c.RemoteAddr())
}
