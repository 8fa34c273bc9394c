package transport_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/magstab/magstab-go/internal/ad5791"
	"github.com/magstab/magstab-go/internal/transport"
)

// echoServer answers queries with "ok:<cmd>" and records every line. With
// hangup set it closes each connection after the first line.
type echoServer struct {
	mu     sync.Mutex
	lines  []string
	accept int
	hangup bool
}

func (s *echoServer) start(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.accept++
			s.mu.Unlock()
			go s.handle(c)
		}
	}()
	return ln.Addr().String()
}

func (s *echoServer) handle(c net.Conn) {
	defer c.Close()
	rd := bufio.NewReader(c)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		if !strings.HasSuffix(line, "\r\n") {
			return
		}
		line = strings.TrimSuffix(line, "\r\n")
		s.mu.Lock()
		s.lines = append(s.lines, line)
		hangup := s.hangup
		s.mu.Unlock()
		if hangup {
			return
		}
		if strings.HasSuffix(line, "?") {
			c.Write([]byte("ok:" + line + "\r\n"))
		}
	}
}

func (s *echoServer) snapshot() ([]string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...), s.accept
}

func TestTCPSendQuery(t *testing.T) {
	srv := &echoServer{}
	addr := srv.start(t)
	ctx := context.Background()
	conn, err := transport.DialTCP(ctx, addr, transport.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(ctx, "SPI:SET:DEF"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	reply, err := conn.Query(ctx, "SPI:SET:SPEED?")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if reply != "ok:SPI:SET:SPEED?" {
		t.Errorf("reply = %q", reply)
	}
	lines, _ := srv.snapshot()
	if len(lines) != 2 || lines[0] != "SPI:SET:DEF" {
		t.Errorf("server saw %v", lines)
	}
}

func TestTCPQueryTimeout(t *testing.T) {
	srv := &echoServer{}
	addr := srv.start(t)
	ctx := context.Background()
	conn, err := transport.DialTCP(ctx, addr, transport.Options{Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	// the server never answers commands without '?'
	if _, err := conn.Query(ctx, "SPI:PASS"); !errors.Is(err, ad5791.ErrTransport) {
		t.Errorf("Query error = %v, want ErrTransport", err)
	}
}

func TestTCPRedialsAfterFailure(t *testing.T) {
	srv := &echoServer{}
	addr := srv.start(t)
	ctx := context.Background()
	conn, err := transport.DialTCP(ctx, addr, transport.Options{Timeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	srv.mu.Lock()
	srv.hangup = true
	srv.mu.Unlock()
	if _, err := conn.Query(ctx, "A?"); !errors.Is(err, ad5791.ErrTransport) {
		t.Fatalf("Query on hung-up link error = %v, want ErrTransport", err)
	}

	srv.mu.Lock()
	srv.hangup = false
	srv.mu.Unlock()
	reply, err := conn.Query(ctx, "B?")
	if err != nil || reply != "ok:B?" {
		t.Fatalf("Query after redial = %q, %v", reply, err)
	}
	lines, accepts := srv.snapshot()
	if accepts != 2 {
		t.Errorf("accepted %d connections, want 2", accepts)
	}
	// the failed command is not repeated on the new connection
	if len(lines) != 2 || lines[0] != "A?" || lines[1] != "B?" {
		t.Errorf("server saw %v", lines)
	}
}

func TestTCPDialGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := transport.DialTCP(ctx, addr, transport.Options{}); !errors.Is(err, ad5791.ErrTransport) {
		t.Errorf("DialTCP error = %v, want ErrTransport", err)
	}
}

func TestTCPClosed(t *testing.T) {
	srv := &echoServer{}
	addr := srv.start(t)
	ctx := context.Background()
	conn, err := transport.DialTCP(ctx, addr, transport.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := conn.Send(ctx, "X"); !errors.Is(err, ad5791.ErrTransport) {
		t.Errorf("Send after Close error = %v, want ErrTransport", err)
	}
}

func TestTCPRateLimit(t *testing.T) {
	srv := &echoServer{}
	addr := srv.start(t)
	ctx := context.Background()
	// burst of 10, then 50/s
	conn, err := transport.DialTCP(ctx, addr, transport.Options{RateLimit: 50})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	start := time.Now()
	for i := 0; i < 15; i++ {
		if err := conn.Send(ctx, "X"); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("15 sends took %v, limiter not applied", elapsed)
	}
}
