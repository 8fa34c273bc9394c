package bridge_test

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/magstab/magstab-go/internal/ad5791"
	"github.com/magstab/magstab-go/internal/bridge"
	"github.com/magstab/magstab-go/internal/transport"
)

// serveSim starts a simulated bridge on a loopback port.
func serveSim(t *testing.T) (*bridge.Sim, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	sim := bridge.NewSim()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Serve(ctx, ln, sim) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return sim, ln.Addr().String()
}

func dial(t *testing.T, addr string) *transport.TCP {
	t.Helper()
	conn, err := transport.DialTCP(context.Background(), addr, transport.Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestClientOverTCP(t *testing.T) {
	sim, addr := serveSim(t)
	ctx := context.Background()
	d, err := ad5791.Open(ctx, bridge.NewClient(dial(t, addr)), ad5791.DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.SetVoltage(ctx, 1.0); err != nil {
		t.Fatalf("SetVoltage: %v", err)
	}
	code, err := d.Code(ctx)
	if err != nil || code != 0xCC9A {
		t.Errorf("Code() = %#x, %v", code, err)
	}
	hz, err := d.ClockSpeed(ctx)
	if err != nil || hz != 100_000 {
		t.Errorf("ClockSpeed() = %d, %v", hz, err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sim.Output() != 0xCC9A || sim.Claimed() {
		t.Errorf("output = %#x claimed = %v", sim.Output(), sim.Claimed())
	}
}

func TestClientFailedQueryIsProtocolError(t *testing.T) {
	_, addr := serveSim(t)
	c := bridge.NewClient(dial(t, addr))
	// nothing was transferred, so the bridge answers ERR!
	if _, err := c.Received(context.Background(), 0); !errors.Is(err, ad5791.ErrProtocol) {
		t.Errorf("Received() error = %v, want ErrProtocol", err)
	}
	msg, err := c.Error(context.Background())
	if err != nil || msg == `0,"No error"` {
		t.Errorf("Error() = %q, %v, want a queued error", msg, err)
	}
}

func TestClientRejectsQuotedDevice(t *testing.T) {
	sim := bridge.NewSim()
	c := bridge.NewClient(sim)
	cfg := ad5791.DefaultSPI
	cfg.Device = `/dev/x" ; SPI:RELEASE`
	if err := c.Configure(context.Background(), cfg); !errors.Is(err, ad5791.ErrInvalidPayload) {
		t.Errorf("Configure() error = %v, want ErrInvalidPayload", err)
	}
	if len(sim.Transcript()) != 0 {
		t.Errorf("transcript = %v", sim.Transcript())
	}
}

func TestClientRejectedBatchFails(t *testing.T) {
	sim, addr := serveSim(t)
	ctx := context.Background()
	d, err := ad5791.Open(ctx, bridge.NewClient(dial(t, addr)), ad5791.DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// the query round trip guarantees Open's lines were handled first
	if _, err := d.ClockSpeed(ctx); err != nil {
		t.Fatalf("ClockSpeed: %v", err)
	}
	if err := sim.Send(ctx, "SPI:RELEASE"); err != nil {
		t.Fatal(err)
	}

	if err := d.WriteRegister(ctx, ad5791.RegDAC, 0x12345); !errors.Is(err, ad5791.ErrProtocol) {
		t.Errorf("WriteRegister() on a released bus error = %v, want ErrProtocol", err)
	}
	if err := d.SetVoltage(ctx, 2.0); !errors.Is(err, ad5791.ErrProtocol) {
		t.Errorf("SetVoltage() on a released bus error = %v, want ErrProtocol", err)
	}
	if got := sim.Registers().DAC; got != 0 {
		t.Errorf("dac register = %#x, want untouched", got)
	}
	if errs := sim.Errors(); len(errs) != 0 {
		t.Errorf("error queue not drained: %v", errs)
	}
}

func TestClientCheckErrors(t *testing.T) {
	_, addr := serveSim(t)
	ctx := context.Background()
	c := bridge.NewClient(dial(t, addr))
	if err := c.CheckErrors(ctx); err != nil {
		t.Fatalf("CheckErrors() on an empty queue = %v", err)
	}
	// nothing is claimed, so both lines are rejected without a reply
	for i := 0; i < 2; i++ {
		if err := c.Pass(ctx); err != nil {
			t.Fatalf("Pass() = %v, want the rejection to stay queued", err)
		}
	}
	err := c.CheckErrors(ctx)
	if !errors.Is(err, ad5791.ErrProtocol) || !strings.Contains(err.Error(), "(2 queued)") {
		t.Errorf("CheckErrors() = %v, want ErrProtocol for 2 entries", err)
	}
	if err := c.CheckErrors(ctx); err != nil {
		t.Errorf("CheckErrors() after a drain = %v", err)
	}
}
