package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/magstab/magstab-go/internal/ad5791"
	"github.com/magstab/magstab-go/internal/bridge"
	"github.com/magstab/magstab-go/internal/config"
	"github.com/magstab/magstab-go/internal/controller"
	"github.com/magstab/magstab-go/internal/spidev"
	"github.com/magstab/magstab-go/internal/transport"
)

// simBench keeps one simulated bridge per channel so a reconnect finds the
// device in the state the previous session left it.
type simBench struct {
	mu   sync.Mutex
	sims map[string]*bridge.Sim
}

func (b *simBench) get(name string) *bridge.Sim {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sims == nil {
		b.sims = make(map[string]*bridge.Sim)
	}
	sim, ok := b.sims[name]
	if !ok {
		sim = bridge.NewSim()
		b.sims[name] = sim
	} else {
		sim.Reopen()
	}
	return sim
}

// newOpener returns the controller's link factory. With mock set every
// channel talks to a simulated bridge regardless of its transport.
func newOpener(mock bool) controller.Opener {
	bench := &simBench{}
	return func(ctx context.Context, ch config.Channel) (ad5791.Port, io.Closer, error) {
		kind := ch.Transport
		if mock {
			kind = config.TransportSim
		}
		slog.Debug("magstabd: opening link", "channel", ch.Name, "transport", kind)
		switch kind {
		case config.TransportSim:
			sim := bench.get(ch.Name)
			return bridge.NewClient(sim), sim, nil
		case config.TransportTCP:
			conn, err := transport.DialTCP(ctx, ch.Addr, ch.TransportOptions())
			if err != nil {
				return nil, nil, err
			}
			return bridge.NewClient(conn), conn, nil
		case config.TransportSerial:
			conn, err := transport.OpenSerial(ch.SerialPort, transport.SerialOptions{
				Options: ch.TransportOptions(),
				Baud:    ch.Baud,
			})
			if err != nil {
				return nil, nil, err
			}
			return bridge.NewClient(conn), conn, nil
		case config.TransportSPIDev:
			return spidev.New(spidev.Options{
				LDACPin:  ch.LDACPin,
				ResetPin: ch.ResetPin,
				ClearPin: ch.ClearPin,
			}), nil, nil
		default:
			return nil, nil, fmt.Errorf("unknown transport %q", kind)
		}
	}
}
