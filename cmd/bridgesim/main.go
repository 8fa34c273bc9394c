// Command bridgesim serves a simulated Red Pitaya SPI bridge with an AD5791
// on its bus, for exercising magstabd and dacctl without hardware.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/magstab/magstab-go/internal/ad5791"
	"github.com/magstab/magstab-go/internal/bridge"
)

func main() {
	var (
		addr   = flag.String("addr", ":5000", "TCP listen address")
		debug  = flag.Bool("debug", false, "log every command")
		report = flag.Duration("report", 0, "log the simulated output at this interval (0 = off)")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		slog.Error("listen failed", "addr", *addr, "err", err)
		os.Exit(1)
	}
	sim := bridge.NewSim()
	if *report > 0 {
		go reportOutput(ctx, sim, *report)
	}

	slog.Info("bridgesim listening", "addr", ln.Addr().String())
	if err := bridge.Serve(ctx, ln, sim); err != nil {
		slog.Error("serve failed", "err", err)
		os.Exit(1)
	}
	slog.Info("bridgesim stopped", "ldac_count", sim.LDACCount())
}

func reportOutput(ctx context.Context, sim *bridge.Sim, every time.Duration) {
	cal := ad5791.DefaultCalibration
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out := sim.Output()
			slog.Info("bridgesim: output", "code", ad5791.Describe(out), "v", cal.CodeToVoltage(out),
				"ldacs", sim.LDACCount(), "claimed", sim.Claimed())
		}
	}
}
