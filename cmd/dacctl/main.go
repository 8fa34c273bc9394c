// Command dacctl runs one operation against an AD5791 behind an SPI bridge.
//
//	dacctl [flags] get
//	dacctl [flags] set <volts>
//	dacctl [flags] regs
//	dacctl [flags] ldac|reset|clear
//	dacctl [flags] tristate on|off
//	dacctl [flags] ground on|off
//	dacctl [flags] clock [hz]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/magstab/magstab-go/internal/ad5791"
	"github.com/magstab/magstab-go/internal/bridge"
	"github.com/magstab/magstab-go/internal/config"
	"github.com/magstab/magstab-go/internal/transport"
)

var errUsage = errors.New("usage: dacctl [flags] get|set <V>|regs|ldac|reset|clear|tristate on|off|ground on|off|clock [hz]")

func main() {
	ch := config.DefaultChannel()
	var (
		serialDev = flag.String("serial", "", "talk to the bridge over this UART instead of TCP")
		timeout   = flag.Duration("timeout", 10*time.Second, "overall deadline")
		debug     = flag.Bool("debug", false, "enable debug logging")
	)
	flag.StringVar(&ch.Addr, "bridge", ch.Addr, "bridge TCP address")
	flag.StringVar(&ch.SPIDevice, "device", ch.SPIDevice, "SPI device on the bridge")
	flag.IntVar(&ch.SPISpeed, "speed", ch.SPISpeed, "SPI clock in Hz")
	flag.StringVar(&ch.SPIMode, "mode", ch.SPIMode, "SPI mode (LISL, LIST, HISL, HIST)")
	flag.BoolVar(&ch.DeferredTrigger, "deferred", false, "hold voltage writes until ldac")
	flag.BoolVar(&ch.VerifyWrites, "verify", false, "read back every register write")
	flag.BoolVar(&ch.Trace, "trace", false, "log every SPI word (implies -debug)")
	flag.Parse()

	logLevel := slog.LevelWarn
	if *debug || ch.Trace {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if *serialDev != "" {
		ch.Transport = config.TransportSerial
		ch.SerialPort = *serialDev
		ch.Baud = transport.DefaultBaud
	}
	if err := ch.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	if err := run(ctx, ch, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "dacctl:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func dial(ctx context.Context, ch config.Channel) (transport.Conn, error) {
	if ch.Transport == config.TransportSerial {
		return transport.OpenSerial(ch.SerialPort, transport.SerialOptions{Options: ch.TransportOptions(), Baud: ch.Baud})
	}
	return transport.DialTCP(ctx, ch.Addr, ch.TransportOptions())
}

func run(ctx context.Context, ch config.Channel, args []string, out io.Writer) (err error) {
	if len(args) == 0 {
		return errUsage
	}
	conn, err := dial(ctx, ch)
	if err != nil {
		return err
	}
	defer conn.Close()
	return execute(ctx, bridge.NewClient(conn), ch, args, out)
}

// execute opens a session on port, runs one command and releases the bus.
func execute(ctx context.Context, port ad5791.Port, ch config.Channel, args []string, out io.Writer) (err error) {
	cmd, rest := args[0], args[1:]
	d, err := ad5791.Open(ctx, port, ch.DACOptions(slog.Default()))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(context.WithoutCancel(ctx)); err == nil {
			err = cerr
		}
	}()

	switch cmd {
	case "get":
		code, err := d.Code(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%.6f V (code 0x%05X)\n", d.Calibration().CodeToVoltage(code), uint32(code))
		return nil
	case "set":
		if len(rest) != 1 {
			return errUsage
		}
		v, err := strconv.ParseFloat(rest[0], 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not a voltage", errUsage, rest[0])
		}
		return d.SetVoltage(ctx, v)
	case "regs":
		s, err := d.Snapshot(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "dac       0x%05X\ncontrol   0x%05X\nclearcode 0x%05X\nsoftware  0x%05X\n",
			uint32(s.DAC), uint32(s.Control), uint32(s.ClearCode), uint32(s.Software))
		return nil
	case "ldac":
		return d.SoftLDAC(ctx)
	case "reset":
		return d.SoftReset(ctx)
	case "clear":
		return d.SoftClear(ctx)
	case "tristate", "ground":
		set := d.SetTristate
		if cmd == "ground" {
			set = d.SetOutputGrounded
		}
		if len(rest) != 1 {
			return errUsage
		}
		switch rest[0] {
		case "on":
			return set(ctx, true)
		case "off":
			return set(ctx, false)
		}
		return errUsage
	case "clock":
		if len(rest) == 0 {
			hz, err := d.ClockSpeed(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d Hz\n", hz)
			return nil
		}
		hz, err := strconv.Atoi(rest[0])
		if err != nil {
			return fmt.Errorf("%w: %q is not a frequency", errUsage, rest[0])
		}
		return d.SetClockSpeed(ctx, hz)
	default:
		return errUsage
	}
}
