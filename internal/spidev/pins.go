package spidev

import (
	"fmt"
	"time"

	"github.com/magstab/magstab-go/internal/ad5791"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// The DAC needs the strobes low for at least 20 ns.
const pulseWidth = time.Microsecond

type pins struct {
	ldac  gpio.PinOut
	reset gpio.PinOut
	clr   gpio.PinOut
}

var lookupPin = func(name string) gpio.PinIO { return gpioreg.ByName(name) }

func openPins(opts Options) (pins, error) {
	var ps pins
	for _, p := range []struct {
		name string
		dst  *gpio.PinOut
	}{
		{opts.LDACPin, &ps.ldac},
		{opts.ResetPin, &ps.reset},
		{opts.ClearPin, &ps.clr},
	} {
		if p.name == "" {
			continue
		}
		pin := lookupPin(p.name)
		if pin == nil {
			return pins{}, fmt.Errorf("%w: gpio: failed to open %s", ad5791.ErrTransport, p.name)
		}
		// all strobes are active low; park them high
		if err := pin.Out(gpio.High); err != nil {
			return pins{}, fmt.Errorf("%w: gpio: failed to drive %s: %w", ad5791.ErrTransport, p.name, err)
		}
		*p.dst = pin
	}
	return ps, nil
}

func pulse(pin gpio.PinOut, name string) error {
	if pin == nil {
		return fmt.Errorf("%w: gpio: no %s line configured", ad5791.ErrTransport, name)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("%w: gpio: failed to assert %s: %w", ad5791.ErrTransport, name, err)
	}
	time.Sleep(pulseWidth)
	if err := pin.Out(gpio.High); err != nil {
		return fmt.Errorf("%w: gpio: failed to release %s: %w", ad5791.ErrTransport, name, err)
	}
	return nil
}
