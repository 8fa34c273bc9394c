package spidev

import (
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// NewWithOpener builds a port that opens buses through open and skips host
// initialization.
func NewWithOpener(opts Options, open func(dev string) (spi.PortCloser, error)) *Port {
	return &Port{opts: opts, open: open}
}

// SetPinLookup replaces the GPIO registry for the duration of a test.
func SetPinLookup(f func(name string) gpio.PinIO) (restore func()) {
	old := lookupPin
	lookupPin = f
	return func() { lookupPin = old }
}
