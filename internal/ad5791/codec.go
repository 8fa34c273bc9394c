// Package ad5791 drives an AD5791 20-bit DAC through a message-batched SPI
// port. It holds the pure codec between voltages, 24-bit command codes and
// wire words, the register model, the batch protocol and the DAC facade.
package ad5791

import (
	"fmt"
	"math"
)

// Wire geometry of one command.
const (
	WordBits  = 8
	WordCount = 3
	CodeBits  = WordBits * WordCount

	// MaxCode is the largest 24-bit command code.
	MaxCode Code = 1<<CodeBits - 1
)

// Code is a 24-bit command code: R/W flag, register select, payload.
type Code uint32

// Word is the wire form of a Code, most significant byte first.
type Word [WordCount]byte

// Split breaks value into count big-endian words of width bits each.
func Split(value uint64, width, count uint) ([]uint64, error) {
	if width == 0 || count == 0 || width*count > 64 {
		return nil, fmt.Errorf("%w: word geometry %dx%d", ErrRange, width, count)
	}
	if width*count < 64 && value >= 1<<(width*count) {
		return nil, fmt.Errorf("%w: value %#x does not fit in %d bits", ErrRange, value, width*count)
	}
	mask := uint64(1)<<width - 1
	out := make([]uint64, count)
	for i := range out {
		shift := width * (count - 1 - uint(i))
		out[i] = (value >> shift) & mask
	}
	return out, nil
}

// Join is the inverse of Split. Every word must fit in width bits.
func Join(words []uint64, width uint) (uint64, error) {
	if width == 0 || width*uint(len(words)) > 64 {
		return 0, fmt.Errorf("%w: word geometry %dx%d", ErrRange, width, len(words))
	}
	var v uint64
	for i, w := range words {
		if w >= 1<<width {
			return 0, fmt.Errorf("%w: word %d = %d exceeds %d bits", ErrRange, i, w, width)
		}
		v = v<<width | w
	}
	return v, nil
}

// Pack converts a code to its three wire bytes.
func Pack(c Code) (Word, error) {
	parts, err := Split(uint64(c), WordBits, WordCount)
	if err != nil {
		return Word{}, err
	}
	var w Word
	for i, p := range parts {
		w[i] = byte(p)
	}
	return w, nil
}

// Unpack converts three wire bytes back to a code.
func Unpack(w Word) Code {
	return Code(w[0])<<16 | Code(w[1])<<8 | Code(w[2])
}

// HasBits reports whether every bit of mask is set in c.
func HasBits(c, mask Code) bool { return c&mask == mask }

// SetBits returns c with mask set.
func SetBits(c, mask Code) Code { return c | mask }

// ClearBits returns c with mask cleared.
func ClearBits(c, mask Code) Code { return c &^ mask }

// Calibration maps DAC codes to volts. VRefP and VRefN are the measured
// reference pin voltages.
type Calibration struct {
	VRefP float64 `json:"vrefp"`
	VRefN float64 `json:"vrefn"`
	// Bits is the width of the DAC data field.
	Bits uint `json:"bits"`
	// TwoComplement flips the top data bit between the code and voltage
	// domains, matching BIN2SC=0 on the device.
	TwoComplement bool `json:"two_complement"`
}

// DefaultCalibration holds the measured references of the lab board.
var DefaultCalibration = Calibration{
	VRefP:         10.00124,
	VRefN:         -9.99939,
	Bits:          20,
	TwoComplement: true,
}

// Validate checks that the calibration describes a usable transfer function.
func (c Calibration) Validate() error {
	if c.Bits == 0 || c.Bits > 20 {
		return fmt.Errorf("%w: calibration width %d bits", ErrRange, c.Bits)
	}
	if math.IsNaN(c.VRefP) || math.IsNaN(c.VRefN) || math.IsInf(c.VRefP, 0) || math.IsInf(c.VRefN, 0) {
		return fmt.Errorf("%w: calibration references must be finite", ErrRange)
	}
	if c.VRefP <= c.VRefN {
		return fmt.Errorf("%w: vrefp %g must exceed vrefn %g", ErrRange, c.VRefP, c.VRefN)
	}
	return nil
}

func (c Calibration) fullScale() float64 { return float64(uint64(1)<<c.Bits - 1) }

func (c Calibration) dataMask() Code { return Code(1)<<c.Bits - 1 }

// LSB is the voltage of one code step.
func (c Calibration) LSB() float64 { return (c.VRefP - c.VRefN) / c.fullScale() }

// CodeToVoltage maps a data field to volts. Bits above the data width are ignored.
func (c Calibration) CodeToVoltage(code Code) float64 {
	code &= c.dataMask()
	if c.TwoComplement {
		code ^= 1 << (c.Bits - 1)
	}
	return (c.VRefP-c.VRefN)*float64(code)/c.fullScale() + c.VRefN
}

// VoltageToCode maps volts to a data field, truncating toward zero.
func (c Calibration) VoltageToCode(v float64) (Code, error) {
	if math.IsNaN(v) || v < c.VRefN || v > c.VRefP {
		return 0, fmt.Errorf("%w: %g V outside [%g, %g]", ErrRange, v, c.VRefN, c.VRefP)
	}
	code := Code((v - c.VRefN) * c.fullScale() / (c.VRefP - c.VRefN))
	if code > c.dataMask() {
		code = c.dataMask()
	}
	if c.TwoComplement {
		code ^= 1 << (c.Bits - 1)
	}
	return code, nil
}
