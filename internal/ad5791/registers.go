package ad5791

import (
	"fmt"
	"strings"
)

// Command code layout.
const (
	ReadBit     Code = 1 << 23
	SelectMask  Code = 0x7 << selectShift
	PayloadMask Code = 1<<20 - 1

	selectShift = 20

	// NOP is the no-operation command; it shifts the previous frame out on SDO.
	NOP Code = 0
)

// CONTROL register bits.
const (
	CtlRBUF    Code = 1 << 1
	CtlOPGND   Code = 1 << 2
	CtlDACTRI  Code = 1 << 3
	CtlBIN2SC  Code = 1 << 4
	CtlSDODIS  Code = 1 << 5
	CtlLINCOMP Code = 0xF << 6

	ControlMask = CtlRBUF | CtlOPGND | CtlDACTRI | CtlBIN2SC | CtlSDODIS | CtlLINCOMP

	// ControlPowerOn is the CONTROL value after power-up or a software reset.
	ControlPowerOn = CtlRBUF | CtlOPGND | CtlDACTRI
)

// Software control register bits.
const (
	SoftLDAC  Code = 1 << 0
	SoftClear Code = 1 << 1
	SoftReset Code = 1 << 2

	SoftwareMask = SoftLDAC | SoftClear | SoftReset
)

// Register selects one of the device registers.
type Register uint8

const (
	RegNOP       Register = 0
	RegDAC       Register = 1
	RegControl   Register = 2
	RegClearCode Register = 3
	RegSoftware  Register = 4
)

// Registers lists the addressable registers in select order.
var Registers = []Register{RegDAC, RegControl, RegClearCode, RegSoftware}

var registerNames = map[Register]string{
	RegNOP:       "nop",
	RegDAC:       "dac",
	RegControl:   "control",
	RegClearCode: "clearcode",
	RegSoftware:  "software",
}

// ParseRegister accepts the canonical names and the short forms used on the
// command line and in the HTTP API.
func ParseRegister(s string) (Register, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dac", "data":
		return RegDAC, nil
	case "ctrl", "control":
		return RegControl, nil
	case "clr", "clear", "clearcode":
		return RegClearCode, nil
	case "sft", "soft", "software":
		return RegSoftware, nil
	}
	return 0, fmt.Errorf("%w: unknown register %q", ErrInvalidPayload, s)
}

func (r Register) String() string {
	if n, ok := registerNames[r]; ok {
		return n
	}
	return fmt.Sprintf("register(%d)", uint8(r))
}

// Valid reports whether r addresses a real register.
func (r Register) Valid() bool { return r >= RegDAC && r <= RegSoftware }

// Select returns the register select bits in command position.
func (r Register) Select() Code { return Code(r) << selectShift }

// Mask returns the legal payload bits of r.
func (r Register) Mask() Code {
	switch r {
	case RegDAC, RegClearCode:
		return PayloadMask
	case RegControl:
		return ControlMask
	case RegSoftware:
		return SoftwareMask
	}
	return 0
}

// Validate rejects payloads with bits outside the register mask.
func (r Register) Validate(payload Code) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %v is not writable", ErrInvalidPayload, r)
	}
	if extra := payload &^ r.Mask(); extra != 0 {
		return fmt.Errorf("%w: %v payload %#06x has illegal bits %#06x", ErrInvalidPayload, r, payload, extra)
	}
	return nil
}

// WriteCommand builds the write command for payload.
func (r Register) WriteCommand(payload Code) (Code, error) {
	if err := r.Validate(payload); err != nil {
		return 0, err
	}
	return r.Select() | payload, nil
}

// ReadCommand builds the read command for r.
func (r Register) ReadCommand() Code { return ReadBit | r.Select() }

// Decode checks a readback frame for r and returns its payload. The R/W bit
// of the frame is not inspected.
func (r Register) Decode(frame Code) (Code, error) {
	if frame > MaxCode {
		return 0, fmt.Errorf("%w: readback %#x exceeds 24 bits", ErrProtocol, frame)
	}
	if sel := frame & SelectMask; sel != r.Select() {
		return 0, fmt.Errorf("%w: read %v but frame %#06x selects %v", ErrProtocol, r, frame, Register(sel>>selectShift))
	}
	payload := frame & PayloadMask
	if extra := payload &^ r.Mask(); extra != 0 {
		return 0, fmt.Errorf("%w: %v readback %#06x has illegal bits %#06x", ErrProtocol, r, payload, extra)
	}
	return payload, nil
}

// Describe renders a code as rw|reg|payload for trace logs.
func Describe(c Code) string {
	rw := "w"
	if c&ReadBit != 0 {
		rw = "r"
	}
	return fmt.Sprintf("%s|%v|%05X", rw, Register((c&SelectMask)>>selectShift), uint32(c&PayloadMask))
}
