package bridge

import "github.com/magstab/magstab-go/internal/ad5791"

// chip models the AD5791 as seen from its serial interface. Each frame
// clocks out the previous input frame on SDO, or the requested register
// after a read command.
type chip struct {
	dac   ad5791.Code
	ctl   ad5791.Code
	clr   ad5791.Code
	out   ad5791.Code
	sdo   ad5791.Code
	ldacs int
}

func newChip() chip {
	c := chip{}
	c.reset()
	return c
}

func (c *chip) reset() {
	c.dac = 0
	c.ctl = ad5791.ControlPowerOn
	c.clr = 0
	c.out = 0
	c.sdo = 0
}

func (c *chip) frame(in ad5791.Code) ad5791.Code {
	out := c.sdo
	if ad5791.HasBits(c.ctl, ad5791.CtlSDODIS) {
		out = 0
	}
	reg := ad5791.Register((in & ad5791.SelectMask) >> 20)
	if in&ad5791.ReadBit != 0 {
		c.sdo = ad5791.ReadBit | reg.Select() | c.read(reg)
		return out
	}
	c.sdo = in
	c.write(reg, in&ad5791.PayloadMask)
	return out
}

func (c *chip) read(r ad5791.Register) ad5791.Code {
	switch r {
	case ad5791.RegDAC:
		return c.dac
	case ad5791.RegControl:
		return c.ctl
	case ad5791.RegClearCode:
		return c.clr
	}
	return 0
}

func (c *chip) write(r ad5791.Register, payload ad5791.Code) {
	switch r {
	case ad5791.RegDAC:
		c.dac = payload
	case ad5791.RegControl:
		c.ctl = payload & ad5791.ControlMask
	case ad5791.RegClearCode:
		c.clr = payload
	case ad5791.RegSoftware:
		if payload&ad5791.SoftReset != 0 {
			c.reset()
			return
		}
		if payload&ad5791.SoftClear != 0 {
			c.dac = c.clr
			c.out = c.clr
		}
		if payload&ad5791.SoftLDAC != 0 {
			c.out = c.dac
			c.ldacs++
		}
	}
}
