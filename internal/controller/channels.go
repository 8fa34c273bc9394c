package controller

import (
	"context"
	"fmt"

	"github.com/magstab/magstab-go/internal/ad5791"
	"github.com/magstab/magstab-go/internal/models"
)

// SetVoltage drives channel id to v volts.
func (c *Controller) SetVoltage(ctx context.Context, id int, v float64) (models.State, *models.AppError) {
	state, err := c.apply(id, func(m *models.Channel, ch *channel) error {
		return setVoltage(ctx, m, ch, v)
	})
	return state, toAppError(err)
}

func setVoltage(ctx context.Context, m *models.Channel, ch *channel, v float64) error {
	code, err := ch.cal.VoltageToCode(v)
	if err != nil {
		return err
	}
	if err := ch.dac.SetVoltage(ctx, v); err != nil {
		return err
	}
	m.Setpoint = &v
	m.Code = uint32(code)
	m.Voltage = ch.cal.CodeToVoltage(code)
	m.PendingLoad = ch.dac.DeferredTrigger()
	return nil
}

// Voltage reads the DAC register of channel id.
func (c *Controller) Voltage(ctx context.Context, id int) (models.VoltageReading, *models.AppError) {
	var out models.VoltageReading
	err := c.observe(id, func(m *models.Channel, ch *channel) error {
		code, err := ch.dac.Code(ctx)
		if err != nil {
			return err
		}
		m.Code = uint32(code)
		m.Voltage = ch.cal.CodeToVoltage(code)
		out = models.VoltageReading{Channel: id, Voltage: m.Voltage, Code: m.Code}
		return nil
	})
	return out, toAppError(err)
}

func parseRegister(name string) (ad5791.Register, *models.AppError) {
	r, err := ad5791.ParseRegister(name)
	if err != nil {
		return 0, models.ErrNotFound(fmt.Sprintf("unknown register %q", name))
	}
	return r, nil
}

func registerValue(id int, r ad5791.Register, v ad5791.Code) models.RegisterValue {
	return models.RegisterValue{
		Channel:  id,
		Register: r.String(),
		Value:    uint32(v),
		Hex:      fmt.Sprintf("0x%05X", uint32(v)),
	}
}

// ReadRegister reads one device register by name.
func (c *Controller) ReadRegister(ctx context.Context, id int, name string) (models.RegisterValue, *models.AppError) {
	r, appErr := parseRegister(name)
	if appErr != nil {
		return models.RegisterValue{}, appErr
	}
	var out models.RegisterValue
	err := c.observe(id, func(m *models.Channel, ch *channel) error {
		v, err := ch.dac.ReadRegister(ctx, r)
		if err != nil {
			return err
		}
		switch r {
		case ad5791.RegDAC:
			m.Code = uint32(v)
			m.Voltage = ch.cal.CodeToVoltage(v)
		case ad5791.RegControl:
			m.Control = uint32(v)
			m.Tristate = ad5791.HasBits(v, ad5791.CtlDACTRI)
			m.OutputGrounded = ad5791.HasBits(v, ad5791.CtlOPGND)
		case ad5791.RegClearCode:
			m.ClearVoltage = ch.cal.CodeToVoltage(v)
		}
		out = registerValue(id, r, v)
		return nil
	})
	return out, toAppError(err)
}

// WriteRegister writes a raw payload to one register and reads all
// registers back, since SOFTWARE writes can change every other register.
func (c *Controller) WriteRegister(ctx context.Context, id int, name string, value uint32) (models.RegisterValue, *models.AppError) {
	r, appErr := parseRegister(name)
	if appErr != nil {
		return models.RegisterValue{}, appErr
	}
	payload := ad5791.Code(value)
	if err := r.Validate(payload); err != nil {
		return models.RegisterValue{}, toAppError(err)
	}
	_, err := c.apply(id, func(m *models.Channel, ch *channel) error {
		if err := ch.dac.WriteRegister(ctx, r, payload); err != nil {
			return err
		}
		switch r {
		case ad5791.RegDAC:
			// a bare DATA write never strobes LDAC
			m.Setpoint = nil
			m.PendingLoad = true
		case ad5791.RegSoftware:
			m.Setpoint = nil
			m.PendingLoad = false
		}
		return c.readback(ctx, m, ch)
	})
	if err != nil {
		return models.RegisterValue{}, toAppError(err)
	}
	return registerValue(id, r, payload), nil
}

// UpdateChannel applies the non-nil fields of upd in declaration order.
// Fields applied before a failing one stay applied on the device; the
// cached state is not committed, and the next Refresh reconciles it.
func (c *Controller) UpdateChannel(ctx context.Context, id int, upd models.ChannelUpdate) (models.State, *models.AppError) {
	if upd.ClockHz != nil && *upd.ClockHz <= 0 {
		return models.State{}, models.ErrOutOfRange("clock_hz must be positive")
	}
	state, err := c.apply(id, func(m *models.Channel, ch *channel) error {
		if upd.DeferredTrigger != nil {
			ch.dac.SetDeferredTrigger(*upd.DeferredTrigger)
			m.DeferredTrigger = *upd.DeferredTrigger
		}
		if upd.ClockHz != nil {
			if err := ch.dac.SetClockSpeed(ctx, *upd.ClockHz); err != nil {
				return err
			}
			m.ClockHz = *upd.ClockHz
		}
		if upd.ClearVoltage != nil {
			if err := ch.dac.SetClearVoltage(ctx, *upd.ClearVoltage); err != nil {
				return err
			}
			code, _ := ch.cal.VoltageToCode(*upd.ClearVoltage)
			m.ClearVoltage = ch.cal.CodeToVoltage(code)
		}
		if upd.Tristate != nil {
			if err := ch.dac.SetTristate(ctx, *upd.Tristate); err != nil {
				return err
			}
			m.Tristate = *upd.Tristate
			m.Control = uint32(flip(ad5791.Code(m.Control), ad5791.CtlDACTRI, *upd.Tristate))
		}
		if upd.OutputGrounded != nil {
			if err := ch.dac.SetOutputGrounded(ctx, *upd.OutputGrounded); err != nil {
				return err
			}
			m.OutputGrounded = *upd.OutputGrounded
			m.Control = uint32(flip(ad5791.Code(m.Control), ad5791.CtlOPGND, *upd.OutputGrounded))
		}
		if upd.Voltage != nil {
			return setVoltage(ctx, m, ch, *upd.Voltage)
		}
		return nil
	})
	return state, toAppError(err)
}

func flip(c, bit ad5791.Code, on bool) ad5791.Code {
	if on {
		return ad5791.SetBits(c, bit)
	}
	return ad5791.ClearBits(c, bit)
}
