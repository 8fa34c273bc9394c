package controller

import (
	"context"
	"fmt"

	"github.com/magstab/magstab-go/internal/events"
	"github.com/magstab/magstab-go/internal/models"
	"go.uber.org/multierr"
)

// Trigger commands.
const (
	TriggerLDAC  = "ldac"
	TriggerReset = "reset"
	TriggerClear = "clear"
)

// Ports that drive the DAC's control lines directly.
type (
	ldacLine interface {
		HasLDAC() bool
		PulseLDAC(ctx context.Context) error
	}
	resetLine interface {
		PulseReset(ctx context.Context) error
	}
	clearLine interface {
		PulseClear(ctx context.Context) error
	}
)

func hasLDACLine(ch *channel) (ldacLine, bool) {
	l, ok := ch.port.(ldacLine)
	if !ok || !l.HasLDAC() {
		return nil, false
	}
	return l, true
}

func (ch *channel) ldac(ctx context.Context) error {
	if l, ok := hasLDACLine(ch); ok {
		return l.PulseLDAC(ctx)
	}
	return ch.dac.SoftLDAC(ctx)
}

func (ch *channel) reset(ctx context.Context) error {
	if l, ok := ch.port.(resetLine); ok && ch.cfg.ResetPin != "" {
		return l.PulseReset(ctx)
	}
	return ch.dac.SoftReset(ctx)
}

func (ch *channel) clear(ctx context.Context) error {
	if l, ok := ch.port.(clearLine); ok && ch.cfg.ClearPin != "" {
		return l.PulseClear(ctx)
	}
	return ch.dac.SoftClear(ctx)
}

// Trigger strobes LDAC, RESET or CLEAR on channel id, through the hardware
// line when one is wired and the SOFTWARE register otherwise. The registers
// are read back afterwards.
func (c *Controller) Trigger(ctx context.Context, id int, cmd string) (models.State, *models.AppError) {
	var do func(*channel, context.Context) error
	switch cmd {
	case TriggerLDAC:
		do = (*channel).ldac
	case TriggerReset:
		do = (*channel).reset
	case TriggerClear:
		do = (*channel).clear
	default:
		return models.State{}, models.ErrBadRequest(fmt.Sprintf("unknown trigger %q (want ldac, reset or clear)", cmd))
	}
	state, err := c.apply(id, func(m *models.Channel, ch *channel) error {
		if err := do(ch, ctx); err != nil {
			return err
		}
		m.PendingLoad = false
		if cmd != TriggerLDAC {
			m.Setpoint = nil
		}
		return c.readback(ctx, m, ch)
	})
	return state, toAppError(err)
}

// LoadAll strobes LDAC on the selected channels (all online channels when
// none are named) back to back under one lock, so outputs with deferred
// writes update together.
func (c *Controller) LoadAll(ctx context.Context, req models.LoadRequest) (models.State, *models.AppError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := req.Channels
	if len(ids) == 0 {
		for i, ch := range c.chans {
			if ch.dac != nil {
				ids = append(ids, i)
			}
		}
	}
	targets := make([]*channel, 0, len(ids))
	for _, id := range ids {
		ch, err := c.session(id)
		if err != nil {
			return models.State{}, toAppError(err)
		}
		targets = append(targets, ch)
	}
	if len(targets) == 0 {
		return models.State{}, models.ErrOffline("no channel online")
	}

	// Shared hardware lines pulse once.
	pulsed := make(map[ldacLine]bool)
	var errs error
	for i, ch := range targets {
		var err error
		if l, ok := hasLDACLine(ch); ok {
			if !pulsed[l] {
				err = l.PulseLDAC(ctx)
				pulsed[l] = true
			}
		} else {
			err = ch.dac.SoftLDAC(ctx)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ch.cfg.Name, err))
			c.fault(ids[i], err)
			continue
		}
		c.state.FindChannel(ids[i]).PendingLoad = false
	}
	c.bus.Publish(events.ReasonLoad, -1, c.state.DeepCopy())
	if errs != nil {
		return models.State{}, toAppError(errs)
	}
	return c.state.DeepCopy(), nil
}
