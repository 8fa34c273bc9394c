package controller

import (
	"context"
	"fmt"

	"github.com/magstab/magstab-go/internal/events"
	"github.com/magstab/magstab-go/internal/models"
	"golang.org/x/time/rate"
)

// MaxWaveformRate bounds playback; each sample is a full bridge round trip.
const MaxWaveformRate = 1000

// PlayWaveform writes req.Samples to channel id at req.Rate samples per
// second, req.Repeat+1 times. Every sample is range checked before the first
// write. The lock is taken per sample so other channels stay responsive; a
// second playback on the same channel is refused. Blocks until done or ctx
// ends, then saves and publishes the final state once.
func (c *Controller) PlayWaveform(ctx context.Context, id int, req models.WaveformRequest) (models.State, *models.AppError) {
	if len(req.Samples) == 0 {
		return models.State{}, models.ErrBadRequest("waveform has no samples")
	}
	if !(req.Rate > 0 && req.Rate <= MaxWaveformRate) {
		return models.State{}, models.ErrOutOfRange(fmt.Sprintf("rate must be in (0, %d] samples/s", MaxWaveformRate))
	}
	if req.Repeat < 0 {
		return models.State{}, models.ErrBadRequest("repeat must not be negative")
	}

	c.mu.Lock()
	ch, err := c.session(id)
	if err != nil {
		c.mu.Unlock()
		return models.State{}, toAppError(err)
	}
	for i, v := range req.Samples {
		if _, err := ch.cal.VoltageToCode(v); err != nil {
			c.mu.Unlock()
			return models.State{}, toAppError(fmt.Errorf("sample %d: %w", i, err))
		}
	}
	if ch.playing {
		c.mu.Unlock()
		return models.State{}, models.ErrConflict(fmt.Sprintf("channel %s is already playing a waveform", ch.cfg.Name))
	}
	ch.playing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		ch.playing = false
		c.mu.Unlock()
	}()

	c.log.Info("controller: waveform start", "channel", ch.cfg.Name, "samples", len(req.Samples),
		"rate", req.Rate, "repeat", req.Repeat)
	lim := rate.NewLimiter(rate.Limit(req.Rate), 1)
	var played int
	for rep := 0; rep <= req.Repeat; rep++ {
		for _, v := range req.Samples {
			if err := lim.Wait(ctx); err != nil {
				return models.State{}, models.ErrTransport(fmt.Sprintf("waveform stopped after %d samples: %v", played, err))
			}
			if err := c.sample(ctx, id, v); err != nil {
				return models.State{}, toAppError(fmt.Errorf("waveform stopped after %d samples: %w", played, err))
			}
			played++
		}
	}
	c.log.Info("controller: waveform done", "channel", ch.cfg.Name, "samples", played)

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.store.Save(&c.state)
	c.bus.Publish(events.ReasonState, id, c.state.DeepCopy())
	return c.state.DeepCopy(), nil
}

// sample writes one waveform point, committing without save or publish.
func (c *Controller) sample(ctx context.Context, id int, v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.session(id)
	if err != nil {
		return err
	}
	m := c.state.FindChannel(id)
	before := *m
	if err := setVoltage(ctx, m, ch, v); err != nil {
		*m = before
		c.fault(id, err)
		return err
	}
	return nil
}
