// Package controller owns every DAC channel of the daemon: it opens the
// sessions, serializes all device I/O, keeps the observed state, persists
// setpoints and publishes changes on the event bus.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/magstab/magstab-go/internal/ad5791"
	"github.com/magstab/magstab-go/internal/config"
	"github.com/magstab/magstab-go/internal/events"
	"github.com/magstab/magstab-go/internal/models"
	"go.uber.org/multierr"
)

// Opener produces the port for a channel. The closer, if non-nil, tears
// down the link underneath the port (socket, UART) after the DAC session
// is released.
type Opener func(ctx context.Context, ch config.Channel) (ad5791.Port, io.Closer, error)

// Options tune the controller.
type Options struct {
	// RestoreSetpoints re-applies persisted setpoints when a channel connects.
	RestoreSetpoints bool
	// Mock is reported in Info.
	Mock   bool
	Logger *slog.Logger
}

type channel struct {
	cfg  config.Channel
	cal  ad5791.Calibration
	port ad5791.Port
	link io.Closer
	dac  *ad5791.DAC
	// playing is set while a waveform owns the channel.
	playing bool
}

// Controller is the single source of truth for all channels.
// All mutations go through apply(), which holds the lock for the device
// I/O and commits, saves and publishes only on success.
type Controller struct {
	mu    sync.RWMutex
	state models.State
	chans []*channel
	open  Opener
	store config.Store
	bus   *events.Bus
	log   *slog.Logger
	opts  Options
}

// New builds the controller and connects every channel. A channel that
// cannot be reached starts offline; Refresh retries it.
func New(ctx context.Context, cfgs []config.Channel, open Opener, store config.Store, bus *events.Bus, opts Options) (*Controller, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("controller: no channels configured")
	}
	if open == nil {
		return nil, errors.New("controller: nil opener")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	saved, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("controller: load state: %w", err)
	}

	c := &Controller{
		open:  open,
		store: store,
		bus:   bus,
		log:   log,
		opts:  opts,
	}
	c.state = models.DefaultState()
	c.state.Info.Channels = len(cfgs)
	c.state.Info.Mock = opts.Mock
	for i, cfg := range cfgs {
		m := models.Channel{
			ID:              i,
			Name:            cfg.Name,
			DeferredTrigger: cfg.DeferredTrigger,
			ClockHz:         cfg.SPISpeed,
			VRefP:           cfg.VRefP,
			VRefN:           cfg.VRefN,
			Transport:       cfg.Transport,
		}
		if cfg.ClearVoltage != nil {
			m.ClearVoltage = *cfg.ClearVoltage
		}
		if prev := saved.ChannelByName(cfg.Name); prev != nil && prev.Setpoint != nil {
			v := *prev.Setpoint
			m.Setpoint = &v
		}
		c.state.Channels = append(c.state.Channels, m)
		c.chans = append(c.chans, &channel{cfg: cfg, cal: cfg.Calibration()})
	}

	c.mu.Lock()
	for i := range c.chans {
		if err := c.connect(ctx, i); err != nil {
			log.Warn("controller: channel offline", "channel", cfgs[i].Name, "err", err)
		}
	}
	c.mu.Unlock()
	return c, nil
}

// State returns a deep copy of the current system state.
func (c *Controller) State() models.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.DeepCopy()
}

// Channel returns one channel by id.
func (c *Controller) Channel(id int) (models.Channel, *models.AppError) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.state.FindChannel(id)
	if m == nil {
		return models.Channel{}, models.ErrNotFound(fmt.Sprintf("channel %d not found", id))
	}
	cp := c.state.DeepCopy()
	return *cp.FindChannel(id), nil
}

// Lookup resolves a channel id or name.
func (c *Controller) Lookup(ref string) (int, *models.AppError) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m := c.state.ChannelByName(ref); m != nil {
		return m.ID, nil
	}
	if id, err := strconv.Atoi(ref); err == nil && c.state.FindChannel(id) != nil {
		return id, nil
	}
	return 0, models.ErrNotFound(fmt.Sprintf("channel %q not found", ref))
}

// apply runs fn against a copy of channel id with the device session held.
// On success the copy is committed, saved (debounced) and published. On
// failure nothing is committed except the fault bookkeeping.
func (c *Controller) apply(id int, fn func(m *models.Channel, ch *channel) error) (models.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.session(id)
	if err != nil {
		return models.State{}, err
	}
	next := c.state.DeepCopy()
	m := next.FindChannel(id)
	if err := fn(m, ch); err != nil {
		c.fault(id, err)
		return models.State{}, err
	}
	m.Online = true
	m.LastError = ""
	c.state = next
	_ = c.store.Save(&c.state)
	c.bus.Publish(events.ReasonState, id, c.state.DeepCopy())
	return c.state.DeepCopy(), nil
}

// observe is apply for reads: the readback is cached but neither saved nor
// published.
func (c *Controller) observe(id int, fn func(m *models.Channel, ch *channel) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.session(id)
	if err != nil {
		return err
	}
	m := c.state.FindChannel(id)
	before := *m
	if err := fn(m, ch); err != nil {
		*m = before
		c.fault(id, err)
		return err
	}
	return nil
}

// session returns the connected channel. Caller holds c.mu.
func (c *Controller) session(id int) (*channel, error) {
	if id < 0 || id >= len(c.chans) {
		return nil, models.ErrNotFound(fmt.Sprintf("channel %d not found", id))
	}
	ch := c.chans[id]
	if ch.dac == nil {
		return nil, models.ErrOffline(fmt.Sprintf("channel %s is offline", ch.cfg.Name))
	}
	return ch, nil
}

// connect opens the session of channel i and reads its registers.
// Caller holds c.mu.
func (c *Controller) connect(ctx context.Context, i int) error {
	ch := c.chans[i]
	m := &c.state.Channels[i]
	port, link, err := c.open(ctx, ch.cfg)
	if err != nil {
		m.Online = false
		m.LastError = err.Error()
		return err
	}
	dac, err := ad5791.Open(ctx, port, ch.cfg.DACOptions(c.log))
	if err != nil {
		if link != nil {
			err = multierr.Append(err, link.Close())
		}
		m.Online = false
		m.LastError = err.Error()
		return err
	}
	ch.port, ch.link, ch.dac = port, link, dac
	m.Online = true
	m.LastError = ""
	m.PendingLoad = false

	if c.opts.RestoreSetpoints && m.Setpoint != nil {
		if err := dac.SetVoltage(ctx, *m.Setpoint); err != nil {
			c.log.Warn("controller: restore setpoint failed", "channel", ch.cfg.Name, "v", *m.Setpoint, "err", err)
		} else {
			m.PendingLoad = dac.DeferredTrigger()
			c.log.Info("controller: setpoint restored", "channel", ch.cfg.Name, "v", *m.Setpoint)
		}
	}
	if err := c.readback(ctx, m, ch); err != nil {
		c.fault(i, err)
		return err
	}
	c.log.Info("controller: channel online", "channel", ch.cfg.Name, "transport", ch.cfg.Transport)
	return nil
}

// disconnect ends the session of channel i. Caller holds c.mu.
func (c *Controller) disconnect(ctx context.Context, i int) error {
	ch := c.chans[i]
	var err error
	if ch.dac != nil {
		err = multierr.Append(err, ch.dac.Close(ctx))
	}
	if ch.link != nil {
		err = multierr.Append(err, ch.link.Close())
	}
	ch.dac, ch.port, ch.link = nil, nil, nil
	return err
}

// readback refreshes the cached registers and clock of m.
func (c *Controller) readback(ctx context.Context, m *models.Channel, ch *channel) error {
	snap, err := ch.dac.Snapshot(ctx)
	if err != nil {
		return err
	}
	hz, err := ch.dac.ClockSpeed(ctx)
	if err != nil {
		return err
	}
	fillSnapshot(m, ch.cal, snap)
	m.ClockHz = hz
	m.DeferredTrigger = ch.dac.DeferredTrigger()
	return nil
}

func fillSnapshot(m *models.Channel, cal ad5791.Calibration, snap ad5791.Snapshot) {
	m.Code = uint32(snap.DAC)
	m.Voltage = cal.CodeToVoltage(snap.DAC)
	m.Control = uint32(snap.Control)
	m.Tristate = ad5791.HasBits(snap.Control, ad5791.CtlDACTRI)
	m.OutputGrounded = ad5791.HasBits(snap.Control, ad5791.CtlOPGND)
	m.ClearVoltage = cal.CodeToVoltage(snap.ClearCode)
}

// fault records err on channel id. A transport failure drops the session so
// the next Refresh reconnects from scratch. Caller holds c.mu.
func (c *Controller) fault(id int, err error) {
	m := c.state.FindChannel(id)
	if m == nil {
		return
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return
	}
	m.LastError = err.Error()
	if !errors.Is(err, ad5791.ErrTransport) {
		return
	}
	c.log.Warn("controller: link lost", "channel", m.Name, "err", err)
	if derr := c.disconnect(context.Background(), id); derr != nil {
		c.log.Debug("controller: release after link loss", "channel", m.Name, "err", derr)
	}
	m.Online = false
	m.PendingLoad = false
	c.bus.Publish(events.ReasonFault, id, c.state.DeepCopy())
}

// Refresh reads back every online channel and reconnects the offline ones.
func (c *Controller) Refresh(ctx context.Context) models.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.chans {
		if ch.dac == nil {
			if err := c.connect(ctx, i); err != nil {
				c.log.Debug("controller: reconnect failed", "channel", ch.cfg.Name, "err", err)
			}
			continue
		}
		m := &c.state.Channels[i]
		before := *m
		if err := c.readback(ctx, m, ch); err != nil {
			*m = before
			c.fault(i, err)
			continue
		}
		m.Online = true
		m.LastError = ""
	}
	c.bus.Publish(events.ReasonRefresh, -1, c.state.DeepCopy())
	return c.state.DeepCopy()
}

// Close releases every session and flushes pending state.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for i := range c.chans {
		err = multierr.Append(err, c.disconnect(ctx, i))
		c.state.Channels[i].Online = false
	}
	return multierr.Append(err, c.store.Flush())
}

// toAppError maps driver error kinds onto API errors.
func toAppError(err error) *models.AppError {
	if err == nil {
		return nil
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, ad5791.ErrRange):
		return models.ErrOutOfRange(err.Error())
	case errors.Is(err, ad5791.ErrInvalidPayload):
		return models.ErrInvalidPayload(err.Error())
	case errors.Is(err, ad5791.ErrProtocol):
		return models.ErrProtocol(err.Error())
	case errors.Is(err, ad5791.ErrTransport):
		return models.ErrTransport(err.Error())
	case errors.Is(err, ad5791.ErrClosed):
		return models.ErrOffline(err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.ErrTransport(err.Error())
	default:
		return models.ErrInternal(err.Error())
	}
}
