package ad5791

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
)

// DefaultClearVoltage is loaded into the clear code register when a session opens.
const DefaultClearVoltage = 4.876543

// Options configures a DAC session.
type Options struct {
	// Calibration defaults to DefaultCalibration when zero.
	Calibration Calibration
	// SPI fields left zero take their value from DefaultSPI.
	SPI SPIConfig
	// ClearVoltage is written to the clear code register by Open.
	ClearVoltage float64
	// DeferredTrigger holds voltage updates in the DAC register until SoftLDAC.
	DeferredTrigger bool
	// VerifyWrites reads every register write back and compares it.
	VerifyWrites bool
	// Trace logs every wire word at debug level.
	Trace bool
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultOptions returns the options of the lab setup.
func DefaultOptions() Options {
	return Options{
		Calibration:  DefaultCalibration,
		SPI:          DefaultSPI,
		ClearVoltage: DefaultClearVoltage,
	}
}

// Snapshot is the content of every register at one point in time.
type Snapshot struct {
	DAC       Code `json:"dac"`
	Control   Code `json:"control"`
	ClearCode Code `json:"clearcode"`
	Software  Code `json:"software"`
}

// DAC is one AD5791 session. It owns its port until Close.
// Methods are safe for concurrent use; calls are serialized.
type DAC struct {
	mu       sync.Mutex
	port     Port
	cal      Calibration
	spi      SPIConfig
	log      *slog.Logger
	verify   bool
	deferred bool
	closed   bool
}

// Open configures the port and loads the clear code register. On failure the
// bus claim is released again.
func Open(ctx context.Context, port Port, opts Options) (*DAC, error) {
	cal := opts.Calibration
	if cal == (Calibration{}) {
		cal = DefaultCalibration
	}
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	clr, err := cal.VoltageToCode(opts.ClearVoltage)
	if err != nil {
		return nil, fmt.Errorf("clear voltage: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Trace {
		port = tracePort{Port: port, log: log}
	}
	d := &DAC{
		port:     port,
		cal:      cal,
		spi:      opts.SPI.withDefaults(),
		log:      log,
		verify:   opts.VerifyWrites,
		deferred: opts.DeferredTrigger,
	}

	if err := port.Configure(ctx, d.spi); err != nil {
		return nil, multierr.Append(err, port.Release(context.WithoutCancel(ctx)))
	}
	if err := checkErrors(ctx, port); err != nil {
		return nil, multierr.Append(fmt.Errorf("configure %s: %w", d.spi.Device, err), port.Release(context.WithoutCancel(ctx)))
	}
	if err := d.writeRegister(ctx, RegClearCode, clr); err != nil {
		return nil, multierr.Append(err, port.Release(context.WithoutCancel(ctx)))
	}
	log.Info("ad5791: session open", "device", d.spi.Device, "speed_hz", d.spi.SpeedHz,
		"clear_v", opts.ClearVoltage, "deferred", d.deferred)

	if log.Enabled(ctx, slog.LevelDebug) {
		if s, err := d.snapshot(ctx); err == nil {
			log.Debug("ad5791: registers", "dac", Describe(s.DAC), "control", Describe(s.Control),
				"clearcode", Describe(s.ClearCode), "software", Describe(s.Software))
		}
	}
	return d, nil
}

// Close releases the bus claim. Later calls return nil.
func (d *DAC) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.port.Release(ctx); err != nil {
		return err
	}
	d.log.Info("ad5791: session closed", "device", d.spi.Device)
	return nil
}

// Calibration returns the transfer function in use.
func (d *DAC) Calibration() Calibration { return d.cal }

// SPI returns the bus settings in use.
func (d *DAC) SPI() SPIConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spi
}

func (d *DAC) lock() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// ReadRegister returns the payload of r.
func (d *DAC) ReadRegister(ctx context.Context, r Register) (Code, error) {
	if err := d.lock(); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.readRegister(ctx, r)
}

// WriteRegister writes payload to r.
func (d *DAC) WriteRegister(ctx context.Context, r Register, payload Code) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.writeRegister(ctx, r, payload)
}

func (d *DAC) readRegister(ctx context.Context, r Register) (Code, error) {
	if !r.Valid() {
		return 0, fmt.Errorf("%w: %v is not readable", ErrInvalidPayload, r)
	}
	rx, err := Transact(ctx, d.port, []Code{r.ReadCommand(), NOP}, 1)
	if err != nil {
		return 0, fmt.Errorf("read %v: %w", r, err)
	}
	return r.Decode(rx[0])
}

func (d *DAC) writeRegister(ctx context.Context, r Register, payload Code) error {
	cmd, err := r.WriteCommand(payload)
	if err != nil {
		return err
	}
	if _, err := Transact(ctx, d.port, []Code{cmd, NOP}); err != nil {
		return fmt.Errorf("write %v: %w", r, err)
	}
	// The software register is a strobe; there is nothing to read back.
	if !d.verify || r == RegSoftware {
		return nil
	}
	got, err := d.readRegister(ctx, r)
	if err != nil {
		return err
	}
	if got != payload {
		return fmt.Errorf("%w: wrote %v %#06x, read back %#06x", ErrProtocol, r, payload, got)
	}
	return nil
}

// Code returns the raw DAC register.
func (d *DAC) Code(ctx context.Context) (Code, error) {
	return d.ReadRegister(ctx, RegDAC)
}

// Voltage returns the voltage held in the DAC register.
func (d *DAC) Voltage(ctx context.Context) (float64, error) {
	code, err := d.ReadRegister(ctx, RegDAC)
	if err != nil {
		return 0, err
	}
	return d.cal.CodeToVoltage(code), nil
}

// SetVoltage writes v to the DAC register and, unless the trigger is
// deferred, loads it to the output in the same transfer.
func (d *DAC) SetVoltage(ctx context.Context, v float64) error {
	code, err := d.cal.VoltageToCode(v)
	if err != nil {
		return err
	}
	return d.SetCode(ctx, code)
}

// SetCode is SetVoltage for a raw data field.
func (d *DAC) SetCode(ctx context.Context, code Code) error {
	write, err := RegDAC.WriteCommand(code)
	if err != nil {
		return err
	}
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()

	last := NOP
	if !d.deferred {
		last = RegSoftware.Select() | SoftLDAC
	}
	// The read in word 1 is answered on SDO during word 2.
	var fetch []int
	if d.verify || d.log.Enabled(ctx, slog.LevelDebug) {
		fetch = []int{2}
	}
	rx, err := Transact(ctx, d.port, []Code{write, RegDAC.ReadCommand(), last}, fetch...)
	if err != nil {
		return fmt.Errorf("set dac: %w", err)
	}
	if len(rx) == 0 {
		return nil
	}
	got, err := RegDAC.Decode(rx[0])
	if err != nil {
		return err
	}
	d.log.Debug("ad5791: dac written", "code", Describe(write), "readback", Describe(rx[0]),
		"volts", d.cal.CodeToVoltage(got))
	if d.verify && got != code {
		return fmt.Errorf("%w: wrote dac %#06x, read back %#06x", ErrProtocol, code, got)
	}
	return nil
}

func (d *DAC) controlBit(ctx context.Context, bit Code) (bool, error) {
	ctl, err := d.ReadRegister(ctx, RegControl)
	if err != nil {
		return false, err
	}
	return HasBits(ctl, bit), nil
}

// setControlBit is a read-modify-write of one CONTROL bit.
func (d *DAC) setControlBit(ctx context.Context, bit Code, on bool) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	ctl, err := d.readRegister(ctx, RegControl)
	if err != nil {
		return err
	}
	if on {
		ctl = SetBits(ctl, bit)
	} else {
		ctl = ClearBits(ctl, bit)
	}
	return d.writeRegister(ctx, RegControl, ctl&ControlMask)
}

// Tristate reports whether the output is tristated (DACTRI).
func (d *DAC) Tristate(ctx context.Context) (bool, error) {
	return d.controlBit(ctx, CtlDACTRI)
}

// SetTristate sets or clears DACTRI, leaving the other CONTROL bits alone.
func (d *DAC) SetTristate(ctx context.Context, on bool) error {
	return d.setControlBit(ctx, CtlDACTRI, on)
}

// OutputGrounded reports whether the output is clamped to ground (OPGND).
func (d *DAC) OutputGrounded(ctx context.Context) (bool, error) {
	return d.controlBit(ctx, CtlOPGND)
}

// SetOutputGrounded sets or clears OPGND, leaving the other CONTROL bits alone.
func (d *DAC) SetOutputGrounded(ctx context.Context, on bool) error {
	return d.setControlBit(ctx, CtlOPGND, on)
}

// SoftLDAC loads the DAC register to the output.
func (d *DAC) SoftLDAC(ctx context.Context) error {
	return d.WriteRegister(ctx, RegSoftware, SoftLDAC)
}

// SoftClear loads the clear code to the DAC register and output.
func (d *DAC) SoftClear(ctx context.Context) error {
	return d.WriteRegister(ctx, RegSoftware, SoftClear)
}

// SoftReset returns the device to its power-on state.
func (d *DAC) SoftReset(ctx context.Context) error {
	return d.WriteRegister(ctx, RegSoftware, SoftReset)
}

// DeferredTrigger reports whether voltage writes wait for SoftLDAC.
func (d *DAC) DeferredTrigger() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deferred
}

// SetDeferredTrigger changes how later voltage writes reach the output.
func (d *DAC) SetDeferredTrigger(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deferred = on
}

// ClockSpeed asks the port for the active SPI clock.
func (d *DAC) ClockSpeed(ctx context.Context) (int, error) {
	if err := d.lock(); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.port.Speed(ctx)
}

// SetClockSpeed changes the SPI clock.
func (d *DAC) SetClockSpeed(ctx context.Context, hz int) error {
	if hz <= 0 {
		return fmt.Errorf("%w: clock %d Hz", ErrRange, hz)
	}
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	if err := d.port.SetSpeed(ctx, hz); err != nil {
		return err
	}
	if err := checkErrors(ctx, d.port); err != nil {
		return err
	}
	d.spi.SpeedHz = hz
	return nil
}

// ClearVoltage returns the voltage held in the clear code register.
func (d *DAC) ClearVoltage(ctx context.Context) (float64, error) {
	code, err := d.ReadRegister(ctx, RegClearCode)
	if err != nil {
		return 0, err
	}
	return d.cal.CodeToVoltage(code), nil
}

// SetClearVoltage writes v to the clear code register.
func (d *DAC) SetClearVoltage(ctx context.Context, v float64) error {
	code, err := d.cal.VoltageToCode(v)
	if err != nil {
		return err
	}
	return d.WriteRegister(ctx, RegClearCode, code)
}

// Snapshot reads every register.
func (d *DAC) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := d.lock(); err != nil {
		return Snapshot{}, err
	}
	defer d.mu.Unlock()
	return d.snapshot(ctx)
}

func (d *DAC) snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	for _, reg := range []struct {
		r   Register
		dst *Code
	}{
		{RegDAC, &s.DAC},
		{RegControl, &s.Control},
		{RegClearCode, &s.ClearCode},
		{RegSoftware, &s.Software},
	} {
		v, err := d.readRegister(ctx, reg.r)
		if err != nil {
			return Snapshot{}, err
		}
		*reg.dst = v
	}
	return s, nil
}
