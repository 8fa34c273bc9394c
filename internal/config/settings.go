package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/magstab/magstab-go/internal/ad5791"
	"github.com/magstab/magstab-go/internal/transport"
	yml "gopkg.in/yaml.v2"
)

// Transports a channel can use.
const (
	TransportTCP    = "tcp"
	TransportSerial = "serial"
	TransportSPIDev = "spidev"
	TransportSim    = "sim"
)

// EnvPrefix selects the environment variables that override settings.
const EnvPrefix = "MAGSTAB_"

// DefaultBridgeAddr is the lab Red Pitaya.
const DefaultBridgeAddr = "172.16.10.75:5000"

// Channel configures one DAC and the path to it.
type Channel struct {
	Name      string `koanf:"name" yaml:"name"`
	Transport string `koanf:"transport" yaml:"transport"`

	Addr       string        `koanf:"addr" yaml:"addr,omitempty"`
	SerialPort string        `koanf:"serial_port" yaml:"serial_port,omitempty"`
	Baud       int           `koanf:"baud" yaml:"baud,omitempty"`
	Timeout    time.Duration `koanf:"timeout" yaml:"timeout,omitempty"`
	RateLimit  float64       `koanf:"rate_limit" yaml:"rate_limit,omitempty"`

	SPIDevice string `koanf:"spi_device" yaml:"spi_device"`
	SPISpeed  int    `koanf:"spi_speed" yaml:"spi_speed"`
	SPIMode   string `koanf:"spi_mode" yaml:"spi_mode"`

	VRefP        float64  `koanf:"vrefp" yaml:"vrefp"`
	VRefN        float64  `koanf:"vrefn" yaml:"vrefn"`
	ClearVoltage *float64 `koanf:"clear_voltage" yaml:"clear_voltage"`

	DeferredTrigger bool `koanf:"deferred_trigger" yaml:"deferred_trigger"`
	VerifyWrites    bool `koanf:"verify_writes" yaml:"verify_writes"`
	Trace           bool `koanf:"trace" yaml:"trace,omitempty"`

	LDACPin  string `koanf:"ldac_pin" yaml:"ldac_pin,omitempty"`
	ResetPin string `koanf:"reset_pin" yaml:"reset_pin,omitempty"`
	ClearPin string `koanf:"clear_pin" yaml:"clear_pin,omitempty"`
}

// Settings is the daemon configuration.
type Settings struct {
	Addr             string        `koanf:"addr" yaml:"addr"`
	ConfigDir        string        `koanf:"config_dir" yaml:"config_dir"`
	Debug            bool          `koanf:"debug" yaml:"debug"`
	Mock             bool          `koanf:"mock" yaml:"mock"`
	Zeroconf         bool          `koanf:"zeroconf" yaml:"zeroconf"`
	MonitorInterval  time.Duration `koanf:"monitor_interval" yaml:"monitor_interval"`
	RestoreSetpoints bool          `koanf:"restore_setpoints" yaml:"restore_setpoints"`
	Channels         []Channel     `koanf:"channels" yaml:"channels"`
}

// Defaults returns the settings used when no file is present.
func Defaults() Settings {
	return Settings{
		Addr:            ":8080",
		ConfigDir:       "/var/lib/magstab",
		Zeroconf:        true,
		MonitorInterval: 5 * time.Second,
	}
}

// DefaultChannel is the single channel configured when the file names none.
func DefaultChannel() Channel {
	ch := Channel{Name: "dac0", Transport: TransportTCP, Addr: DefaultBridgeAddr}
	ch.applyDefaults()
	return ch
}

func (c *Channel) applyDefaults() {
	if c.Transport == "" {
		c.Transport = TransportTCP
	}
	if c.Transport == TransportTCP && c.Addr == "" {
		c.Addr = DefaultBridgeAddr
	}
	if c.Transport == TransportSerial && c.Baud == 0 {
		c.Baud = transport.DefaultBaud
	}
	if c.SPIDevice == "" {
		c.SPIDevice = ad5791.DefaultSPI.Device
	}
	if c.SPISpeed == 0 {
		c.SPISpeed = ad5791.DefaultSPI.SpeedHz
	}
	if c.SPIMode == "" {
		c.SPIMode = ad5791.DefaultSPI.Mode
	}
	if c.VRefP == 0 && c.VRefN == 0 {
		c.VRefP = ad5791.DefaultCalibration.VRefP
		c.VRefN = ad5791.DefaultCalibration.VRefN
	}
	if c.ClearVoltage == nil {
		v := ad5791.DefaultClearVoltage
		c.ClearVoltage = &v
	}
}

// Calibration returns the channel's transfer function.
func (c Channel) Calibration() ad5791.Calibration {
	cal := ad5791.DefaultCalibration
	cal.VRefP = c.VRefP
	cal.VRefN = c.VRefN
	return cal
}

// SPI returns the bus settings for the channel.
func (c Channel) SPI() ad5791.SPIConfig {
	return ad5791.SPIConfig{
		Device:   c.SPIDevice,
		SpeedHz:  c.SPISpeed,
		Mode:     c.SPIMode,
		WordBits: ad5791.WordBits,
	}
}

// DACOptions builds the session options for the channel.
func (c Channel) DACOptions(log *slog.Logger) ad5791.Options {
	if log == nil {
		log = slog.Default()
	}
	clr := ad5791.DefaultClearVoltage
	if c.ClearVoltage != nil {
		clr = *c.ClearVoltage
	}
	return ad5791.Options{
		Calibration:     c.Calibration(),
		SPI:             c.SPI(),
		ClearVoltage:    clr,
		DeferredTrigger: c.DeferredTrigger,
		VerifyWrites:    c.VerifyWrites,
		Trace:           c.Trace,
		Logger:          log.With("channel", c.Name),
	}
}

// TransportOptions returns the line transport settings for the channel.
func (c Channel) TransportOptions() transport.Options {
	return transport.Options{Timeout: c.Timeout, RateLimit: c.RateLimit}
}

// Validate reports the first configuration problem of the channel.
func (c Channel) Validate() error {
	if c.Name == "" {
		return errors.New("channel name is required")
	}
	switch c.Transport {
	case TransportTCP:
		if c.Addr == "" {
			return fmt.Errorf("channel %s: tcp transport needs addr", c.Name)
		}
	case TransportSerial:
		if c.SerialPort == "" {
			return fmt.Errorf("channel %s: serial transport needs serial_port", c.Name)
		}
	case TransportSPIDev, TransportSim:
	default:
		return fmt.Errorf("channel %s: unknown transport %q", c.Name, c.Transport)
	}
	switch c.SPIMode {
	case ad5791.ModeLISL, ad5791.ModeLIST, ad5791.ModeHISL, ad5791.ModeHIST:
	default:
		return fmt.Errorf("channel %s: unknown spi_mode %q", c.Name, c.SPIMode)
	}
	if c.SPISpeed <= 0 {
		return fmt.Errorf("channel %s: spi_speed must be positive", c.Name)
	}
	cal := c.Calibration()
	if err := cal.Validate(); err != nil {
		return fmt.Errorf("channel %s: %w", c.Name, err)
	}
	if c.ClearVoltage != nil {
		if _, err := cal.VoltageToCode(*c.ClearVoltage); err != nil {
			return fmt.Errorf("channel %s: clear_voltage: %w", c.Name, err)
		}
	}
	return nil
}

// Validate checks every channel and that channel names are unique.
func (s Settings) Validate() error {
	if len(s.Channels) == 0 {
		return errors.New("no channels configured")
	}
	seen := make(map[string]bool)
	for _, ch := range s.Channels {
		if err := ch.Validate(); err != nil {
			return err
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate channel name %q", ch.Name)
		}
		seen[ch.Name] = true
	}
	if s.MonitorInterval < 0 {
		return errors.New("monitor_interval must not be negative")
	}
	return nil
}

// Load layers defaults, the YAML file at path (if it exists) and MAGSTAB_*
// environment variables, in that order.
func Load(path string) (Settings, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Settings{}, fmt.Errorf("config: defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Settings{}, fmt.Errorf("config: %s: %w", path, err)
			}
			slog.Info("config: no settings file, using defaults", "path", path)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Settings{}, fmt.Errorf("config: environment: %w", err)
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return Settings{}, fmt.Errorf("config: decode: %w", err)
	}
	if len(s.Channels) == 0 {
		s.Channels = []Channel{DefaultChannel()}
	}
	for i := range s.Channels {
		s.Channels[i].applyDefaults()
	}
	return s, s.Validate()
}

func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

// WriteYAML renders s as a settings file.
func WriteYAML(w io.Writer, s Settings) error {
	enc := yml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(s)
}
