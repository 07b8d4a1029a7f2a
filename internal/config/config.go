// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	dotenv "github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SERVANT_SERIAL_DEVICE.
const EnvPrefix = "SERVANT"

// Config defines the global configuration structure
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Servant     ServantConfig     `mapstructure:"servant"`
	Store       StoreConfig       `mapstructure:"store"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Serial      SerialConfig      `mapstructure:"serial"`
	Device      DeviceConfig      `mapstructure:"device"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// ServantConfig defines the protocol engine
type ServantConfig struct {
	Address           int    `mapstructure:"address"`
	RegistersInBuffer int    `mapstructure:"registers_in_buffer"`
	TxDelayTicks      int    `mapstructure:"tx_delay_ticks"`
	ProcessPosition   string `mapstructure:"process_position"` // "separate", "combined"
	CRC               string `mapstructure:"crc"`              // "table", "bitwise", "library"
	Functions         []int  `mapstructure:"functions"`        // Enabled function codes, empty for all
}

// SpaceConfig defines the ownership and size of one address space
type SpaceConfig struct {
	Mode  string `mapstructure:"mode"` // "none", "internal", "external", "both"
	Count int    `mapstructure:"count"`
}

// StoreConfig defines the register and coil spaces
type StoreConfig struct {
	Holding SpaceConfig `mapstructure:"holding"`
	Input   SpaceConfig `mapstructure:"input"`
	Coils   SpaceConfig `mapstructure:"coils"`
	Seed    string      `mapstructure:"seed"` // Optional YAML seed file
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sql"
	Path string `mapstructure:"path"` // File path for "file/mmap/sql" type
}

// TransportConfig selects the byte stream carrying RTU frames
type TransportConfig struct {
	Type    string `mapstructure:"type"`    // "serial", "rtu-over-tcp"
	Address string `mapstructure:"address"` // Listen address for "rtu-over-tcp", e.g. "0.0.0.0:5020"
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"` // Read timeout

	// Period of the state machine tick
	Tick time.Duration `mapstructure:"tick"`
	// Inter-byte silence that abandons a partial frame
	FrameTimeout time.Duration `mapstructure:"frame_timeout"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// DeviceConfig defines the application register block
type DeviceConfig struct {
	Password int `mapstructure:"password"`
	Watchdog int `mapstructure:"watchdog"` // Minutes
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("servant.address", 1)
	v.SetDefault("servant.registers_in_buffer", 10)
	v.SetDefault("servant.tx_delay_ticks", 0)
	v.SetDefault("servant.process_position", "separate")
	v.SetDefault("servant.crc", "table")
	v.SetDefault("servant.functions", []int{})

	v.SetDefault("store.holding.mode", "internal")
	v.SetDefault("store.holding.count", 16)
	v.SetDefault("store.input.mode", "internal")
	v.SetDefault("store.input.count", 8)
	v.SetDefault("store.coils.mode", "internal")
	v.SetDefault("store.coils.count", 16)
	v.SetDefault("store.seed", "")

	v.SetDefault("persistence.type", "memory")
	v.SetDefault("persistence.path", "")

	v.SetDefault("transport.type", "serial")
	v.SetDefault("transport.address", "0.0.0.0:5020")

	v.SetDefault("serial.device", "/dev/ttyUSB0")
	v.SetDefault("serial.baud_rate", 19200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.timeout", 100*time.Millisecond)
	v.SetDefault("serial.tick", 500*time.Microsecond)
	v.SetDefault("serial.frame_timeout", 0)
	v.SetDefault("serial.rs485", false)
	v.SetDefault("serial.delay_rts_before_send", 0)
	v.SetDefault("serial.delay_rts_after_send", 0)
	v.SetDefault("serial.rts_high_during_send", false)
	v.SetDefault("serial.rts_high_after_send", false)
	v.SetDefault("serial.rx_during_tx", false)

	v.SetDefault("device.password", 0)
	v.SetDefault("device.watchdog", 5)
}

// flagKeys maps command line flags to the configuration keys they override.
var flagKeys = map[string]string{
	"log-level": "log.level",
	"log-file":  "log.file",
	"address":   "servant.address",
	"transport": "transport.type",
	"listen":    "transport.address",
	"device":    "serial.device",
	"baud-rate": "serial.baud_rate",
}

// NewFlagSet defines the command line flags.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.StringP("env", "e", "", "Dotenv file path (default .env).")
	fs.StringP("log-level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	fs.StringP("log-file", "L", "", "Log file name ('-' for logging to STDOUT only).")
	fs.IntP("address", "a", 1, "Servant address (1..247).")
	fs.StringP("transport", "t", "serial", "Byte stream carrying RTU frames (serial, rtu-over-tcp).")
	fs.StringP("listen", "l", "0.0.0.0:5020", "Listen address for rtu-over-tcp.")
	fs.StringP("device", "p", "/dev/ttyUSB0", "Serial port device name.")
	fs.IntP("baud-rate", "s", 19200, "Serial port speed.")
	return fs
}

// LoadFlags loads the configuration named by the parsed flag set. Flags set
// on the command line override the file and the environment.
func LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	configFile, err := fs.GetString("config")
	if err != nil {
		return nil, err
	}
	envFile, err := fs.GetString("env")
	if err != nil {
		return nil, err
	}
	return load(configFile, envFile, fs)
}

// LoadConfig loads configuration from file. Values from envFile (or .env
// when empty) and from SERVANT_* environment variables override the file.
func LoadConfig(configFile, envFile string) (*Config, error) {
	return load(configFile, envFile, nil)
}

func load(configFile, envFile string, flags *pflag.FlagSet) (*Config, error) {
	if err := loadEnv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-servant/")
		v.AddConfigPath("$HOME/.modbus-servant")
		v.AddConfigPath(".")
	}

	setDefaults(v)
	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	fixupSerial(&config.Serial)
	config.Servant.ProcessPosition = strings.ToLower(config.Servant.ProcessPosition)
	config.Servant.CRC = strings.ToLower(config.Servant.CRC)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// loadEnv loads a dotenv file. A missing default .env is not an error.
func loadEnv(envFile string) error {
	if envFile == "" {
		if err := dotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := dotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Timeout == 0 {
		s.Timeout = 100 * time.Millisecond
	}
	if s.Tick == 0 {
		s.Tick = 500 * time.Microsecond
	}
	if s.FrameTimeout == 0 {
		s.FrameTimeout = FrameDelay(s.BaudRate)
	}
}

// FrameDelay returns the 3.5 character silent interval separating RTU
// frames at baudRate. Above 19200 baud it is fixed at 1750µs.
func FrameDelay(baudRate int) time.Duration {
	if baudRate <= 0 || baudRate > 19200 {
		return 1750 * time.Microsecond
	}
	return time.Duration(35000000/baudRate) * time.Microsecond
}

// Validate checks the values LoadConfig cannot repair.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		fail("log.level", "unknown level %q", c.Log.Level)
	}

	s := c.Servant
	if s.Address < 1 || s.Address > 247 {
		fail("servant.address", "%d outside 1..247", s.Address)
	}
	if s.RegistersInBuffer < 1 || 2*s.RegistersInBuffer+9 > 256 {
		fail("servant.registers_in_buffer", "%d gives a frame buffer outside 11..256 bytes", s.RegistersInBuffer)
	}
	if s.TxDelayTicks < 0 {
		fail("servant.tx_delay_ticks", "negative")
	}
	switch s.ProcessPosition {
	case "", "separate", "combined":
	default:
		fail("servant.process_position", "unknown position %q", s.ProcessPosition)
	}
	switch s.CRC {
	case "", "table", "bitwise", "library":
	default:
		fail("servant.crc", "unknown strategy %q", s.CRC)
	}
	for _, fc := range s.Functions {
		if fc < 1 || fc > 0x7F {
			fail("servant.functions", "function code %d out of range", fc)
		}
	}

	spaces := []struct {
		field    string
		space    SpaceConfig
		external bool
	}{
		{"store.holding", c.Store.Holding, true},
		{"store.input", c.Store.Input, true},
		{"store.coils", c.Store.Coils, false},
	}
	enabled := 0
	for _, sp := range spaces {
		switch sp.space.Mode {
		case "none":
			continue
		case "", "internal", "both":
			if sp.space.Count < 1 || sp.space.Count > 65536 {
				fail(sp.field+".count", "%d outside 1..65536", sp.space.Count)
			}
		case "external":
		default:
			fail(sp.field+".mode", "unknown mode %q", sp.space.Mode)
			continue
		}
		if (sp.space.Mode == "external" || sp.space.Mode == "both") && !sp.external {
			fail(sp.field+".mode", "no external provider for this space")
		}
		enabled++
	}
	if enabled == 0 {
		fail("store", "no address space enabled")
	}

	h := c.Store.Holding.Mode
	if h == "external" || h == "both" {
		if c.Device.Password < 1 || c.Device.Password > 0xFFFF {
			fail("device.password", "%d outside 1..65535", c.Device.Password)
		}
		if c.Device.Watchdog < 1 || c.Device.Watchdog > 0xFFFF {
			fail("device.watchdog", "%d outside 1..65535 minutes", c.Device.Watchdog)
		}
	}

	switch c.Persistence.Type {
	case "", "memory":
	case "file", "mmap", "sql":
		if c.Persistence.Path == "" {
			fail("persistence.path", "required for type %q", c.Persistence.Type)
		}
	default:
		fail("persistence.type", "unknown type %q", c.Persistence.Type)
	}

	switch c.Transport.Type {
	case "", "serial":
		if c.Serial.Device == "" {
			fail("serial.device", "required")
		}
	case "rtu-over-tcp":
		if c.Transport.Address == "" {
			fail("transport.address", "required for type %q", c.Transport.Type)
		}
	default:
		fail("transport.type", "unknown type %q", c.Transport.Type)
	}
	if c.Serial.BaudRate <= 0 {
		fail("serial.baud_rate", "must be positive")
	}
	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		fail("serial.parity", "unknown parity %q", c.Serial.Parity)
	}
	if c.Serial.Tick >= c.Serial.FrameTimeout {
		fail("serial.tick", "%v must be shorter than the frame timeout %v", c.Serial.Tick, c.Serial.FrameTimeout)
	}

	return errors.Join(errs...)
}
