// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
log:
  level: debug
servant:
  address: 17
  registers_in_buffer: 4
  tx_delay_ticks: 3
  process_position: Combined
  crc: bitwise
  functions: [3, 6, 16]
store:
  holding:
    mode: both
    count: 8
  input:
    mode: none
  coils:
    mode: internal
    count: 32
  seed: seed.yaml
persistence:
  type: sql
  path: /var/lib/servant.db
transport:
  type: rtu-over-tcp
  address: 127.0.0.1:5020
serial:
  device: /dev/ttyS1
  baud_rate: 9600
  parity: e
  tick: 1ms
device:
  password: 4660
  watchdog: 10
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig), "")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
	s := cfg.Servant
	if s.Address != 17 || s.RegistersInBuffer != 4 || s.TxDelayTicks != 3 {
		t.Errorf("servant = %+v", s)
	}
	if s.ProcessPosition != "combined" || s.CRC != "bitwise" {
		t.Errorf("position = %q crc = %q", s.ProcessPosition, s.CRC)
	}
	if len(s.Functions) != 3 || s.Functions[2] != 16 {
		t.Errorf("functions = %v", s.Functions)
	}
	if cfg.Store.Holding.Mode != "both" || cfg.Store.Coils.Count != 32 || cfg.Store.Input.Mode != "none" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Persistence.Type != "sql" {
		t.Errorf("persistence = %+v", cfg.Persistence)
	}
	if cfg.Transport.Type != "rtu-over-tcp" || cfg.Transport.Address != "127.0.0.1:5020" {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.Serial.Parity != "E" {
		t.Errorf("parity = %q, want E", cfg.Serial.Parity)
	}
	if cfg.Serial.Tick != time.Millisecond {
		t.Errorf("tick = %v", cfg.Serial.Tick)
	}
	if want := 35000000 / 9600 * time.Microsecond; cfg.Serial.FrameTimeout != want {
		t.Errorf("frame timeout = %v, want %v", cfg.Serial.FrameTimeout, want)
	}
	if cfg.Serial.DataBits != 8 || cfg.Serial.StopBits != 1 || cfg.Serial.Timeout != 100*time.Millisecond {
		t.Errorf("serial defaults = %+v", cfg.Serial)
	}
	if cfg.Device.Password != 0x1234 || cfg.Device.Watchdog != 10 {
		t.Errorf("device = %+v", cfg.Device)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "log:\n  level: info\n"), "")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Servant.Address != 1 || cfg.Servant.RegistersInBuffer != 10 {
		t.Errorf("servant defaults = %+v", cfg.Servant)
	}
	if cfg.Store.Holding.Mode != "internal" || cfg.Store.Holding.Count != 16 {
		t.Errorf("holding defaults = %+v", cfg.Store.Holding)
	}
	if cfg.Transport.Type != "serial" {
		t.Errorf("transport default = %q", cfg.Transport.Type)
	}
	if cfg.Serial.FrameTimeout != 35000000/19200*time.Microsecond {
		t.Errorf("frame timeout = %v", cfg.Serial.FrameTimeout)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("SERVANT_SERVANT_ADDRESS", "42")
	t.Setenv("SERVANT_SERIAL_BAUD_RATE", "115200")

	envFile := filepath.Join(t.TempDir(), "servant.env")
	if err := os.WriteFile(envFile, []byte("SERVANT_SERIAL_DEVICE=/dev/ttyAMA0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SERVANT_SERIAL_DEVICE") })

	cfg, err := LoadConfig(writeConfig(t, sampleConfig), envFile)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Servant.Address != 42 {
		t.Errorf("address = %d, want 42", cfg.Servant.Address)
	}
	if cfg.Serial.Device != "/dev/ttyAMA0" {
		t.Errorf("device = %q", cfg.Serial.Device)
	}
	if cfg.Serial.FrameTimeout != 1750*time.Microsecond {
		t.Errorf("frame timeout = %v", cfg.Serial.FrameTimeout)
	}
}

func TestLoadFlags(t *testing.T) {
	fs := NewFlagSet("test")
	err := fs.Parse([]string{"-c", writeConfig(t, sampleConfig), "-a", "9", "--device", "/dev/ttyS9"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg, err := LoadFlags(fs)
	if err != nil {
		t.Fatalf("LoadFlags failed: %v", err)
	}
	if cfg.Servant.Address != 9 || cfg.Serial.Device != "/dev/ttyS9" {
		t.Errorf("flag overrides not applied: address=%d device=%q", cfg.Servant.Address, cfg.Serial.Device)
	}
	// Flags left at their defaults do not shadow the file.
	if cfg.Log.Level != "debug" || cfg.Transport.Type != "rtu-over-tcp" || cfg.Serial.BaudRate != 9600 {
		t.Errorf("file values lost: level=%q transport=%q baud=%d", cfg.Log.Level, cfg.Transport.Type, cfg.Serial.BaudRate)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), ""); err == nil {
		t.Error("expected error for missing config file")
	}
	if _, err := LoadConfig(writeConfig(t, sampleConfig), filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for missing env file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		config string
		field  string
	}{
		{"Address", "servant:\n  address: 248\n", "servant.address"},
		{"Buffer", "servant:\n  registers_in_buffer: 124\n", "servant.registers_in_buffer"},
		{"Position", "servant:\n  process_position: inline\n", "servant.process_position"},
		{"CRC", "servant:\n  crc: hardware\n", "servant.crc"},
		{"Mode", "store:\n  holding:\n    mode: shared\n", "store.holding.mode"},
		{"ZeroCount", "store:\n  coils:\n    count: 0\n", "store.coils.count"},
		{"ExternalCoils", "store:\n  coils:\n    mode: external\n", "store.coils.mode"},
		{"Password", "store:\n  holding:\n    mode: external\n", "device.password"},
		{"PersistencePath", "persistence:\n  type: mmap\n", "persistence.path"},
		{"Parity", "serial:\n  parity: x\n", "serial.parity"},
		{"Transport", "transport:\n  type: udp\n", "transport.type"},
		{"Tick", "serial:\n  tick: 1s\n", "serial.tick"},
		{"NoSpaces", "store:\n  holding: {mode: none}\n  input: {mode: none}\n  coils: {mode: none}\n", "store"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.config), "")
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error %v is not a ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q (%v)", ve.Field, tt.field, err)
			}
		})
	}
}

func TestFrameDelay(t *testing.T) {
	tests := []struct {
		baud int
		want time.Duration
	}{
		{9600, 3645 * time.Microsecond},
		{19200, 1822 * time.Microsecond},
		{38400, 1750 * time.Microsecond},
		{0, 1750 * time.Microsecond},
	}
	for _, tt := range tests {
		if got := FrameDelay(tt.baud); got != tt.want {
			t.Errorf("FrameDelay(%d) = %v, want %v", tt.baud, got, tt.want)
		}
	}
}
