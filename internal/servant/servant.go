// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package servant implements a Modbus RTU servant (slave) protocol engine.
//
// A Servant is driven from two execution contexts: a byte-level context
// (receive interrupt, transmit-complete interrupt, or the goroutine reading
// the serial port) calling InsertByte, PopTxByte and Timeout, and a periodic
// context calling Tick. Neither path blocks or allocates. The caller must
// serialize the two contexts; on a microcontroller that is the interrupt
// mask, on a host it is a mutex (see transport/rtu).
package servant

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ffutop/modbus-servant/internal/store"
	"github.com/ffutop/modbus-servant/modbus"
	"github.com/ffutop/modbus-servant/modbus/crc"
	"github.com/ffutop/modbus-servant/modbus/rtu"
)

var (
	// ErrOverflow is returned by InsertByte when the frame buffer is full.
	ErrOverflow = errors.New("servant: frame buffer overflow")
	// ErrWrongState is returned by InsertByte outside the receive phase.
	ErrWrongState = errors.New("servant: not receiving")
)

const (
	MinAddress = 1
	MaxAddress = 247
)

// Port is the hardware the servant drives.
type Port interface {
	// TimerStart (re)starts the inter-byte timeout. When it fires the port
	// must call Servant.Timeout.
	TimerStart()
	// TimerStop cancels the inter-byte timeout.
	TimerStop()
	// TransmitBegin pushes the first byte of a response to the transmitter.
	// The remaining bytes are fetched with Servant.PopTxByte as each byte
	// completes.
	TransmitBegin(first byte)
}

// DirectionController is implemented by ports that switch an RS-485
// transceiver between transmit and receive.
type DirectionController interface {
	SetDirection(tx bool)
}

// Indicator receives diagnostic events, typically driving an LED.
type Indicator interface {
	LedSuccess()
	LedError()
	LedCRCFail()
	LedOff()
}

type nopIndicator struct{}

func (nopIndicator) LedSuccess() {}
func (nopIndicator) LedError() {}
func (nopIndicator) LedCRCFail() {}
func (nopIndicator) LedOff() {}

// ProcessPosition selects whether a request is dispatched in its own tick or
// in the same tick as the response CRC is computed.
type ProcessPosition int

const (
	ProcessSeparate ProcessPosition = iota
	ProcessCombined
)

// ParseProcessPosition maps a configuration string to a ProcessPosition.
func ParseProcessPosition(s string) (ProcessPosition, error) {
	switch s {
	case "", "separate":
		return ProcessSeparate, nil
	case "combined":
		return ProcessCombined, nil
	}
	return 0, fmt.Errorf("servant: unknown process position %q", s)
}

// Config holds the construction-time settings of a Servant.
type Config struct {
	// Address this servant answers to (1..247).
	Address byte
	// RegistersInBuffer sizes the frame buffer to hold a write of that many
	// registers: 2*RegistersInBuffer + 9 bytes. It also bounds the quantity
	// of a register read.
	RegistersInBuffer int
	// TxDelayTicks is the number of ticks between the response being ready
	// and its first byte being transmitted.
	TxDelayTicks int
	// ProcessPosition selects the dispatch tick.
	ProcessPosition ProcessPosition
	// Functions lists the enabled function codes. When empty, every function
	// whose address space is configured is enabled.
	Functions []byte

	Holding store.Registers
	Input   store.InputRegisters
	Coils   store.Coils

	// CRC selects the checksum strategy. Nil selects crc.Table.
	CRC crc.Strategy
}

// BufferSize returns the frame buffer capacity for n registers.
func BufferSize(n int) int {
	return 2*n + rtu.MultipleOverhead
}

// MaxRegistersInBuffer is the largest RegistersInBuffer fitting one RTU ADU.
const MaxRegistersInBuffer = (rtu.MaxSize - rtu.MultipleOverhead) / 2

func (c *Config) validate() error {
	if c.Address < MinAddress || c.Address > MaxAddress {
		return fmt.Errorf("servant: address %d outside %d..%d", c.Address, MinAddress, MaxAddress)
	}
	if c.RegistersInBuffer < 1 || c.RegistersInBuffer > MaxRegistersInBuffer {
		return fmt.Errorf("servant: registers in buffer %d outside 1..%d", c.RegistersInBuffer, MaxRegistersInBuffer)
	}
	if c.TxDelayTicks < 0 {
		return fmt.Errorf("servant: negative tx delay %d", c.TxDelayTicks)
	}
	if c.ProcessPosition != ProcessSeparate && c.ProcessPosition != ProcessCombined {
		return fmt.Errorf("servant: invalid process position %d", c.ProcessPosition)
	}
	for _, fc := range c.Functions {
		switch fc {
		case modbus.FuncCodeReadHoldingRegisters,
			modbus.FuncCodeWriteSingleRegister,
			modbus.FuncCodeWriteMultipleRegisters:
			if c.Holding == nil {
				return fmt.Errorf("servant: function %s needs holding registers", modbus.FunctionName(fc))
			}
		case modbus.FuncCodeReadInputRegisters:
			if c.Input == nil {
				return fmt.Errorf("servant: function %s needs input registers", modbus.FunctionName(fc))
			}
		case modbus.FuncCodeReadCoils,
			modbus.FuncCodeWriteSingleCoil,
			modbus.FuncCodeWriteMultipleCoils:
			if c.Coils == nil {
				return fmt.Errorf("servant: function %s needs coils", modbus.FunctionName(fc))
			}
		default:
			return fmt.Errorf("servant: unsupported function %s", modbus.FunctionName(fc))
		}
	}
	if c.Holding == nil && c.Input == nil && c.Coils == nil {
		return errors.New("servant: no address space configured")
	}
	return nil
}

// State is the transceiver state.
type State int

const (
	StateReceiving State = iota
	StateProcessing
	StatePreparingResponse
	StateTransmitDelay
	StateTransmitting
	StateAwaitingTimeout
)

func (s State) String() string {
	switch s {
	case StateReceiving:
		return "Receiving"
	case StateProcessing:
		return "Processing"
	case StatePreparingResponse:
		return "PreparingResponse"
	case StateTransmitDelay:
		return "TransmitDelay"
	case StateTransmitting:
		return "Transmitting"
	case StateAwaitingTimeout:
		return "AwaitingTimeout"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Option configures optional collaborators.
type Option func(*Servant)

// WithLogger sets the logger used for frame decisions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Servant) { s.logger = l }
}

// WithIndicator sets the diagnostic indicator.
func WithIndicator(i Indicator) Option {
	return func(s *Servant) { s.led = i }
}

// Servant is one protocol engine bound to one serial line.
type Servant struct {
	port      Port
	direction DirectionController
	led       Indicator
	logger    *slog.Logger
	crc       *crc.CRC

	holding store.Registers
	input   store.InputRegisters
	coils   store.Coils

	address      byte
	maxRegisters int
	txDelayTop   int
	position     ProcessPosition
	enabled      [256]bool

	state State
	buf   []byte

	// idx is the write index while receiving and the number of bytes left
	// to send while transmitting.
	idx      int
	expected int
	// reqLen is the length of the request handed to dispatch.
	reqLen  int
	procLen int
	txPos   int
	txDelay int

	changed atomic.Bool
}

// New validates cfg and returns a Servant in the Receiving state. Buffers are
// allocated here; nothing allocates after New returns.
func New(cfg Config, port Port, opts ...Option) (*Servant, error) {
	if port == nil {
		return nil, errors.New("servant: nil port")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Servant{
		port:         port,
		led:          nopIndicator{},
		logger:       slog.Default(),
		crc:          crc.New(cfg.CRC),
		holding:      cfg.Holding,
		input:        cfg.Input,
		coils:        cfg.Coils,
		address:      cfg.Address,
		maxRegisters: cfg.RegistersInBuffer,
		txDelayTop:   cfg.TxDelayTicks,
		position:     cfg.ProcessPosition,
		buf:          make([]byte, BufferSize(cfg.RegistersInBuffer)),
	}
	if dc, ok := port.(DirectionController); ok {
		s.direction = dc
	}

	functions := cfg.Functions
	if len(functions) == 0 {
		functions = defaultFunctions(cfg)
	}
	for _, fc := range functions {
		s.enabled[fc] = true
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func defaultFunctions(cfg Config) []byte {
	var fcs []byte
	if cfg.Holding != nil {
		fcs = append(fcs,
			modbus.FuncCodeReadHoldingRegisters,
			modbus.FuncCodeWriteSingleRegister,
			modbus.FuncCodeWriteMultipleRegisters)
	}
	if cfg.Input != nil {
		fcs = append(fcs, modbus.FuncCodeReadInputRegisters)
	}
	if cfg.Coils != nil {
		fcs = append(fcs,
			modbus.FuncCodeReadCoils,
			modbus.FuncCodeWriteSingleCoil,
			modbus.FuncCodeWriteMultipleCoils)
	}
	return fcs
}

// State returns the transceiver state.
func (s *Servant) State() State { return s.state }

// Address returns the servant address.
func (s *Servant) Address() byte { return s.address }

// SetAddress changes the servant address. It must be called from the tick
// context; a response already being prepared keeps the old address.
func (s *Servant) SetAddress(a byte) error {
	if a < MinAddress || a > MaxAddress {
		return fmt.Errorf("servant: address %d outside %d..%d", a, MinAddress, MaxAddress)
	}
	s.address = a
	return nil
}

// BufferSize returns the frame buffer capacity.
func (s *Servant) BufferSize() int { return len(s.buf) }

// Changed reports whether a write from the bus succeeded since the last
// ClearChanged. It is safe to call from any goroutine.
func (s *Servant) Changed() bool { return s.changed.Load() }

// ClearChanged resets the changed flag.
func (s *Servant) ClearChanged() { s.changed.Store(false) }

// Enabled reports whether function code fc is dispatched.
func (s *Servant) Enabled(fc byte) bool { return s.enabled[fc] }

// frameHex formats a frame lazily for debug logs.
type frameHex []byte

func (f frameHex) LogValue() slog.Value {
	return slog.StringValue(hex.EncodeToString(f))
}
