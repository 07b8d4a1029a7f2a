// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package store holds the three Modbus address spaces a servant exposes:
// holding registers, input registers and coils.
//
// Every space is reached through a narrow port interface. A space is either
// owned by the core (Memory), delegated to the application (RegisterFuncs,
// InputRegisterFuncs, CoilFuncs or any other implementation) or both
// (MirrorRegisters, MirrorInputRegisters, MirrorCoils). Implementations must
// make single reads and writes atomic with respect to a 16-bit word.
package store

import (
	"errors"
	"fmt"
)

var (
	// ErrAddress is returned for an address outside the space. It maps to
	// exception 0x02.
	ErrAddress = errors.New("store: address out of range")
	// ErrRejected is returned when the port refuses the operation. Any error
	// other than ErrAddress maps to exception 0x04.
	ErrRejected = errors.New("store: operation rejected")
)

// Space identifies an address space.
type Space int

const (
	SpaceCoils Space = iota
	SpaceHoldingRegisters
	SpaceInputRegisters
)

func (s Space) String() string {
	switch s {
	case SpaceCoils:
		return "coils"
	case SpaceHoldingRegisters:
		return "holding"
	case SpaceInputRegisters:
		return "input"
	}
	return fmt.Sprintf("space(%d)", int(s))
}

// Registers is the read/write holding register space.
type Registers interface {
	RegisterCount() int
	ReadRegister(address uint16) (uint16, error)
	WriteRegister(address, value uint16) error
}

// InputRegisters is the read-only input register space.
type InputRegisters interface {
	InputRegisterCount() int
	ReadInputRegister(address uint16) (uint16, error)
}

// Coils is the bit-addressable read/write coil space.
type Coils interface {
	CoilCount() int
	ReadCoil(address uint16) (bool, error)
	WriteCoil(address uint16, on bool) error
}

// Mode selects who owns an address space.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeInternal Mode = "internal"
	ModeExternal Mode = "external"
	ModeBoth     Mode = "both"
)

// ParseMode validates a configured ownership mode. The empty string is
// treated as internal.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeInternal, nil
	case ModeNone, ModeInternal, ModeExternal, ModeBoth:
		return Mode(s), nil
	}
	return "", fmt.Errorf("store: unknown ownership mode %q", s)
}

func checkAddress(address uint16, count int) error {
	if int(address) >= count {
		return fmt.Errorf("%w: %d >= %d", ErrAddress, address, count)
	}
	return nil
}
