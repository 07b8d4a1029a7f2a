// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"sync"
)

// Memory is the core-owned store. Its slices are sized once and never
// reallocated, so they may alias a mapped file.
type Memory struct {
	mu sync.RWMutex

	// 0x Coils (Read/Write). Stored as 1 (ON) or 0 (OFF).
	Coils []byte
	// 4x Holding Registers (Read/Write).
	HoldingRegisters []uint16
	// 3x Input Registers (Read Only from the bus).
	InputRegisters []uint16

	// OnWrite is called after every successful write from the bus.
	OnWrite func(space Space, address, quantity uint16)
}

// NewMemory creates a zeroed store with the given sizes.
func NewMemory(holding, input, coils int) *Memory {
	return &Memory{
		Coils:            make([]byte, coils),
		HoldingRegisters: make([]uint16, holding),
		InputRegisters:   make([]uint16, input),
	}
}

func (m *Memory) notify(space Space, address uint16) {
	if m.OnWrite != nil {
		m.OnWrite(space, address, 1)
	}
}

func (m *Memory) RegisterCount() int { return len(m.HoldingRegisters) }

func (m *Memory) ReadRegister(address uint16) (uint16, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := checkAddress(address, len(m.HoldingRegisters)); err != nil {
		return 0, err
	}
	return m.HoldingRegisters[address], nil
}

func (m *Memory) WriteRegister(address, value uint16) error {
	m.mu.Lock()
	if err := checkAddress(address, len(m.HoldingRegisters)); err != nil {
		m.mu.Unlock()
		return err
	}
	m.HoldingRegisters[address] = value
	m.mu.Unlock()

	m.notify(SpaceHoldingRegisters, address)
	return nil
}

func (m *Memory) InputRegisterCount() int { return len(m.InputRegisters) }

func (m *Memory) ReadInputRegister(address uint16) (uint16, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := checkAddress(address, len(m.InputRegisters)); err != nil {
		return 0, err
	}
	return m.InputRegisters[address], nil
}

// SetInputRegister updates an input register from the application side.
func (m *Memory) SetInputRegister(address, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkAddress(address, len(m.InputRegisters)); err != nil {
		return err
	}
	m.InputRegisters[address] = value
	return nil
}

func (m *Memory) CoilCount() int { return len(m.Coils) }

func (m *Memory) ReadCoil(address uint16) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := checkAddress(address, len(m.Coils)); err != nil {
		return false, err
	}
	return m.Coils[address] != 0, nil
}

func (m *Memory) WriteCoil(address uint16, on bool) error {
	m.mu.Lock()
	if err := checkAddress(address, len(m.Coils)); err != nil {
		m.mu.Unlock()
		return err
	}
	if on {
		m.Coils[address] = 1
	} else {
		m.Coils[address] = 0
	}
	m.mu.Unlock()

	m.notify(SpaceCoils, address)
	return nil
}

// Snapshot copies the holding registers, for diagnostics and tests.
func (m *Memory) Snapshot() []uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]uint16, len(m.HoldingRegisters))
	copy(out, m.HoldingRegisters)
	return out
}
