// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

// MirrorRegisters delegates holding registers to an external port and keeps
// the last value seen in a core-owned Memory. The external port decides
// whether an operation is allowed; the local copy is only updated after it
// succeeds. The space size is the smaller of the two.
type MirrorRegisters struct {
	Local    *Memory
	External Registers
}

func (m MirrorRegisters) RegisterCount() int {
	return min(m.Local.RegisterCount(), m.External.RegisterCount())
}

func (m MirrorRegisters) ReadRegister(address uint16) (uint16, error) {
	if err := checkAddress(address, m.RegisterCount()); err != nil {
		return 0, err
	}
	v, err := m.External.ReadRegister(address)
	if err != nil {
		return 0, err
	}
	m.Local.mu.Lock()
	m.Local.HoldingRegisters[address] = v
	m.Local.mu.Unlock()
	return v, nil
}

func (m MirrorRegisters) WriteRegister(address, value uint16) error {
	if err := checkAddress(address, m.RegisterCount()); err != nil {
		return err
	}
	if err := m.External.WriteRegister(address, value); err != nil {
		return err
	}
	return m.Local.WriteRegister(address, value)
}

// MirrorInputRegisters reads input registers from an external port and
// records them in a core-owned Memory.
type MirrorInputRegisters struct {
	Local    *Memory
	External InputRegisters
}

func (m MirrorInputRegisters) InputRegisterCount() int {
	return min(m.Local.InputRegisterCount(), m.External.InputRegisterCount())
}

func (m MirrorInputRegisters) ReadInputRegister(address uint16) (uint16, error) {
	if err := checkAddress(address, m.InputRegisterCount()); err != nil {
		return 0, err
	}
	v, err := m.External.ReadInputRegister(address)
	if err != nil {
		return 0, err
	}
	if err := m.Local.SetInputRegister(address, v); err != nil {
		return 0, err
	}
	return v, nil
}

// MirrorCoils delegates coils to an external port and keeps a core-owned copy.
type MirrorCoils struct {
	Local    *Memory
	External Coils
}

func (m MirrorCoils) CoilCount() int {
	return min(m.Local.CoilCount(), m.External.CoilCount())
}

func (m MirrorCoils) ReadCoil(address uint16) (bool, error) {
	if err := checkAddress(address, m.CoilCount()); err != nil {
		return false, err
	}
	on, err := m.External.ReadCoil(address)
	if err != nil {
		return false, err
	}
	m.Local.mu.Lock()
	if on {
		m.Local.Coils[address] = 1
	} else {
		m.Local.Coils[address] = 0
	}
	m.Local.mu.Unlock()
	return on, nil
}

func (m MirrorCoils) WriteCoil(address uint16, on bool) error {
	if err := checkAddress(address, m.CoilCount()); err != nil {
		return err
	}
	if err := m.External.WriteCoil(address, on); err != nil {
		return err
	}
	return m.Local.WriteCoil(address, on)
}
