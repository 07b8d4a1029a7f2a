// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

// RegisterFuncs delegates holding registers to application callbacks.
// A nil Write makes the space read-only (writes fail with ErrRejected).
type RegisterFuncs struct {
	Count int
	Read  func(address uint16) (uint16, error)
	Write func(address, value uint16) error
}

func (f RegisterFuncs) RegisterCount() int { return f.Count }

func (f RegisterFuncs) ReadRegister(address uint16) (uint16, error) {
	if err := checkAddress(address, f.Count); err != nil {
		return 0, err
	}
	if f.Read == nil {
		return 0, ErrRejected
	}
	return f.Read(address)
}

func (f RegisterFuncs) WriteRegister(address, value uint16) error {
	if err := checkAddress(address, f.Count); err != nil {
		return err
	}
	if f.Write == nil {
		return ErrRejected
	}
	return f.Write(address, value)
}

// InputRegisterFuncs delegates input registers to an application callback.
type InputRegisterFuncs struct {
	Count int
	Read  func(address uint16) (uint16, error)
}

func (f InputRegisterFuncs) InputRegisterCount() int { return f.Count }

func (f InputRegisterFuncs) ReadInputRegister(address uint16) (uint16, error) {
	if err := checkAddress(address, f.Count); err != nil {
		return 0, err
	}
	if f.Read == nil {
		return 0, ErrRejected
	}
	return f.Read(address)
}

// CoilFuncs delegates coils to application callbacks.
type CoilFuncs struct {
	Count int
	Read  func(address uint16) (bool, error)
	Write func(address uint16, on bool) error
}

func (f CoilFuncs) CoilCount() int { return f.Count }

func (f CoilFuncs) ReadCoil(address uint16) (bool, error) {
	if err := checkAddress(address, f.Count); err != nil {
		return false, err
	}
	if f.Read == nil {
		return false, ErrRejected
	}
	return f.Read(address)
}

func (f CoilFuncs) WriteCoil(address uint16, on bool) error {
	if err := checkAddress(address, f.Count); err != nil {
		return err
	}
	if f.Write == nil {
		return ErrRejected
	}
	return f.Write(address, on)
}
