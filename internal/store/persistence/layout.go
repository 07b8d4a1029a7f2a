// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"unsafe"

	"github.com/ffutop/modbus-servant/internal/store"
)

// Layout describes the size of each space in a persisted image:
//
//	HoldingRegisters: Holding * 2 bytes (Offset 0)
//	InputRegisters:   Input * 2 bytes   (Offset Holding*2)
//	Coils:            Coils bytes       (Offset (Holding+Input)*2)
//
// The register spaces come first so they stay 2-byte aligned.
type Layout struct {
	Holding int
	Input   int
	Coils   int
}

func (l Layout) offsetInput() int { return l.Holding * 2 }
func (l Layout) offsetCoils() int { return (l.Holding + l.Input) * 2 }

// Size returns the number of bytes of the image.
func (l Layout) Size() int {
	return (l.Holding+l.Input)*2 + l.Coils
}

func (l Layout) newMemory() *store.Memory {
	return store.NewMemory(l.Holding, l.Input, l.Coils)
}

// mapBytes constructs a Memory backed by the provided data slice.
// Warning: This function uses unsafe pointers to cast byte slices to uint16 slices.
// The resulting Memory relies on the host's endianness for multi-byte values.
// This provides zero-copy access but sacrifices portability across architectures
// with different endianness.
func (l Layout) mapBytes(data []byte) *store.Memory {
	m := &store.Memory{}
	m.HoldingRegisters = words(data[:l.offsetInput()])
	m.InputRegisters = words(data[l.offsetInput():l.offsetCoils()])
	m.Coils = data[l.offsetCoils():l.Size():l.Size()]
	return m
}

func words(b []byte) []uint16 {
	if len(b) == 0 {
		return []uint16{}
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b[0])), len(b)/2)
}
