// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc implements the Modbus CRC-16 (polynomial 0xA001, seed 0xFFFF).
//
// The running value is kept in the reflected form used on the wire: the low
// byte is transmitted first. Every Strategy produces bit-identical results,
// they only differ in speed and footprint.
package crc

import (
	"fmt"
	"math/bits"

	"github.com/sigurn/crc16"
)

const (
	// Seed is the initial value of the accumulator for every frame.
	Seed uint16 = 0xFFFF
	// Poly is the reflected Modbus polynomial.
	Poly uint16 = 0xA001
)

// Strategy folds one byte into a running CRC.
type Strategy interface {
	Update(crc uint16, b byte) uint16
}

var table = makeTable()

func makeTable() (t [256]uint16) {
	for i := range t {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ Poly
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return
}

// Table looks up a precomputed 512 byte table. It is the fastest strategy.
type Table struct{}

func (Table) Update(crc uint16, b byte) uint16 {
	return (crc >> 8) ^ table[byte(crc)^b]
}

// Bitwise shifts and conditionally XORs eight times per byte.
type Bitwise struct{}

func (Bitwise) Update(crc uint16, b byte) uint16 {
	crc ^= uint16(b)
	for i := 8; i > 0; i-- {
		if crc&0x0001 != 0 {
			crc = (crc >> 1) ^ Poly
		} else {
			crc >>= 1
		}
	}
	return crc
}

// External delegates to a routine outside the engine, e.g. a hardware CRC
// peripheral. The routine updates running in place.
type External func(b byte, running *uint16)

func (f External) Update(crc uint16, b byte) uint16 {
	f(b, &crc)
	return crc
}

var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Library delegates to github.com/sigurn/crc16. That package keeps its
// register unreflected between updates, so the value is mirrored on the way
// in and out.
type Library struct{}

func (Library) Update(crc uint16, b byte) uint16 {
	reg := crc16.Update(bits.Reverse16(crc), []byte{b}, modbusTable)
	return crc16.Complete(reg, modbusTable)
}

// ParseStrategy returns the strategy registered under name.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "table":
		return Table{}, nil
	case "bitwise":
		return Bitwise{}, nil
	case "library":
		return Library{}, nil
	}
	return nil, fmt.Errorf("crc: unknown strategy %q", name)
}

// CRC is a running checksum over a frame.
type CRC struct {
	value    uint16
	strategy Strategy
}

// New returns a seeded CRC using s. A nil strategy selects Table.
func New(s Strategy) *CRC {
	c := &CRC{strategy: s}
	return c.Reset()
}

// Reset seeds the accumulator.
func (crc *CRC) Reset() *CRC {
	crc.value = Seed
	if crc.strategy == nil {
		crc.strategy = Table{}
	}
	return crc
}

func (crc *CRC) PushBytes(bs []byte) *CRC {
	for _, b := range bs {
		crc.value = crc.strategy.Update(crc.value, b)
	}
	return crc
}

// Value returns the checksum. The low byte goes on the wire first.
func (crc *CRC) Value() uint16 {
	return crc.value
}

// Checksum computes the CRC of data with the table strategy.
func Checksum(data []byte) uint16 {
	var c CRC
	return c.Reset().PushBytes(data).Value()
}
