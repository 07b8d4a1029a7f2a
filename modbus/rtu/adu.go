// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"

	"github.com/ffutop/modbus-servant/modbus"
	"github.com/ffutop/modbus-servant/modbus/crc"
)

var ErrCRC = errors.New("modbus: crc mismatch")

// ApplicationDataUnit is an RTU frame split into its logical fields.
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
	CRC     uint16
}

// Decode parses and verifies a raw RTU frame. The PDU data aliases raw.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		err = fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v'", length, MinSize)
		return
	}

	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if sum := crc.Checksum(raw[:length-2]); checksum != sum {
		err = fmt.Errorf("%w: got '%#04x', expected '%#04x'", ErrCRC, checksum, sum)
		return
	}
	adu = &ApplicationDataUnit{
		SlaveID: raw[AddressIndex],
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: raw[FunctionIndex],
			Data:         raw[DataIndex : length-2],
		},
		CRC: checksum,
	}
	return
}
