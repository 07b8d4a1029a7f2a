// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ffutop/modbus-servant/modbus"
)

func TestDecode(t *testing.T) {
	raw := []byte{0x01, 0x03, 0x04, 0x12, 0x34, 0x56, 0x78, 0x81, 0x07}
	adu, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if adu.SlaveID != 1 || adu.Pdu.FunctionCode != 0x03 {
		t.Errorf("unexpected header: %+v", adu)
	}
	if !bytes.Equal(adu.Pdu.Data, []byte{0x04, 0x12, 0x34, 0x56, 0x78}) {
		t.Errorf("unexpected data: % X", adu.Pdu.Data)
	}
	if adu.CRC != 0x0781 {
		t.Errorf("unexpected crc: %#04x", adu.CRC)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x03, 0x00}); err == nil {
		t.Error("expected error for short frame")
	}
	_, err := Decode([]byte{0x01, 0x03, 0x02, 0xAA, 0xBB, 0xFF, 0xFF})
	if !errors.Is(err, ErrCRC) {
		t.Errorf("expected ErrCRC, got %v", err)
	}
}

func TestDecode_Exception(t *testing.T) {
	adu, err := Decode([]byte{0x01, 0x83, 0x02, 0xC0, 0xF1})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !adu.Pdu.IsException() || adu.Pdu.Data[0] != modbus.ExceptionCodeIllegalDataAddress {
		t.Errorf("unexpected decoded exception: %+v", adu.Pdu)
	}
	if len(adu.Pdu.Data) != ExceptionSize-4 {
		t.Errorf("exception data = % X", adu.Pdu.Data)
	}
}
