// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"

	"github.com/ffutop/modbus-servant/modbus"
)

var ErrUnsupportedFunction = errors.New("modbus: unsupported function code")

type InvalidLengthError struct {
	Length int
	Max    int
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d (max %d)", e.Length, e.Max)
}

// RequestLength returns the total length of a request ADU with the given
// function code. byteCount is only consulted for write-multiple requests.
// It returns 0 when the function code has no known request shape.
func RequestLength(funcCode, byteCount byte) int {
	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		return FixedRequestSize
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		return int(byteCount) + MultipleOverhead
	}
	return 0
}

// CalculateRequestLength returns the expected total length of the request RTU ADU based on the header.
func CalculateRequestLength(header []byte) (int, error) {
	if len(header) < HeaderSize {
		return 0, fmt.Errorf("need %d bytes to determine request length, got %d", HeaderSize, len(header))
	}
	length := RequestLength(header[FunctionIndex], header[ByteCountIndex])
	if length == 0 {
		return 0, fmt.Errorf("%w: 0x%02X", ErrUnsupportedFunction, header[FunctionIndex])
	}
	if length > MaxSize {
		return 0, &InvalidLengthError{Length: length, Max: MaxSize}
	}
	return length, nil
}
