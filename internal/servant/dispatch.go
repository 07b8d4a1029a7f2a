// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package servant

import (
	"encoding/binary"
	"errors"

	"github.com/ffutop/modbus-servant/internal/store"
	"github.com/ffutop/modbus-servant/modbus"
	"github.com/ffutop/modbus-servant/modbus/rtu"
)

// Response layout offsets.
const (
	respByteCount = 2
	respData      = 3
	echoLength    = 6
)

// dispatch executes the request held in the buffer and leaves procLen bytes
// of response in place of it.
func (s *Servant) dispatch() {
	fc := s.buf[rtu.FunctionIndex]
	var code byte
	if !s.enabled[fc] {
		code = modbus.ExceptionCodeIllegalFunction
	} else {
		switch fc {
		case modbus.FuncCodeReadCoils:
			code = s.readCoils()
		case modbus.FuncCodeReadHoldingRegisters:
			code = s.readRegisters(s.holding.ReadRegister, s.holding.RegisterCount())
		case modbus.FuncCodeReadInputRegisters:
			code = s.readRegisters(s.input.ReadInputRegister, s.input.InputRegisterCount())
		case modbus.FuncCodeWriteSingleCoil:
			code = s.writeSingleCoil()
		case modbus.FuncCodeWriteSingleRegister:
			code = s.writeSingleRegister()
		case modbus.FuncCodeWriteMultipleCoils:
			code = s.writeMultipleCoils()
		case modbus.FuncCodeWriteMultipleRegisters:
			code = s.writeMultipleRegisters()
		default:
			code = modbus.ExceptionCodeIllegalFunction
		}
	}

	if code != 0 {
		s.buf[rtu.FunctionIndex] = fc | modbus.ExceptionFlag
		s.buf[respByteCount] = code
		s.procLen = respData
		s.led.LedError()
		s.logger.Debug("servant: exception", "function", modbus.FunctionName(fc), "code", code)
	} else {
		s.led.LedSuccess()
	}
	s.state = StatePreparingResponse
}

// word returns the i-th big-endian request field after the function code.
func (s *Servant) word(i int) uint16 {
	return binary.BigEndian.Uint16(s.buf[rtu.DataIndex+2*i:])
}

// received reports whether the request held byteCount data bytes and its CRC.
func (s *Servant) received(byteCount int) bool {
	return rtu.MultipleData+byteCount+2 <= s.reqLen
}

// partialWrite flags the store as changed when a write-multiple failed after
// written items already landed.
func (s *Servant) partialWrite(written int) {
	if written > 0 {
		s.changed.Store(true)
	}
}

func exceptionFor(err error) byte {
	if errors.Is(err, store.ErrAddress) {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	return modbus.ExceptionCodeServerDeviceFailure
}

func (s *Servant) readRegisters(read func(uint16) (uint16, error), count int) byte {
	start, quantity := s.word(0), s.word(1)
	if quantity == 0 {
		return modbus.ExceptionCodeIllegalDataValue
	}
	if int(start)+int(quantity) > count || int(quantity) > s.maxRegisters {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	for i := 0; i < int(quantity); i++ {
		v, err := read(start + uint16(i))
		if err != nil {
			return exceptionFor(err)
		}
		binary.BigEndian.PutUint16(s.buf[respData+2*i:], v)
	}
	s.buf[respByteCount] = byte(2 * quantity)
	s.procLen = respData + 2*int(quantity)
	return 0
}

func (s *Servant) writeSingleRegister() byte {
	address, value := s.word(0), s.word(1)
	if int(address) >= s.holding.RegisterCount() {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	if err := s.holding.WriteRegister(address, value); err != nil {
		return exceptionFor(err)
	}
	s.changed.Store(true)
	s.procLen = echoLength
	return 0
}

func (s *Servant) writeMultipleRegisters() byte {
	start, quantity := s.word(0), s.word(1)
	byteCount := int(s.buf[rtu.ByteCountIndex])
	if quantity == 0 || byteCount != 2*int(quantity) || !s.received(byteCount) {
		return modbus.ExceptionCodeIllegalDataValue
	}
	if int(start)+int(quantity) > s.holding.RegisterCount() {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	for i := 0; i < int(quantity); i++ {
		v := binary.BigEndian.Uint16(s.buf[rtu.MultipleData+2*i:])
		if err := s.holding.WriteRegister(start+uint16(i), v); err != nil {
			s.partialWrite(i)
			return exceptionFor(err)
		}
	}
	s.changed.Store(true)
	s.procLen = echoLength
	return 0
}

func (s *Servant) readCoils() byte {
	start, quantity := s.word(0), s.word(1)
	n := (int(quantity) + 7) / 8
	if quantity == 0 || respData+n+2 > len(s.buf) {
		return modbus.ExceptionCodeIllegalDataValue
	}
	if int(start)+int(quantity) > s.coils.CoilCount() {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	data := s.buf[respData : respData+n]
	for i := range data {
		data[i] = 0
	}
	for i := 0; i < int(quantity); i++ {
		on, err := s.coils.ReadCoil(start + uint16(i))
		if err != nil {
			return exceptionFor(err)
		}
		if on {
			data[i/8] |= 1 << (i % 8)
		}
	}
	s.buf[respByteCount] = byte(n)
	s.procLen = respData + n
	return 0
}

func (s *Servant) writeSingleCoil() byte {
	address, value := s.word(0), s.word(1)
	if int(address) >= s.coils.CoilCount() {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	if value != modbus.CoilOn && value != modbus.CoilOff {
		return modbus.ExceptionCodeIllegalDataValue
	}
	if err := s.coils.WriteCoil(address, value == modbus.CoilOn); err != nil {
		return exceptionFor(err)
	}
	s.changed.Store(true)
	s.procLen = echoLength
	return 0
}

func (s *Servant) writeMultipleCoils() byte {
	start, quantity := s.word(0), s.word(1)
	byteCount := int(s.buf[rtu.ByteCountIndex])
	if quantity == 0 || quantity > rtu.MaxCoilsPerWrite || byteCount != (int(quantity)+7)/8 || !s.received(byteCount) {
		return modbus.ExceptionCodeIllegalDataValue
	}
	if int(start)+int(quantity) > s.coils.CoilCount() {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	for i := 0; i < int(quantity); i++ {
		on := s.buf[rtu.MultipleData+i/8]>>(i%8)&1 == 1
		if err := s.coils.WriteCoil(start+uint16(i), on); err != nil {
			s.partialWrite(i)
			return exceptionFor(err)
		}
	}
	s.changed.Store(true)
	s.procLen = echoLength
	return 0
}
