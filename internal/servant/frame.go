// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package servant

import (
	"github.com/ffutop/modbus-servant/modbus/rtu"
)

// Completion is the result of CheckComplete.
type Completion int

const (
	NotReady Completion = iota
	Ready
	WrongAddress
	UnsupportedFunction
)

func (c Completion) String() string {
	switch c {
	case NotReady:
		return "NotReady"
	case Ready:
		return "Ready"
	case WrongAddress:
		return "WrongAddress"
	case UnsupportedFunction:
		return "UnsupportedFunction"
	}
	return "Completion(?)"
}

// InsertByte appends a received byte and restarts the inter-byte timer.
// It is called from the byte-level context.
func (s *Servant) InsertByte(b byte) error {
	if s.state != StateReceiving && s.state != StateAwaitingTimeout {
		return ErrWrongState
	}
	if s.idx >= len(s.buf) {
		return ErrOverflow
	}
	s.buf[s.idx] = b
	s.idx++
	s.port.TimerStart()
	return nil
}

// CheckComplete classifies the bytes received so far.
func (s *Servant) CheckComplete() Completion {
	if s.idx == 0 {
		return NotReady
	}
	if s.buf[rtu.AddressIndex] != s.address {
		return WrongAddress
	}
	if s.expected == 0 {
		if s.idx < rtu.HeaderSize {
			return NotReady
		}
		n, err := rtu.CalculateRequestLength(s.buf[:s.idx])
		if err != nil || n > len(s.buf) {
			return UnsupportedFunction
		}
		s.expected = n
	}
	if s.idx >= s.expected {
		return Ready
	}
	return NotReady
}

// Reset rewinds the receive pointer. Buffer contents are kept.
func (s *Servant) Reset() {
	s.idx = 0
	s.expected = 0
	s.state = StateReceiving
}

// Timeout is called when the inter-byte timer fires.
func (s *Servant) Timeout() {
	switch s.state {
	case StateReceiving:
		if s.idx > 0 {
			s.logger.Debug("servant: partial frame dropped", "length", s.idx)
		}
		s.Reset()
	case StateAwaitingTimeout:
		n := s.idx
		if s.unknownFunction(n) && s.checkCRC(n) {
			s.Reset()
			s.reqLen = n
			s.state = StateProcessing
			return
		}
		s.logger.Debug("servant: unsized frame dropped", "frame", frameHex(s.buf[:n]))
		s.Reset()
	}
}

// Tick advances the state machine by one step. It is called from the
// periodic context.
func (s *Servant) Tick() {
	switch s.state {
	case StateReceiving:
		s.receive()
	case StateProcessing:
		s.dispatch()
		if s.position == ProcessCombined {
			s.prepare()
			s.delay()
		}
	case StatePreparingResponse:
		s.prepare()
		s.delay()
	case StateTransmitDelay:
		s.delay()
	}
}

// unknownFunction reports whether the n buffered bytes are addressed here and
// carry a function code with no known request shape. Oversized write-multiple
// requests have a known shape and are never answered.
func (s *Servant) unknownFunction(n int) bool {
	if n < rtu.MinSize || s.buf[rtu.AddressIndex] != s.address {
		return false
	}
	return rtu.RequestLength(s.buf[rtu.FunctionIndex], s.buf[rtu.ByteCountIndex]) == 0
}

func (s *Servant) receive() {
	switch s.CheckComplete() {
	case Ready:
		s.port.TimerStop()
		n := s.expected
		ok := s.checkCRC(n)
		s.Reset()
		s.reqLen = n
		if !ok {
			s.led.LedCRCFail()
			s.logger.Debug("servant: crc mismatch", "frame", frameHex(s.buf[:n]))
			return
		}
		s.state = StateProcessing
	case WrongAddress:
		s.Reset()
	case UnsupportedFunction:
		s.state = StateAwaitingTimeout
	}
}

// checkCRC verifies the trailing checksum of the first n buffered bytes.
func (s *Servant) checkCRC(n int) bool {
	return s.checksum(n-2) == uint16(s.buf[n-2])|uint16(s.buf[n-1])<<8
}

func (s *Servant) checksum(n int) uint16 {
	return s.crc.Reset().PushBytes(s.buf[:n]).Value()
}

// prepare appends the CRC to the procLen response bytes.
func (s *Servant) prepare() {
	c := s.checksum(s.procLen)
	s.buf[s.procLen] = byte(c)
	s.buf[s.procLen+1] = byte(c >> 8)
	s.idx = s.procLen + 2
	s.txPos = 0
	s.txDelay = 0
	s.state = StateTransmitDelay
}

func (s *Servant) delay() {
	if s.txDelay < s.txDelayTop {
		s.txDelay++
		return
	}
	s.state = StateTransmitting
	if s.direction != nil {
		s.direction.SetDirection(true)
	}
	b := s.buf[s.txPos]
	s.txPos++
	s.idx--
	s.port.TransmitBegin(b)
}

// PopTxByte returns the next response byte. When the response is exhausted
// it returns false and the servant goes back to receiving. It is called from
// the byte-level context on transmit complete.
func (s *Servant) PopTxByte() (byte, bool) {
	if s.state != StateTransmitting {
		return 0, false
	}
	if s.idx > 0 {
		b := s.buf[s.txPos]
		s.txPos++
		s.idx--
		return b, true
	}
	if s.direction != nil {
		s.direction.SetDirection(false)
	}
	s.led.LedOff()
	s.txPos = 0
	s.Reset()
	return 0, false
}
