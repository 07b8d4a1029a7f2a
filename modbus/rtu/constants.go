// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	MinSize = 4
	MaxSize = 256

	ExceptionSize = 5
)

// Offsets into a request ADU.
const (
	AddressIndex   = 0
	FunctionIndex  = 1
	DataIndex      = 2
	ByteCountIndex = 6
	MultipleData   = 7
)

const (
	// HeaderSize is the number of bytes required before the length of any
	// supported request is known.
	HeaderSize = 7
	// FixedRequestSize is the length of every request carrying a single
	// address/value pair: [SlaveID, Func, Addr(2), Val(2), CRC(2)].
	FixedRequestSize = 8
	// MultipleOverhead is added to the byte count of write-multiple requests:
	// [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)].
	MultipleOverhead = 9
)

// MaxCoilsPerWrite bounds the quantity of a Write Multiple Coils request.
const MaxCoilsPerWrite = (255 - MultipleOverhead) * 8
