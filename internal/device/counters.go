// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"fmt"
	"sync/atomic"

	"github.com/ffutop/modbus-servant/internal/store"
)

// Counter input register addresses.
const (
	CounterResponses uint16 = iota
	CounterExceptions
	CounterCRCFailures
	CounterFrames

	NumCounters = 4
)

// Counters tallies servant diagnostic events. It is a servant indicator and
// exposes the tallies as read-only input registers. Counts wrap at 16 bits.
type Counters struct {
	responses  atomic.Uint32
	exceptions atomic.Uint32
	crcFails   atomic.Uint32
	frames     atomic.Uint32
}

func (c *Counters) LedSuccess() { c.responses.Add(1) }
func (c *Counters) LedError() { c.exceptions.Add(1) }
func (c *Counters) LedCRCFail() { c.crcFails.Add(1) }
func (c *Counters) LedOff() { c.frames.Add(1) }

func (c *Counters) InputRegisterCount() int { return NumCounters }

func (c *Counters) ReadInputRegister(address uint16) (uint16, error) {
	switch address {
	case CounterResponses:
		return uint16(c.responses.Load()), nil
	case CounterExceptions:
		return uint16(c.exceptions.Load()), nil
	case CounterCRCFailures:
		return uint16(c.crcFails.Load()), nil
	case CounterFrames:
		return uint16(c.frames.Load()), nil
	}
	return 0, fmt.Errorf("%w: %d >= %d", store.ErrAddress, address, NumCounters)
}
