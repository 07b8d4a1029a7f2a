// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package device implements the application register block of a servant
// board: a status word, a configuration session guarded by a password, and
// the settings the session edits (servant address, baud rate, watchdog
// timeout, password).
//
// The block is a store.Registers port; it is mounted as externally-owned
// holding registers.
package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/ffutop/modbus-servant/internal/store"
)

// Register addresses.
const (
	RegStatus uint16 = iota
	RegConfig
	RegModbus
	RegWatchdog
	RegPassword

	NumRegisters = 5
)

// Command values.
const (
	WatchdogPet     uint16 = 0xA5A5
	WatchdogDisable uint16 = 0x5A5A
	CommandCommit   uint16 = 0xC0C0
	CommandCancel   uint16 = 0xCACA
)

// Status word bits above the reset source byte.
const (
	StatusWatchdogEnabled uint16 = 1 << 8
	StatusWatchdogExpired uint16 = 1 << 9
)

// Session is the configuration session state, readable at RegConfig.
type Session uint16

const (
	SessionIdle Session = iota
	SessionCache
	SessionCommit
)

func (s Session) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionCache:
		return "cache"
	case SessionCommit:
		return "commit"
	}
	return fmt.Sprintf("Session(%d)", uint16(s))
}

// Bauds maps the baud index held in the high byte of RegModbus to a rate.
// Index 0 means unchanged.
var Bauds = []int{0, 9600, 19200, 38400, 57600, 115200}

// BaudIndex returns the index of rate in Bauds, or 0.
func BaudIndex(rate int) byte {
	for i, b := range Bauds {
		if i > 0 && b == rate {
			return byte(i)
		}
	}
	return 0
}

// ResetSource identifies why the board last started.
type ResetSource byte

const (
	ResetInit ResetSource = iota
	ResetPowerOn
	ResetWatchdog
	ResetCommand
)

// Settings is the configuration edited through a session.
type Settings struct {
	Address byte
	// Baud is an index into Bauds.
	Baud byte
	// WatchdogTimeout is in minutes.
	WatchdogTimeout uint16
	Password        uint16
}

// BaudRate returns the rate for the Baud index, or 0 when unset.
func (s Settings) BaudRate() int {
	if int(s.Baud) < len(Bauds) {
		return Bauds[s.Baud]
	}
	return 0
}

// Block is the register block. It is safe for concurrent use.
type Block struct {
	mu sync.Mutex

	active  Settings
	cache   Settings
	session Session

	resetSource     ResetSource
	watchdogEnabled bool
	watchdogExpired bool
	lastPet         time.Time

	now func() time.Time
	// OnCommit is called with the active and the new settings when a session
	// commits. A non-nil error rejects the commit and keeps the session open.
	// It runs with the block locked and must not call back into it.
	OnCommit func(old, next Settings) error
}

// New returns a Block holding initial settings.
func New(initial Settings) *Block {
	return &Block{
		active:      initial,
		cache:       initial,
		resetSource: ResetPowerOn,
		now:         time.Now,
	}
}

// Settings returns the committed settings.
func (b *Block) Settings() Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Session returns the configuration session state.
func (b *Block) Session() Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

func (b *Block) RegisterCount() int { return NumRegisters }

func (b *Block) unlocked() bool {
	return b.session == SessionCache || b.session == SessionCommit
}

func (b *Block) ReadRegister(address uint16) (uint16, error) {
	if address >= NumRegisters {
		return 0, fmt.Errorf("%w: %d >= %d", store.ErrAddress, address, NumRegisters)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if address > RegConfig && !b.unlocked() {
		return 0, fmt.Errorf("%w: register %d locked", store.ErrRejected, address)
	}
	switch address {
	case RegStatus:
		return b.status(), nil
	case RegConfig:
		return uint16(b.session), nil
	case RegModbus:
		return uint16(b.cache.Baud)<<8 | uint16(b.cache.Address), nil
	case RegWatchdog:
		return b.cache.WatchdogTimeout, nil
	default:
		return b.cache.Password, nil
	}
}

func (b *Block) status() uint16 {
	v := uint16(b.resetSource)
	if b.watchdogEnabled {
		v |= StatusWatchdogEnabled
	}
	if b.watchdogExpired {
		v |= StatusWatchdogExpired
	}
	return v
}

func (b *Block) WriteRegister(address, value uint16) error {
	if address >= NumRegisters {
		return fmt.Errorf("%w: %d >= %d", store.ErrAddress, address, NumRegisters)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if address > RegConfig && b.session != SessionCache {
		return fmt.Errorf("%w: register %d locked", store.ErrRejected, address)
	}
	switch address {
	case RegStatus:
		return b.writeStatus(value)
	case RegConfig:
		return b.writeConfig(value)
	case RegModbus:
		sid, baud := byte(value), byte(value>>8)
		if sid >= 248 {
			return fmt.Errorf("%w: servant address %d", store.ErrRejected, sid)
		}
		if sid > 0 {
			b.cache.Address = sid
		}
		if baud > 0 && int(baud) < len(Bauds) {
			b.cache.Baud = baud
		}
	case RegWatchdog:
		if value == 0 {
			return fmt.Errorf("%w: zero watchdog timeout", store.ErrRejected)
		}
		b.cache.WatchdogTimeout = value
	default:
		if value == 0 || value == CommandCommit || value == CommandCancel {
			return fmt.Errorf("%w: reserved password %#04x", store.ErrRejected, value)
		}
		b.cache.Password = value
	}
	return nil
}

func (b *Block) writeStatus(value uint16) error {
	switch value {
	case 0:
		b.resetSource = ResetInit
		b.watchdogExpired = false
	case WatchdogPet:
		b.watchdogEnabled = true
		b.watchdogExpired = false
		b.lastPet = b.now()
	case WatchdogDisable:
		b.watchdogEnabled = false
	default:
		return fmt.Errorf("%w: status command %#04x", store.ErrRejected, value)
	}
	return nil
}

// writeConfig drives the session: the password opens it, CommandCommit
// applies the cache and CommandCancel discards it.
func (b *Block) writeConfig(value uint16) error {
	switch {
	case b.session == SessionCache && value == CommandCommit:
		if b.OnCommit != nil {
			if err := b.OnCommit(b.active, b.cache); err != nil {
				return fmt.Errorf("%w: commit: %v", store.ErrRejected, err)
			}
		}
		b.active = b.cache
		b.session = SessionCommit
	case b.session == SessionCache && value == CommandCancel:
		b.cache = b.active
		b.session = SessionIdle
	case value == b.active.Password:
		b.cache = b.active
		b.session = SessionCache
	default:
		b.cache = b.active
		b.session = SessionIdle
	}
	return nil
}

// WatchdogExpired reports whether the enabled watchdog has gone
// WatchdogTimeout minutes without a pet. Expiry latches in the status word
// until the next pet or a status clear.
func (b *Block) WatchdogExpired(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.watchdogEnabled {
		return false
	}
	timeout := time.Duration(b.active.WatchdogTimeout) * time.Minute
	if timeout > 0 && now.Sub(b.lastPet) >= timeout {
		b.watchdogExpired = true
	}
	return b.watchdogExpired
}
