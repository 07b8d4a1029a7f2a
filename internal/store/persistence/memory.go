// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import "github.com/ffutop/modbus-servant/internal/store"

// MemoryStorage is a no-op storage (non-persistent).
type MemoryStorage struct {
	layout Layout
}

func NewMemoryStorage(layout Layout) *MemoryStorage {
	return &MemoryStorage{layout: layout}
}

func (ms *MemoryStorage) Load() (*store.Memory, error) {
	return ms.layout.newMemory(), nil
}

func (ms *MemoryStorage) Save(m *store.Memory) error {
	return nil
}

func (ms *MemoryStorage) OnWrite(space store.Space, address, quantity uint16) {
	// No-op
}

func (ms *MemoryStorage) Close() error {
	return nil
}
