// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"

	"github.com/ffutop/modbus-servant/internal/store"
)

// Storage defines the interface for persisting the core-owned store.
type Storage interface {
	// Load loads the store from storage.
	// If no data exists, it returns a zeroed store of the configured layout.
	Load() (*store.Memory, error)

	// Save saves the current store to storage.
	Save(m *store.Memory) error

	// OnWrite is a hook called whenever a value is modified from the bus.
	// It allows the storage to perform real-time persistence (e.g. sync to disk or DB).
	OnWrite(space store.Space, address, quantity uint16)

	Close() error
}

// Open returns the storage registered under kind. path is a file path for
// "file" and "mmap", and a DSN for "sql".
func Open(kind, path string, layout Layout) (Storage, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStorage(layout), nil
	case "file":
		return NewFileStorage(path, layout), nil
	case "mmap":
		return NewMmapStorage(path, layout), nil
	case "sql":
		return NewSQLStorage("sqlite3", path, layout), nil
	}
	return nil, fmt.Errorf("persistence: unknown storage type %q", kind)
}
