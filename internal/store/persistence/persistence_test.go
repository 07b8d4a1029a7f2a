// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"path/filepath"
	"testing"

	"github.com/ffutop/modbus-servant/internal/store"
	_ "github.com/mattn/go-sqlite3"
)

var testLayout = Layout{Holding: 8, Input: 4, Coils: 16}

// roundTrip writes through a freshly loaded store, closes it and checks the
// values survive a second Load.
func roundTrip(t *testing.T, open func() Storage) {
	t.Helper()

	s := open()
	m, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	m.OnWrite = s.OnWrite
	if m.RegisterCount() != testLayout.Holding || m.InputRegisterCount() != testLayout.Input || m.CoilCount() != testLayout.Coils {
		t.Fatalf("unexpected sizes: %d/%d/%d", m.RegisterCount(), m.InputRegisterCount(), m.CoilCount())
	}
	if err := m.WriteRegister(7, 0xCAFE); err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}
	if err := m.WriteCoil(15, true); err != nil {
		t.Fatalf("WriteCoil failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s = open()
	defer s.Close()
	m, err = s.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if v, _ := m.ReadRegister(7); v != 0xCAFE {
		t.Errorf("register 7 = %#04x, want 0xCAFE", v)
	}
	if on, _ := m.ReadCoil(15); !on {
		t.Error("coil 15 lost")
	}
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servant.bin")
	roundTrip(t, func() Storage { return NewFileStorage(path, testLayout) })
}

func TestMmapStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servant.mmap")
	roundTrip(t, func() Storage { return NewMmapStorage(path, testLayout) })
}

func TestSQLStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servant.db")
	roundTrip(t, func() Storage { return NewSQLStorage("sqlite3", path, testLayout) })
}

func TestSQLStorage_Save(t *testing.T) {
	path := filepath.Join(t.TempDir(), "save.db")
	s := NewSQLStorage("sqlite3", path, testLayout)
	m, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	m.HoldingRegisters[2] = 99
	if err := s.Save(m); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.Close()

	s = NewSQLStorage("sqlite3", path, testLayout)
	defer s.Close()
	m, err = s.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if m.HoldingRegisters[2] != 99 {
		t.Errorf("register 2 = %d, want 99", m.HoldingRegisters[2])
	}
}

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage(testLayout)
	m, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.RegisterCount() != 8 {
		t.Errorf("RegisterCount() = %d, want 8", m.RegisterCount())
	}
	s.OnWrite(store.SpaceHoldingRegisters, 0, 1)
	if err := s.Save(m); err != nil {
		t.Errorf("Save failed: %v", err)
	}
}

func TestLayout(t *testing.T) {
	if testLayout.Size() != 8*2+4*2+16 {
		t.Errorf("Size() = %d", testLayout.Size())
	}
	data := make([]byte, testLayout.Size())
	m := testLayout.mapBytes(data)
	m.Coils[0] = 1
	if data[(8+4)*2] != 1 {
		t.Error("coils not backed by image")
	}
	empty := Layout{Coils: 2}.mapBytes(make([]byte, 2))
	if len(empty.HoldingRegisters) != 0 || len(empty.InputRegisters) != 0 {
		t.Error("expected empty register spaces")
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, kind := range []string{"", "memory", "file", "mmap", "sql"} {
		s, err := Open(kind, filepath.Join(dir, "open-"+kind), testLayout)
		if err != nil || s == nil {
			t.Errorf("Open(%q) = %v, %v", kind, s, err)
		}
	}
	if _, err := Open("redis", "", testLayout); err == nil {
		t.Error("expected error for unknown storage type")
	}
}
