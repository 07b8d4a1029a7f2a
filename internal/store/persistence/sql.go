// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-servant/internal/store"
)

const upsertQuery = "INSERT INTO servant_values (space, address, value) VALUES (?, ?, ?) " +
	"ON CONFLICT(space, address) DO UPDATE SET value=excluded.value"

// SQLStorage implements persistence using a SQL database.
// Only values written from the bus are stored, one row per address.
//
// Note: The driver (e.g., sqlite3) must be imported by the binary.
type SQLStorage struct {
	driver string
	dsn    string
	layout Layout
	db     *sql.DB
	model  *store.Memory
}

// NewSQLStorage creates a new SQLStorage.
func NewSQLStorage(driver, dsn string, layout Layout) *SQLStorage {
	return &SQLStorage{
		driver: driver,
		dsn:    dsn,
		layout: layout,
	}
}

// Load connects to the DB and loads the data.
func (s *SQLStorage) Load() (*store.Memory, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	s.db = db

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	m := s.layout.newMemory()
	s.model = m

	rows, err := db.Query("SELECT space, address, value FROM servant_values")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to query values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var space, addr, val int
		if err := rows.Scan(&space, &addr, &val); err != nil {
			continue
		}
		switch store.Space(space) {
		case store.SpaceCoils:
			if addr < len(m.Coils) {
				m.Coils[addr] = byte(val)
			}
		case store.SpaceHoldingRegisters:
			if addr < len(m.HoldingRegisters) {
				m.HoldingRegisters[addr] = uint16(val)
			}
		case store.SpaceInputRegisters:
			if addr < len(m.InputRegisters) {
				m.InputRegisters[addr] = uint16(val)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan values: %w", err)
	}

	return m, nil
}

func (s *SQLStorage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS servant_values (
		space INTEGER,
		address INTEGER,
		value INTEGER,
		PRIMARY KEY (space, address)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save writes every holding register and coil in one transaction.
func (s *SQLStorage) Save(m *store.Memory) error {
	if s.db == nil {
		return fmt.Errorf("db is not open")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for addr := 0; addr < m.RegisterCount(); addr++ {
		v, _ := m.ReadRegister(uint16(addr))
		if _, err := tx.Exec(upsertQuery, int(store.SpaceHoldingRegisters), addr, int64(v)); err != nil {
			tx.Rollback()
			return err
		}
	}
	for addr := 0; addr < m.CoilCount(); addr++ {
		on, _ := m.ReadCoil(uint16(addr))
		var v int64
		if on {
			v = 1
		}
		if _, err := tx.Exec(upsertQuery, int(store.SpaceCoils), addr, v); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// OnWrite upserts the changed values to the DB.
func (s *SQLStorage) OnWrite(space store.Space, address, quantity uint16) {
	if s.db == nil || s.model == nil {
		return
	}

	for i := 0; i < int(quantity); i++ {
		addr := address + uint16(i)
		var val int64

		switch space {
		case store.SpaceCoils:
			on, err := s.model.ReadCoil(addr)
			if err != nil {
				continue
			}
			if on {
				val = 1
			}
		case store.SpaceHoldingRegisters:
			v, err := s.model.ReadRegister(addr)
			if err != nil {
				continue
			}
			val = int64(v)
		default:
			continue
		}

		if _, err := s.db.Exec(upsertQuery, int(space), int(addr), val); err != nil {
			slog.Error("Failed to persist value", "space", space, "addr", addr, "err", err)
		}
	}
}

func (s *SQLStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
