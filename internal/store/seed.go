// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed holds start-up values for a Memory store:
//
//	holding:
//	  0: 4660
//	input:
//	  3: 100
//	coils:
//	  5: true
type Seed struct {
	Holding map[uint16]uint16 `yaml:"holding"`
	Input   map[uint16]uint16 `yaml:"input"`
	Coils   map[uint16]bool   `yaml:"coils"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	return &seed, nil
}

// Apply writes the seed into m without triggering OnWrite.
func (s *Seed) Apply(m *Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, v := range s.Holding {
		if err := checkAddress(addr, len(m.HoldingRegisters)); err != nil {
			return fmt.Errorf("seed holding: %w", err)
		}
		m.HoldingRegisters[addr] = v
	}
	for addr, v := range s.Input {
		if err := checkAddress(addr, len(m.InputRegisters)); err != nil {
			return fmt.Errorf("seed input: %w", err)
		}
		m.InputRegisters[addr] = v
	}
	for addr, on := range s.Coils {
		if err := checkAddress(addr, len(m.Coils)); err != nil {
			return fmt.Errorf("seed coils: %w", err)
		}
		if on {
			m.Coils[addr] = 1
		} else {
			m.Coils[addr] = 0
		}
	}
	return nil
}
