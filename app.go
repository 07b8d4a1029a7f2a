// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/modbus-servant/internal/config"
	"github.com/ffutop/modbus-servant/internal/device"
	"github.com/ffutop/modbus-servant/internal/servant"
	"github.com/ffutop/modbus-servant/internal/store"
	"github.com/ffutop/modbus-servant/internal/store/persistence"
	"github.com/ffutop/modbus-servant/modbus/crc"
	"github.com/ffutop/modbus-servant/transport/rtu"
	rtuovertcp "github.com/ffutop/modbus-servant/transport/rtu-over-tcp"
)

// monitorInterval is how often the application polls the changed flag and
// the watchdog.
const monitorInterval = time.Second

// App wires one servant to its stores and its transport.
type App struct {
	cfg *config.Config

	storage  persistence.Storage
	memory   *store.Memory
	block    *device.Block
	counters *device.Counters

	host   *rtu.Server
	engine *servant.Servant
}

func newApp(cfg *config.Config) (*App, error) {
	holdingMode, err := store.ParseMode(cfg.Store.Holding.Mode)
	if err != nil {
		return nil, err
	}
	inputMode, err := store.ParseMode(cfg.Store.Input.Mode)
	if err != nil {
		return nil, err
	}
	coilMode, err := store.ParseMode(cfg.Store.Coils.Mode)
	if err != nil {
		return nil, err
	}

	layout := persistence.Layout{
		Holding: ownedCount(holdingMode, cfg.Store.Holding.Count),
		Input:   ownedCount(inputMode, cfg.Store.Input.Count),
		Coils:   ownedCount(coilMode, cfg.Store.Coils.Count),
	}
	storage, err := persistence.Open(cfg.Persistence.Type, cfg.Persistence.Path, layout)
	if err != nil {
		return nil, err
	}
	memory, err := storage.Load()
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to load store: %w", err)
	}
	memory.OnWrite = storage.OnWrite

	if cfg.Store.Seed != "" {
		seed, err := store.LoadSeed(cfg.Store.Seed)
		if err == nil {
			err = seed.Apply(memory)
		}
		if err == nil {
			err = storage.Save(memory)
		}
		if err != nil {
			storage.Close()
			return nil, err
		}
		slog.Info("Store seeded", "file", cfg.Store.Seed)
	}

	block := device.New(device.Settings{
		Address:         byte(cfg.Servant.Address),
		Baud:            device.BaudIndex(cfg.Serial.BaudRate),
		WatchdogTimeout: uint16(cfg.Device.Watchdog),
		Password:        uint16(cfg.Device.Password),
	})
	a := &App{
		cfg:      cfg,
		storage:  storage,
		memory:   memory,
		block:    block,
		counters: &device.Counters{},
	}

	scfg, err := a.servantConfig(holdingMode, inputMode, coilMode)
	if err != nil {
		storage.Close()
		return nil, err
	}

	a.host = rtu.NewServer(cfg.Serial)
	a.engine, err = servant.New(scfg, a.host, servant.WithIndicator(a.counters))
	if err != nil {
		storage.Close()
		return nil, err
	}
	a.block.OnCommit = a.commit
	return a, nil
}

func ownedCount(mode store.Mode, count int) int {
	if mode == store.ModeInternal || mode == store.ModeBoth {
		return count
	}
	return 0
}

func (a *App) servantConfig(holding, input, coils store.Mode) (servant.Config, error) {
	strategy, err := crc.ParseStrategy(a.cfg.Servant.CRC)
	if err != nil {
		return servant.Config{}, err
	}
	position, err := servant.ParseProcessPosition(a.cfg.Servant.ProcessPosition)
	if err != nil {
		return servant.Config{}, err
	}
	functions := make([]byte, len(a.cfg.Servant.Functions))
	for i, fc := range a.cfg.Servant.Functions {
		functions[i] = byte(fc)
	}

	scfg := servant.Config{
		Address:           byte(a.cfg.Servant.Address),
		RegistersInBuffer: a.cfg.Servant.RegistersInBuffer,
		TxDelayTicks:      a.cfg.Servant.TxDelayTicks,
		ProcessPosition:   position,
		Functions:         functions,
		CRC:               strategy,
	}

	// Spaces left unset stay nil interfaces so the servant sees them as absent.
	switch holding {
	case store.ModeInternal:
		scfg.Holding = a.memory
	case store.ModeExternal:
		scfg.Holding = a.block
	case store.ModeBoth:
		scfg.Holding = store.MirrorRegisters{Local: a.memory, External: a.block}
	}
	switch input {
	case store.ModeInternal:
		scfg.Input = a.memory
	case store.ModeExternal:
		scfg.Input = a.counters
	case store.ModeBoth:
		scfg.Input = store.MirrorInputRegisters{Local: a.memory, External: a.counters}
	}
	switch coils {
	case store.ModeInternal:
		scfg.Coils = a.memory
	case store.ModeExternal, store.ModeBoth:
		return servant.Config{}, errors.New("coils have no external provider")
	}
	return scfg, nil
}

// commit applies settings committed through the device block. It runs inside
// the servant's dispatch.
func (a *App) commit(old, s device.Settings) error {
	if s.Address != old.Address {
		if err := a.engine.SetAddress(s.Address); err != nil {
			return err
		}
		slog.Info("Servant address changed", "from", old.Address, "to", s.Address)
	}
	if s.Baud != old.Baud {
		slog.Warn("Baud rate change takes effect after restart", "from", old.BaudRate(), "to", s.BaudRate())
	}
	if s.WatchdogTimeout != old.WatchdogTimeout {
		slog.Info("Watchdog timeout changed", "minutes", s.WatchdogTimeout)
	}
	return nil
}

// Run serves the bus until ctx is done.
func (a *App) Run(ctx context.Context) error {
	go a.monitor(ctx)

	switch a.cfg.Transport.Type {
	case "rtu-over-tcp":
		return rtuovertcp.NewServer(a.cfg.Transport.Address, a.host).Start(ctx, a.engine)
	default:
		return a.host.Start(ctx, a.engine)
	}
}

// monitor plays the application main loop: it consumes the changed flag and
// reports watchdog expiry.
func (a *App) monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	expired := false
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if a.engine.Changed() {
				a.engine.ClearChanged()
				slog.Debug("Registers changed by master")
			}
			if a.block.WatchdogExpired(now) != expired {
				expired = !expired
				if expired {
					slog.Error("Watchdog expired", "timeout_minutes", a.block.Settings().WatchdogTimeout)
				} else {
					slog.Info("Watchdog recovered")
				}
			}
		}
	}
}

// Close flushes and closes the persistence backend.
func (a *App) Close() error {
	err := a.storage.Save(a.memory)
	return errors.Join(err, a.storage.Close())
}
