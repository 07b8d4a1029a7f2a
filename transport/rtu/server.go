// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu hosts a servant engine on a serial port.
//
// The host stands in for the microcontroller peripherals: a reader goroutine
// plays the receive interrupt, a ticker drives the state machine, a timer
// provides the inter-byte timeout and a writer goroutine plays the
// transmit-complete interrupt. A mutex plays the interrupt mask.
package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ffutop/modbus-servant/internal/config"
	"github.com/ffutop/modbus-servant/modbus"
	rtupacket "github.com/ffutop/modbus-servant/modbus/rtu"
)

// Engine is the protocol state machine driven by the server.
type Engine interface {
	InsertByte(b byte) error
	Tick()
	Timeout()
	PopTxByte() (byte, bool)
}

// Server implements a Modbus RTU servant port on a serial line.
type Server struct {
	Config config.SerialConfig
	Logger *slog.Logger

	mu      sync.Mutex
	engine  Engine
	timer   *time.Timer
	txStart chan byte
	port    io.ReadWriteCloser

	// dropped counts bytes rejected by the engine since the last report.
	dropped int
}

// NewServer creates a new RTU Server.
func NewServer(cfg config.SerialConfig) *Server {
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = config.FrameDelay(cfg.BaudRate)
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Microsecond
	}
	s := &Server{
		Config:  cfg,
		Logger:  slog.Default(),
		txStart: make(chan byte, 1),
	}
	s.timer = time.AfterFunc(time.Hour, s.timeout)
	s.timer.Stop()
	return s
}

// TimerStart (re)arms the inter-byte timeout. Called with mu held.
func (s *Server) TimerStart() {
	s.timer.Reset(s.Config.FrameTimeout)
}

// TimerStop cancels the inter-byte timeout. Called with mu held.
func (s *Server) TimerStop() {
	s.timer.Stop()
}

// TransmitBegin hands the first response byte to the writer. Called with mu
// held.
func (s *Server) TransmitBegin(first byte) {
	select {
	case s.txStart <- first:
	default:
		s.Logger.Warn("RTU transmit already pending, byte dropped")
	}
}

func (s *Server) timeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		s.engine.Timeout()
	}
}

// Start opens the serial port and serves engine until ctx is done or the
// port fails.
func (s *Server) Start(ctx context.Context, engine Engine) error {
	port, err := openSerial(s.Config)
	if err != nil {
		return err
	}
	s.Logger.Info("RTU Server listening", "device", s.Config.Device, "baud", s.Config.BaudRate)
	return s.Serve(ctx, port, engine)
}

// Close closes the serial port, which stops Start.
func (s *Server) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Close()
}

// Serve drives engine from an already open byte stream until ctx is done or
// the stream fails. Only one stream may be served at a time.
func (s *Server) Serve(ctx context.Context, port io.ReadWriteCloser, engine Engine) error {
	s.mu.Lock()
	s.engine = engine
	s.port = port
	s.discardPending()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.tickLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, port)
	}()

	// handle close
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	err := s.readLoop(ctx, port)
	cancel()
	wg.Wait()

	s.mu.Lock()
	s.timer.Stop()
	s.engine = nil
	s.discardPending()
	s.mu.Unlock()

	s.Logger.Info("RTU Server stopped", "device", s.Config.Device)
	return err
}

// discardPending drops a first byte queued for a writer that is gone. Called
// with mu held.
func (s *Server) discardPending() {
	select {
	case b := <-s.txStart:
		s.Logger.Debug("RTU stale transmit discarded", "byte", b)
	default:
	}
}

func (s *Server) readLoop(ctx context.Context, port io.Reader) error {
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			s.receive(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) ||
				errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			if isTimeout(err) {
				continue
			}
			s.Logger.Error("RTU read failed", "device", s.Config.Device, "err", err)
			return err
		}
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func (s *Server) receive(data []byte) {
	s.mu.Lock()
	for _, b := range data {
		if err := s.engine.InsertByte(b); err != nil {
			s.dropped++
		}
	}
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()

	s.Logger.Debug("recv from modbus master", "data", hex.EncodeToString(data))
	if dropped > 0 {
		s.Logger.Debug("RTU bytes dropped", "count", dropped)
	}
}

func (s *Server) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.Config.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.engine.Tick()
			s.mu.Unlock()
		}
	}
}

// writeLoop drains each response once its first byte is handed over: every
// PopTxByte stands for one transmit-complete event.
func (s *Server) writeLoop(ctx context.Context, port io.Writer) {
	frame := make([]byte, 0, 256)
	for {
		select {
		case <-ctx.Done():
			return
		case first := <-s.txStart:
			frame = append(frame[:0], first)
			s.mu.Lock()
			for {
				b, ok := s.engine.PopTxByte()
				if !ok {
					break
				}
				frame = append(frame, b)
			}
			s.mu.Unlock()

			if _, err := port.Write(frame); err != nil {
				s.Logger.Error("RTU write failed", "device", s.Config.Device, "err", err)
				continue
			}
			s.logResponse(ctx, frame)
		}
	}
}

// logResponse reports a transmitted response with its decoded header.
func (s *Server) logResponse(ctx context.Context, frame []byte) {
	if !s.Logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	adu, err := rtupacket.Decode(frame)
	if err != nil {
		s.Logger.Warn("malformed response sent", "data", hex.EncodeToString(frame), "err", err)
		return
	}
	s.Logger.Debug("send to modbus master",
		"slave", adu.SlaveID,
		"function", modbus.FunctionName(adu.Pdu.FunctionCode),
		"exception", adu.Pdu.IsException(),
		"data", hex.EncodeToString(frame))
}
