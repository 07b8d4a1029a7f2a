// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtuovertcp serves a servant engine over raw RTU frames carried on
// TCP, as produced by serial device servers and virtual serial lines.
package rtuovertcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ffutop/modbus-servant/transport/rtu"
)

// Server accepts one TCP connection at a time and hands its byte stream to
// the RTU host. Further clients wait in the listen backlog.
type Server struct {
	Address string
	Host    *rtu.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new RTU over TCP Server. host must be the Port the
// engine was built with.
func NewServer(address string, host *rtu.Server) *Server {
	return &Server{
		Address: address,
		Host:    host,
	}
}

// Start listens on Address and serves engine until ctx is done.
func (s *Server) Start(ctx context.Context, engine rtu.Engine) error {
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	return s.Serve(ctx, listener, engine)
}

// Serve serves engine on connections accepted from listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener, engine rtu.Engine) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	slog.Info("RTU over TCP server listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Failed to accept connection", "err", err)
			continue
		}
		slog.Info("New RTU over TCP client connected", "addr", conn.RemoteAddr())
		if err := s.Host.Serve(ctx, conn, engine); err != nil {
			slog.Error("Connection read error", "addr", conn.RemoteAddr(), "err", err)
		}
		slog.Info("RTU over TCP client disconnected", "addr", conn.RemoteAddr())
	}
}

// Close closes the server listener.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		err := s.listener.Close()
		s.listener = nil
		return err
	}
	return nil
}
