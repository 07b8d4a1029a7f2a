// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtuovertcp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ffutop/modbus-servant/internal/config"
	"github.com/ffutop/modbus-servant/internal/servant"
	"github.com/ffutop/modbus-servant/internal/store"
	"github.com/ffutop/modbus-servant/modbus"
	"github.com/ffutop/modbus-servant/modbus/crc"
	rtupacket "github.com/ffutop/modbus-servant/modbus/rtu"
	"github.com/ffutop/modbus-servant/transport/rtu"
)

// roundTrip sends the request with its CRC appended and decodes the reply.
func roundTrip(t *testing.T, conn net.Conn, req ...byte) *rtupacket.ApplicationDataUnit {
	t.Helper()
	sum := crc.Checksum(req)
	req = append(req, byte(sum), byte(sum>>8))
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	respBytes := make([]byte, 3, rtupacket.MaxSize)
	if _, err := io.ReadFull(conn, respBytes); err != nil {
		t.Fatalf("read response failed: %v", err)
	}
	rest := 5 // echo of a write
	switch {
	case respBytes[1]&modbus.ExceptionFlag != 0:
		rest = 2
	case respBytes[1] == modbus.FuncCodeReadHoldingRegisters:
		rest = int(respBytes[2]) + 2
	}
	respBytes = respBytes[:3+rest]
	if _, err := io.ReadFull(conn, respBytes[3:]); err != nil {
		t.Fatalf("read response failed: %v", err)
	}
	respADU, err := rtupacket.Decode(respBytes)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return respADU
}

func TestServer_LifeCycle(t *testing.T) {
	// 1. Setup Server
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	m := store.NewMemory(2, 0, 0)
	m.HoldingRegisters[0] = 0xAABB
	host := rtu.NewServer(config.SerialConfig{
		Device:       "tcp",
		Tick:         200 * time.Microsecond,
		FrameTimeout: 20 * time.Millisecond,
	})
	engine, err := servant.New(servant.Config{Address: 1, RegistersInBuffer: 2, Holding: m}, host)
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(l.Addr().String(), host)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l, engine) }()

	// 2. Client Connection
	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	// 3. Read Holding Registers
	resp := roundTrip(t, conn, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01)
	if resp.SlaveID != 1 || resp.Pdu.FunctionCode != 0x03 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(resp.Pdu.Data) != 3 || resp.Pdu.Data[1] != 0xAA || resp.Pdu.Data[2] != 0xBB {
		t.Errorf("Unexpected data: %X", resp.Pdu.Data)
	}

	// 4. A second client is served after the first disconnects
	conn.Close()
	conn, err = net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Failed to reconnect: %v", err)
	}
	defer conn.Close()

	resp = roundTrip(t, conn, 0x01, 0x06, 0x00, 0x01, 0x00, 0x07)
	if v, err := m.ReadRegister(1); resp.Pdu.IsException() || err != nil || v != 7 {
		t.Errorf("write failed: %+v holding[1]=%d", resp, v)
	}

	resp = roundTrip(t, conn, 0x01, 0x03, 0x00, 0x01, 0x00, 0x02)
	if !resp.Pdu.IsException() || resp.Pdu.Data[0] != modbus.ExceptionCodeIllegalDataAddress {
		t.Errorf("expected illegal address exception, got %+v", resp)
	}

	// 5. Cleanup
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
