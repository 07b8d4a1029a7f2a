package test

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goburrow/modbus"
)

const (
	masterPort  = "/tmp/pts0"
	servantPort = "/tmp/pts1"
	slaveID     = 1
)

var servantBinaryPath string

// TestMain links two virtual serial ports with socat: the master side is
// driven by goburrow/modbus, the servant binary listens on the other.
func TestMain(m *testing.M) {
	cwd, err := os.Getwd()
	if err != nil {
		log.Fatalf("failed to get working directory: %v", err)
	}
	servantBinaryPath = filepath.Join(cwd, "..", "modbus-servant")
	if _, err := os.Stat(servantBinaryPath); os.IsNotExist(err) {
		log.Printf("modbus-servant binary not found at %s, build it first; skipping", servantBinaryPath)
		os.Exit(0)
	}
	if _, err := exec.LookPath("socat"); err != nil {
		log.Printf("socat not installed; skipping")
		os.Exit(0)
	}

	socat := exec.Command("socat", "-d", "-d",
		"pty,raw,echo=0,link="+masterPort,
		"pty,raw,echo=0,link="+servantPort)
	if err := socat.Start(); err != nil {
		log.Fatalf("failed to start socat: %v", err)
	}
	time.Sleep(1 * time.Second)
	log.Println("virtual serial ports created")

	exitCode := m.Run()

	socat.Process.Kill()
	socat.Wait()
	os.Exit(exitCode)
}

// startServant runs the binary with the given YAML and stops it at cleanup.
func startServant(t *testing.T, configContent string) *exec.Cmd {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cmd := exec.Command(servantBinaryPath, "--config", configFile)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start modbus-servant: %v", err)
	}
	t.Cleanup(func() { stopServant(cmd) })

	// Wait for the port to be opened
	time.Sleep(500 * time.Millisecond)
	return cmd
}

func stopServant(cmd *exec.Cmd) {
	if cmd.ProcessState != nil {
		return
	}
	cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		cmd.Process.Kill()
		<-done
	}
}

// newRTUClient connects a master to the servant line.
func newRTUClient(t *testing.T, id byte) modbus.Client {
	t.Helper()
	handler := modbus.NewRTUClientHandler(masterPort)
	handler.BaudRate = 19200
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.SlaveId = id
	handler.Timeout = 500 * time.Millisecond

	if err := handler.Connect(); err != nil {
		t.Fatalf("failed to open %s: %v", masterPort, err)
	}
	t.Cleanup(func() { handler.Close() })
	return modbus.NewClient(handler)
}

func servantConfig(extra string) string {
	return fmt.Sprintf(`
log:
  level: debug
servant:
  address: %d
  registers_in_buffer: 16
store:
  holding:
    count: 32
  input:
    mode: external
  coils:
    count: 16
serial:
  device: %s
  baud_rate: 19200
%s`, slaveID, servantPort, extra)
}

func word(b []byte, i int) uint16 {
	return uint16(b[2*i])<<8 | uint16(b[2*i+1])
}

func expectException(t *testing.T, err error, code byte) {
	t.Helper()
	var e *modbus.ModbusError
	if !errors.As(err, &e) {
		t.Fatalf("expected modbus exception %d, got %v", code, err)
	}
	if e.ExceptionCode != code {
		t.Errorf("exception code = %d, want %d", e.ExceptionCode, code)
	}
}

func TestHoldingRegisters(t *testing.T) {
	startServant(t, servantConfig(""))
	client := newRTUClient(t, slaveID)

	if _, err := client.WriteSingleRegister(10, 0xABCD); err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}
	results, err := client.ReadHoldingRegisters(10, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if len(results) != 2 || word(results, 0) != 0xABCD {
		t.Errorf("read back % X, want AB CD", results)
	}

	if _, err := client.WriteMultipleRegisters(0, 3, []byte{0x00, 0x01, 0x00, 0x02, 0x00, 0x03}); err != nil {
		t.Fatalf("WriteMultipleRegisters failed: %v", err)
	}
	results, err = client.ReadHoldingRegisters(0, 3)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if word(results, i) != uint16(i+1) {
			t.Errorf("register %d = %d, want %d", i, word(results, i), i+1)
		}
	}

	_, err = client.ReadHoldingRegisters(30, 4)
	expectException(t, err, modbus.ExceptionCodeIllegalDataAddress)
}

func TestCoils(t *testing.T) {
	startServant(t, servantConfig(""))
	client := newRTUClient(t, slaveID)

	if _, err := client.WriteSingleCoil(0, 0xFF00); err != nil {
		t.Fatalf("WriteSingleCoil failed: %v", err)
	}
	if _, err := client.WriteMultipleCoils(4, 4, []byte{0x05}); err != nil {
		t.Fatalf("WriteMultipleCoils failed: %v", err)
	}
	results, err := client.ReadCoils(0, 8)
	if err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}
	if len(results) != 1 || results[0] != 0x51 {
		t.Errorf("coils = % X, want 51", results)
	}

	_, err = client.WriteSingleCoil(1, 0x1234)
	expectException(t, err, modbus.ExceptionCodeIllegalDataValue)
}

func TestInputRegisterCounters(t *testing.T) {
	startServant(t, servantConfig(""))
	client := newRTUClient(t, slaveID)

	if _, err := client.ReadHoldingRegisters(0, 1); err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	_, err := client.ReadHoldingRegisters(40, 1)
	expectException(t, err, modbus.ExceptionCodeIllegalDataAddress)

	results, err := client.ReadInputRegisters(0, 4)
	if err != nil {
		t.Fatalf("ReadInputRegisters failed: %v", err)
	}
	// Counters are sampled while this read is dispatched.
	if word(results, 0) != 1 || word(results, 1) != 1 || word(results, 3) != 2 {
		t.Errorf("counters = % X", results)
	}
}

func TestForeignAddress(t *testing.T) {
	startServant(t, servantConfig(""))

	foreign := newRTUClient(t, slaveID+1)
	_, err := foreign.ReadHoldingRegisters(0, 1)
	if err == nil {
		t.Fatal("foreign address answered")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Logf("foreign request failed with %v", err)
	}
}

func TestUnsupportedFunction(t *testing.T) {
	startServant(t, servantConfig(""))
	client := newRTUClient(t, slaveID)

	_, err := client.ReadDiscreteInputs(0, 1)
	expectException(t, err, modbus.ExceptionCodeIllegalFunction)
}
