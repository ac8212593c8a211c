package detect

import (
	"errors"
	"testing"

	"github.com/bigbag/rtflash/internal/devicetest"
	"github.com/bigbag/rtflash/internal/protocol"
)

// silentPort never answers.
type silentPort struct{}

func (silentPort) Write(p []byte) (int, error)     { return len(p), nil }
func (silentPort) ReadFull(buf []byte) (int, error) { return 0, nil }
func (silentPort) Close() error                     { return nil }

type fakeScanner struct {
	ports   []string
	devices map[string]*devicetest.Device
	listErr error
}

func (f *fakeScanner) ListPorts() ([]string, error) {
	return f.ports, f.listErr
}

func (f *fakeScanner) Open(portName string) (ScanPort, error) {
	if portName == "busy" {
		return nil, errors.New("port busy")
	}
	if dev, ok := f.devices[portName]; ok {
		return dev, nil
	}
	return silentPort{}, nil
}

func TestDetectDevice(t *testing.T) {
	dev := devicetest.New()
	p := &fakeScanner{
		ports:   []string{"busy", "/dev/ttyS0", "/dev/ttyACM0"},
		devices: map[string]*devicetest.Device{"/dev/ttyACM0": dev},
	}

	result, err := DetectDevice(p)
	if err != nil {
		t.Fatalf("DetectDevice() error = %v", err)
	}
	if result.Port != "/dev/ttyACM0" || result.Version != devicetest.DefaultVersion {
		t.Errorf("DetectDevice() = %+v", result)
	}
	if !dev.Closed() {
		t.Error("scanned port was not closed")
	}
	if dev.Count(protocol.CmdGetVersion) != 1 {
		t.Errorf("GET_VERSION count = %d, want 1", dev.Count(protocol.CmdGetVersion))
	}
}

func TestDetectDevice_NotFound(t *testing.T) {
	p := &fakeScanner{ports: []string{"/dev/ttyS0"}}

	_, err := DetectDevice(p)
	if !protocol.IsFault(err, protocol.FaultNoResponse) {
		t.Errorf("DetectDevice() error = %v, want wrapped no-response fault", err)
	}
}

func TestDetectDevice_NoPorts(t *testing.T) {
	if _, err := DetectDevice(&fakeScanner{}); err == nil {
		t.Error("DetectDevice() with no ports expected error, got nil")
	}
	if _, err := DetectDevice(&fakeScanner{listErr: errors.New("denied")}); err == nil {
		t.Error("DetectDevice() with list error expected error, got nil")
	}
}

func TestListDevices(t *testing.T) {
	a, b := devicetest.New(), devicetest.New()
	b.Version = "[MicroPython Bootloader v.1.3]"
	p := &fakeScanner{
		ports:   []string{"a", "silent", "b"},
		devices: map[string]*devicetest.Device{"a": a, "b": b},
	}

	results, err := ListDevices(p)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(results) != 2 || results[0].Port != "a" || results[1].Version != b.Version {
		t.Errorf("ListDevices() = %+v, want a and b", results)
	}
}

type stuckPort struct {
	flushErr error
	closed   bool
}

func (p *stuckPort) Flush() error { return p.flushErr }
func (p *stuckPort) Close() error { p.closed = true; return nil }

func TestFlushOrClose(t *testing.T) {
	ioErr := errors.New("input/output error")
	port := &stuckPort{flushErr: ioErr}

	err := flushOrClose(port, "/dev/ttyACM0")
	if !errors.Is(err, ioErr) {
		t.Errorf("flushOrClose() error = %v, want %v", err, ioErr)
	}
	if !port.closed {
		t.Error("port left open after failed flush")
	}

	port = &stuckPort{}
	if err := flushOrClose(port, "/dev/ttyACM0"); err != nil {
		t.Errorf("flushOrClose() error = %v", err)
	}
	if port.closed {
		t.Error("port closed after successful flush")
	}
}
