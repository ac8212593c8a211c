// Package detect finds serial ports with a bootloader monitor attached.
package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/bigbag/rtflash/internal/link"
	"github.com/bigbag/rtflash/internal/protocol"
	"github.com/bigbag/rtflash/internal/serial"
)

// scanTimeout bounds the wait for a GET_VERSION reply on each port.
const scanTimeout = 300 * time.Millisecond

// Result represents a detected bootloader monitor.
type Result struct {
	Port    string
	Version string
}

// Scanner opens a port for scanning. It exists so detection can run
// against something other than real serial ports.
type Scanner interface {
	ListPorts() ([]string, error)
	Open(portName string) (ScanPort, error)
}

// ScanPort is an open port being scanned.
type ScanPort interface {
	link.Port
	Close() error
}

// serialScanner scans real serial ports.
type serialScanner struct {
	baudRate int
}

func (p serialScanner) ListPorts() ([]string, error) {
	return serial.ListPorts()
}

func (p serialScanner) Open(portName string) (ScanPort, error) {
	port, err := serial.Open(portName, p.baudRate, scanTimeout)
	if err != nil {
		return nil, err
	}
	if err := flushOrClose(port, portName); err != nil {
		return nil, err
	}
	return port, nil
}

type flushCloser interface {
	Flush() error
	Close() error
}

// flushOrClose drops stale input. A port that cannot be flushed is closed.
func flushOrClose(port flushCloser, portName string) error {
	if err := port.Flush(); err != nil {
		port.Close()
		return fmt.Errorf("failed to flush port %s: %w", portName, err)
	}
	return nil
}

// SerialScanner returns a Scanner for the system's serial ports.
func SerialScanner(baudRate int) Scanner {
	return serialScanner{baudRate: baudRate}
}

// DetectDevice returns the first port whose device answers GET_VERSION.
func DetectDevice(p Scanner) (*Result, error) {
	ports, err := p.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(p, portName)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("no bootloader monitor found (last error: %w)", lastErr)
}

// ListDevices scans all ports and returns every detected device.
func ListDevices(p Scanner) ([]Result, error) {
	ports, err := p.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := tryPort(p, portName)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func tryPort(p Scanner, portName string) (*Result, error) {
	port, err := p.Open(portName)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	data, err := link.New(port).SendCommand(protocol.CmdGetVersion, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", portName, err)
	}

	return &Result{
		Port:    portName,
		Version: strings.TrimRight(string(data), "\x00"),
	}, nil
}
