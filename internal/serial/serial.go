package serial

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port wraps a serial port connected to the bootloader monitor.
type Port struct {
	port        serial.Port
	readTimeout time.Duration
}

// Open opens a serial port with the specified baud rate. Each ReadFull
// gives up after readTimeout.
func Open(portName string, baudRate int, readTimeout time.Duration) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:        port,
		readTimeout: readTimeout,
	}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// ReadFull reads until buf is full or the read timeout expires.
// A short count with a nil error means the device stopped sending.
func (p *Port) ReadFull(buf []byte) (int, error) {
	deadline := time.Now().Add(p.readTimeout)
	defer p.port.SetReadTimeout(p.readTimeout)

	n := 0
	for n < len(buf) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := p.port.SetReadTimeout(remaining); err != nil {
			return n, err
		}

		m, err := p.port.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			// timeout
			break
		}
	}

	return n, nil
}

// Flush discards any buffered data.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
