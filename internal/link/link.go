// Package link performs single command/response exchanges with the
// bootloader monitor over a byte stream.
package link

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/bigbag/rtflash/internal/protocol"
)

// maxPayload is the size of the device's command data buffer.
const maxPayload = protocol.BlockSize + 256

// Port is the byte stream the link talks over. ReadFull returns a
// short count when the transport's read timeout expires.
type Port interface {
	Write(data []byte) (int, error)
	ReadFull(buf []byte) (int, error)
}

// flusher is implemented by ports that can drop buffered input.
type flusher interface {
	Flush() error
}

// Response is a verified response header and its payload.
type Response struct {
	Header protocol.ResponseFrame
	Data   []byte
}

// Link performs exactly one request/response round trip per call.
// It has no retry policy of its own.
type Link struct {
	port Port
	log  logr.Logger
}

// Option configures a Link.
type Option func(*Link)

// WithLogger sets the logger used for frame dumps at V(1).
func WithLogger(log logr.Logger) Option {
	return func(l *Link) {
		l.log = log
	}
}

// New creates a Link over port.
func New(port Port, opts ...Option) *Link {
	l := &Link{port: port, log: logr.Discard()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SendCommand sends a command frame and returns the response payload.
// A non-OK status is returned as a device *protocol.Error.
func (l *Link) SendCommand(cmd, param, length, dataCRC uint32) ([]byte, error) {
	frame := protocol.EncodeCommand(cmd, param, length, dataCRC)
	l.log.V(1).Info("send command",
		"cmd", protocol.CommandName(cmd),
		"param", fmt.Sprintf("0x%08X", param),
		"length", fmt.Sprintf("0x%X", length),
		"frame", hex.EncodeToString(frame))

	resp, err := l.Exchange(frame)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SendData writes buf verbatim, without a header, and reads the response.
// It is the second phase of flash and app record writes.
func (l *Link) SendData(buf []byte) ([]byte, error) {
	head := buf
	if len(head) > 4 {
		head = head[:4]
	}
	l.log.V(1).Info("send data", "len", len(buf), "head", hex.EncodeToString(head))

	resp, err := l.Exchange(buf)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Exchange writes out and reads one response. Transport failures are
// returned as transport *protocol.Error values; a non-OK status takes
// precedence over payload faults and is returned as a device error.
func (l *Link) Exchange(out []byte) (*Response, error) {
	n, err := l.port.Write(out)
	if err != nil {
		return nil, protocol.TransportError(protocol.FaultIO, err)
	}
	if n != len(out) {
		return nil, protocol.TransportError(protocol.FaultIO, io.ErrShortWrite)
	}

	header := make([]byte, protocol.FrameSize)
	n, err = l.port.ReadFull(header)
	if err != nil {
		return nil, protocol.TransportError(protocol.FaultIO, err)
	}
	if n < protocol.FrameSize {
		l.log.V(1).Info("no response", "received", hex.EncodeToString(header[:n]))
		return nil, protocol.TransportError(protocol.FaultNoResponse,
			fmt.Errorf("got %d of %d header bytes", n, protocol.FrameSize))
	}
	l.log.V(1).Info("received", "frame", hex.EncodeToString(header))

	hdr, err := protocol.DecodeResponse(header)
	if err != nil {
		return nil, protocol.TransportError(protocol.FaultHeaderCRC, err)
	}

	resp := &Response{Header: hdr}
	var payloadErr error
	if hdr.DataLen > 0 {
		resp.Data, payloadErr = l.readPayload(hdr)
	}

	if hdr.Status != protocol.StatusOK {
		l.log.V(1).Info("response error", "status", hdr.Status.String(), "detail", hdr.Detail)
		derr := protocol.DeviceError(hdr.Status, hdr.Detail)
		derr.Payload = resp.Data
		return nil, derr
	}
	if payloadErr != nil {
		// keep whatever arrived for diagnostics
		var pe *protocol.Error
		if errors.As(payloadErr, &pe) {
			pe.Payload = resp.Data
		}
		return nil, payloadErr
	}

	return resp, nil
}

func (l *Link) readPayload(hdr protocol.ResponseFrame) ([]byte, error) {
	if hdr.DataLen > maxPayload {
		l.discard(hdr.DataLen)
		return nil, protocol.TransportError(protocol.FaultShortPayload,
			fmt.Errorf("announced %d bytes, limit is %d", hdr.DataLen, maxPayload))
	}

	data := make([]byte, hdr.DataLen)
	n, err := l.port.ReadFull(data)
	if err != nil {
		return nil, protocol.TransportError(protocol.FaultIO, err)
	}
	if n != len(data) {
		l.log.V(1).Info("short payload", "expected", len(data), "received", n)
		return data[:n], protocol.TransportError(protocol.FaultShortPayload,
			fmt.Errorf("got %d of %d payload bytes", n, len(data)))
	}

	if crc := protocol.Checksum(data); crc != hdr.Detail {
		l.log.V(1).Info("payload CRC error",
			"expected", fmt.Sprintf("0x%08X", hdr.Detail),
			"got", fmt.Sprintf("0x%08X", crc))
		return data, protocol.TransportError(protocol.FaultPayloadCRC,
			fmt.Errorf("got 0x%08X, header says 0x%08X", crc, hdr.Detail))
	}

	return data, nil
}

// discard consumes up to n announced bytes so the next exchange starts
// on a frame boundary, then drops anything still buffered by the port.
func (l *Link) discard(n uint32) {
	buf := make([]byte, maxPayload)
	for n > 0 {
		chunk := buf
		if n < uint32(len(chunk)) {
			chunk = chunk[:n]
		}
		got, err := l.port.ReadFull(chunk)
		n -= uint32(got)
		if err != nil || got < len(chunk) {
			break
		}
	}
	if f, ok := l.port.(flusher); ok {
		if err := f.Flush(); err != nil {
			l.log.V(1).Info("flush failed", "error", err.Error())
		}
	}
	l.log.V(1).Info("discarded oversized payload", "left", n)
}
