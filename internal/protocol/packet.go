package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Frame decoding errors
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrHeaderCRC      = errors.New("frame header CRC mismatch")
)

// CommandFrame is a decoded host-to-device command header.
type CommandFrame struct {
	Command uint32
	Param   uint32
	Length  uint32
	DataCRC uint32
}

// ResponseFrame is a decoded device-to-host response header.
type ResponseFrame struct {
	Status   Status
	Reserved uint32
	DataLen  uint32

	// Detail is the payload CRC when DataLen > 0, otherwise an
	// error sub-detail whose meaning depends on the command.
	Detail uint32
}

// Checksum computes the CRC-32 (IEEE, reflected) used for both
// frame headers and payloads.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// EncodeCommand serializes a command frame and appends its CRC.
func EncodeCommand(cmd, param, length, dataCRC uint32) []byte {
	// Frame format (little-endian):
	// 0-3:   command
	// 4-7:   param
	// 8-11:  length
	// 12-15: data CRC
	// 16-19: CRC-32 of bytes 0-15
	return encodeFrame(cmd, param, length, dataCRC)
}

// EncodeResponse serializes a response frame as the device sends it.
func EncodeResponse(status Status, dataLen, detail uint32) []byte {
	return encodeFrame(uint32(status), 0, dataLen, detail)
}

func encodeFrame(w0, w1, w2, w3 uint32) []byte {
	frame := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(frame[0:4], w0)
	binary.LittleEndian.PutUint32(frame[4:8], w1)
	binary.LittleEndian.PutUint32(frame[8:12], w2)
	binary.LittleEndian.PutUint32(frame[12:16], w3)
	binary.LittleEndian.PutUint32(frame[16:20], Checksum(frame[:FrameBodySize]))
	return frame
}

// DecodeCommand parses a command frame and checks its CRC.
func DecodeCommand(data []byte) (CommandFrame, error) {
	if err := checkFrame(data); err != nil {
		return CommandFrame{}, err
	}
	return CommandFrame{
		Command: binary.LittleEndian.Uint32(data[0:4]),
		Param:   binary.LittleEndian.Uint32(data[4:8]),
		Length:  binary.LittleEndian.Uint32(data[8:12]),
		DataCRC: binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// DecodeResponse parses a response frame and checks its CRC.
// A non-OK status is not an error here; the caller inspects Status.
func DecodeResponse(data []byte) (ResponseFrame, error) {
	if err := checkFrame(data); err != nil {
		return ResponseFrame{}, err
	}
	return ResponseFrame{
		Status:   Status(binary.LittleEndian.Uint32(data[0:4])),
		Reserved: binary.LittleEndian.Uint32(data[4:8]),
		DataLen:  binary.LittleEndian.Uint32(data[8:12]),
		Detail:   binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

func checkFrame(data []byte) error {
	if len(data) < FrameSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrMalformedFrame, len(data), FrameSize)
	}
	want := binary.LittleEndian.Uint32(data[FrameBodySize:FrameSize])
	if got := Checksum(data[:FrameBodySize]); got != want {
		return fmt.Errorf("%w: got 0x%08X, frame says 0x%08X", ErrHeaderCRC, got, want)
	}
	return nil
}
