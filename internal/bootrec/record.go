// Package bootrec encodes and decodes the bootloader's application boot
// records and exchanges them with the device.
package bootrec

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Record layout
//
//	app record (60 bytes):
//	0-15:  name, NUL terminated
//	16-19: address
//	20-23: size (low 24 bits) and flags (bit 24 = active)
//	24-27: timestamp, Unix seconds
//	28-59: SHA-256 over size bytes from address
//
// The device keeps both records in a 140-byte boot record behind a
// 16-byte id and a trailing CRC-32; APP_RECORDS_READ returns only the
// two app records.
const (
	NameSize   = 16
	RecordSize = 60
	NumSlots   = 2

	ActiveFlag = 0x01000000
	SizeMask   = 0x00FFFFFF
)

// AppRecord describes one installed application.
type AppRecord struct {
	Name      string
	Address   uint32
	Size      uint32
	Active    bool
	Timestamp time.Time
	SHA256    [sha256.Size]byte
}

// Configured reports whether the slot holds an application.
func (r AppRecord) Configured() bool {
	return r.Address != 0 && r.Size != 0
}

// MarshalBinary encodes the record into its 60-byte wire form.
// Names longer than 15 bytes are truncated to keep the terminator.
func (r AppRecord) MarshalBinary() ([]byte, error) {
	if r.Size > SizeMask {
		return nil, fmt.Errorf("app size %d does not fit in 24 bits", r.Size)
	}

	buf := make([]byte, RecordSize)
	name := []byte(r.Name)
	if len(name) > NameSize-1 {
		name = name[:NameSize-1]
	}
	copy(buf[0:NameSize], name)

	sizeFlags := r.Size
	if r.Active {
		sizeFlags |= ActiveFlag
	}

	var ts uint32
	if !r.Timestamp.IsZero() {
		ts = uint32(r.Timestamp.Unix())
	}

	binary.LittleEndian.PutUint32(buf[16:20], r.Address)
	binary.LittleEndian.PutUint32(buf[20:24], sizeFlags)
	binary.LittleEndian.PutUint32(buf[24:28], ts)
	copy(buf[28:60], r.SHA256[:])
	return buf, nil
}

// DecodeAppRecord parses a 60-byte app record. A slot whose address or
// size is zero decodes to the zero AppRecord.
func DecodeAppRecord(data []byte) (AppRecord, error) {
	if len(data) != RecordSize {
		return AppRecord{}, fmt.Errorf("app record is %d bytes, want %d", len(data), RecordSize)
	}

	address := binary.LittleEndian.Uint32(data[16:20])
	sizeFlags := binary.LittleEndian.Uint32(data[20:24])
	if address == 0 || sizeFlags&SizeMask == 0 {
		return AppRecord{}, nil
	}

	r := AppRecord{
		Name:    cString(data[0:NameSize]),
		Address: address,
		Size:    sizeFlags & SizeMask,
		Active:  sizeFlags&ActiveFlag != 0,
	}
	if ts := binary.LittleEndian.Uint32(data[24:28]); ts != 0 {
		r.Timestamp = time.Unix(int64(ts), 0)
	}
	copy(r.SHA256[:], data[28:60])
	return r, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
