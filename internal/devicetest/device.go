// Package devicetest provides a simulated bootloader monitor that speaks
// the binary protocol, for testing code that drives a link.Port.
package devicetest

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/bigbag/rtflash/internal/protocol"
)

// DefaultVersion is the identity string returned for GET_VERSION.
const DefaultVersion = "[MicroPython Bootloader v.1.2]"

const (
	appRecordSize = 60
	eraseValue    = 0xFF
)

// Phase tells an Intercept hook which half of an exchange is being served.
type Phase int

const (
	PhaseCommand Phase = iota
	PhaseData
)

// Action overrides the simulated device's reply.
type Action struct {
	// Status, when not OK, is returned instead of the normal reply.
	Status protocol.Status
	Detail uint32

	// Silent sends no reply at all.
	Silent bool

	// CorruptHeader flips a bit in the reply header after its CRC is set.
	CorruptHeader bool

	// CorruptPayload flips a bit in the reply payload after its CRC is set.
	CorruptPayload bool
}

// Device is an in-memory bootloader monitor. It is not safe for
// concurrent use; the protocol is strictly request/response.
type Device struct {
	Version string

	// Intercept, if set, is consulted before every reply. Returning nil
	// lets the device behave normally.
	Intercept func(f protocol.CommandFrame, phase Phase) *Action

	// SHAOverride, if set, is returned for APP_GETSHA256 instead of the
	// digest of flash contents.
	SHAOverride []byte

	flash   map[uint32][]byte
	records [2][appRecordSize]byte
	out     bytes.Buffer
	pending *protocol.CommandFrame
	corrupt *Action

	commands []protocol.CommandFrame
	data     int
	closed   bool
}

// New returns a device with erased flash and empty boot records.
func New() *Device {
	return &Device{
		Version: DefaultVersion,
		flash:   make(map[uint32][]byte),
	}
}

// Write accepts one command frame, or one data block when a two-phase
// command is waiting for its payload.
func (d *Device) Write(p []byte) (int, error) {
	if d.pending != nil {
		f := *d.pending
		d.pending = nil
		d.data++
		d.handleData(f, p)
		return len(p), nil
	}

	if len(p) != protocol.FrameSize {
		// the monitor ignores anything that is not a full frame
		return len(p), nil
	}

	f, err := protocol.DecodeCommand(p)
	if err != nil {
		d.reply(protocol.StatusCRC, nil, 0, nil)
		return len(p), nil
	}
	d.commands = append(d.commands, f)
	d.handleCommand(f)
	return len(p), nil
}

// ReadFull copies queued reply bytes into buf. It returns a short count
// when fewer bytes are queued, like a serial read that timed out.
func (d *Device) ReadFull(buf []byte) (int, error) {
	n, _ := d.out.Read(buf)
	return n, nil
}

// Close marks the device as disconnected.
func (d *Device) Close() error {
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	return d.closed
}

// Commands returns every decoded command frame received so far.
func (d *Device) Commands() []protocol.CommandFrame {
	return d.commands
}

// Count returns how many commands with the given opcode were received.
func (d *Device) Count(cmd uint32) int {
	n := 0
	for _, f := range d.commands {
		if f.Command&0x0000FFFF == cmd {
			n++
		}
	}
	return n
}

// DataWrites returns how many data phases were received.
func (d *Device) DataWrites() int {
	return d.data
}

// SetRecord stores raw app record bytes into slot (0 or 1).
func (d *Device) SetRecord(slot int, rec []byte) {
	copy(d.records[slot][:], rec)
}

// Record returns the raw app record bytes of slot (0 or 1).
func (d *Device) Record(slot int) []byte {
	return append([]byte(nil), d.records[slot][:]...)
}

// WriteFlash stores data at address, bypassing the protocol.
func (d *Device) WriteFlash(address uint32, data []byte) {
	for i, b := range data {
		d.setByte(address+uint32(i), b)
	}
}

// ReadFlash returns length bytes of flash contents at address.
func (d *Device) ReadFlash(address, length uint32) []byte {
	out := make([]byte, length)
	for i := range out {
		out[i] = d.byteAt(address + uint32(i))
	}
	return out
}

func (d *Device) handleCommand(f protocol.CommandFrame) {
	if d.intercepted(f, PhaseCommand) {
		return
	}

	switch {
	case f.Command == protocol.CmdGetVersion:
		d.ok([]byte(d.Version))

	case f.Command == protocol.CmdReadFlash:
		if f.Length != protocol.BlockSize {
			d.reply(protocol.StatusLength, nil, 0, nil)
			return
		}
		d.ok(d.ReadFlash(f.Param, f.Length))

	case f.Command == protocol.CmdWriteFlash:
		length := f.Length & 0x00FFFFFF
		if length > protocol.BlockSize {
			d.reply(protocol.StatusLength, nil, 0, nil)
			return
		}
		if f.Param < protocol.AppBase || f.Param+length >= 0x60800000 {
			d.reply(protocol.StatusAddress, nil, 0, nil)
			return
		}
		d.pending = &f
		d.ok(nil)

	case f.Command&0x0000FFFF == protocol.CmdAppRecordRead:
		var payload []byte
		if f.Command&protocol.AppRecordSlot1 != 0 {
			payload = append(payload, d.records[0][:]...)
		}
		if f.Command&protocol.AppRecordSlot2 != 0 {
			payload = append(payload, d.records[1][:]...)
		}
		d.ok(payload)

	case f.Command == protocol.CmdAppRecordWrite:
		if f.Length != appRecordSize {
			d.reply(protocol.StatusLength, nil, 0, nil)
			return
		}
		if f.Param < protocol.AppBase || f.Param >= protocol.ImageMaxBase {
			d.reply(protocol.StatusAddress, nil, 0, nil)
			return
		}
		d.pending = &f
		d.ok(nil)

	case f.Command == protocol.CmdAppGetSHA256:
		sum := sha256.Sum256(d.ReadFlash(f.Param, f.Length))
		digest := sum[:]
		if d.SHAOverride != nil {
			digest = d.SHAOverride
		}
		d.ok(digest)

	default:
		d.reply(protocol.StatusUnknownCmd, nil, 0, nil)
	}
}

func (d *Device) handleData(f protocol.CommandFrame, data []byte) {
	if d.intercepted(f, PhaseData) {
		return
	}

	length := f.Length & 0x00FFFFFF
	if uint32(len(data)) != length {
		d.reply(protocol.StatusData, nil, length<<16|uint32(len(data)), nil)
		return
	}
	if protocol.Checksum(data) != f.DataCRC {
		d.reply(protocol.StatusDataCRC, nil, binary.LittleEndian.Uint32(data), nil)
		return
	}

	switch f.Command {
	case protocol.CmdWriteFlash:
		d.WriteFlash(f.Param, data)
		d.ok(nil)

	case protocol.CmdAppRecordWrite:
		address := binary.LittleEndian.Uint32(data[16:20])
		size := binary.LittleEndian.Uint32(data[20:24]) & 0x00FFFFFF
		sum := sha256.Sum256(d.ReadFlash(address, size))
		if !bytes.Equal(sum[:], data[28:60]) {
			d.reply(protocol.StatusSHA256, nil, 0, nil)
			return
		}
		slot := 0
		if (f.Length>>16)&2 != 0 {
			slot = 1
		}
		d.SetRecord(slot, data)
		d.ok(nil)
	}
}

func (d *Device) intercepted(f protocol.CommandFrame, phase Phase) bool {
	if d.Intercept == nil {
		return false
	}
	a := d.Intercept(f, phase)
	if a == nil {
		return false
	}
	if a.Status != protocol.StatusOK {
		d.reply(a.Status, nil, a.Detail, a)
		return true
	}
	if a.Silent {
		return true
	}
	// corrupt whatever reply comes next
	d.corrupt = a
	return false
}

func (d *Device) ok(payload []byte) {
	d.reply(protocol.StatusOK, payload, 0, nil)
}

func (d *Device) reply(status protocol.Status, payload []byte, detail uint32, a *Action) {
	if a == nil {
		a = d.corrupt
	}
	d.corrupt = nil

	if len(payload) > 0 {
		detail = protocol.Checksum(payload)
	}
	header := protocol.EncodeResponse(status, uint32(len(payload)), detail)
	payload = append([]byte(nil), payload...)

	if a != nil && a.CorruptHeader {
		header[0] ^= 0x01
	}
	if a != nil && a.CorruptPayload && len(payload) > 0 {
		payload[0] ^= 0x01
	}

	d.out.Write(header)
	d.out.Write(payload)
}

func (d *Device) setByte(address uint32, b byte) {
	base := address &^ (protocol.BlockSize - 1)
	block, ok := d.flash[base]
	if !ok {
		block = bytes.Repeat([]byte{eraseValue}, protocol.BlockSize)
		d.flash[base] = block
	}
	block[address-base] = b
}

func (d *Device) byteAt(address uint32) byte {
	base := address &^ (protocol.BlockSize - 1)
	block, ok := d.flash[base]
	if !ok {
		return eraseValue
	}
	return block[address-base]
}
