package bootrec

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/bigbag/rtflash/internal/protocol"
)

// ErrRecordAddress means the device would refuse an app record for the
// address.
var ErrRecordAddress = errors.New("address not accepted for an app record")

// CheckRecordAddress reports whether the device accepts an app record
// for an app loaded at address: [AppBase, ImageMaxBase).
func CheckRecordAddress(address uint32) error {
	if address < protocol.AppBase || address >= protocol.ImageMaxBase {
		return fmt.Errorf("%w: 0x%08X not in 0x%08X-0x%08X",
			ErrRecordAddress, address, protocol.AppBase, protocol.ImageMaxBase-1)
	}
	return nil
}

// Commander sends commands and data phases to the device.
type Commander interface {
	SendCommand(cmd, param, length, dataCRC uint32) ([]byte, error)
	SendData(buf []byte) ([]byte, error)
}

// Client reads and writes app records on the device.
type Client struct {
	link Commander
}

// NewClient returns a Client that talks over link.
func NewClient(link Commander) *Client {
	return &Client{link: link}
}

// ReadAppRecords reads both app slots.
func (c *Client) ReadAppRecords() ([NumSlots]AppRecord, error) {
	var apps [NumSlots]AppRecord

	data, err := c.link.SendCommand(protocol.CmdAppRecordRead|protocol.AppRecordBoth, 0, 0, 0)
	if err != nil {
		return apps, fmt.Errorf("app record read failed: %w", err)
	}
	if len(data) != NumSlots*RecordSize {
		return apps, fmt.Errorf("wrong app record response length: %d bytes, want %d", len(data), NumSlots*RecordSize)
	}

	for i := range apps {
		apps[i], err = DecodeAppRecord(data[i*RecordSize : (i+1)*RecordSize])
		if err != nil {
			return apps, err
		}
	}
	return apps, nil
}

// WriteAppRecord sends rec to the device. The command parameter is the
// app's load address, which the device range checks before accepting
// the record data.
func (c *Client) WriteAppRecord(rec AppRecord) error {
	buf, err := rec.MarshalBinary()
	if err != nil {
		return err
	}

	if _, err := c.link.SendCommand(protocol.CmdAppRecordWrite, rec.Address, uint32(len(buf)), protocol.Checksum(buf)); err != nil {
		return fmt.Errorf("app record write request failed: %w", err)
	}
	if _, err := c.link.SendData(buf); err != nil {
		return fmt.Errorf("app record write failed: %w", err)
	}
	return nil
}

// AppSHA256 asks the device for the SHA-256 of size bytes at address.
func (c *Client) AppSHA256(address, size uint32) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte

	data, err := c.link.SendCommand(protocol.CmdAppGetSHA256, address, size, 0)
	if err != nil {
		return sum, fmt.Errorf("app SHA request failed: %w", err)
	}
	if len(data) != sha256.Size {
		return sum, fmt.Errorf("wrong SHA response length: %d bytes, want %d", len(data), sha256.Size)
	}

	copy(sum[:], data)
	return sum, nil
}

// VerifyImageSHA asks the device for the SHA-256 of size bytes at
// address and reports whether it equals want. The device digest is
// returned either way.
func (c *Client) VerifyImageSHA(address, size uint32, want [sha256.Size]byte) ([sha256.Size]byte, bool, error) {
	got, err := c.AppSHA256(address, size)
	if err != nil {
		return got, false, err
	}
	return got, got == want, nil
}
