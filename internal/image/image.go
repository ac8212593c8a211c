// Package image validates i.MX RT firmware images and prepares them for
// upload.
package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/spf13/afero"

	"github.com/bigbag/rtflash/internal/protocol"
)

// Image layout
const (
	MinSize = 0x10000  // 64KB
	MaxSize = 0x200000 // 2MB

	FCFBMagic = 0x42464346 // "FCFB"
	IVTMagic  = 0x412000D1
	IVTOffset = 0x1000

	addressMask = 0xFFFF0000
	fillByte    = 0xFF
)

// Validation errors, checked in this order.
var (
	ErrSizeOutOfRange          = errors.New("image size out of range")
	ErrMissingContainerMagic   = errors.New("not a firmware image: FCFB missing")
	ErrMissingImageVectorTable = errors.New("not a firmware image: IVT id missing")
	ErrAddressOutOfRange       = errors.New("not a firmware image: wrong address")
)

// Image is a validated firmware image ready for upload.
type Image struct {
	// Address is the flash load address taken from the IVT.
	Address uint32

	// Size is the unpadded file size.
	Size int

	// Data is the image padded with 0xFF to a whole number of blocks.
	Data []byte

	// SHA256 is the digest of Data.
	SHA256 [sha256.Size]byte
}

// Validate checks that data is a flashable image and returns its load address.
func Validate(data []byte) (uint32, error) {
	if len(data) < MinSize || len(data) > MaxSize {
		return 0, fmt.Errorf("%w: %d bytes, must be %d to %d", ErrSizeOutOfRange, len(data), MinSize, MaxSize)
	}

	if binary.LittleEndian.Uint32(data[0:4]) != FCFBMagic {
		return 0, ErrMissingContainerMagic
	}

	ivt := data[IVTOffset : IVTOffset+8]
	if binary.LittleEndian.Uint32(ivt[0:4]) != IVTMagic {
		return 0, ErrMissingImageVectorTable
	}

	address := binary.LittleEndian.Uint32(ivt[4:8]) & addressMask
	if address < protocol.AppBase || address > protocol.ImageMaxBase {
		return 0, fmt.Errorf("%w: 0x%08X not in 0x%08X-0x%08X",
			ErrAddressOutOfRange, address, protocol.AppBase, protocol.ImageMaxBase)
	}

	return address, nil
}

// Pad returns data extended with 0xFF to a multiple of the block size.
// The input is never modified.
func Pad(data []byte) []byte {
	padded := append([]byte(nil), data...)
	if rem := len(data) % protocol.BlockSize; rem != 0 {
		padded = append(padded, bytes.Repeat([]byte{fillByte}, protocol.BlockSize-rem)...)
	}
	return padded
}

// Digest returns the SHA-256 of data.
func Digest(data []byte) [sha256.Size]byte {
	return sha256.Sum256(data)
}

// New validates data and prepares the padded image.
func New(data []byte) (*Image, error) {
	address, err := Validate(data)
	if err != nil {
		return nil, err
	}

	padded := Pad(data)
	return &Image{
		Address: address,
		Size:    len(data),
		Data:    padded,
		SHA256:  Digest(padded),
	}, nil
}

// Load reads a firmware file from fs and prepares it with New.
func Load(fs afero.Fs, path string) (*Image, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware file: %w", err)
	}
	return New(data)
}
