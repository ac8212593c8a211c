package protocol

import "time"

// Bootloader monitor commands
const (
	CmdGetVersion     = 0x0000D001
	CmdReadFlash      = 0x0000D102
	CmdWriteFlash     = 0x0000D103
	CmdAppRecordRead  = 0x0000D204
	CmdAppRecordWrite = 0x0000D205
	CmdAppGetSHA256   = 0x0000D206
)

// Sub-opcode flags carried in the upper 16 bits of CmdAppRecordRead.
const (
	AppRecordSlot1 = 0x00010000
	AppRecordSlot2 = 0x00020000
	AppRecordBoth  = AppRecordSlot1 | AppRecordSlot2
)

// LastBlockFlag marks the final CmdWriteFlash block in the length field.
const LastBlockFlag = 0x01000000

// Frame parameters
const (
	FrameSize     = 20
	FrameBodySize = 16
	BlockSize     = 0x1000 // 4KB read and write transfers
	SHA256Size    = 32
)

// Flash address space of the i.MX RT10xx QSPI flash
const (
	FlashBase    = 0x60000000
	AppBase      = 0x60010000
	FlashEnd     = 0x607FF000
	ImageMaxBase = 0x60200000
)

// Default serial parameters
const (
	DefaultBaudRate    = 115200
	DefaultReadTimeout = 1250 * time.Millisecond
)

// CommandName returns the mnemonic for a command word.
// Sub-opcode flags in the upper half are ignored.
func CommandName(cmd uint32) string {
	switch cmd & 0x0000FFFF {
	case CmdGetVersion:
		return "GET_VERSION"
	case CmdReadFlash:
		return "READ_FLASH"
	case CmdWriteFlash:
		return "WRITE_FLASH"
	case CmdAppRecordRead:
		return "APP_RECORD_READ"
	case CmdAppRecordWrite:
		return "APP_RECORD_WRITE"
	case CmdAppGetSHA256:
		return "APP_GETSHA256"
	default:
		return "UNKNOWN"
	}
}
