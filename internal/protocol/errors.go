package protocol

import (
	"errors"
	"fmt"
)

// Status is a response status code reported by the bootloader.
type Status uint32

// Status codes from the bootloader monitor
const (
	StatusOK              Status = 0x00000000
	StatusCRC             Status = 0x0000E101
	StatusFlashWrite      Status = 0x0000E102
	StatusUnknownCmd      Status = 0x0000E103
	StatusAddress         Status = 0x0000E104
	StatusLength          Status = 0x0000E105
	StatusData            Status = 0x0000E106
	StatusDataCRC         Status = 0x0000E107
	StatusAppRecRead      Status = 0x0000E108
	StatusSHA256          Status = 0x0000E109
	StatusBootRecRead     Status = 0x0000E10A
	StatusBootRecWrite    Status = 0x0000E10B
	StatusBkpBootRecWrite Status = 0x0000E10C
	StatusFlashDataCRC    Status = 0x0000E10D
	StatusFlashErase      Status = 0x0000E10E
)

// String returns the human-readable description of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusCRC:
		return "command CRC error"
	case StatusFlashWrite:
		return "flash write error"
	case StatusUnknownCmd:
		return "unknown command"
	case StatusAddress:
		return "wrong address received"
	case StatusLength:
		return "wrong length received"
	case StatusData:
		return "data receive error"
	case StatusDataCRC:
		return "data CRC error"
	case StatusAppRecRead:
		return "error reading app record"
	case StatusSHA256:
		return "firmware SHA error"
	case StatusBootRecRead:
		return "boot record read error"
	case StatusBootRecWrite:
		return "main boot record write error"
	case StatusBkpBootRecWrite:
		return "backup boot record write error"
	case StatusFlashDataCRC:
		return "flash data CRC error"
	case StatusFlashErase:
		return "flash erase error"
	default:
		return fmt.Sprintf("unknown response code (0x%X)", uint32(s))
	}
}

// Fault is a transport-level failure detected on the host side.
type Fault uint8

// Transport faults
const (
	FaultNone Fault = iota
	FaultNoResponse
	FaultIO
	FaultHeaderCRC
	FaultShortPayload
	FaultPayloadCRC
)

// String returns the human-readable description of the fault.
func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "no fault"
	case FaultNoResponse:
		return "no response to command"
	case FaultIO:
		return "exception processing response"
	case FaultHeaderCRC:
		return "response CRC error"
	case FaultShortPayload:
		return "no valid response data"
	case FaultPayloadCRC:
		return "response data CRC error"
	default:
		return "unknown fault"
	}
}

// Kind tells which side detected an Error.
type Kind uint8

const (
	KindDevice Kind = iota + 1
	KindTransport
)

// Error is the single error type for a failed exchange. Device errors
// carry the reported Status; transport errors carry a Fault.
type Error struct {
	Kind   Kind
	Status Status
	Fault  Fault

	// Detail is the fourth response word. For device errors it holds the
	// error sub-detail (e.g. mismatch index for StatusFlashDataCRC).
	Detail uint32

	// Payload is any response data received alongside the error.
	Payload []byte

	// Err is the underlying cause of a transport fault, if any.
	Err error
}

// DeviceError returns an error for a non-OK status reported by the device.
func DeviceError(status Status, detail uint32) *Error {
	return &Error{Kind: KindDevice, Status: status, Detail: detail}
}

// TransportError returns an error for a host-side transport fault.
func TransportError(fault Fault, cause error) *Error {
	return &Error{Kind: KindTransport, Fault: fault, Err: cause}
}

func (e *Error) Error() string {
	if e.Kind == KindDevice {
		return fmt.Sprintf("device: %s", e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Fault, e.Err)
	}
	return fmt.Sprintf("transport: %s", e.Fault)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsDevice reports whether err is a device error with the given status.
func IsDevice(err error, status Status) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindDevice && pe.Status == status
}

// IsFault reports whether err is a transport error with the given fault.
func IsFault(err error, fault Fault) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindTransport && pe.Fault == fault
}
