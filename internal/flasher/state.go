package flasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// State is a step of the firmware write sequence.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateUploading
	StateVerifyingHash
	StateWritingBootRecord
	StateDone
	StateAborted
)

var stateNames = map[State]string{
	StateIdle:              "idle",
	StateValidating:        "validating",
	StateUploading:         "uploading",
	StateVerifyingHash:     "verifying hash",
	StateWritingBootRecord: "writing boot record",
	StateDone:              "done",
	StateAborted:           "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// AbortError is returned by WriteFirmware when the sequence stops early.
// State is the step that failed.
type AbortError struct {
	State State
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("firmware write aborted while %s: %v", e.State, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// SHAMismatchError means the device's digest of the uploaded region
// differs from the image's.
type SHAMismatchError struct {
	Image  [sha256.Size]byte
	Device [sha256.Size]byte
}

func (e *SHAMismatchError) Error() string {
	return fmt.Sprintf("SHA-256 mismatch: image %s, device %s",
		strings.ToUpper(hex.EncodeToString(e.Image[:])),
		strings.ToUpper(hex.EncodeToString(e.Device[:])))
}

// FirmwareReport describes a WriteFirmware run.
type FirmwareReport struct {
	State State

	// History lists every state entered, in order.
	History []State

	Name    string
	Address uint32
	Size    int
	Padded  int
	SHA256  [sha256.Size]byte

	// Write is nil if the upload never started.
	Write *WriteOutcome

	Timestamp time.Time
}

func (r *FirmwareReport) enter(s State) {
	r.State = s
	r.History = append(r.History, s)
}
