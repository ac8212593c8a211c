package flasher

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/bigbag/rtflash/internal/protocol"
)

// DefaultAttempts is how many times one block write is tried before the
// whole write aborts.
const DefaultAttempts = 5

// DefaultDataDelay is the pause between an acknowledged write command and
// its data block.
const DefaultDataDelay = 10 * time.Millisecond

// headDumpSize is how much of a failing block is kept for diagnostics.
const headDumpSize = 32

// ProgressCallback is called after each block with the number of blocks
// done and the total.
type ProgressCallback func(current, total int)

// Commander sends commands and data phases to the device.
type Commander interface {
	SendCommand(cmd, param, length, dataCRC uint32) ([]byte, error)
	SendData(buf []byte) ([]byte, error)
}

// AddressError reports a region that fails the flash range and
// alignment rules. It is detected before any I/O.
type AddressError struct {
	Address uint32
	Length  uint32
	Reason  string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid region 0x%08X+0x%X: %s", e.Address, e.Length, e.Reason)
}

// CheckAddress validates a transfer region: address in [min, FlashEnd],
// address and length block aligned, length non-zero and the region not
// extending past FlashEnd.
func CheckAddress(address, length, min uint32) error {
	fail := func(reason string) error {
		return &AddressError{Address: address, Length: length, Reason: reason}
	}

	if address < min || address > protocol.FlashEnd {
		return fail(fmt.Sprintf("address not in range 0x%08X - 0x%08X", min, protocol.FlashEnd))
	}
	if address%protocol.BlockSize != 0 {
		return fail("address must be aligned to 4KB")
	}
	if length == 0 || length%protocol.BlockSize != 0 {
		return fail("length must be greater than 0 and a 4KB multiple")
	}
	if uint64(address)+uint64(length) > protocol.FlashEnd {
		return fail(fmt.Sprintf("end address greater than 0x%08X", protocol.FlashEnd))
	}
	return nil
}

// Stats describes a completed transfer.
type Stats struct {
	Bytes   uint32
	Elapsed time.Duration
}

// Rate returns the throughput in bytes per second.
func (s Stats) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}

// Engine moves flash contents in 4KB blocks, strictly in ascending
// address order.
type Engine struct {
	link      Commander
	log       logr.Logger
	attempts  int
	dataDelay time.Duration
	progress  ProgressCallback
}

// NewEngine creates an Engine. Non-positive attempts fall back to
// DefaultAttempts.
func NewEngine(link Commander, log logr.Logger, attempts int, dataDelay time.Duration) *Engine {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return &Engine{
		link:      link,
		log:       log,
		attempts:  attempts,
		dataDelay: dataDelay,
	}
}

// SetProgressCallback sets the progress callback function.
func (e *Engine) SetProgressCallback(cb ProgressCallback) {
	e.progress = cb
}

// reportProgress calls the progress callback if set.
func (e *Engine) reportProgress(current, total int) {
	if e.progress != nil {
		e.progress(current, total)
	}
}

// RegionReader iterates over the blocks of a flash region:
//
//	r, err := engine.ReadRegion(addr, length)
//	for r.Next() {
//	    use(r.Block())
//	}
//	if err := r.Err(); err != nil { ... r.Transferred() ... }
type RegionReader struct {
	e       *Engine
	address uint32
	length  uint32
	done    uint32
	current uint32
	block   []byte
	err     error
	start   time.Time
	elapsed time.Duration
}

// ReadRegion validates the region and returns a reader for it. No I/O is
// performed until the first call to Next.
func (e *Engine) ReadRegion(address, length uint32) (*RegionReader, error) {
	if err := CheckAddress(address, length, protocol.FlashBase); err != nil {
		return nil, err
	}
	return &RegionReader{e: e, address: address, length: length}, nil
}

// Next reads the next block. It returns false when the region is done or
// a block failed; Err tells which.
func (r *RegionReader) Next() bool {
	if r.err != nil || r.done >= r.length {
		return false
	}
	if r.start.IsZero() {
		r.start = time.Now()
	}

	addr := r.address + r.done
	data, err := r.e.link.SendCommand(protocol.CmdReadFlash, addr, protocol.BlockSize, 0)
	if err != nil {
		r.err = fmt.Errorf("read error at address 0x%08X: %w", addr, err)
		r.block = nil
		return false
	}
	if len(data) != protocol.BlockSize {
		r.err = fmt.Errorf("read error at address 0x%08X: wrong data length (%d)", addr, len(data))
		r.block = nil
		return false
	}

	r.current = addr
	r.block = data
	r.done += protocol.BlockSize
	if r.done == r.length {
		r.elapsed = time.Since(r.start)
	}
	r.e.reportProgress(int(r.done/protocol.BlockSize), int(r.length/protocol.BlockSize))
	return true
}

// Block returns the block read by the last successful Next.
func (r *RegionReader) Block() []byte {
	return r.block
}

// Address returns the flash address of Block.
func (r *RegionReader) Address() uint32 {
	return r.current
}

// Err returns the error that stopped the reader, if any.
func (r *RegionReader) Err() error {
	return r.err
}

// Transferred returns how many bytes were read successfully.
func (r *RegionReader) Transferred() uint32 {
	return r.done
}

// Stats returns the transfer statistics. ok is false until the whole
// region has been read.
func (r *RegionReader) Stats() (s Stats, ok bool) {
	if r.err != nil || r.done != r.length {
		return Stats{}, false
	}
	return Stats{Bytes: r.done, Elapsed: r.elapsed}, true
}

// WriteOutcome reports the result of WriteRegion, successful or not.
type WriteOutcome struct {
	Address   uint32
	Written   uint32
	Remaining uint32
	Retries   int
	Elapsed   time.Duration
}

// Stats returns the transfer statistics of a completed write.
func (o *WriteOutcome) Stats() Stats {
	return Stats{Bytes: o.Written, Elapsed: o.Elapsed}
}

// WriteError reports a block that could not be written after all attempts.
type WriteError struct {
	Address uint32

	// Head is the first 32 bytes of the failing block.
	Head []byte

	// Err is the last attempt's error. Device errors carry the
	// device's detail word and any response payload.
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write failed at address 0x%08X: %v", e.Address, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Diagnostics returns hex dumps of the failing block and of any response
// payload, plus the mismatch index for flash data CRC errors.
func (e *WriteError) Diagnostics() []string {
	var lines []string
	head := hex.EncodeToString(e.Head)

	var pe *protocol.Error
	if errors.As(e.Err, &pe) && pe.Kind == protocol.KindDevice && pe.Status == protocol.StatusFlashDataCRC {
		lines = append(lines, fmt.Sprintf("idx=%d [%s]", pe.Detail, head))
	} else {
		lines = append(lines, fmt.Sprintf("[%s]", head))
	}
	if pe != nil && len(pe.Payload) > 0 {
		lines = append(lines, fmt.Sprintf("[%s]", hex.EncodeToString(pe.Payload)))
	}
	return lines
}

// WriteRegion writes data, which must be padded to whole blocks, starting
// at address. Each block is tried up to the configured number of attempts;
// the first block that exhausts them aborts the write and the outcome
// tells how far it got.
func (e *Engine) WriteRegion(address uint32, data []byte) (*WriteOutcome, error) {
	if err := CheckAddress(address, uint32(len(data)), protocol.AppBase); err != nil {
		return nil, err
	}

	outcome := &WriteOutcome{Address: address, Remaining: uint32(len(data))}
	total := len(data) / protocol.BlockSize
	start := time.Now()

	for idx := 0; idx < total; idx++ {
		addr := address + uint32(idx*protocol.BlockSize)
		block := data[idx*protocol.BlockSize : (idx+1)*protocol.BlockSize]
		last := idx == total-1

		var err error
		for attempt := 1; attempt <= e.attempts; attempt++ {
			if err = e.writeBlock(addr, block, last); err == nil {
				break
			}
			outcome.Retries++
			e.log.V(1).Info("block write failed", "address", fmt.Sprintf("0x%08X", addr),
				"attempt", attempt, "error", err.Error())
		}
		if err != nil {
			head := block
			if len(head) > headDumpSize {
				head = head[:headDumpSize]
			}
			return outcome, &WriteError{
				Address: addr,
				Head:    append([]byte(nil), head...),
				Err:     err,
			}
		}

		outcome.Written += protocol.BlockSize
		outcome.Remaining -= protocol.BlockSize
		e.reportProgress(idx+1, total)
	}

	outcome.Elapsed = time.Since(start)
	return outcome, nil
}

// writeBlock performs one two-phase block write: the command announcing
// the block and its CRC, then the block itself.
func (e *Engine) writeBlock(address uint32, block []byte, last bool) error {
	length := uint32(len(block))
	if last {
		length |= protocol.LastBlockFlag
	}

	if _, err := e.link.SendCommand(protocol.CmdWriteFlash, address, length, protocol.Checksum(block)); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	if e.dataDelay > 0 {
		time.Sleep(e.dataDelay)
	}
	if _, err := e.link.SendData(block); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}
